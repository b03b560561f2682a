package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/Veraticus/districtlink/internal/common"
)

// Configuration keys.
const (
	KeyDatabasePath    = "database.path"
	KeyMatchingWorkers = "matching.workers"
	KeyMatchingActor   = "matching.actor"
	KeyPolicyFile      = "policy.file"
	KeyMetricsTextfile = "metrics.textfile"
	KeyLogLevel        = "logging.level"
	KeyLogFormat       = "logging.format"
)

// DefaultDatabasePath is where the ledger lives unless configured otherwise.
const DefaultDatabasePath = "$HOME/.local/share/districtlink/districtlink.db"

// DefaultActor is recorded as decided_by for automatic decisions.
const DefaultActor = "system"

// Config holds the resolved settings for a command run.
type Config struct {
	DatabasePath    string
	Actor           string
	PolicyFile      string
	MetricsTextfile string
	LogLevel        string
	LogFormat       string
	Workers         int
}

// SetDefaults registers default values for every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyDatabasePath, DefaultDatabasePath)
	v.SetDefault(KeyMatchingWorkers, runtime.NumCPU())
	v.SetDefault(KeyMatchingActor, DefaultActor)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
}

// Load reads the configuration from v, expanding paths.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DatabasePath:    ExpandPath(v.GetString(KeyDatabasePath)),
		Actor:           v.GetString(KeyMatchingActor),
		PolicyFile:      ExpandPath(v.GetString(KeyPolicyFile)),
		MetricsTextfile: ExpandPath(v.GetString(KeyMetricsTextfile)),
		LogLevel:        v.GetString(KeyLogLevel),
		LogFormat:       v.GetString(KeyLogFormat),
		Workers:         v.GetInt(KeyMatchingWorkers),
	}

	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("%w: %s is empty", common.ErrMissingConfig, KeyDatabasePath)
	}
	if cfg.Actor == "" {
		return nil, fmt.Errorf("%w: %s is empty", common.ErrMissingConfig, KeyMatchingActor)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: %s must be at least 1, got %d", common.ErrInvalidConfig, KeyMatchingWorkers, cfg.Workers)
	}

	return cfg, nil
}

// EnsureDatabaseDir creates the directory holding the database file.
func (c *Config) EnsureDatabaseDir() error {
	dir := filepath.Dir(c.DatabasePath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}
