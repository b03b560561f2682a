package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/Veraticus/districtlink/internal/config"
	"github.com/Veraticus/districtlink/internal/metrics"
	"github.com/Veraticus/districtlink/internal/policy"
	"github.com/Veraticus/districtlink/internal/storage"
)

// loadConfig resolves the settings for the current command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// initStorage opens the ledger database and brings its schema up to date.
func initStorage(ctx context.Context, cfg *config.Config) (*storage.SQLiteStorage, error) {
	if err := cfg.EnsureDatabaseDir(); err != nil {
		return nil, err
	}

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// openStorage loads the configuration and opens the database. The returned
// function closes the store.
func openStorage(ctx context.Context) (*storage.SQLiteStorage, *config.Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := initStorage(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	closeFn := func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("failed to close storage", "error", closeErr)
		}
	}
	return store, cfg, closeFn, nil
}

// loadPolicy returns the configured policy document or the built-in one.
func loadPolicy(cfg *config.Config) (*policy.Policy, error) {
	if cfg.PolicyFile == "" {
		return policy.Default(), nil
	}

	p, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy %s: %w", cfg.PolicyFile, err)
	}
	slog.Debug("Loaded match policy", "file", cfg.PolicyFile, "version", p.Version)
	return p, nil
}

// newMetrics creates match metrics on a private registry.
func newMetrics() (*metrics.MatchMetrics, error) {
	m, err := metrics.NewMatchMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}
	return m, nil
}

// writeMetrics writes m to the configured textfile, if any.
func writeMetrics(cfg *config.Config, m *metrics.MatchMetrics) {
	if cfg.MetricsTextfile == "" {
		return
	}
	if err := m.WriteTextfile(cfg.MetricsTextfile); err != nil {
		slog.Warn("Failed to write metrics textfile", "path", cfg.MetricsTextfile, "error", err)
		return
	}
	slog.Debug("Wrote metrics textfile", "path", cfg.MetricsTextfile)
}

// reviewer returns the actor recorded for human decisions.
func reviewer(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return config.DefaultActor
}
