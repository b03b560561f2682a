package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/districtlink/internal/config"
	"github.com/Veraticus/districtlink/internal/policy"
)

func TestLoadPolicy(t *testing.T) {
	t.Run("default when unset", func(t *testing.T) {
		p, err := loadPolicy(&config.Config{})
		require.NoError(t, err)
		assert.Equal(t, policy.DefaultVersion, p.Version)
	})

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte("version: \"2025-2\"\nfuzzy:\n  max_confidence: 0.85\n"), 0o600))

		p, err := loadPolicy(&config.Config{PolicyFile: path})
		require.NoError(t, err)
		assert.Equal(t, "2025-2", p.Version)
		assert.InDelta(t, 0.85, p.Fuzzy.MaxConfidence, 1e-9)
		assert.InDelta(t, policy.Default().Methods.ExactID, p.Methods.ExactID, 1e-9)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadPolicy(&config.Config{PolicyFile: filepath.Join(t.TempDir(), "absent.yaml")})
		assert.Error(t, err)
	})
}

func TestReviewer(t *testing.T) {
	t.Setenv("USER", "dana")
	assert.Equal(t, "maria", reviewer("maria"))
	assert.Equal(t, "dana", reviewer(""))

	t.Setenv("USER", "")
	assert.Equal(t, config.DefaultActor, reviewer(""))
}

func TestRootCommandTree(t *testing.T) {
	want := []string{"migrate", "baseline", "batch", "match", "review", "history", "flags", "export", "policy", "snapshot", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	cmd, _, err := rootCmd.Find([]string{"review", "reassign"})
	require.NoError(t, err)
	assert.Equal(t, "reassign", cmd.Name())
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		want  string
		bytes int64
	}{
		{"0 B", 0},
		{"1023 B", 1023},
		{"1.0 KB", 1024},
		{"1.5 MB", 1536 * 1024},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.bytes))
	}
}
