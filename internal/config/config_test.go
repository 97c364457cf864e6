package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Novelty.Threshold)
	assert.Equal(t, 3, cfg.Evaluator.MaxAttempts)
	assert.Equal(t, 2.5, cfg.Silence.SpeedThreshold)
	assert.Equal(t, "skip", cfg.Orchestrator.OnFailure)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
orchestrator:
  max_turns: 4
  retry_backoff: 50ms
novelty:
  threshold: 4
`), 0o600))
	t.Setenv("DUET_BACKEND_ADDRESS", "backend:9000")
	t.Setenv("DUET_ORCHESTRATOR_ON_FAILURE", "abort")

	cfg, err := Load(NewViper(path))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Orchestrator.MaxTurns)
	assert.Equal(t, 50*time.Millisecond, cfg.Orchestrator.RetryBackoff)
	assert.Equal(t, 4, cfg.Novelty.Threshold)
	assert.Equal(t, "backend:9000", cfg.Backend.Address)
	assert.Equal(t, "abort", cfg.Orchestrator.OnFailure)
	assert.Equal(t, 5, cfg.Novelty.MaxStuckTerms, "unset keys keep defaults")
}

func TestLoadWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(NewViper(""))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadRejectsMissingExplicitFile(t *testing.T) {
	_, err := Load(NewViper(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"bad failure policy", func(c *Config) { c.Orchestrator.OnFailure = "retry" }, "on_failure"},
		{"threshold too low", func(c *Config) { c.Novelty.Threshold = 1 }, "novelty.threshold"},
		{"rotation too wide", func(c *Config) { c.Novelty.RotationWindow = 5 }, "rotation_window"},
		{"no attempts", func(c *Config) { c.Evaluator.MaxAttempts = -1 }, "max_attempts"},
		{"negative rate", func(c *Config) { c.Backend.RateLimit = -1 }, "rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
