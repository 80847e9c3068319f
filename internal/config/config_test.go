package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPopulatesSpecDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5.0, cfg.Worker.PollIntervalSeconds)
	assert.Equal(t, "kura_jobs", cfg.Worker.ListenChannel)
	assert.Equal(t, 8081, cfg.Health.Port)
	assert.True(t, cfg.Features.CalibrationEnabled)
	assert.False(t, cfg.Features.TrainingLoadV2Enabled)
	assert.Equal(t, "closed_form", cfg.Inference.Engine)
}

func TestValidateRequiresDatabaseDSN(t *testing.T) {
	cfg := New()
	err := cfg.Validate()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestValidateRejectsNonPositivePollInterval(t *testing.T) {
	cfg := New()
	cfg.Database.DSN = "postgres://localhost/kura"
	cfg.Worker.PollIntervalSeconds = 0
	assert.ErrorContains(t, cfg.Validate(), "POLL_INTERVAL_SECONDS")
}

func TestValidateRejectsNonPositiveBatchSize(t *testing.T) {
	cfg := New()
	cfg.Database.DSN = "postgres://localhost/kura"
	cfg.Worker.BatchSize = 0
	assert.ErrorContains(t, cfg.Validate(), "BATCH_SIZE")
}

func TestValidateRejectsNegativeMaxRetries(t *testing.T) {
	cfg := New()
	cfg.Database.DSN = "postgres://localhost/kura"
	cfg.Worker.MaxRetries = -1
	assert.ErrorContains(t, cfg.Validate(), "MAX_RETRIES")
}

func TestValidatePassesWithDefaultsPlusDSN(t *testing.T) {
	cfg := New()
	cfg.Database.DSN = "postgres://localhost/kura"
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFileOverridesDefaultsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  batch_size: 25\n"), 0o600))

	cfg := New()
	require.NoError(t, loadFromFile(path, cfg))
	assert.Equal(t, 25, cfg.Worker.BatchSize)
	// Unset fields keep their New() defaults.
	assert.Equal(t, "kura_jobs", cfg.Worker.ListenChannel)
}

func TestLoadFromFileIsANoOpWhenFileMissing(t *testing.T) {
	cfg := New()
	require.NoError(t, loadFromFile(filepath.Join(t.TempDir(), "missing.yaml"), cfg))
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
}

func TestLoadAppliesEnvOverridesOnTopOfFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/kura_test")
	t.Setenv("BATCH_SIZE", "42")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/kura_test", cfg.Database.DSN)
	assert.Equal(t, 42, cfg.Worker.BatchSize)
}
