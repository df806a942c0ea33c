package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Transaction.LockTimeout)
	assert.Equal(t, 8, cfg.Bus.Workers)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "quantumleap.events", cfg.Kafka.Topic)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 16, cfg.Emergency.MaxConcurrent)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
database:
  driver: postgres
  dsn: "host=db user=app dbname=quantumleap"
bus:
  workers: 4
emergency:
  close_positions: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Bus.Workers)
	assert.True(t, cfg.Emergency.ClosePositions)
	// Untouched sections keep their defaults.
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: oracle
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
