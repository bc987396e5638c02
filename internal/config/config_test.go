package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWorkerConfigDefaults(t *testing.T) {
	t.Setenv("WEBHOOK_RELAY_DATABASE_HOST", "localhost")
	t.Setenv("WEBHOOK_RELAY_DATABASE_DBNAME", "webhook_relay")

	cfg, err := LoadWorkerConfig("", "")
	require.NoError(t, err)

	assert.False(t, cfg.Debug)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, 50, cfg.Dispatcher.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Dispatcher.IdleInterval)
	assert.Equal(t, 5*time.Minute, cfg.Dispatcher.ProcessingTimeout)
	assert.Equal(t, 8, cfg.Dispatcher.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.HTTPTimeout)
	assert.Equal(t, 5, cfg.Dispatcher.MaxRetries)
}

func TestLoadWorkerConfigEnvOverride(t *testing.T) {
	t.Setenv("WEBHOOK_RELAY_DATABASE_HOST", "db.internal")
	t.Setenv("WEBHOOK_RELAY_DATABASE_DBNAME", "relay")
	t.Setenv("WEBHOOK_RELAY_DATABASE_PASSWORD", "hunter2")
	t.Setenv("WEBHOOK_RELAY_DISPATCHER_BATCH_SIZE", "10")
	t.Setenv("WEBHOOK_RELAY_DISPATCHER_IDLE_INTERVAL", "500ms")
	t.Setenv("WEBHOOK_RELAY_DISPATCHER_MAX_RETRIES", "3")
	t.Setenv("WEBHOOK_RELAY_DEBUG", "true")

	cfg, err := LoadWorkerConfig("", "")
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "hunter2", cfg.Database.Password)
	assert.Equal(t, 10, cfg.Dispatcher.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatcher.IdleInterval)
	assert.Equal(t, 3, cfg.Dispatcher.MaxRetries)
}

func TestLoadWorkerConfigMissingDatabase(t *testing.T) {
	t.Run("missing host", func(t *testing.T) {
		t.Setenv("WEBHOOK_RELAY_DATABASE_HOST", "")
		t.Setenv("WEBHOOK_RELAY_DATABASE_DBNAME", "relay")
		_, err := LoadWorkerConfig("", "")
		assert.ErrorContains(t, err, "database.host")
	})

	t.Run("missing dbname", func(t *testing.T) {
		t.Setenv("WEBHOOK_RELAY_DATABASE_HOST", "localhost")
		t.Setenv("WEBHOOK_RELAY_DATABASE_DBNAME", "")
		_, err := LoadWorkerConfig("", "")
		assert.ErrorContains(t, err, "database.dbname")
	})
}

func TestLoadAPIConfigDefaults(t *testing.T) {
	t.Setenv("WEBHOOK_RELAY_DATABASE_HOST", "localhost")
	t.Setenv("WEBHOOK_RELAY_DATABASE_DBNAME", "webhook_relay")

	cfg, err := LoadAPIConfig("", "")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Server.ReadTimeout)
	assert.Equal(t, 10, cfg.Server.WriteTimeout)
	assert.Equal(t, 120, cfg.Server.IdleTimeout)
}

func TestLoadAPIConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  port: 9090
database:
  host: filedb
  dbname: relay_file
auth:
  api_keys:
    - key-one
    - key-two
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	cfg, err := LoadAPIConfig(configPath, "")
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "filedb", cfg.Database.Host)
	assert.Equal(t, "relay_file", cfg.Database.DBName)
	assert.Equal(t, []string{"key-one", "key-two"}, cfg.Auth.APIKeys)

	t.Run("environment overrides the file", func(t *testing.T) {
		t.Setenv("WEBHOOK_RELAY_SERVER_PORT", "7070")
		cfg, err := LoadAPIConfig(configPath, "")
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
	})
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		DBName:   "webhook_relay",
		SSLMode:  "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=postgres dbname=webhook_relay sslmode=disable",
		cfg.DSN())
}
