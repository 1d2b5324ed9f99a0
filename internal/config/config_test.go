package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /var/lib/engine/engine.sqlite
mqtt:
  broker: tcp://broker.local:1883
  client_id: engine-1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/engine/engine.sqlite", cfg.Database.Path)
	assert.Equal(t, "tcp://broker.local:1883", cfg.MQTT.Broker)
	assert.Equal(t, "both", cfg.Audit.Format)
	assert.Equal(t, 1000, cfg.Audit.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Polling.DefaultInterval)
	assert.Equal(t, time.Minute, cfg.Polling.OfflineRetry)
	assert.Equal(t, 15*time.Minute, cfg.Polling.AlertTTL)
}

func TestDefaultIsRunnable(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.Database.Path)
	assert.GreaterOrEqual(t, cfg.Polling.OfflineRetry, cfg.Polling.DefaultInterval)
}

func TestBadAuditFormatRejected(t *testing.T) {
	path := writeConfig(t, `
audit:
  format: parquet
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit.format")
}

func TestMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
