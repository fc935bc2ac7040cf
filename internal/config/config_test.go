package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("IM_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yml"))
	cfg := Load()
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "memory", cfg.MessageDB)
	assert.Equal(t, 3, cfg.DeliverRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.DeliverBackoff())
	assert.Equal(t, int64(50*1024*1024), cfg.UploadMaxBytes())
	assert.Empty(t, cfg.Brokers())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
listenAddr: ":9090"
messageDB: mongodb
kafkaBrokers: "k1:9092, k2:9092"
wsSendQPS: 5
`), 0o600))
	t.Setenv("IM_CONFIG_FILE", path)
	t.Setenv("IM_WS_SEND_QPS", "7")
	t.Setenv("IM_ENABLE_METRICS", "false")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "mongodb", cfg.MessageDB)
	assert.Equal(t, 7, cfg.WSSendQPS)
	assert.False(t, cfg.EnableMetrics)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers())
}

func TestLoadIgnoresBadEnvNumbers(t *testing.T) {
	t.Setenv("IM_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yml"))
	t.Setenv("IM_DELIVER_RETRIES", "many")
	assert.Equal(t, 3, Load().DeliverRetries)
}
