package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/L4DK/unified-bot-protocol/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LISTEN_ADDRESS", "")
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("HEARTBEAT_INTERVAL_SEC", "")
	t.Setenv("STATE_STORE_URL", "")

	c := config.Load()
	assert.Equal(t, ":8443", c.ListenAddress)
	assert.Equal(t, 30*time.Second, c.HeartbeatInterval())
	assert.Equal(t, 3, c.HeartbeatGraceFactor)
	assert.Equal(t, 10*time.Second, c.HandshakeTimeout())
	assert.Equal(t, 30*time.Second, c.DrainTimeout())
	assert.Equal(t, 30*time.Second, c.DispatchDefaultDeadline())
	assert.Equal(t, "", c.StateStoreURL)
	assert.Equal(t, 1000, c.TaskRetryBaseMillis)
	assert.Equal(t, 2.0, c.TaskRetryFactor)
	assert.Equal(t, 30, c.TaskRetryCapSec)
	assert.Equal(t, 0.25, c.TaskRetryJitterPct)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDRESS", ":9999")
	t.Setenv("HEARTBEAT_INTERVAL_SEC", "15")
	t.Setenv("HANDSHAKE_TIMEOUT_SEC", "5")
	t.Setenv("STATE_STORE_URL", "redis://localhost:6379")
	t.Setenv("TASK_RETRY_BASE_MILLIS", "500")
	t.Setenv("TASK_RETRY_FACTOR", "1.5")

	c := config.Load()
	assert.Equal(t, ":9999", c.ListenAddress)
	assert.Equal(t, 15*time.Second, c.HeartbeatInterval())
	assert.Equal(t, 5*time.Second, c.HandshakeTimeout())
	assert.Equal(t, "redis://localhost:6379", c.StateStoreURL)
	assert.Equal(t, 500, c.TaskRetryBaseMillis)
	assert.Equal(t, 1.5, c.TaskRetryFactor)
}
