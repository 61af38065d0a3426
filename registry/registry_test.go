package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/L4DK/unified-bot-protocol/conn"
	"github.com/L4DK/unified-bot-protocol/credential"
	"github.com/L4DK/unified-bot-protocol/registry"
	"github.com/L4DK/unified-bot-protocol/statestore"
	"github.com/L4DK/unified-bot-protocol/statestore/memory"
	"github.com/L4DK/unified-bot-protocol/telemetry"
	"github.com/L4DK/unified-bot-protocol/wire"
)

// countingMetrics records counter increments by name, for asserting that the
// registry's reaper actually fires telemetry.MetricHeartbeatMisses.
type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics { return &countingMetrics{counts: make(map[string]int)} }

func (c *countingMetrics) IncCounter(name string, _ float64, _ ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name]++
}
func (c *countingMetrics) RecordTimer(string, time.Duration, ...string) {}
func (c *countingMetrics) RecordGauge(string, float64, ...string)       {}

func (c *countingMetrics) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// activateSession seeds a one-time token for botID directly in store (bot ids
// from CreateDefinition are generated, so a fixed id needs its own record)
// and completes a handshake with it.
func activateSession(t *testing.T, store *memory.Store, botID, instanceID string, caps []string) *conn.Session {
	t.Helper()
	token := "tok-" + instanceID
	require.NoError(t, store.SaveCredential(context.Background(), statestore.CredentialRecord{
		BotID: botID, OneTimeToken: token, HasOneTimeToken: true,
	}))
	sess := conn.New(credential.New(store), conn.DefaultConfig(), nil, conn.Hooks{})
	_, err := sess.HandleInbound(context.Background(), wire.Envelope{
		PayloadType: wire.PayloadHandshakeRequest,
		Payload: wire.HandshakeRequest{
			BotID: botID, InstanceID: instanceID, AuthToken: token, Capabilities: caps,
		},
	})
	require.NoError(t, err)
	return sess
}

func TestSelectByCapabilityRoundRobinSkipsDraining(t *testing.T) {
	store := memory.New()
	reg := registry.New(nil, nil)

	s1 := activateSession(t, store, "B1", "I1", []string{"t.exec"})
	s2 := activateSession(t, store, "B2", "I2", []string{"t.exec"})
	reg.Insert(s1)
	reg.Insert(s2)

	first, ok := reg.SelectByCapability("t.exec")
	require.True(t, ok)
	second, ok := reg.SelectByCapability("t.exec")
	require.True(t, ok)
	assert.NotEqual(t, first.InstanceID(), second.InstanceID())

	third, ok := reg.SelectByCapability("t.exec")
	require.True(t, ok)
	assert.Equal(t, first.InstanceID(), third.InstanceID())

	s1.Close(conn.ReasonAdminClose)

	for i := 0; i < 3; i++ {
		got, ok := reg.SelectByCapability("t.exec")
		require.True(t, ok)
		assert.Equal(t, s2.InstanceID(), got.InstanceID())
	}
}

func TestSelectByCapabilityNoneEligible(t *testing.T) {
	reg := registry.New(nil, nil)
	_, ok := reg.SelectByCapability("missing")
	assert.False(t, ok)
}

func TestInsertDisplacesSameInstanceID(t *testing.T) {
	store := memory.New()
	reg := registry.New(nil, nil)

	s1 := activateSession(t, store, "B1", "I1", []string{"t.exec"})
	reg.Insert(s1)

	s2 := activateSession(t, store, "B1", "I1", []string{"t.exec"})
	reg.Insert(s2)

	assert.Equal(t, conn.Draining, s1.Status())
	got, ok := reg.Get("I1")
	require.True(t, ok)
	assert.Same(t, s2, got)
}

func TestStartReaperClosesStaleHeartbeats(t *testing.T) {
	creds := credential.New(memory.New())
	metrics := newCountingMetrics()
	reg := registry.New(nil, metrics)

	cfg := conn.Config{HandshakeTimeout: time.Second, HeartbeatInterval: 5 * time.Millisecond, HeartbeatGrace: 3}
	botID, token, err := creds.CreateDefinition(context.Background(), credential.Spec{Name: "I1", AdapterType: "demo"})
	require.NoError(t, err)
	sess := conn.New(creds, cfg, nil, conn.Hooks{})
	_, err = sess.HandleInbound(context.Background(), wire.Envelope{
		PayloadType: wire.PayloadHandshakeRequest,
		Payload:     wire.HandshakeRequest{BotID: botID, InstanceID: "I1", AuthToken: token},
	})
	require.NoError(t, err)
	reg.Insert(sess)

	stop := reg.StartReaper(5 * time.Millisecond)
	defer stop()

	require.Eventually(t, func() bool {
		return sess.Status() == conn.Draining
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, metrics.count(telemetry.MetricHeartbeatMisses))
}

func TestListByBotDeterministicOrder(t *testing.T) {
	store := memory.New()
	reg := registry.New(nil, nil)

	reg.Insert(activateSession(t, store, "B1", "I2", nil))
	reg.Insert(activateSession(t, store, "B1", "I1", nil))

	list := reg.ListByBot("B1")
	require.Len(t, list, 2)
	assert.Equal(t, "I1", list[0].InstanceID())
	assert.Equal(t, "I2", list[1].InstanceID())
}
