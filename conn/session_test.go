package conn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/L4DK/unified-bot-protocol/credential"
	"github.com/L4DK/unified-bot-protocol/statestore/memory"
	"github.com/L4DK/unified-bot-protocol/telemetry"
	"github.com/L4DK/unified-bot-protocol/wire"
)

// countingMetrics records counter increments by (name, tags), for asserting
// that HandleInbound counts envelopes crossing the session boundary by kind.
type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics { return &countingMetrics{counts: make(map[string]int)} }

func (c *countingMetrics) IncCounter(name string, _ float64, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := name
	for _, tag := range tags {
		key += "|" + tag
	}
	c.counts[key]++
}
func (c *countingMetrics) RecordTimer(string, time.Duration, ...string) {}
func (c *countingMetrics) RecordGauge(string, float64, ...string)       {}

func (c *countingMetrics) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

func newTestCreds(t *testing.T) (*credential.Store, string, string) {
	t.Helper()
	store := credential.New(memory.New())
	botID, token, err := store.CreateDefinition(context.Background(), credential.Spec{Name: "b1", AdapterType: "demo"})
	require.NoError(t, err)
	return store, botID, token
}

func TestHandshakeWithOneTimeTokenActivates(t *testing.T) {
	creds, botID, token := newTestCreds(t)
	var activated *Session
	cfg := DefaultConfig()
	metrics := newCountingMetrics()
	cfg.Metrics = metrics
	sess := New(creds, cfg, nil, Hooks{
		OnActivated: func(s *Session) { activated = s },
	})

	resp, err := sess.HandleInbound(context.Background(), wire.Envelope{
		TraceID:     "t1",
		PayloadType: wire.PayloadHandshakeRequest,
		Payload: wire.HandshakeRequest{
			BotID: botID, InstanceID: "I1", AuthToken: token, Capabilities: []string{"t.exec"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.NotEmpty(t, resp.MessageID)
	hsr := resp.Payload.(wire.HandshakeResponse)
	assert.Equal(t, wire.HandshakeSuccess, hsr.Status)
	assert.NotEmpty(t, hsr.IssuedAPIKey)
	assert.Equal(t, Active, sess.Status())
	assert.Same(t, sess, activated)
	assert.Equal(t, "t1", sess.TraceID())
	assert.Equal(t, 1, metrics.count(telemetry.MetricEnvelopesProcessed+"|kind|handshake_request|outcome|accepted"))
}

func TestSecondHandshakeWithSameOneTimeTokenFails(t *testing.T) {
	creds, botID, token := newTestCreds(t)
	sess1 := New(creds, DefaultConfig(), nil, Hooks{})
	_, err := sess1.HandleInbound(context.Background(), wire.Envelope{
		PayloadType: wire.PayloadHandshakeRequest,
		Payload:     wire.HandshakeRequest{BotID: botID, InstanceID: "I1", AuthToken: token},
	})
	require.NoError(t, err)

	sess2 := New(creds, DefaultConfig(), nil, Hooks{})
	resp, err := sess2.HandleInbound(context.Background(), wire.Envelope{
		PayloadType: wire.PayloadHandshakeRequest,
		Payload:     wire.HandshakeRequest{BotID: botID, InstanceID: "I2", AuthToken: token},
	})
	require.Error(t, err)
	hsr := resp.Payload.(wire.HandshakeResponse)
	assert.Equal(t, wire.HandshakeAuthFailed, hsr.Status)
	assert.Equal(t, Draining, sess2.Status())
	sess2.MarkClosed()
	assert.Equal(t, Closed, sess2.Status())
}

func TestLongLivedKeyHandshakeOmitsIssuedKey(t *testing.T) {
	creds, botID, token := newTestCreds(t)
	key, err := creds.ConsumeOneTime(context.Background(), botID, token)
	require.NoError(t, err)

	sess := New(creds, DefaultConfig(), nil, Hooks{})
	resp, err := sess.HandleInbound(context.Background(), wire.Envelope{
		PayloadType: wire.PayloadHandshakeRequest,
		Payload:     wire.HandshakeRequest{BotID: botID, InstanceID: "I1", AuthToken: key},
	})
	require.NoError(t, err)
	hsr := resp.Payload.(wire.HandshakeResponse)
	assert.Equal(t, wire.HandshakeSuccess, hsr.Status)
	assert.Empty(t, hsr.IssuedAPIKey)
}

func TestNonHandshakeFrameInPendingClosesSession(t *testing.T) {
	creds, _, _ := newTestCreds(t)
	sess := New(creds, DefaultConfig(), nil, Hooks{})
	resp, err := sess.HandleInbound(context.Background(), wire.Envelope{
		PayloadType: wire.PayloadHeartbeat,
		Payload:     wire.Heartbeat{},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, wire.PayloadError, resp.PayloadType)
	assert.Equal(t, Draining, sess.Status())
	sess.MarkClosed()
	assert.Equal(t, Closed, sess.Status())
}

func TestHeartbeatUpdatesLastHeartbeatAt(t *testing.T) {
	creds, botID, token := newTestCreds(t)
	sess := New(creds, DefaultConfig(), nil, Hooks{})
	_, err := sess.HandleInbound(context.Background(), wire.Envelope{
		PayloadType: wire.PayloadHandshakeRequest,
		Payload:     wire.HandshakeRequest{BotID: botID, InstanceID: "I1", AuthToken: token},
	})
	require.NoError(t, err)

	before := sess.LastHeartbeatAt()
	time.Sleep(time.Millisecond)
	_, err = sess.HandleInbound(context.Background(), wire.Envelope{
		PayloadType: wire.PayloadHeartbeat,
		Payload:     wire.Heartbeat{},
	})
	require.NoError(t, err)
	assert.True(t, sess.LastHeartbeatAt().After(before))
}

func TestCommandResponseDeliveredToHook(t *testing.T) {
	creds, botID, token := newTestCreds(t)
	var got wire.CommandResponse
	var gotInstance string
	sess := New(creds, DefaultConfig(), nil, Hooks{
		OnCommandResponse: func(instanceID string, resp wire.CommandResponse) {
			gotInstance, got = instanceID, resp
		},
	})
	_, err := sess.HandleInbound(context.Background(), wire.Envelope{
		PayloadType: wire.PayloadHandshakeRequest,
		Payload:     wire.HandshakeRequest{BotID: botID, InstanceID: "I1", AuthToken: token},
	})
	require.NoError(t, err)

	_, err = sess.HandleInbound(context.Background(), wire.Envelope{
		PayloadType: wire.PayloadCommandResponse,
		Payload:     wire.CommandResponse{CommandID: "C1", Status: wire.CommandSuccess},
	})
	require.NoError(t, err)
	assert.Equal(t, "I1", gotInstance)
	assert.Equal(t, "C1", got.CommandID)
}

func TestHeartbeatStaleDetection(t *testing.T) {
	creds, botID, token := newTestCreds(t)
	cfg := Config{HandshakeTimeout: 10 * time.Second, HeartbeatInterval: 10 * time.Millisecond, HeartbeatGrace: 3}
	sess := New(creds, cfg, nil, Hooks{})
	_, err := sess.HandleInbound(context.Background(), wire.Envelope{
		PayloadType: wire.PayloadHandshakeRequest,
		Payload:     wire.HandshakeRequest{BotID: botID, InstanceID: "I1", AuthToken: token},
	})
	require.NoError(t, err)

	assert.False(t, sess.IsHeartbeatStale(time.Now()))
	assert.True(t, sess.IsHeartbeatStale(time.Now().Add(100*time.Millisecond)))
}

func TestCloseInvokesOnTerminalOnceAndClosesOutbound(t *testing.T) {
	creds, _, _ := newTestCreds(t)
	calls := 0
	var reason CloseReason
	sess := New(creds, DefaultConfig(), nil, Hooks{
		OnTerminal: func(s *Session, r CloseReason) { calls++; reason = r },
	})

	sess.Close(ReasonAdminClose)
	sess.Close(ReasonAdminClose) // idempotent

	assert.Equal(t, 1, calls)
	assert.Equal(t, ReasonAdminClose, reason)

	_, ok := <-sess.Outbound()
	assert.False(t, ok, "outbound channel should be closed")
}

type rejectAllSignatures struct{}

func (rejectAllSignatures) Verify(wire.Envelope) error { return errRejected }

var errRejected = assert.AnError

func TestSignaturePolicyRejectionClosesSession(t *testing.T) {
	creds, botID, token := newTestCreds(t)
	cfg := DefaultConfig()
	cfg.SignaturePolicy = rejectAllSignatures{}
	sess := New(creds, cfg, nil, Hooks{})

	resp, err := sess.HandleInbound(context.Background(), wire.Envelope{
		PayloadType: wire.PayloadHandshakeRequest,
		Payload:     wire.HandshakeRequest{BotID: botID, InstanceID: "I1", AuthToken: token},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, wire.PayloadError, resp.PayloadType)
	assert.Equal(t, Draining, sess.Status())
}

func TestEnqueueFullLaneClosesWithBackpressureReason(t *testing.T) {
	creds, _, _ := newTestCreds(t)
	var reason CloseReason
	sess := New(creds, DefaultConfig(), nil, Hooks{
		OnTerminal: func(s *Session, r CloseReason) { reason = r },
	})

	// Fill the outbound lane past capacity so the next Enqueue hits the
	// back-pressure path rather than a normal send.
	for i := 0; i < 65; i++ {
		_ = sess.Enqueue(wire.Envelope{PayloadType: wire.PayloadHeartbeat, Payload: wire.Heartbeat{}})
	}

	assert.Equal(t, ReasonBackpressure, reason)
}

func TestEnqueueRejectedAfterClose(t *testing.T) {
	creds, _, _ := newTestCreds(t)
	sess := New(creds, DefaultConfig(), nil, Hooks{})
	sess.Close(ReasonAdminClose)
	sess.MarkClosed()

	err := sess.Enqueue(wire.Envelope{PayloadType: wire.PayloadHeartbeat, Payload: wire.Heartbeat{}})
	assert.Error(t, err)
}
