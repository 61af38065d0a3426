// Package conn implements the Session Manager (spec.md §4.3): the
// per-connection state machine HandshakePending -> Active -> Draining ->
// Closed. A Session is driven by exactly one reader goroutine (the sole
// caller of HandleInbound) and drained by exactly one writer goroutine (the
// sole consumer of Outbound); see spec.md §5.
package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/L4DK/unified-bot-protocol/credential"
	"github.com/L4DK/unified-bot-protocol/telemetry"
	"github.com/L4DK/unified-bot-protocol/wire"
)

// Status is a Session's position in the HandshakePending -> Active ->
// Draining -> Closed state machine.
type Status int

const (
	HandshakePending Status = iota
	Active
	Draining
	Closed
)

func (s Status) String() string {
	switch s {
	case HandshakePending:
		return "HandshakePending"
	case Active:
		return "Active"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CloseReason records why a Session left Active, surfaced to waiters and
// logs (spec.md §4.3, §7).
type CloseReason string

const (
	ReasonAuthFailed       CloseReason = "AuthFailed"
	ReasonBadHandshake     CloseReason = "BadHandshake"
	ReasonHandshakeTimeout CloseReason = "HandshakeTimeout"
	ReasonHeartbeatMiss    CloseReason = "HeartbeatMiss"
	ReasonSuperseded       CloseReason = "Superseded"
	ReasonAdminClose       CloseReason = "AdminClose"
	ReasonShutdown         CloseReason = "Shutdown"
	ReasonPeerClosed       CloseReason = "PeerClosed"
	ReasonSignatureInvalid CloseReason = "SignatureInvalid"
	ReasonBackpressure     CloseReason = "Backpressure"
)

// SignaturePolicy verifies an inbound Envelope's optional Signature field.
// spec.md §9 leaves the concrete signing algorithm an Open Question; this
// core ships only the default accept-everything policy and lets the
// verification point be swapped without touching the state machine.
type SignaturePolicy interface {
	Verify(env wire.Envelope) error
}

type allowAllSignatures struct{}

func (allowAllSignatures) Verify(wire.Envelope) error { return nil }

// AllowAllSignatures is the default SignaturePolicy: every envelope is
// accepted regardless of its Signature field.
func AllowAllSignatures() SignaturePolicy { return allowAllSignatures{} }

// Config carries the timing parameters spec.md §6 exposes as environment
// configuration.
type Config struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatGrace    int // multiplier applied to the negotiated heartbeat_interval

	// SignaturePolicy verifies every inbound envelope's Signature field.
	// Nil defaults to AllowAllSignatures.
	SignaturePolicy SignaturePolicy

	// Metrics records per-envelope counters as frames cross the session
	// boundary (spec.md §4.9). Nil defaults to a no-op implementation.
	Metrics telemetry.Metrics
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatGrace:    3,
	}
}

// Hooks lets the owning wiring (core.Core) react to state transitions
// without conn depending on registry or dispatch -- spec.md §2 fixes C3's
// dependency set at C1+C2+C9 only.
type Hooks struct {
	// OnActivated fires once, after a successful handshake, so the caller
	// can register the session in the Instance Registry (C4).
	OnActivated func(s *Session)
	// OnTerminal fires once, on the first Close (from HandshakePending or
	// Active) as the session moves to Draining, so the caller can fail
	// outstanding dispatcher waiters (C5) and remove the session from the
	// registry (C4) before it is gone.
	OnTerminal func(s *Session, reason CloseReason)
	// OnCommandResponse fires for every inbound CommandResponse, handed to
	// the Dispatcher (C5) for waiter completion.
	OnCommandResponse func(instanceID string, resp wire.CommandResponse)
	// OnEvent fires for every inbound Event frame, carrying the originating
	// envelope's trace_id so the caller can preserve it in logs (spec.md §8
	// Invariant 6).
	OnEvent func(instanceID, traceID string, ev wire.Event)
}

// Session is one live connection's state machine and outbound lane.
type Session struct {
	cfg      Config
	creds    *credential.Store
	log      telemetry.Logger
	metrics  telemetry.Metrics
	hooks    Hooks
	sigCheck SignaturePolicy

	outbound chan wire.Envelope

	mu                sync.Mutex
	status            Status
	botID             string
	instanceID        string
	traceID           string
	connectedAt       time.Time
	heartbeatInterval time.Duration
	lastHeartbeatAt   time.Time
	capabilities      []string
	handshakeDeadline time.Time
	outboundClosed    bool

	closeOnce sync.Once
}

// New creates a Session in HandshakePending, ready to receive exactly one
// HandshakeRequest via HandleInbound.
func New(creds *credential.Store, cfg Config, log telemetry.Logger, hooks Hooks) *Session {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	sigCheck := cfg.SignaturePolicy
	if sigCheck == nil {
		sigCheck = AllowAllSignatures()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := time.Now()
	return &Session{
		cfg:               cfg,
		creds:             creds,
		log:               log,
		metrics:           metrics,
		hooks:             hooks,
		sigCheck:          sigCheck,
		outbound:          make(chan wire.Envelope, 64),
		status:            HandshakePending,
		connectedAt:       now,
		handshakeDeadline: now.Add(cfg.HandshakeTimeout),
	}
}

// BotID returns the authenticated bot_id. Empty until Active.
func (s *Session) BotID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.botID
}

// InstanceID returns the client-chosen instance_id. Empty until Active.
func (s *Session) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceID
}

// TraceID returns the trace_id captured from the handshake envelope that
// activated this session, used as a fallback when a later inbound frame
// omits its own trace_id (spec.md §8 Invariant 6).
func (s *Session) TraceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traceID
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Capabilities returns the runtime capabilities declared at handshake,
// authoritative over the definition's advisory list (spec.md §3).
func (s *Session) Capabilities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.capabilities...)
}

// ConnectedAt, HeartbeatInterval, LastHeartbeatAt report registry-visible
// metadata (spec.md §6 GET /v1/bots/{id}/instances).
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

func (s *Session) HeartbeatInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeatInterval
}

func (s *Session) LastHeartbeatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeatAt
}

// Outbound is the per-connection write lane. The writer goroutine is the
// sole consumer; it should range over this channel until it is closed
// (signalling a flushed, fully drained Draining -> Closed transition).
func (s *Session) Outbound() <-chan wire.Envelope {
	return s.outbound
}

// Enqueue places env on the outbound lane, preserving FIFO order per
// instance (spec.md §5). Returns an error if the session is already Closed.
func (s *Session) Enqueue(env wire.Envelope) error {
	s.mu.Lock()
	if s.status == Closed || s.outboundClosed {
		s.mu.Unlock()
		return fmt.Errorf("conn: session closed")
	}
	select {
	case s.outbound <- env:
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		// Outbound lane full: the peer is not draining fast enough. Force
		// the session closed rather than block the caller indefinitely.
		s.Close(ReasonBackpressure)
		return fmt.Errorf("conn: outbound lane full, session closing")
	}
}

// HandleInbound is the sole inbound transition function (spec.md §5): only
// the connection's single reader goroutine may call it. It returns an
// envelope to send back immediately (e.g. a HandshakeResponse or Error), if
// any. When the frame is rejected and the session closes (signature or
// handshake failure), that reply is already on the outbound lane ahead of
// the close, so the writer flushes it; enqueueing the returned copy again
// fails because the lane is closed.
func (s *Session) HandleInbound(ctx context.Context, env wire.Envelope) (*wire.Envelope, error) {
	outcome := "accepted"
	defer func() {
		s.metrics.IncCounter(telemetry.MetricEnvelopesProcessed, 1,
			"kind", env.PayloadType.String(), "outcome", outcome)
	}()

	if err := s.sigCheck.Verify(env); err != nil {
		outcome = "rejected"
		resp := errorEnvelope(env.TraceID, "SignatureInvalid", err.Error())
		_ = s.Enqueue(resp)
		s.Close(ReasonSignatureInvalid)
		return &resp, fmt.Errorf("conn: signature verification failed: %w", err)
	}

	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	switch status {
	case HandshakePending:
		return s.handleHandshakePending(ctx, env)
	case Active:
		return s.handleActive(ctx, env)
	default:
		// Draining/Closed sessions accept nothing further.
		return nil, nil
	}
}

func (s *Session) handleHandshakePending(ctx context.Context, env wire.Envelope) (*wire.Envelope, error) {
	req, ok := env.Payload.(wire.HandshakeRequest)
	if env.PayloadType != wire.PayloadHandshakeRequest || !ok {
		resp := errorEnvelope(env.TraceID, "BadHandshake", "expected HandshakeRequest")
		_ = s.Enqueue(resp)
		s.Close(ReasonBadHandshake)
		return &resp, fmt.Errorf("conn: non-handshake frame in HandshakePending")
	}

	issuedKey, ok := s.authenticate(ctx, req)
	if !ok {
		resp := wire.Envelope{
			MessageID:   uuid.NewString(),
			TraceID:     env.TraceID,
			PayloadType: wire.PayloadHandshakeResponse,
			Payload:     wire.HandshakeResponse{Status: wire.HandshakeAuthFailed},
		}
		_ = s.Enqueue(resp)
		s.Close(ReasonAuthFailed)
		return &resp, fmt.Errorf("conn: auth failed for bot_id=%s", req.BotID)
	}

	s.mu.Lock()
	s.botID = req.BotID
	s.instanceID = req.InstanceID
	s.traceID = env.TraceID
	s.capabilities = append([]string(nil), req.Capabilities...)
	s.heartbeatInterval = s.cfg.HeartbeatInterval
	s.lastHeartbeatAt = time.Now()
	s.status = Active
	s.mu.Unlock()

	s.log.Info(ctx, "handshake succeeded",
		telemetry.FieldBotID, req.BotID,
		telemetry.FieldInstanceID, req.InstanceID,
		telemetry.FieldTraceID, env.TraceID)

	if s.hooks.OnActivated != nil {
		s.hooks.OnActivated(s)
	}

	resp := wire.Envelope{
		MessageID:   uuid.NewString(),
		TraceID:     env.TraceID,
		PayloadType: wire.PayloadHandshakeResponse,
		Payload: wire.HandshakeResponse{
			Status:            wire.HandshakeSuccess,
			HeartbeatInterval: uint32(s.cfg.HeartbeatInterval.Seconds()),
			IssuedAPIKey:      issuedKey,
		},
	}
	return &resp, nil
}

// authenticate tries the long-lived key path first, then the one-time-token
// consume-and-swap path, per spec.md §4.3's transition table. It returns the
// freshly-issued key only when the one-time path succeeded; all other
// successful paths return an empty string, so the HandshakeResponse omits
// issued_api_key as required.
func (s *Session) authenticate(ctx context.Context, req wire.HandshakeRequest) (issuedKey string, ok bool) {
	if s.creds.VerifyLongLived(ctx, req.BotID, req.AuthToken) {
		return "", true
	}
	key, err := s.creds.ConsumeOneTime(ctx, req.BotID, req.AuthToken)
	if err != nil {
		return "", false
	}
	return key, true
}

func (s *Session) handleActive(ctx context.Context, env wire.Envelope) (*wire.Envelope, error) {
	switch env.PayloadType {
	case wire.PayloadHeartbeat:
		s.mu.Lock()
		s.lastHeartbeatAt = time.Now()
		s.mu.Unlock()
		return nil, nil

	case wire.PayloadCommandResponse:
		resp, ok := env.Payload.(wire.CommandResponse)
		if !ok {
			return nil, nil
		}
		if s.hooks.OnCommandResponse != nil {
			s.hooks.OnCommandResponse(s.InstanceID(), resp)
		}
		return nil, nil

	case wire.PayloadEvent:
		ev, ok := env.Payload.(wire.Event)
		if !ok {
			return nil, nil
		}
		if s.hooks.OnEvent != nil {
			traceID := env.TraceID
			if traceID == "" {
				traceID = s.TraceID()
			}
			s.hooks.OnEvent(s.InstanceID(), traceID, ev)
		}
		return nil, nil

	default:
		// Anything else (stray HandshakeRequest, CommandRequest from a
		// peer that should never send one, ...) is silently dropped; the
		// core only originates CommandRequests, it never expects one.
		return nil, nil
	}
}

// IsHandshakeExpired reports whether the handshake timeout has elapsed
// while still in HandshakePending (spec.md §4.3, boundary behavior in §8).
func (s *Session) IsHandshakeExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == HandshakePending && !now.Before(s.handshakeDeadline)
}

// HandshakeDeadline returns the instant by which a HandshakeRequest must
// arrive or the session is closed with ReasonHandshakeTimeout.
func (s *Session) HandshakeDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeDeadline
}

// IsHeartbeatStale reports whether last_heartbeat_at is older than
// HeartbeatGrace * heartbeat_interval (spec.md §8 boundary behavior).
func (s *Session) IsHeartbeatStale(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Active {
		return false
	}
	window := time.Duration(s.cfg.HeartbeatGrace) * s.heartbeatInterval
	return now.Sub(s.lastHeartbeatAt) > window
}

// Close transitions the session out of Active/HandshakePending into
// Draining, invokes OnTerminal so waiters are failed and the registry entry
// is removed, then closes the outbound lane so the writer goroutine flushes
// and exits. Idempotent: only the first call has effect.
func (s *Session) Close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.status = Draining
		s.mu.Unlock()

		if s.hooks.OnTerminal != nil {
			s.hooks.OnTerminal(s, reason)
		}

		// outboundClosed and the channel close happen under the same lock
		// Enqueue takes, so no send can race a close of s.outbound.
		s.mu.Lock()
		s.outboundClosed = true
		close(s.outbound)
		s.mu.Unlock()
	})
}

// MarkClosed finalizes Draining -> Closed. Called by the writer goroutine
// once it has drained the outbound lane after Close.
func (s *Session) MarkClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Closed
}

func errorEnvelope(traceID, code, msg string) wire.Envelope {
	return wire.Envelope{
		MessageID:   uuid.NewString(),
		TraceID:     traceID,
		PayloadType: wire.PayloadError,
		Payload:     wire.Error{Code: code, Message: msg},
	}
}
