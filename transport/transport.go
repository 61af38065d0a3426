// Package transport implements the data-plane listener (spec.md §5): it
// accepts WebSocket connections, frames each inbound/outbound message
// through the Message Codec (C1), and drives a conn.Session with exactly
// one reader goroutine and one writer goroutine per connection.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/L4DK/unified-bot-protocol/conn"
	"github.com/L4DK/unified-bot-protocol/telemetry"
	"github.com/L4DK/unified-bot-protocol/wire"
)

// pongWait is the reader's deadline, pushed forward by each pong; the writer
// pings every pingPeriod to draw those pongs. If no pong arrives within
// pongWait of the last one (or of connect), the read fails and the session
// closes.
const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	writeWait  = 10 * time.Second
)

// SessionFactory creates a new conn.Session for each accepted connection.
// The caller supplies it so transport stays agnostic of how Hooks are wired
// to the Instance Registry (C4) and Dispatcher (C5).
type SessionFactory func() *conn.Session

// Listener upgrades HTTP connections to WebSocket and bridges each one to a
// conn.Session.
type Listener struct {
	upgrader websocket.Upgrader
	newSess  SessionFactory
	log      telemetry.Logger
	metrics  telemetry.Metrics

	wg sync.WaitGroup
}

// New creates a Listener. newSess is invoked once per accepted connection.
func New(newSess SessionFactory, log telemetry.Logger, metrics telemetry.Metrics) *Listener {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Listener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		newSess: newSess,
		log:     log,
		metrics: metrics,
	}
}

// ServeHTTP implements http.Handler, upgrading the request to WebSocket and
// running the connection's reader/writer pair until it closes.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn(r.Context(), "websocket upgrade failed", "error", err.Error())
		return
	}

	sess := l.newSess()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runConnection(wsConn, sess)
	}()
}

// runConnection owns wsConn for its entire lifetime: it starts the sole
// writer goroutine, then runs the sole reader loop inline until the peer
// disconnects or the Session terminates.
func (l *Listener) runConnection(wsConn *websocket.Conn, sess *conn.Session) {
	defer wsConn.Close()

	writerDone := make(chan struct{})
	go l.writeLoop(wsConn, sess, writerDone)

	handshakeWatchdogDone := make(chan struct{})
	defer close(handshakeWatchdogDone)
	go func() {
		timer := time.NewTimer(time.Until(sess.HandshakeDeadline()))
		defer timer.Stop()
		select {
		case <-timer.C:
			if sess.Status() == conn.HandshakePending {
				sess.Close(conn.ReasonHandshakeTimeout)
			}
		case <-handshakeWatchdogDone:
		}
	}()

	ctx := context.Background()
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			sess.Close(peerCloseReason(err))
			break
		}
		env, err := wire.Decode(data)
		if err != nil {
			l.log.Warn(ctx, "discarding malformed frame",
				telemetry.FieldInstanceID, sess.InstanceID(), "error", err.Error())
			continue
		}
		resp, err := sess.HandleInbound(ctx, env)
		if err != nil {
			l.log.Warn(ctx, "inbound handling error",
				telemetry.FieldInstanceID, sess.InstanceID(), "error", err.Error())
		}
		if resp != nil {
			if enqErr := sess.Enqueue(*resp); enqErr != nil {
				break
			}
		}
		if sess.Status() == conn.Closed || sess.Status() == conn.Draining {
			// Draining sessions still flush any already-queued outbound
			// frames via writeLoop; stop reading once the peer's own frame
			// caused the terminal transition (e.g. a rejected handshake).
			if sess.Status() == conn.Draining && env.PayloadType != wire.PayloadHandshakeRequest {
				continue
			}
			break
		}
	}

	<-writerDone
}

// writeLoop is the sole consumer of sess.Outbound() and the sole writer to
// wsConn; it also owns ping cadence so pings interleave safely with data
// frames on the same connection.
func (l *Listener) writeLoop(wsConn *websocket.Conn, sess *conn.Session, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-sess.Outbound():
			if !ok {
				sess.MarkClosed()
				wsConn.SetWriteDeadline(time.Now().Add(writeWait))
				wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.BinaryMessage, wire.Encode(env)); err != nil {
				return
			}
		case <-ticker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Shutdown blocks until every connection's reader/writer pair has exited.
// Callers should first stop accepting new connections and close active
// Sessions with conn.ReasonShutdown.
func (l *Listener) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func peerCloseReason(err error) conn.CloseReason {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return conn.ReasonPeerClosed
	}
	return conn.ReasonPeerClosed
}
