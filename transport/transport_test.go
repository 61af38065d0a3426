package transport_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/L4DK/unified-bot-protocol/conn"
	"github.com/L4DK/unified-bot-protocol/credential"
	"github.com/L4DK/unified-bot-protocol/statestore/memory"
	"github.com/L4DK/unified-bot-protocol/transport"
	"github.com/L4DK/unified-bot-protocol/wire"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return c
}

func TestHandshakeOverWebSocket(t *testing.T) {
	creds := credential.New(memory.New())
	botID, token, err := creds.CreateDefinition(context.Background(), credential.Spec{Name: "n", AdapterType: "demo"})
	require.NoError(t, err)

	activated := make(chan *conn.Session, 1)
	l := transport.New(func() *conn.Session {
		return conn.New(creds, conn.DefaultConfig(), nil, conn.Hooks{
			OnActivated: func(s *conn.Session) { activated <- s },
		})
	}, nil, nil)
	srv := httptest.NewServer(l)
	defer srv.Close()

	c := dialWS(t, srv)
	defer c.Close()

	req := wire.Envelope{
		MessageID:   "m1",
		TraceID:     "t1",
		PayloadType: wire.PayloadHandshakeRequest,
		Payload: wire.HandshakeRequest{
			BotID: botID, InstanceID: "I1", AuthToken: token, Capabilities: []string{"t.exec"},
		},
	}
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, wire.Encode(req)))

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Decode(data)
	require.NoError(t, err)
	resp, ok := env.Payload.(wire.HandshakeResponse)
	require.True(t, ok)
	assert.Equal(t, wire.HandshakeSuccess, resp.Status)

	select {
	case s := <-activated:
		assert.Equal(t, botID, s.BotID())
	case <-time.After(time.Second):
		t.Fatal("OnActivated hook did not fire")
	}
}

func TestBadHandshakeClosesSocket(t *testing.T) {
	creds := credential.New(memory.New())
	l := transport.New(func() *conn.Session {
		return conn.New(creds, conn.DefaultConfig(), nil, conn.Hooks{})
	}, nil, nil)
	srv := httptest.NewServer(l)
	defer srv.Close()

	c := dialWS(t, srv)
	defer c.Close()

	heartbeat := wire.Envelope{
		MessageID:   "m1",
		PayloadType: wire.PayloadHeartbeat,
		Payload:     wire.Heartbeat{},
	}
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, wire.Encode(heartbeat)))

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Decode(data)
	require.NoError(t, err)
	_, ok := env.Payload.(wire.Error)
	assert.True(t, ok)
}
