package core_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/L4DK/unified-bot-protocol/config"
	"github.com/L4DK/unified-bot-protocol/core"
	"github.com/L4DK/unified-bot-protocol/wire"
)

func newTestCore(t *testing.T) *core.Core {
	t.Helper()
	cfg := config.Load()
	cfg.AdminToken = "test-token"
	c, err := core.New(cfg, nil, nil)
	require.NoError(t, err)
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func adminDo(t *testing.T, srvURL, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srvURL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// TestHandshakeThenDispatchRoundTrip exercises the full wiring end to end
// (spec.md §8 S1): create a bot over the Admin API, connect a simulated
// instance over the data-plane listener, submit an action, answer it, and
// observe the task complete.
func TestHandshakeThenDispatchRoundTrip(t *testing.T) {
	c := newTestCore(t)

	adminSrv := httptest.NewServer(c.Admin)
	defer adminSrv.Close()
	dataSrv := httptest.NewServer(c.Transport)
	defer dataSrv.Close()

	createResp := adminDo(t, adminSrv.URL, http.MethodPost, "/v1/bots", map[string]any{
		"name": "demo-bot", "adapter_type": "demo", "capabilities": []string{"t.exec"},
	})
	defer createResp.Body.Close()
	require.Equal(t, http.StatusCreated, createResp.StatusCode)
	var created map[string]any
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))
	botID := created["bot_id"].(string)
	token := created["one_time_registration_token"].(string)

	wsURL := "ws" + dataSrv.URL[len("http"):]
	wsConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer wsConn.Close()

	require.NoError(t, wsConn.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.Envelope{
		PayloadType: wire.PayloadHandshakeRequest,
		Payload: wire.HandshakeRequest{
			BotID: botID, InstanceID: "inst-1", AuthToken: token, Capabilities: []string{"t.exec"},
		},
	})))

	_, data, err := wsConn.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Decode(data)
	require.NoError(t, err)
	hsResp, ok := env.Payload.(wire.HandshakeResponse)
	require.True(t, ok)
	assert.Equal(t, wire.HandshakeSuccess, hsResp.Status)

	dispatchResp := adminDo(t, adminSrv.URL, http.MethodPost, "/v1/bots/"+botID+"/actions/t.exec",
		map[string]any{"cmd": "ls"})
	defer dispatchResp.Body.Close()
	require.Equal(t, http.StatusAccepted, dispatchResp.StatusCode)
	var accepted map[string]any
	require.NoError(t, json.NewDecoder(dispatchResp.Body).Decode(&accepted))
	taskID := accepted["task_id"].(string)

	_, cmdData, err := wsConn.ReadMessage()
	require.NoError(t, err)
	cmdEnv, err := wire.Decode(cmdData)
	require.NoError(t, err)
	cmdReq, ok := cmdEnv.Payload.(wire.CommandRequest)
	require.True(t, ok)

	require.NoError(t, wsConn.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.Envelope{
		PayloadType: wire.PayloadCommandResponse,
		Payload: wire.CommandResponse{
			CommandID: cmdReq.CommandID, Status: wire.CommandSuccess, Result: []byte(`{"ok":true}`),
		},
	})))

	require.Eventually(t, func() bool {
		getResp := adminDo(t, adminSrv.URL, http.MethodGet, "/v1/tasks/"+taskID, nil)
		defer getResp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(getResp.Body).Decode(&body)
		return body["state"] == "COMPLETED"
	}, 2*time.Second, 10*time.Millisecond)
}

// TestDeletingBotClosesInstances exercises the DeletedFunc wiring (spec.md
// §4.2: delete_definition raises an event the Session Manager must observe).
func TestDeletingBotClosesInstances(t *testing.T) {
	c := newTestCore(t)

	adminSrv := httptest.NewServer(c.Admin)
	defer adminSrv.Close()
	dataSrv := httptest.NewServer(c.Transport)
	defer dataSrv.Close()

	createResp := adminDo(t, adminSrv.URL, http.MethodPost, "/v1/bots", map[string]any{
		"name": "demo-bot", "adapter_type": "demo",
	})
	defer createResp.Body.Close()
	var created map[string]any
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))
	botID := created["bot_id"].(string)
	token := created["one_time_registration_token"].(string)

	wsURL := "ws" + dataSrv.URL[len("http"):]
	wsConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer wsConn.Close()

	require.NoError(t, wsConn.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.Envelope{
		PayloadType: wire.PayloadHandshakeRequest,
		Payload:     wire.HandshakeRequest{BotID: botID, InstanceID: "inst-1", AuthToken: token},
	})))
	_, _, err = wsConn.ReadMessage()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Registry.Count() == 1
	}, time.Second, 10*time.Millisecond)

	delResp := adminDo(t, adminSrv.URL, http.MethodDelete, "/v1/bots/"+botID, nil)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)

	require.Eventually(t, func() bool {
		return c.Registry.Count() == 0
	}, time.Second, 10*time.Millisecond)
}
