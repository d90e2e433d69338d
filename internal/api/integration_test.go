package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay-dev/patchbay/internal/config"
	"github.com/patchbay-dev/patchbay/internal/events"
	"github.com/patchbay-dev/patchbay/internal/policy"
	"github.com/patchbay-dev/patchbay/internal/protocol"
	"github.com/patchbay-dev/patchbay/internal/relay"
)

// wsPeer is one live WebSocket connection to the relay under test.
type wsPeer struct {
	t  *testing.T
	ws *websocket.Conn
}

func startRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	hub := events.NewHub(64)
	cfg := config.Defaults().Relay
	cfg.SweepInterval = time.Hour
	svc := relay.New(cfg, relay.Options{
		Policy: policy.New(config.Defaults().Policy),
		Events: hub,
	})
	srv := New(Config{Listen: "127.0.0.1:0"}, svc, nil, hub, slog.Default())
	ts := httptest.NewServer(srv.setupRoutes())
	t.Cleanup(ts.Close)
	return ts
}

func dialPeer(t *testing.T, ts *httptest.Server) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &wsPeer{t: t, ws: ws}
}

func (p *wsPeer) send(format string, args ...any) {
	p.t.Helper()
	require.NoError(p.t, p.ws.WriteMessage(websocket.TextMessage, fmt.Appendf(nil, format, args...)))
}

func (p *wsPeer) read() *protocol.Envelope {
	p.t.Helper()
	require.NoError(p.t, p.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := p.ws.ReadMessage()
	require.NoError(p.t, err)
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(p.t, err)
	return env
}

// readUntil returns the first envelope matching, discarding notices and
// queue positions arriving in between.
func (p *wsPeer) readUntil(match func(*protocol.Envelope) bool) *protocol.Envelope {
	p.t.Helper()
	for range 20 {
		env := p.read()
		if match(env) {
			return env
		}
	}
	p.t.Fatal("expected envelope never arrived")
	return nil
}

func (p *wsPeer) join(channel string) {
	p.t.Helper()
	p.send(`{"type":"join","channel":%q}`, channel)
	p.readUntil(systemEvent(protocol.SystemChannelJoined))
}

func typeIs(typ string) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool { return env.Type == typ }
}

func systemEvent(event string) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool {
		if env.Type != protocol.TypeSystem {
			return false
		}
		var p protocol.SystemPayload
		return json.Unmarshal(env.Message, &p) == nil && p.Event == event
	}
}

func responseWithID(id string) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool {
		if env.Type != protocol.TypeMessage {
			return false
		}
		p, err := protocol.DecodePayload(env.Message)
		return err == nil && p.ID == id && p.IsResponse()
	}
}

func errorWithCode(code string) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool {
		if env.Type != protocol.TypeError {
			return false
		}
		var p protocol.ErrorPayload
		return json.Unmarshal(env.Message, &p) == nil && p.Error.Code == code
	}
}

// waitForTarget blocks until the channel reports a classified target. A
// classifying frame and a command race when they ride different sockets;
// commands sent after this returns are guaranteed to unicast.
func waitForTarget(t *testing.T, ts *httptest.Server, channel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := ts.Client().Get(ts.URL + "/api/v1/channels/" + channel)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var cs relay.ChannelStatus
		return json.NewDecoder(resp.Body).Decode(&cs) == nil && cs.Targets > 0
	}, 3*time.Second, 10*time.Millisecond, "target never classified")
}

// TestEndToEndBootstrap walks the cold-start flow: a command sent before
// any peer has classified fans out as a broadcast, the answer classifies
// the responder, and the next command unicasts.
func TestEndToEndBootstrap(t *testing.T) {
	ts := startRelayServer(t)
	initiator := dialPeer(t, ts)
	target := dialPeer(t, ts)

	initiator.join("design")
	target.join("design")

	initiator.send(`{"type":"message","channel":"design","message":{"id":"r1","command":"get_document_info"}}`)

	cmd := target.readUntil(typeIs(protocol.TypeBroadcast))
	assert.Equal(t, "r1", cmd.ID)

	target.send(`{"type":"message","channel":"design","message":{"id":"r1","result":{"name":"Homepage"}}}`)

	resp := initiator.readUntil(responseWithID("r1"))
	p, err := protocol.DecodePayload(resp.Message)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Homepage"}`, string(p.Result))

	// The responder is now the classified target: commands unicast as
	// plain messages, not broadcasts.
	initiator.send(`{"type":"message","channel":"design","message":{"id":"r2","command":"get_selection"}}`)
	cmd2 := target.readUntil(typeIs(protocol.TypeMessage))
	p2, err := protocol.DecodePayload(cmd2.Message)
	require.NoError(t, err)
	assert.Equal(t, "r2", p2.ID)
	assert.Equal(t, "get_selection", p2.Command)
}

// TestEndToEndQueueFIFO drives three commands through one channel and
// checks strict ordering with queue position notices for the waiters.
func TestEndToEndQueueFIFO(t *testing.T) {
	ts := startRelayServer(t)
	initiator := dialPeer(t, ts)
	target := dialPeer(t, ts)

	initiator.join("design")
	target.join("design")
	// Classify the target so dispatch unicasts.
	target.send(`{"type":"message","channel":"design","message":{"id":"probe","result":{}}}`)
	waitForTarget(t, ts, "design")

	for _, id := range []string{"r1", "r2", "r3"} {
		initiator.send(`{"type":"message","channel":"design","message":{"id":%q,"command":"export_node"}}`, id)
	}

	pos := initiator.readUntil(typeIs(protocol.TypeQueuePosition))
	var qp protocol.QueuePositionPayload
	require.NoError(t, json.Unmarshal(pos.Message, &qp))
	assert.Equal(t, "r2", qp.ID)
	assert.Equal(t, 1, qp.Position)

	var served []string
	for range 3 {
		cmd := target.readUntil(typeIs(protocol.TypeMessage))
		p, err := protocol.DecodePayload(cmd.Message)
		require.NoError(t, err)
		served = append(served, p.ID)
		target.send(`{"type":"message","channel":"design","message":{"id":%q,"result":{}}}`, p.ID)
		initiator.readUntil(responseWithID(p.ID))
	}
	assert.Equal(t, []string{"r1", "r2", "r3"}, served)
}

// TestEndToEndTargetDisconnect kills the target mid-command and expects
// the initiator to fail fast instead of waiting out the deadline.
func TestEndToEndTargetDisconnect(t *testing.T) {
	ts := startRelayServer(t)
	initiator := dialPeer(t, ts)
	target := dialPeer(t, ts)

	initiator.join("design")
	target.join("design")
	target.send(`{"type":"message","channel":"design","message":{"id":"probe","result":{}}}`)
	waitForTarget(t, ts, "design")

	initiator.send(`{"type":"message","channel":"design","message":{"id":"r1","command":"export_node"}}`)
	target.readUntil(typeIs(protocol.TypeMessage))
	require.NoError(t, target.ws.Close())

	failure := initiator.readUntil(errorWithCode("disconnect_error"))
	var perr protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(failure.Message, &perr))
	assert.Equal(t, "r1", perr.ID)
}

// TestEndToEndPolicyRejection sends a blocked command through the default
// policy and reads the validation error.
func TestEndToEndPolicyRejection(t *testing.T) {
	ts := startRelayServer(t)
	initiator := dialPeer(t, ts)
	initiator.join("design")

	initiator.send(`{"type":"message","channel":"design","message":{"id":"r1","command":"set_selection","params":{"ids":["1:2"]}}}`)

	failure := initiator.readUntil(errorWithCode("validation_error"))
	var perr protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(failure.Message, &perr))
	assert.Equal(t, "r1", perr.ID)
	assert.Contains(t, perr.Error.Message, "set_selection")
}

// TestEndToEndSessionTakeover reconnects with the same session token and
// expects the stale socket to be told and closed.
func TestEndToEndSessionTakeover(t *testing.T) {
	ts := startRelayServer(t)

	first := dialPeer(t, ts)
	first.send(`{"type":"join","channel":"design","sessionId":"sess-1"}`)
	first.readUntil(systemEvent(protocol.SystemChannelJoined))

	second := dialPeer(t, ts)
	second.send(`{"type":"join","channel":"design","sessionId":"sess-1"}`)
	second.readUntil(systemEvent(protocol.SystemChannelJoined))

	first.readUntil(systemEvent(protocol.SystemSessionReplaced))

	// The server closes the stale socket with the takeover reason.
	require.NoError(t, first.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := first.ws.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, "session_replaced", closeErr.Text)
	}

	// The fresh socket keeps working.
	second.send(`{"type":"message","channel":"design","message":{"id":"r1","command":"get_document_info"}}`)
	second.readUntil(errorWithCode("routing_error"))
}

// TestEndToEndStatusReflectsLiveState exercises the reporting surface
// against a relay with real connections.
func TestEndToEndStatusReflectsLiveState(t *testing.T) {
	ts := startRelayServer(t)
	initiator := dialPeer(t, ts)
	target := dialPeer(t, ts)
	initiator.join("design")
	target.join("design")

	resp, err := ts.Client().Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st relay.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 2, st.Connections)
	require.Len(t, st.Channels, 1)
	assert.Equal(t, "design", st.Channels[0].Name)
	assert.Equal(t, 2, st.Channels[0].Members)

	health, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	var hz HealthzResponse
	require.NoError(t, json.NewDecoder(health.Body).Decode(&hz))
	assert.Equal(t, "ok", hz.Status)
	assert.Equal(t, 2, hz.Connections)
}
