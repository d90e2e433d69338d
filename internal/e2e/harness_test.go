package e2e

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/patchbay-dev/patchbay/internal/api"
	"github.com/patchbay-dev/patchbay/internal/config"
	"github.com/patchbay-dev/patchbay/internal/events"
	"github.com/patchbay-dev/patchbay/internal/history"
	"github.com/patchbay-dev/patchbay/internal/log"
	"github.com/patchbay-dev/patchbay/internal/notify"
	"github.com/patchbay-dev/patchbay/internal/policy"
	"github.com/patchbay-dev/patchbay/internal/protocol"
	"github.com/patchbay-dev/patchbay/internal/relay"
	"github.com/patchbay-dev/patchbay/internal/storage"
)

const adminToken = "e2e-admin-token"

// stack is one fully wired relay process: config loaded from a real YAML
// file, sqlite-backed history behind the async recorder, the event hub, the
// optional webhook notifier, and the HTTP surface on an httptest listener.
type stack struct {
	t        *testing.T
	cfg      *config.Config
	db       *sql.DB
	store    *history.Store
	recorder *history.Recorder
	hub      *events.Hub
	svc      *relay.Service
	notifier *notify.Notifier
	ts       *httptest.Server
}

// startStack assembles the whole process the way cmd/patchbay does, from a
// config file written into a temp dir. extraYAML is appended verbatim for
// per-test sections like notify.
func startStack(t *testing.T, extraYAML string) *stack {
	t.Helper()
	dir := t.TempDir()

	body := fmt.Sprintf(`service:
  name: patchbay-e2e
  log_level: error
  data_dir: %s

relay:
  command_timeout: 500ms
  queue_limit: 4
  sweep_interval: 1h
  pending_max_age: 1h
  send_buffer: 64
  max_message_size: 1048576

api:
  listen: 127.0.0.1:0
  admin_token: %s

policy:
  blocked_commands: [set_selection]
  require_parent: [create_frame]
  parent_param: parentId

history:
  enabled: true
  retention: 24h
  buffer: 64

events:
  buffer: 64
`, dir, adminToken)
	if extraYAML != "" {
		body += "\n" + extraYAML
	}

	path := filepath.Join(dir, "patchbay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	log.Setup(cfg.Service.LogLevel)

	db, err := storage.OpenSQLite(context.Background(), cfg.HistoryPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := history.NewStore(db)
	recorder := history.NewRecorder(store, cfg.History.Buffer, cfg.History.Retention)
	t.Cleanup(recorder.Close)

	hub := events.NewHub(cfg.Events.Buffer)
	svc := relay.New(cfg.Relay, relay.Options{
		Policy:   policy.New(cfg.Policy),
		Events:   hub,
		Recorder: recorder,
	})
	svc.Start()
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = svc.Stop(stopCtx)
	})

	st := &stack{t: t, cfg: cfg, db: db, store: store, recorder: recorder, hub: hub, svc: svc}
	if cfg.Notify != nil {
		st.notifier = notify.New(*cfg.Notify, hub)
		t.Cleanup(st.notifier.Close)
	}

	srv := api.New(api.Config{Listen: cfg.API.Listen, AdminToken: cfg.API.AdminToken},
		svc, store, hub, log.WithComponent("api"))
	st.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(st.ts.Close)
	return st
}

// get issues a GET against the stack's HTTP surface, optionally with a
// bearer token.
func (st *stack) get(path, token string) *http.Response {
	st.t.Helper()
	req, err := http.NewRequest(http.MethodGet, st.ts.URL+path, nil)
	require.NoError(st.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := st.ts.Client().Do(req)
	require.NoError(st.t, err)
	return resp
}

// peer is one live WebSocket connection to the stack under test.
type peer struct {
	t  *testing.T
	ws *websocket.Conn
}

func (st *stack) dial(t *testing.T) *peer {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(st.ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &peer{t: t, ws: ws}
}

func (p *peer) write(env *protocol.Envelope) {
	p.t.Helper()
	data, err := env.Encode()
	require.NoError(p.t, err)
	require.NoError(p.t, p.ws.WriteMessage(websocket.TextMessage, data))
}

func (p *peer) join(channel string) {
	p.t.Helper()
	p.write(&protocol.Envelope{Type: protocol.TypeJoin, Channel: channel})
	p.until(isSystemEvent(protocol.SystemChannelJoined))
}

func (p *peer) command(channel, id, command string, params map[string]any) {
	p.t.Helper()
	msg, err := json.Marshal(protocol.Payload{ID: id, Command: command, Params: params})
	require.NoError(p.t, err)
	p.write(&protocol.Envelope{Type: protocol.TypeMessage, Channel: channel, ID: id, Message: msg})
}

func (p *peer) respond(channel, id string, result any) {
	p.t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(p.t, err)
	msg, err := json.Marshal(protocol.Payload{ID: id, Result: raw})
	require.NoError(p.t, err)
	p.write(&protocol.Envelope{Type: protocol.TypeMessage, Channel: channel, ID: id, Message: msg})
}

func (p *peer) respondError(channel, id, code, message string) {
	p.t.Helper()
	raw, err := json.Marshal(protocol.ErrorBody{Code: code, Message: message})
	require.NoError(p.t, err)
	msg, err := json.Marshal(protocol.Payload{ID: id, Error: raw})
	require.NoError(p.t, err)
	p.write(&protocol.Envelope{Type: protocol.TypeMessage, Channel: channel, ID: id, Message: msg})
}

func (p *peer) next() *protocol.Envelope {
	p.t.Helper()
	require.NoError(p.t, p.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := p.ws.ReadMessage()
	require.NoError(p.t, err)
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(p.t, err)
	return env
}

// until reads frames, discarding notices and echoes, until one matches.
func (p *peer) until(match func(*protocol.Envelope) bool) *protocol.Envelope {
	p.t.Helper()
	for range 32 {
		if env := p.next(); match(env) {
			return env
		}
	}
	p.t.Fatal("expected envelope never arrived")
	return nil
}

func isSystemEvent(event string) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool {
		if env.Type != protocol.TypeSystem {
			return false
		}
		var sys protocol.SystemPayload
		return json.Unmarshal(env.Message, &sys) == nil && sys.Event == event
	}
}

// isCommandFor matches the delivered form of a command: a unicast message to
// the classified target or a bootstrap broadcast.
func isCommandFor(id string) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool {
		if env.Type != protocol.TypeMessage && env.Type != protocol.TypeBroadcast {
			return false
		}
		p, err := protocol.DecodePayload(env.Message)
		return err == nil && p.IsCommand() && p.ID == id
	}
}

func isResponseFor(id string) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool {
		if env.Type != protocol.TypeMessage {
			return false
		}
		p, err := protocol.DecodePayload(env.Message)
		return err == nil && p.IsResponse() && p.ID == id
	}
}

func isErrorCode(code string) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool {
		if env.Type != protocol.TypeError {
			return false
		}
		var perr protocol.ErrorPayload
		return json.Unmarshal(env.Message, &perr) == nil && perr.Error.Code == code
	}
}

func decodePayload(t *testing.T, env *protocol.Envelope) *protocol.Payload {
	t.Helper()
	p, err := protocol.DecodePayload(env.Message)
	require.NoError(t, err)
	return p
}

func decodeErrorPayload(t *testing.T, env *protocol.Envelope) protocol.ErrorPayload {
	t.Helper()
	var perr protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Message, &perr))
	return perr
}

// runCommandRoundTrip joins a fresh initiator and target on channel and
// resolves one command through the bootstrap broadcast path.
func runCommandRoundTrip(t *testing.T, st *stack, channel, id string) {
	t.Helper()
	initiator := st.dial(t)
	target := st.dial(t)
	initiator.join(channel)
	target.join(channel)

	initiator.command(channel, id, "get_document_info", nil)
	target.until(isCommandFor(id))
	target.respond(channel, id, map[string]any{"ok": true})
	initiator.until(isResponseFor(id))
}

// waitForRecords polls until the async recorder has flushed at least want
// rows, then returns them keyed by request id.
func waitForRecords(t *testing.T, store *history.Store, want int) map[string]history.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		recs, err := store.Recent(context.Background(), 100)
		require.NoError(t, err)
		if len(recs) >= want {
			out := make(map[string]history.Record, len(recs))
			for _, rec := range recs {
				out[rec.RequestID] = rec
			}
			return out
		}
		if time.Now().After(deadline) {
			t.Fatalf("history rows = %d, want at least %d", len(recs), want)
		}
		time.Sleep(25 * time.Millisecond)
	}
}
