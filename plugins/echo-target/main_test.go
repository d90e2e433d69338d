package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/patchbay-dev/patchbay/internal/protocol"
)

func TestJoinEnvelopePassesRelayValidation(t *testing.T) {
	data, err := joinEnvelope("dev", "sess-1").Encode()
	if err != nil {
		t.Fatalf("encode join: %v", err)
	}

	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if err := protocol.ValidateInbound(env); err != nil {
		t.Fatalf("relay would reject join: %v", err)
	}
	if env.Type != protocol.TypeJoin || env.Channel != "dev" || env.SessionID != "sess-1" {
		t.Fatalf("join fields = (%q,%q,%q), want (join,dev,sess-1)", env.Type, env.Channel, env.SessionID)
	}
}

func TestResultEnvelopeReadsBackAsResponse(t *testing.T) {
	params := map[string]any{"node": "frame-7"}
	env := resultEnvelope("dev", "req-1", "get_selection", params)

	if env.Type != protocol.TypeMessage || env.ID != "req-1" {
		t.Fatalf("envelope = (%q,%q), want (message,req-1)", env.Type, env.ID)
	}

	p, err := protocol.DecodePayload(env.Message)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !p.IsResponse() || p.IsCommand() {
		t.Fatalf("payload shape = (response=%v, command=%v), want (true, false)", p.IsResponse(), p.IsCommand())
	}
	if p.ID != "req-1" {
		t.Fatalf("payload id = %q, want req-1", p.ID)
	}

	var result struct {
		Command  string         `json:"command"`
		Params   map[string]any `json:"params"`
		EchoedAt string         `json:"echoed_at"`
	}
	if err := json.Unmarshal(p.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Command != "get_selection" {
		t.Fatalf("echoed command = %q, want get_selection", result.Command)
	}
	if result.Params["node"] != "frame-7" {
		t.Fatalf("echoed params = %#v, want node=frame-7", result.Params)
	}
	if _, err := time.Parse(time.RFC3339Nano, result.EchoedAt); err != nil {
		t.Fatalf("echoed_at %q not RFC3339: %v", result.EchoedAt, err)
	}
}

func TestErrorResponseEnvelopeCarriesEchoFailure(t *testing.T) {
	env := errorResponseEnvelope("dev", "req-9", "export_pdf")

	p, err := protocol.DecodePayload(env.Message)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !p.IsResponse() || len(p.Error) == 0 {
		t.Fatalf("payload = %#v, want error response", p)
	}

	var body protocol.ErrorBody
	if err := json.Unmarshal(p.Error, &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Code != "echo_failure" {
		t.Fatalf("error code = %q, want echo_failure", body.Code)
	}
}

func TestProgressEnvelopeStaysPassThrough(t *testing.T) {
	env := progressEnvelope("dev", "req-3", "export_pdf")
	if env.Type != protocol.TypeProgressUpdate {
		t.Fatalf("type = %q, want progress_update", env.Type)
	}

	p, err := protocol.DecodePayload(env.Message)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	// Progress must never look like a command or response, or the relay
	// would classify this process off a status ping.
	if !p.IsPassThrough() {
		t.Fatalf("payload = %#v, want pass-through", p)
	}
	if p.ID != "req-3" {
		t.Fatalf("payload id = %q, want req-3", p.ID)
	}
}

func TestCommandFromSelectsAnswerableFrames(t *testing.T) {
	cases := []struct {
		name    string
		typ     string
		message string
		want    bool
	}{
		{"message command", protocol.TypeMessage, `{"id":"r1","command":"get_selection"}`, true},
		{"broadcast command", protocol.TypeBroadcast, `{"id":"r2","command":"create_frame","params":{"w":100}}`, true},
		{"response", protocol.TypeMessage, `{"id":"r3","result":{"ok":true}}`, false},
		{"command missing id", protocol.TypeMessage, `{"command":"get_selection"}`, false},
		{"pass-through ping", protocol.TypeMessage, `{"ping":true}`, false},
		{"malformed", protocol.TypeMessage, `not json`, false},
	}

	for _, tc := range cases {
		env := &protocol.Envelope{Type: tc.typ, Channel: "dev", Message: json.RawMessage(tc.message)}
		p, ok := commandFrom(env)
		if ok != tc.want {
			t.Fatalf("%s: ok = %v, want %v", tc.name, ok, tc.want)
		}
		if ok && p.Command == "" {
			t.Fatalf("%s: accepted payload has no command", tc.name)
		}
	}
}

func TestParseFailSet(t *testing.T) {
	if got := parseFailSet(""); len(got) != 0 {
		t.Fatalf("empty csv = %#v, want empty set", got)
	}

	got := parseFailSet("export_pdf, delete_node ,")
	if len(got) != 2 || !got["export_pdf"] || !got["delete_node"] {
		t.Fatalf("fail set = %#v, want export_pdf and delete_node", got)
	}
}
