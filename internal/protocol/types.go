package protocol

import "encoding/json"

// Envelope is the wire frame exchanged with the relay over a connection.
// Message carries an opaque payload; the relay only ever inspects the few
// fields Payload names.
type Envelope struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Inbound envelope types.
const (
	TypeJoin           = "join"
	TypeMessage        = "message"
	TypeProgressUpdate = "progress_update"
)

// Relay-originated envelope types.
const (
	TypeSystem        = "system"
	TypeBroadcast     = "broadcast"
	TypeError         = "error"
	TypeQueuePosition = "queue_position"
)

// Payload is the decoded view of an Envelope's inner message. Result and
// Error stay raw: presence matters for classification, content does not.
type Payload struct {
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Params  map[string]any  `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// IsCommand reports whether the payload carries a command.
func (p *Payload) IsCommand() bool {
	return p.Command != ""
}

// IsResponse reports whether the payload carries a result or error field.
// A JSON null still counts: the field was present.
func (p *Payload) IsResponse() bool {
	return len(p.Result) > 0 || len(p.Error) > 0
}

// IsPassThrough reports whether the payload is neither command nor response
// (liveness pings, notices). Pass-through payloads never classify a sender.
func (p *Payload) IsPassThrough() bool {
	return !p.IsCommand() && !p.IsResponse()
}

// ErrorBody is the error detail carried by relay-synthesized error envelopes.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorPayload is the response-shaped inner message of an error envelope,
// correlated to the failed command by its request id.
type ErrorPayload struct {
	ID    string    `json:"id"`
	Error ErrorBody `json:"error"`
}

// SystemPayload is the inner message of relay-originated system envelopes.
type SystemPayload struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	ConnID  string `json:"connId,omitempty"`
	Members int    `json:"members,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// System event names.
const (
	SystemChannelJoined   = "channel_joined"
	SystemPeerJoined      = "peer_joined"
	SystemPeerLeft        = "peer_left"
	SystemSessionReplaced = "session_replaced"
	SystemShutdown        = "shutdown"
)

// QueuePositionPayload is the inner message of queue_position envelopes sent
// to owners of not-yet-dispatched commands.
type QueuePositionPayload struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
	Depth    int    `json:"depth"`
}
