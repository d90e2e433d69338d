package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decode errors. Callers map these onto protocol_error responses.
var (
	ErrMalformed      = errors.New("protocol: malformed envelope")
	ErrUnknownType    = errors.New("protocol: unknown envelope type")
	ErrMissingChannel = errors.New("protocol: missing channel")
)

// DecodeEnvelope parses a wire frame. Unknown top-level fields are ignored
// so newer clients can add fields without breaking older relays.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

// ValidateInbound checks that an envelope received from a client names a
// type the relay accepts and carries the fields that type requires.
func ValidateInbound(env *Envelope) error {
	switch env.Type {
	case TypeJoin, TypeMessage, TypeProgressUpdate:
	case "":
		return fmt.Errorf("%w: type is required", ErrMalformed)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if env.Channel == "" {
		return fmt.Errorf("%w for %s", ErrMissingChannel, env.Type)
	}
	return nil
}

// DecodePayload extracts the relay-relevant fields from an inner message.
// The decode is deliberately lenient: unknown fields pass through untouched
// and an absent message yields an empty payload.
func DecodePayload(message json.RawMessage) (*Payload, error) {
	if len(message) == 0 {
		return &Payload{}, nil
	}
	var p Payload
	if err := json.Unmarshal(message, &p); err != nil {
		return nil, fmt.Errorf("%w: inner message: %v", ErrMalformed, err)
	}
	return &p, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// NewSystem builds a relay-originated system notice for a channel.
func NewSystem(channel string, p SystemPayload) *Envelope {
	msg, _ := json.Marshal(p)
	return &Envelope{Type: TypeSystem, Channel: channel, Message: msg}
}

// NewError builds a response-shaped error envelope correlated to requestID.
// The id rides both the envelope and the inner payload so initiators can
// resolve it with the same path they use for target responses.
func NewError(channel, requestID, code, message string) *Envelope {
	msg, _ := json.Marshal(ErrorPayload{
		ID:    requestID,
		Error: ErrorBody{Code: code, Message: message},
	})
	return &Envelope{Type: TypeError, Channel: channel, ID: requestID, Message: msg}
}

// NewQueuePosition builds a queue_position notice for a waiting command.
func NewQueuePosition(channel, requestID string, position, depth int) *Envelope {
	msg, _ := json.Marshal(QueuePositionPayload{
		ID:       requestID,
		Position: position,
		Depth:    depth,
	})
	return &Envelope{Type: TypeQueuePosition, Channel: channel, ID: requestID, Message: msg}
}

// NewBroadcast wraps a payload for fan-out to channel members while no
// target is classified. Broadcast frames are explicitly marked so receivers
// know nothing executed the command.
func NewBroadcast(channel string, message json.RawMessage, id string) *Envelope {
	return &Envelope{Type: TypeBroadcast, Channel: channel, Message: message, ID: id}
}
