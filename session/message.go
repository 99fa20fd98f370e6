package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types written by the server.
const (
	TypeInitialState = "initial_state"
	TypeStateUpdate  = "state_update"
	TypePing         = "ping"
)

// PongToken is the bare liveness acknowledgment a client sends after a ping.
// It is not JSON-wrapped.
const PongToken = "pong"

var (
	pongBare   = []byte(PongToken)
	pongQuoted = []byte(`"` + PongToken + `"`)
)

// Frame is the server to client envelope.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Message is a validated inbound application message.
type Message struct {
	// Type selects the handler.
	Type string
	// Raw is the message as received (or as rewritten by middleware).
	Raw json.RawMessage
	// Value optionally carries a typed payload produced by a validator or
	// middleware.
	Value any
}

// Decode unmarshals the raw message into v.
func (m Message) Decode(v any) error {
	if len(m.Raw) == 0 {
		return errors.New("message has no payload")
	}
	return json.Unmarshal(m.Raw, v)
}

// ValidateFunc turns a syntactically valid JSON payload into a Message or
// rejects it.
type ValidateFunc func(raw json.RawMessage) (Message, error)

// Middleware transforms a message before dispatch. Returning an error drops
// the message.
type Middleware func(ctx context.Context, conn Connection, msg Message) (Message, error)

// HandleFunc processes one message type.
type HandleFunc[S any] func(ctx context.Context, hc *HandlerContext[S]) error

// Handler binds a HandleFunc to a message type.
type Handler[S any] struct {
	Type   string
	Handle HandleFunc[S]
}

// isPong reports whether a raw payload is the liveness acknowledgment.
func isPong(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return bytes.Equal(trimmed, pongBare) || bytes.Equal(trimmed, pongQuoted)
}

// parseEnvelope builds a Message from a JSON object carrying a string "type".
func parseEnvelope(raw json.RawMessage) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if fields == nil {
		return Message{}, errors.New("decode message: payload is not a JSON object")
	}

	rawType, ok := fields["type"]
	if !ok {
		return Message{}, errors.New("decode message: missing type field")
	}

	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return Message{}, fmt.Errorf("decode message: type field: %w", err)
	}

	return Message{Type: typ, Raw: raw}, nil
}

// encodeFrame marshals a server frame.
func encodeFrame(typ string, data any) ([]byte, error) {
	return json.Marshal(Frame{Type: typ, Data: data})
}
