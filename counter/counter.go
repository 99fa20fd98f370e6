// Package counter is the example application served by statesocket: one
// shared integer that every connected client can change.
package counter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wricardo/mcp-training/statesocket/session"
)

// Message types.
const (
	TypeIncrement = "increment"
	TypeDecrement = "decrement"
	TypeReset     = "reset"
)

var (
	ErrUnknownType   = errors.New("unknown message type")
	ErrInvalidAmount = errors.New("amount must be an integer")
)

// State is the shared application state.
type State struct {
	Counter int `json:"counter"`
}

// Command is the validated form of a client message. A nil Amount means
// the message carried none and the step defaults to 1.
type Command struct {
	Type   string `json:"type"`
	Amount *int   `json:"amount,omitempty"`
}

// By returns an amount for Command.Amount.
func By(n int) *int {
	return &n
}

func (c Command) step() int {
	if c.Amount == nil {
		return 1
	}
	return *c.Amount
}

// Handlers returns the counter message handlers.
func Handlers() []session.Handler[State] {
	return []session.Handler[State]{
		{Type: TypeIncrement, Handle: handleIncrement},
		{Type: TypeDecrement, Handle: handleDecrement},
		{Type: TypeReset, Handle: handleReset},
	}
}

func handleIncrement(_ context.Context, hc *session.HandlerContext[State]) error {
	cmd, err := commandOf(hc.Message)
	if err != nil {
		return err
	}
	state := hc.State()
	state.Counter += cmd.step()
	return hc.SetState(state)
}

func handleDecrement(_ context.Context, hc *session.HandlerContext[State]) error {
	cmd, err := commandOf(hc.Message)
	if err != nil {
		return err
	}
	state := hc.State()
	state.Counter -= cmd.step()
	return hc.SetState(state)
}

func handleReset(_ context.Context, hc *session.HandlerContext[State]) error {
	return hc.SetState(State{})
}

// commandOf prefers the typed value set by Validate and falls back to the
// raw payload.
func commandOf(msg session.Message) (Command, error) {
	if cmd, ok := msg.Value.(Command); ok {
		return cmd, nil
	}
	var cmd Command
	if err := msg.Decode(&cmd); err != nil {
		return Command{}, fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return cmd, nil
}

// Validate accepts only known message types whose optional amount is an
// integer.
func Validate(raw json.RawMessage) (session.Message, error) {
	var fields struct {
		Type   string          `json:"type"`
		Amount json.RawMessage `json:"amount"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return session.Message{}, fmt.Errorf("decode message: %w", err)
	}

	switch fields.Type {
	case TypeIncrement, TypeDecrement, TypeReset:
	default:
		return session.Message{}, fmt.Errorf("%w: %q", ErrUnknownType, fields.Type)
	}

	cmd := Command{Type: fields.Type}
	if len(fields.Amount) > 0 && string(fields.Amount) != "null" {
		if err := json.Unmarshal(fields.Amount, &cmd.Amount); err != nil {
			return session.Message{}, fmt.Errorf("%w: %s", ErrInvalidAmount, fields.Amount)
		}
	}

	return session.Message{Type: cmd.Type, Raw: raw, Value: cmd}, nil
}

// LoggingMiddleware logs every message that reaches dispatch.
func LoggingMiddleware(logger zerolog.Logger) session.Middleware {
	return func(_ context.Context, conn session.Connection, msg session.Message) (session.Message, error) {
		logger.Info().
			Str("conn_id", conn.ID()).
			Str("type", msg.Type).
			Msg("message accepted")
		return msg, nil
	}
}

// Options returns manager options for the counter application. Callers fill
// in transport related fields such as the adapter and timers.
func Options() session.Options[State] {
	return session.Options[State]{
		InitialState: State{},
		Handlers:     Handlers(),
		Validate:     Validate,
	}
}
