package session

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
)

// HandlerContext is what a handler sees while it runs. It is only valid for
// the duration of the handler call.
type HandlerContext[S any] struct {
	Conn    Connection
	Message Message

	ctx     context.Context
	manager *Manager[S]
	changed bool
}

// State returns a copy of the current state.
func (hc *HandlerContext[S]) State() S {
	return hc.manager.store.get()
}

// Version returns the current version.
func (hc *HandlerContext[S]) Version() int64 {
	return hc.manager.store.getVersion()
}

// SetState replaces the state and saves it. It may be called more than
// once; each call counts as one mutation.
func (hc *HandlerContext[S]) SetState(next S) error {
	changed, err := hc.manager.commit(hc.ctx, next)
	if err != nil {
		return err
	}
	hc.changed = hc.changed || changed
	return nil
}

// HandleMessage runs one inbound payload through the pipeline. Failures are
// reported through OnError and never returned.
func (m *Manager[S]) HandleMessage(ctx context.Context, conn Connection, raw []byte) {
	if isPong(raw) {
		m.handlePong(conn)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		m.observer.MessageHandled(OutcomeDisposed)
		return
	}

	outcome := m.process(ctx, conn, json.RawMessage(raw))
	m.observer.MessageHandled(outcome)
}

// process runs validate, middleware, dispatch and the handler. Callers hold
// m.mu.
func (m *Manager[S]) process(ctx context.Context, conn Connection, raw json.RawMessage) string {
	connID := conn.ID()

	msg, err := parseEnvelope(raw)
	if err != nil {
		m.report(&Error{Kind: KindDecode, ConnID: connID, Err: err})
		return OutcomeDecodeError
	}
	m.logger.Debug().Str("conn_id", connID).Str("type", msg.Type).Msg("message received")

	if m.opts.Validate != nil {
		validated, err := m.opts.Validate(raw)
		if err != nil {
			m.report(&Error{Kind: KindValidation, ConnID: connID, Err: err})
			return OutcomeValidationError
		}
		if validated.Raw == nil {
			validated.Raw = raw
		}
		if validated.Type == "" {
			validated.Type = msg.Type
		}
		msg = validated
		m.logger.Debug().Str("conn_id", connID).Str("type", msg.Type).Msg("message validated")
	}

	for i, mw := range m.middlewareChain() {
		next, err := mw(ctx, conn, msg)
		if err != nil {
			m.report(&Error{Kind: KindMiddleware, ConnID: connID, Err: fmt.Errorf("middleware #%d: %w", i, err)})
			return OutcomeMiddlewareError
		}
		msg = next
	}

	handle, ok := m.handlers[msg.Type]
	if !ok {
		m.logger.Debug().Str("conn_id", connID).Str("type", msg.Type).Msg("no handler for message type")
		return OutcomeUnhandled
	}

	hc := &HandlerContext[S]{
		Conn:    conn,
		Message: msg,
		ctx:     ctx,
		manager: m,
	}

	if err := m.invoke(ctx, handle, hc); err != nil {
		m.report(&Error{Kind: KindHandler, ConnID: connID, Err: fmt.Errorf("handler %q: %w", msg.Type, err)})
		if hc.changed && m.opts.BroadcastOnChange {
			m.broadcastLocked(ctx)
		}
		return OutcomeHandlerError
	}

	m.logger.Debug().
		Str("conn_id", connID).
		Str("type", msg.Type).
		Bool("changed", hc.changed).
		Int64("version", m.store.getVersion()).
		Msg("message handled")

	if hc.changed && m.opts.BroadcastOnChange {
		m.broadcastLocked(ctx)
	}
	return OutcomeHandled
}

// invoke calls the handler, turning a panic into an error.
func (m *Manager[S]) invoke(ctx context.Context, handle HandleFunc[S], hc *HandlerContext[S]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Debug().Bytes("stack", debug.Stack()).Msg("handler panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handle(ctx, hc)
}

// handlePong records a liveness acknowledgment.
func (m *Manager[S]) handlePong(conn Connection) {
	if !m.registry.touch(conn, m.clock.Now()) {
		return
	}
	m.observer.MessageHandled(OutcomePong)
	if m.hooks.OnPong != nil {
		m.hooks.OnPong(conn)
	}
}
