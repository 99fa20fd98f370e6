package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/wricardo/mcp-training/statesocket/log"
)

// Admin is the state-type agnostic view of a Manager used by the REST and
// MCP surfaces.
type Admin interface {
	StateJSON() json.RawMessage
	ReplaceStateJSON(ctx context.Context, data []byte, broadcast bool) error
	Version() int64
	BroadcastState(ctx context.Context) BroadcastSummary
	Sync(ctx context.Context) error
	CreateBackup(ctx context.Context) error
	Connections() []ConnectionInfo
}

// Manager owns the application state and every connection that observes it.
type Manager[S any] struct {
	opts     Options[S]
	hooks    Hooks[S]
	handlers map[string]HandleFunc[S]
	adapter  Adapter
	clock    clock.Clock
	logger   zerolog.Logger
	observer Observer

	store    *stateStore[S]
	registry *registry

	// mu serializes every mutation: message handling, administrative
	// SetState, saves and broadcasts.
	mu       sync.Mutex
	disposed bool

	middlewareMu sync.RWMutex
	middleware   []Middleware

	// Background loops and pending ping checks.
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loops      sync.WaitGroup
	timersMu   sync.Mutex
	timers     map[*clock.Timer]struct{}
	timersOff  bool
}

var _ Admin = (*Manager[struct{}])(nil)

// New builds a Manager, restores persisted state and starts the heartbeat
// and sync loops. Persistence failures never make New fail; configuration
// errors do.
func New[S any](ctx context.Context, opts Options[S]) (*Manager[S], error) {
	handlers, err := buildDispatchTable(opts.Handlers)
	if err != nil {
		return nil, err
	}
	if opts.PingTimeout > 0 && opts.HeartbeatInterval <= 0 {
		return nil, ErrInvalidPingConfig
	}

	logger := log.WithComponent("session")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())

	m := &Manager[S]{
		opts:       opts,
		hooks:      opts.Hooks,
		handlers:   handlers,
		adapter:    opts.Adapter,
		clock:      clk,
		logger:     logger,
		observer:   observer,
		store:      newStateStore[S](opts.EnableVersioning),
		registry:   newRegistry(),
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		timers:     make(map[*clock.Timer]struct{}),
	}

	m.restore(ctx)

	if opts.HeartbeatInterval > 0 {
		m.startLoop(opts.HeartbeatInterval, m.heartbeatTick)
	}
	if opts.SyncInterval > 0 && m.adapter != nil {
		m.startLoop(opts.SyncInterval, m.syncTick)
	}

	m.logger.Info().
		Int("handlers", len(handlers)).
		Bool("versioning", opts.EnableVersioning).
		Dur("heartbeat_interval", opts.HeartbeatInterval).
		Dur("ping_timeout", opts.PingTimeout).
		Dur("sync_interval", opts.SyncInterval).
		Bool("persistence", m.adapter != nil).
		Msg("session manager started")

	return m, nil
}

// buildDispatchTable indexes handlers by type, rejecting duplicates.
func buildDispatchTable[S any](handlers []Handler[S]) (map[string]HandleFunc[S], error) {
	if len(handlers) == 0 {
		return nil, ErrNoHandlers
	}

	table := make(map[string]HandleFunc[S], len(handlers))
	for i, h := range handlers {
		if h.Type == "" {
			return nil, fmt.Errorf("%w (handler #%d)", ErrEmptyHandlerType, i)
		}
		if h.Handle == nil {
			return nil, fmt.Errorf("%w: %q", ErrNilHandler, h.Type)
		}
		if _, exists := table[h.Type]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateHandler, h.Type)
		}
		table[h.Type] = h.Handle
	}
	return table, nil
}

// GetState returns a copy of the current state.
func (m *Manager[S]) GetState() S {
	return m.store.get()
}

// StateJSON returns the canonical encoding of the current state.
func (m *Manager[S]) StateJSON() json.RawMessage {
	return m.store.raw()
}

// Version returns the current version, or VersionDisabled.
func (m *Manager[S]) Version() int64 {
	return m.store.getVersion()
}

// SetState replaces the state outside of any handler. The change is saved
// and, when broadcast is true, pushed to every connection.
func (m *Manager[S]) SetState(ctx context.Context, next S, broadcast bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return ErrDisposed
	}

	if _, err := m.commit(ctx, next); err != nil {
		return err
	}
	if broadcast {
		m.broadcastLocked(ctx)
	}
	return nil
}

// ReplaceStateJSON decodes data into the state type and applies it with
// SetState.
func (m *Manager[S]) ReplaceStateJSON(ctx context.Context, data []byte, broadcast bool) error {
	next, err := decodeState[S](data)
	if err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	return m.SetState(ctx, next, broadcast)
}

// commit applies one mutation. Callers hold m.mu.
func (m *Manager[S]) commit(ctx context.Context, next S) (bool, error) {
	prevEncoded, changed, version, err := m.store.replace(next)
	if err != nil {
		return false, err
	}
	m.observer.StateVersion(version)

	if changed {
		m.logger.Debug().Int64("version", version).Msg("state changed")
		if m.hooks.OnStateChange != nil {
			prev, _ := decodeState[S](prevEncoded)
			m.hooks.OnStateChange(next, prev)
		}
	}

	// Persistence failures are reported inside save and do not undo the
	// in-memory change.
	_ = m.save(ctx)
	return changed, nil
}

// Use appends a middleware. Middleware run in registration order.
func (m *Manager[S]) Use(mw Middleware) {
	if mw == nil {
		return
	}
	m.middlewareMu.Lock()
	defer m.middlewareMu.Unlock()
	m.middleware = append(m.middleware, mw)
}

func (m *Manager[S]) middlewareChain() []Middleware {
	m.middlewareMu.RLock()
	defer m.middlewareMu.RUnlock()
	return append([]Middleware(nil), m.middleware...)
}

// HandleOpen registers conn and sends it the full state.
func (m *Manager[S]) HandleOpen(ctx context.Context, conn Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		_ = conn.Close()
		return
	}

	m.registry.add(conn, m.clock.Now())
	m.observer.ConnectionOpened()
	m.logger.Info().
		Str("conn_id", conn.ID()).
		Int("connections", m.registry.count()).
		Msg("connection opened")

	if m.hooks.OnConnect != nil {
		m.hooks.OnConnect(conn)
	}

	frame, err := encodeFrame(TypeInitialState, json.RawMessage(m.store.raw()))
	if err == nil {
		err = conn.Send(ctx, frame)
	}
	if err != nil {
		m.report(&Error{Kind: KindSend, ConnID: conn.ID(), Err: fmt.Errorf("send initial state: %w", err)})
		_ = conn.Close()
		m.closeLocked(conn)
	}
}

// HandleClose deregisters conn. Unknown connections are ignored.
func (m *Manager[S]) HandleClose(conn Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(conn)
}

func (m *Manager[S]) closeLocked(conn Connection) {
	if !m.registry.remove(conn) {
		return
	}
	m.removedLocked(conn)
}

// removedLocked finishes the close of a connection already taken out of
// the registry.
func (m *Manager[S]) removedLocked(conn Connection) {
	m.observer.ConnectionClosed()
	m.logger.Info().
		Str("conn_id", conn.ID()).
		Int("connections", m.registry.count()).
		Msg("connection closed")

	if m.hooks.OnDisconnect != nil {
		m.hooks.OnDisconnect(conn)
	}
}

// BroadcastState sends the current state to every open connection.
func (m *Manager[S]) BroadcastState(ctx context.Context) BroadcastSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcastLocked(ctx)
}

func (m *Manager[S]) broadcastLocked(ctx context.Context) BroadcastSummary {
	var summary BroadcastSummary

	frame, err := encodeFrame(TypeStateUpdate, json.RawMessage(m.store.raw()))
	if err != nil {
		m.report(&Error{Kind: KindSend, Err: fmt.Errorf("encode state update: %w", err)})
		return summary
	}

	for _, conn := range m.registry.list() {
		if !conn.IsOpen() {
			continue
		}
		summary.Attempted++
		if err := conn.Send(ctx, frame); err != nil {
			summary.Failed++
			m.report(&Error{Kind: KindSend, ConnID: conn.ID(), Err: fmt.Errorf("send state update: %w", err)})
			continue
		}
		summary.Succeeded++
	}

	m.observer.Broadcast(summary)
	m.logger.Debug().
		Int("attempted", summary.Attempted).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("state broadcast")
	return summary
}

// Connections lists the registered connections.
func (m *Manager[S]) Connections() []ConnectionInfo {
	return m.registry.infos()
}

// ConnectionCount returns the number of registered connections.
func (m *Manager[S]) ConnectionCount() int {
	return m.registry.count()
}

// Dispose stops the timers, closes every connection and clears the
// registry. It is safe to call more than once.
func (m *Manager[S]) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.mu.Unlock()

	m.loopCancel()
	m.loops.Wait()
	m.stopTimers()

	m.mu.Lock()
	defer m.mu.Unlock()

	conns := m.registry.clear()
	for _, conn := range conns {
		_ = conn.Close()
		m.observer.ConnectionClosed()
		if m.hooks.OnDisconnect != nil {
			m.hooks.OnDisconnect(conn)
		}
	}

	m.logger.Info().Int("closed_connections", len(conns)).Msg("session manager disposed")
}

// report routes an error to OnError or the log.
func (m *Manager[S]) report(err error) {
	if m.hooks.OnError != nil {
		m.hooks.OnError(err)
		return
	}
	m.logger.Error().Err(err).Msg("session error")
}

// startLoop runs fn on every tick until Dispose.
func (m *Manager[S]) startLoop(interval time.Duration, fn func(ctx context.Context)) {
	ticker := m.clock.Ticker(interval)
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		defer ticker.Stop()

		for {
			select {
			case <-m.loopCtx.Done():
				return
			case <-ticker.C:
				fn(m.loopCtx)
			}
		}
	}()
}

func (m *Manager[S]) syncTick(ctx context.Context) {
	if err := m.Sync(ctx); err != nil {
		m.logger.Debug().Err(err).Msg("periodic sync failed")
	}
}
