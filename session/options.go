package session

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Hooks are optional callbacks. Unless noted otherwise they run while the
// manager's mutation lock is held and must not call SetState, Sync or
// BroadcastState on the manager.
type Hooks[S any] struct {
	// OnConnect runs after registration, before the initial state is sent.
	OnConnect func(conn Connection)
	// OnDisconnect runs once per registered connection after it is removed.
	OnDisconnect func(conn Connection)
	// OnStateChange runs when a mutation changes the canonical encoding.
	OnStateChange func(next, prev S)
	// OnSync runs after every successful save.
	OnSync func(snapshot Snapshot)
	// OnBackup runs after a successful adapter backup.
	OnBackup func()
	// OnPing runs from the heartbeat loop after a ping was sent. Lock-free.
	OnPing func(conn Connection)
	// OnPong runs when a liveness acknowledgment arrives. Lock-free.
	OnPong func(conn Connection)
	// OnPingTimeout runs before a silent connection is closed. Lock-free.
	OnPingTimeout func(conn Connection)
	// OnError receives every reported error. When nil errors are logged.
	OnError func(err error)
}

// Options configures a Manager.
type Options[S any] struct {
	// InitialState is used when no adapter is configured or nothing has
	// been persisted yet.
	InitialState S
	// DefaultState replaces InitialState when loading from the adapter
	// fails. Nil means InitialState.
	DefaultState *S
	// Handlers are required; message types must be unique and non-empty.
	Handlers []Handler[S]

	Hooks    Hooks[S]
	Validate ValidateFunc
	Adapter  Adapter

	// HeartbeatInterval enables pings when positive.
	HeartbeatInterval time.Duration
	// PingTimeout closes connections whose last acknowledgment is older
	// than this when a ping check fires. Requires HeartbeatInterval.
	PingTimeout time.Duration
	// SyncInterval saves the current snapshot periodically when positive.
	SyncInterval time.Duration

	EnableVersioning bool
	// BroadcastOnChange pushes a state_update to every connection after a
	// handler mutated the state.
	BroadcastOnChange bool
	// Debug logs every pipeline stage.
	Debug bool

	Logger   *zerolog.Logger
	Clock    clock.Clock
	Observer Observer
}

// Message handling outcomes reported to the Observer.
const (
	OutcomeHandled         = "handled"
	OutcomeUnhandled       = "unhandled"
	OutcomePong            = "pong"
	OutcomeDecodeError     = "decode_error"
	OutcomeValidationError = "validation_error"
	OutcomeMiddlewareError = "middleware_error"
	OutcomeHandlerError    = "handler_error"
	OutcomeDisposed        = "disposed"
)

// Persistence operations reported to the Observer.
const (
	OpInit   = "init"
	OpLoad   = "load"
	OpSave   = "save"
	OpBackup = "backup"
)

// Observer receives counters from the manager. The metrics package provides
// a Prometheus implementation.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageHandled(outcome string)
	Broadcast(summary BroadcastSummary)
	PersistenceOp(op string, duration time.Duration, err error)
	PingSent()
	PingTimeout()
	StateVersion(version int64)
}

type noopObserver struct{}

func (noopObserver) ConnectionOpened() {}
func (noopObserver) ConnectionClosed() {}
func (noopObserver) MessageHandled(string) {}
func (noopObserver) Broadcast(BroadcastSummary) {}
func (noopObserver) PersistenceOp(string, time.Duration, error) {}
func (noopObserver) PingSent() {}
func (noopObserver) PingTimeout() {}
func (noopObserver) StateVersion(int64) {}
