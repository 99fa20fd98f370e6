package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type counterState struct {
	Counter int `json:"counter"`
}

type incrementMsg struct {
	Type   string `json:"type"`
	Amount int    `json:"amount"`
}

// fakeConn records frames written to it.
type fakeConn struct {
	id string

	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	sendErr error
	onSend  func(data []byte)
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	onSend := c.onSend
	c.mu.Unlock()

	if onSend != nil {
		onSend(data)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Frame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		frame := Frame{Type: f.Type}
		if len(f.Data) > 0 {
			frame.Data = string(f.Data)
		}
		out = append(out, frame)
	}
	return out
}

func (c *fakeConn) RawFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.frames))
	for i, raw := range c.frames {
		out[i] = string(raw)
	}
	return out
}

func (c *fakeConn) count(typ string) int {
	n := 0
	for _, f := range c.Frames() {
		if f.Type == typ {
			n++
		}
	}
	return n
}

// memAdapter is an in-memory Adapter that counts calls.
type memAdapter struct {
	mu       sync.Mutex
	snapshot Snapshot
	saves    int
	backups  int
	initErr  error
	loadErr  error
	saveErr  error
}

func (a *memAdapter) Init(context.Context) error { return a.initErr }

func (a *memAdapter) Load(context.Context) (Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loadErr != nil {
		return Snapshot{}, a.loadErr
	}
	return Snapshot{State: append(json.RawMessage(nil), a.snapshot.State...), Version: a.snapshot.Version}, nil
}

func (a *memAdapter) Save(_ context.Context, s Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saveErr != nil {
		return a.saveErr
	}
	a.saves++
	a.snapshot = Snapshot{State: append(json.RawMessage(nil), s.State...), Version: s.Version}
	return nil
}

func (a *memAdapter) Saves() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saves
}

func (a *memAdapter) Stored() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot
}

// backupAdapter adds Backup to memAdapter.
type backupAdapter struct {
	memAdapter
	backupErr error
}

func (a *backupAdapter) Backup(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.backupErr != nil {
		return a.backupErr
	}
	a.backups++
	return nil
}

// errorSink collects errors passed to OnError.
type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) add(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) All() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *errorSink) kinds() []Kind {
	var kinds []Kind
	for _, err := range s.All() {
		var se *Error
		if errors.As(err, &se) {
			kinds = append(kinds, se.Kind)
		}
	}
	return kinds
}

func incrementHandler() Handler[counterState] {
	return Handler[counterState]{
		Type: "increment",
		Handle: func(_ context.Context, hc *HandlerContext[counterState]) error {
			var msg incrementMsg
			if err := hc.Message.Decode(&msg); err != nil {
				return err
			}
			if msg.Amount == 0 {
				msg.Amount = 1
			}
			state := hc.State()
			state.Counter += msg.Amount
			return hc.SetState(state)
		},
	}
}

func quietLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// newCounterManager builds a manager over counterState with the increment
// handler and quiet logging. Dispose is registered as cleanup.
func newCounterManager(t *testing.T, opts Options[counterState]) *Manager[counterState] {
	t.Helper()

	if opts.Handlers == nil {
		opts.Handlers = []Handler[counterState]{incrementHandler()}
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}

	m, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(m.Dispose)
	return m
}

func testTime(sec int) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}
