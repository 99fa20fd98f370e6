package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatPingsOpenConnections(t *testing.T) {
	mock := clock.NewMock()
	var pings atomic.Int32

	m := newCounterManager(t, Options[counterState]{
		HeartbeatInterval: 20 * time.Millisecond,
		Clock:             mock,
		Hooks: Hooks[counterState]{
			OnPing: func(Connection) { pings.Add(1) },
		},
	})

	a, b := newFakeConn("a"), newFakeConn("b")
	m.HandleOpen(context.Background(), a)
	m.HandleOpen(context.Background(), b)

	mock.Add(20 * time.Millisecond)

	assert.Eventually(t, func() bool { return pings.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, a.count(TypePing))
	assert.Contains(t, a.RawFrames(), `{"type":"ping"}`)
}

func TestHeartbeatTimeoutClosesSilentConnection(t *testing.T) {
	mock := clock.NewMock()
	opened := mock.Now()

	var (
		mu          sync.Mutex
		timeouts    int
		closedAt    time.Time
		disconnects int
	)
	m := newCounterManager(t, Options[counterState]{
		HeartbeatInterval: 20 * time.Millisecond,
		PingTimeout:       50 * time.Millisecond,
		Clock:             mock,
		Hooks: Hooks[counterState]{
			OnPingTimeout: func(Connection) {
				mu.Lock()
				defer mu.Unlock()
				timeouts++
				closedAt = mock.Now()
			},
			OnDisconnect: func(Connection) {
				mu.Lock()
				defer mu.Unlock()
				disconnects++
			},
		},
	})

	conn := newFakeConn("silent")
	m.HandleOpen(context.Background(), conn)

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Millisecond)
		return !conn.IsOpen()
	}, 2*time.Second, time.Millisecond)

	assert.Eventually(t, func() bool { return m.ConnectionCount() == 0 }, time.Second, time.Millisecond)

	// Later checks find the connection gone and do nothing.
	for i := 0; i < 10; i++ {
		mock.Add(10 * time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, timeouts)
	assert.Equal(t, 1, disconnects)
	assert.Greater(t, closedAt.Sub(opened), 50*time.Millisecond, "never closed before the timeout")
}

func TestHeartbeatOverlappingChecksTimeOutOnce(t *testing.T) {
	mock := clock.NewMock()
	var timeouts, disconnects atomic.Int32

	m := newCounterManager(t, Options[counterState]{
		HeartbeatInterval: 20 * time.Millisecond,
		PingTimeout:       50 * time.Millisecond,
		Clock:             mock,
		Hooks: Hooks[counterState]{
			OnPingTimeout: func(Connection) {
				timeouts.Add(1)
				time.Sleep(2 * time.Millisecond)
			},
			OnDisconnect: func(Connection) { disconnects.Add(1) },
		},
	})

	conn := newFakeConn("silent")
	m.HandleOpen(context.Background(), conn)

	for i := 1; i <= 3; i++ {
		mock.Add(20 * time.Millisecond)
		want := i
		require.Eventually(t, func() bool { return conn.count(TypePing) >= want }, time.Second, time.Millisecond)
	}

	// Every pending check becomes due in one step.
	mock.Add(100 * time.Millisecond)

	require.Eventually(t, func() bool { return disconnects.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), timeouts.Load())
	assert.Equal(t, int32(1), disconnects.Load())
	assert.False(t, conn.IsOpen())
	assert.Zero(t, m.ConnectionCount())
}

func TestHeartbeatKeepsRespondingConnection(t *testing.T) {
	mock := clock.NewMock()
	var timeouts atomic.Int32

	m := newCounterManager(t, Options[counterState]{
		HeartbeatInterval: 20 * time.Millisecond,
		PingTimeout:       50 * time.Millisecond,
		Clock:             mock,
		Hooks: Hooks[counterState]{
			OnPingTimeout: func(Connection) { timeouts.Add(1) },
		},
	})

	conn := newFakeConn("alive")
	conn.onSend = func(data []byte) {
		if string(data) == `{"type":"ping"}` {
			m.HandleMessage(context.Background(), conn, []byte("pong"))
		}
	}
	m.HandleOpen(context.Background(), conn)

	for i := 1; i <= 20; i++ {
		mock.Add(20 * time.Millisecond)
		want := i
		require.Eventually(t, func() bool { return conn.count(TypePing) >= want }, time.Second, time.Millisecond)
	}

	assert.True(t, conn.IsOpen())
	assert.Equal(t, 1, m.ConnectionCount())
	assert.Zero(t, timeouts.Load())
}

func TestHeartbeatTimeoutRealClock(t *testing.T) {
	closed := make(chan struct{})
	var timeouts atomic.Int32

	m := newCounterManager(t, Options[counterState]{
		HeartbeatInterval: 20 * time.Millisecond,
		PingTimeout:       50 * time.Millisecond,
		Hooks: Hooks[counterState]{
			OnPingTimeout: func(Connection) {
				if timeouts.Add(1) == 1 {
					close(closed)
				}
			},
		},
	})

	conn := newFakeConn("silent")
	start := time.Now()
	m.HandleOpen(context.Background(), conn)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, conn.IsOpen())
	assert.Equal(t, int32(1), timeouts.Load())
}

func TestDisposeStopsHeartbeat(t *testing.T) {
	mock := clock.NewMock()
	m := newCounterManager(t, Options[counterState]{
		HeartbeatInterval: 20 * time.Millisecond,
		PingTimeout:       50 * time.Millisecond,
		Clock:             mock,
	})

	conn := newFakeConn("c1")
	m.HandleOpen(context.Background(), conn)
	mock.Add(20 * time.Millisecond)
	require.Eventually(t, func() bool { return conn.count(TypePing) == 1 }, time.Second, time.Millisecond)

	m.Dispose()
	pings := conn.count(TypePing)
	mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, pings, conn.count(TypePing))
	m.timersMu.Lock()
	assert.Empty(t, m.timers)
	m.timersMu.Unlock()
}
