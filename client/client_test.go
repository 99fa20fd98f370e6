package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/mcp-training/statesocket/counter"
	"github.com/wricardo/mcp-training/statesocket/session"
	wstransport "github.com/wricardo/mcp-training/statesocket/transport/websocket"
)

func quietLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// newCounterServer starts a counter manager behind a hub. wrap may replace
// the handler mounted on the test server.
func newCounterServer(t *testing.T, mutate func(*session.Options[counter.State]), wrap func(http.Handler) http.Handler) (*session.Manager[counter.State], *httptest.Server) {
	t.Helper()

	opts := counter.Options()
	opts.Logger = quietLogger()
	opts.BroadcastOnChange = true
	if mutate != nil {
		mutate(&opts)
	}

	mgr, err := session.New(context.Background(), opts)
	require.NoError(t, err)

	hub := wstransport.NewHub(mgr, wstransport.Options{})
	var handler http.Handler = hub
	if wrap != nil {
		handler = wrap(hub)
	}
	server := httptest.NewServer(handler)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Dispose()
		_ = hub.Shutdown(ctx)
		server.Close()
	})
	return mgr, server
}

func runClient(t *testing.T, c *Client) <-chan error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		c.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("client did not stop")
		}
	})
	return done
}

func counterOf(t *testing.T, c *Client) int {
	t.Helper()
	var s counter.State
	if err := c.DecodeState(&s); err != nil {
		return -1
	}
	return s.Counter
}

func TestReceivesInitialState(t *testing.T) {
	mgr, server := newCounterServer(t, nil, nil)
	require.NoError(t, mgr.SetState(context.Background(), counter.State{Counter: 4}, false))

	var states atomic.Int32
	c := New(wsURL(server), Options{
		Logger:  quietLogger(),
		OnState: func(json.RawMessage) { states.Add(1) },
	})
	assert.Nil(t, c.State())
	assert.Equal(t, StatusIdle, c.Status())
	runClient(t, c)

	require.Eventually(t, func() bool { return counterOf(t, c) == 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusOpen, c.Status())
	assert.GreaterOrEqual(t, states.Load(), int32(1))
}

func TestSendUpdatesState(t *testing.T) {
	mgr, server := newCounterServer(t, nil, nil)

	c := New(wsURL(server), Options{Logger: quietLogger()})
	runClient(t, c)
	require.Eventually(t, func() bool { return c.Status() == StatusOpen && c.State() != nil }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Send(context.Background(), counter.Command{Type: "increment", Amount: counter.By(5)}))
	require.Eventually(t, func() bool { return counterOf(t, c) == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, mgr.GetState().Counter)
}

func TestSendBeforeConnect(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws", Options{Logger: quietLogger()})
	assert.ErrorIs(t, c.Send(context.Background(), map[string]string{"type": "x"}), ErrNotConnected)

	c.Close()
	assert.ErrorIs(t, c.Send(context.Background(), map[string]string{"type": "x"}), ErrClosed)
}

func TestAnswersHeartbeat(t *testing.T) {
	mgr, server := newCounterServer(t, func(o *session.Options[counter.State]) {
		o.HeartbeatInterval = 20 * time.Millisecond
		o.PingTimeout = 60 * time.Millisecond
	}, nil)

	c := New(wsURL(server), Options{Logger: quietLogger()})
	runClient(t, c)
	require.Eventually(t, func() bool { return mgr.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Several ping periods pass without the server dropping the client.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, mgr.ConnectionCount())
	assert.Equal(t, StatusOpen, c.Status())
}

func TestReconnectsAfterDrop(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{}

	_, server := newCounterServer(t, nil, func(hub http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if dials.Add(1) == 1 {
				// First connection is dropped right after the upgrade.
				conn, err := upgrader.Upgrade(w, r, nil)
				if err == nil {
					conn.Close()
				}
				return
			}
			hub.ServeHTTP(w, r)
		})
	})

	var mu sync.Mutex
	var statuses []Status
	c := New(wsURL(server), Options{
		Logger:     quietLogger(),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
		OnStatus: func(s Status) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
	})
	runClient(t, c)

	require.Eventually(t, func() bool { return c.State() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, dials.Load(), int32(2))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, StatusReconnecting)
	assert.Equal(t, StatusOpen, statuses[len(statuses)-1])
}

func TestMaxRetries(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	c := New(url, Options{
		Logger:     quietLogger(),
		MinBackoff: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
		MaxRetries: 3,
	})

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrMaxRetries)
	assert.Equal(t, StatusClosed, c.Status())
}

func TestMaxRetriesCountsDialAttempts(t *testing.T) {
	for _, retries := range []int{1, 3} {
		var dials atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dials.Add(1)
			http.NotFound(w, r)
		}))

		c := New(wsURL(server), Options{
			Logger:     quietLogger(),
			MinBackoff: time.Millisecond,
			MaxBackoff: 5 * time.Millisecond,
			MaxRetries: retries,
		})

		err := c.Run(context.Background())
		server.Close()

		require.ErrorIs(t, err, ErrMaxRetries)
		assert.Equal(t, int32(retries), dials.Load(), "MaxRetries=%d", retries)
	}
}

func TestCloseStopsRun(t *testing.T) {
	mgr, server := newCounterServer(t, nil, nil)

	c := New(wsURL(server), Options{Logger: quietLogger()})
	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background())
	}()
	require.Eventually(t, func() bool { return mgr.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, StatusClosed, c.Status())
	require.Eventually(t, func() bool { return mgr.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOtherFramesReachOnMessage(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"notice","data":{"text":"hi"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.ReadMessage()
	}))
	t.Cleanup(server.Close)

	got := make(chan string, 1)
	c := New(wsURL(server), Options{
		Logger: quietLogger(),
		OnMessage: func(frameType string, data json.RawMessage) {
			got <- frameType + " " + string(data)
		},
	})
	runClient(t, c)

	select {
	case msg := <-got:
		assert.Equal(t, `notice {"text":"hi"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage not called")
	}
	assert.Nil(t, c.State())
}

func TestClientIDHeader(t *testing.T) {
	got := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case got <- r.Header.Get(ClientIDHeader):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	t.Cleanup(server.Close)

	c := New(wsURL(server), Options{Logger: quietLogger(), ID: "client-1"})
	assert.Equal(t, "client-1", c.ID())
	runClient(t, c)

	select {
	case id := <-got:
		assert.Equal(t, "client-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no upgrade request")
	}

	generated := New("ws://example/ws", Options{})
	assert.Len(t, generated.ID(), 36)
}
