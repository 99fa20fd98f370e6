package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/mcp-training/statesocket/counter"
	"github.com/wricardo/mcp-training/statesocket/session"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, mutate func(*session.Options[counter.State])) (*session.Manager[counter.State], *Hub, string) {
	t.Helper()

	logger := zerolog.Nop()
	opts := counter.Options()
	opts.Logger = &logger
	opts.BroadcastOnChange = true
	if mutate != nil {
		mutate(&opts)
	}

	mgr, err := session.New(context.Background(), opts)
	require.NoError(t, err)

	hub := NewHub(mgr, Options{})
	server := httptest.NewServer(hub)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Dispose()
		_ = hub.Shutdown(ctx)
		server.Close()
	})

	return mgr, hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestConnectReceivesInitialState(t *testing.T) {
	_, hub, url := newTestServer(t, nil)
	conn := dial(t, url)

	f := readFrame(t, conn)
	assert.Equal(t, session.TypeInitialState, f.Type)
	assert.JSONEq(t, `{"counter":0}`, string(f.Data))
	assert.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMessagesReachManagerAndBroadcast(t *testing.T) {
	mgr, _, url := newTestServer(t, nil)
	a := dial(t, url)
	b := dial(t, url)
	readFrame(t, a)
	readFrame(t, b)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"increment","amount":5}`)))

	for _, conn := range []*websocket.Conn{a, b} {
		f := readFrame(t, conn)
		assert.Equal(t, session.TypeStateUpdate, f.Type)
		assert.JSONEq(t, `{"counter":5}`, string(f.Data))
	}
	assert.Equal(t, 5, mgr.GetState().Counter)
}

func TestInvalidMessageIsDroppedSilently(t *testing.T) {
	mgr, _, url := newTestServer(t, nil)
	conn := dial(t, url)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"increment","amount":"x"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"increment","amount":1}`)))

	// The first message yields no frame; the next frame reflects only the valid one.
	f := readFrame(t, conn)
	assert.JSONEq(t, `{"counter":1}`, string(f.Data))
	assert.Equal(t, 1, mgr.GetState().Counter)
}

func TestHeartbeatOverWebSocket(t *testing.T) {
	pongs := make(chan struct{}, 8)
	mgr, _, url := newTestServer(t, func(o *session.Options[counter.State]) {
		o.HeartbeatInterval = 20 * time.Millisecond
		o.PingTimeout = 200 * time.Millisecond
		o.Hooks.OnPong = func(session.Connection) {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	})
	conn := dial(t, url)
	readFrame(t, conn)

	f := readFrame(t, conn)
	require.Equal(t, session.TypePing, f.Type)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(session.PongToken)))

	select {
	case <-pongs:
	case <-time.After(2 * time.Second):
		t.Fatal("pong was not delivered to the manager")
	}
	assert.Equal(t, 1, mgr.ConnectionCount())
}

func TestSilentClientIsDisconnected(t *testing.T) {
	mgr, hub, url := newTestServer(t, func(o *session.Options[counter.State]) {
		o.HeartbeatInterval = 20 * time.Millisecond
		o.PingTimeout = 50 * time.Millisecond
	})
	conn := dial(t, url)
	readFrame(t, conn)

	// Keep reading without ever answering a ping until the server closes.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var closeErr error
	for closeErr == nil {
		_, _, closeErr = conn.ReadMessage()
	}

	assert.True(t, websocket.IsCloseError(closeErr, websocket.CloseNormalClosure), "got %v", closeErr)
	assert.Eventually(t, func() bool { return mgr.ConnectionCount() == 0 && hub.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClientDisconnectDeregisters(t *testing.T) {
	mgr, hub, url := newTestServer(t, nil)
	conn := dial(t, url)
	readFrame(t, conn)
	require.Equal(t, 1, mgr.ConnectionCount())

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	assert.Eventually(t, func() bool { return mgr.ConnectionCount() == 0 && hub.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdownClosesClients(t *testing.T) {
	_, hub, url := newTestServer(t, nil)
	conn := dial(t, url)
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// New connections are refused once the hub is shut down.
	late := dial(t, url)
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestClientSend(t *testing.T) {
	hub := NewHub(nil, Options{SendBuffer: 1})
	c := newClient(hub, nil, "c1")

	require.NoError(t, c.Send(context.Background(), []byte("one")))
	assert.ErrorIs(t, c.Send(context.Background(), []byte("two")), ErrSendBufferFull)

	assert.True(t, c.IsOpen())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.IsOpen())
	assert.ErrorIs(t, c.Send(context.Background(), []byte("three")), session.ErrConnectionClosed)
}
