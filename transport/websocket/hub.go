package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wricardo/mcp-training/statesocket/log"
	"github.com/wricardo/mcp-training/statesocket/session"
)

const (
	// Time allowed to write a message to the peer.
	defaultWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	defaultPongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	defaultMaxMessageSize = 64 * 1024

	// Frames queued per client before sends start failing.
	defaultSendBuffer = 256
)

// ErrSendBufferFull is returned by Send when the client is not draining its
// queue.
var ErrSendBufferFull = errors.New("websocket send buffer full")

// EventHandler receives connection lifecycle events. *session.Manager[S]
// implements it.
type EventHandler interface {
	HandleOpen(ctx context.Context, conn session.Connection)
	HandleMessage(ctx context.Context, conn session.Connection, data []byte)
	HandleClose(conn session.Connection)
}

// Options tunes the transport. Zero values use the defaults.
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return o
}

// pingPeriod sends protocol pings to peer with this period. Must be less
// than pongWait.
func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// Hub upgrades HTTP requests and tracks the resulting clients. Application
// events are forwarded to the EventHandler.
type Hub struct {
	handler  EventHandler
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	// ctx outlives individual requests; it is cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a hub forwarding events to handler.
func NewHub(handler EventHandler, opts Options) *Hub {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		handler: handler,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		logger:  log.WithComponent("websocket"),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*Client]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ServeWS(w, r)
}

// ServeWS handles WebSocket requests from clients
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := newClient(h, conn, uuid.NewString())
	if !h.register(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.opts.WriteWait))
		conn.Close()
		return
	}

	client.logger.Debug().
		Str("remote_addr", r.RemoteAddr).
		Msg("client connected")

	// Start client goroutines
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()

	h.handler.HandleOpen(h.ctx, client)

	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client and waits for their goroutines to finish or
// ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Int("clients", len(clients)).Msg("websocket hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// register adds a client unless the hub is shutting down. On success the
// caller must start both pumps.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	return true
}

// unregister removes a client and tells the handler it is gone.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	remaining := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}

	h.handler.HandleClose(c)
	c.logger.Debug().
		Int("remaining_clients", remaining).
		Msg("client disconnected")
}
