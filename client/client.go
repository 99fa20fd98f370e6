package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wricardo/mcp-training/statesocket/log"
	"github.com/wricardo/mcp-training/statesocket/session"
)

var (
	ErrNotConnected = errors.New("client not connected")
	ErrClosed       = errors.New("client closed")
	ErrMaxRetries   = errors.New("maximum reconnect attempts reached")
)

// ClientIDHeader carries the client identifier on the upgrade request.
const ClientIDHeader = "X-Statesocket-Client"

const defaultWriteWait = 10 * time.Second

// Status is the connection lifecycle as seen by the client.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusOpen         Status = "open"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

// Options configures a Client.
type Options struct {
	// ID identifies the client in logs and on the upgrade request.
	// Generated when empty.
	ID string
	// Header is sent with every upgrade request.
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// MinBackoff and MaxBackoff bound the reconnect delay.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxRetries stops Run after this many consecutive failed attempts.
	// Zero retries forever.
	MaxRetries int

	// OnState is called with every initial_state and state_update payload.
	OnState func(state json.RawMessage)
	// OnStatus is called on every status transition.
	OnStatus func(status Status)
	// OnMessage receives frames of any other type.
	OnMessage func(frameType string, data json.RawMessage)

	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = o.MinBackoff
	}
	return o
}

// inbound is the server to client envelope with the payload left raw.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client is a reconnecting WebSocket client for a statesocket server.
type Client struct {
	url    string
	opts   Options
	logger zerolog.Logger

	mu     sync.RWMutex
	state  json.RawMessage
	status Status
	conn   *websocket.Conn

	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a client for url. Nothing is dialed until Run.
func New(url string, opts Options) *Client {
	opts = opts.withDefaults()

	logger := log.WithComponent("client")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Client{
		url:    url,
		opts:   opts,
		logger: logger.With().Str("client_id", opts.ID).Logger(),
		status: StatusIdle,
		closed: make(chan struct{}),
	}
}

// ID returns the client identifier.
func (c *Client) ID() string {
	return c.opts.ID
}

// State returns the last state received, or nil before the first one.
func (c *Client) State() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	return append(json.RawMessage(nil), c.state...)
}

// DecodeState unmarshals the last state received into v.
func (c *Client) DecodeState(v any) error {
	state := c.State()
	if state == nil {
		return ErrNotConnected
	}
	return json.Unmarshal(state, v)
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()

	c.logger.Debug().Str("status", string(status)).Msg("status changed")
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(status)
	}
}

// Run connects and keeps reconnecting until ctx is done, Close is called,
// or MaxRetries consecutive attempts fail.
func (c *Client) Run(ctx context.Context) error {
	defer c.setStatus(StatusClosed)

	b := &backoff.Backoff{
		Min:    c.opts.MinBackoff,
		Max:    c.opts.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	failures := 0
	for {
		c.setStatus(StatusConnecting)
		connected, err := c.connectOnce(ctx)

		if c.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			failures = 0
			b.Reset()
		} else {
			failures++
		}

		if c.opts.MaxRetries > 0 && failures >= c.opts.MaxRetries {
			return fmt.Errorf("%w: %v", ErrMaxRetries, err)
		}

		delay := b.Duration()
		c.setStatus(StatusReconnecting)
		c.logger.Warn().Err(err).Dur("delay", delay).Msg("connection lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.closed:
			timer.Stop()
			return nil
		}
	}
}

// connectOnce dials and serves one connection until it drops. connected
// reports whether the dial succeeded.
func (c *Client) connectOnce(ctx context.Context) (connected bool, err error) {
	header := c.opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(ClientIDHeader, c.opts.ID)

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.setStatus(StatusOpen)
	c.logger.Info().Str("url", c.url).Msg("connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.readLoop(conn)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.closed:
			c.writeControlClose(conn)
		}
		// Unblocks readLoop.
		conn.Close()
		return nil
	})

	return true, g.Wait()
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(conn, raw)
	}
}

func (c *Client) handleFrame(conn *websocket.Conn, raw []byte) {
	var frame inbound
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Debug().Err(err).Msg("ignoring undecodable frame")
		return
	}

	switch frame.Type {
	case session.TypePing:
		if err := c.write(conn, websocket.TextMessage, []byte(session.PongToken)); err != nil {
			c.logger.Debug().Err(err).Msg("pong failed")
		}
	case session.TypeInitialState, session.TypeStateUpdate:
		state := append(json.RawMessage(nil), frame.Data...)
		c.mu.Lock()
		c.state = state
		c.mu.Unlock()
		if c.opts.OnState != nil {
			c.opts.OnState(state)
		}
	default:
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(frame.Type, frame.Data)
		}
	}
}

// Send encodes v as JSON and writes it as one text frame.
func (c *Client) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.SendRaw(ctx, data)
}

// SendRaw writes data as one text frame.
func (c *Client) SendRaw(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(defaultWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	return conn.WriteMessage(messageType, data)
}

func (c *Client) writeControlClose(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Close stops Run and closes the current connection. It is safe to call
// more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
