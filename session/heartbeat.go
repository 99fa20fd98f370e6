package session

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

var pingFrame = []byte(`{"type":"ping"}`)

// heartbeatTick pings every open connection and, with a ping timeout,
// schedules a liveness check for each ping.
func (m *Manager[S]) heartbeatTick(ctx context.Context) {
	for _, conn := range m.registry.list() {
		if ctx.Err() != nil {
			return
		}
		if !conn.IsOpen() {
			continue
		}

		sentAt := m.clock.Now()
		if err := conn.Send(ctx, pingFrame); err != nil {
			m.report(&Error{Kind: KindSend, ConnID: conn.ID(), Err: fmt.Errorf("send ping: %w", err)})
			continue
		}
		m.observer.PingSent()
		if m.hooks.OnPing != nil {
			m.hooks.OnPing(conn)
		}

		if m.opts.PingTimeout > 0 {
			m.schedulePingCheck(conn, sentAt)
		}
	}
}

// schedulePingCheck arms a one-shot check. Acks do not cancel it; the check
// compares the watermark instead.
func (m *Manager[S]) schedulePingCheck(conn Connection, sentAt time.Time) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()

	if m.timersOff {
		return
	}

	var timer *clock.Timer
	timer = m.clock.AfterFunc(m.opts.PingTimeout, func() {
		m.timersMu.Lock()
		delete(m.timers, timer)
		off := m.timersOff
		m.timersMu.Unlock()

		if !off {
			m.checkLiveness(conn, sentAt)
		}
	})
	m.timers[timer] = struct{}{}
}

// checkLiveness closes conn when nothing arrived since the ping sent at
// sentAt and it has been silent for longer than the ping timeout. The
// decision and the removal happen under m.mu, so overlapping checks close a
// connection once.
func (m *Manager[S]) checkLiveness(conn Connection, sentAt time.Time) {
	m.mu.Lock()
	lastSeen, ok := m.registry.lastSeen(conn)
	if !ok || !lastSeen.Before(sentAt) {
		m.mu.Unlock()
		return
	}
	silent := m.clock.Since(lastSeen)
	if silent <= m.opts.PingTimeout || !m.registry.remove(conn) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Warn().
		Str("conn_id", conn.ID()).
		Dur("silent_for", silent).
		Msg("ping timeout, closing connection")
	m.observer.PingTimeout()
	if m.hooks.OnPingTimeout != nil {
		m.hooks.OnPingTimeout(conn)
	}

	_ = conn.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedLocked(conn)
}

// stopTimers cancels every pending ping check and refuses new ones.
func (m *Manager[S]) stopTimers() {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()

	m.timersOff = true
	for timer := range m.timers {
		timer.Stop()
	}
	m.timers = make(map[*clock.Timer]struct{})
}
