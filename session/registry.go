package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Connection is one live transport-level socket. The transport owns it; the
// manager only tracks membership and asks for closure.
type Connection interface {
	// ID must be unique among live connections.
	ID() string
	// Send writes one text frame.
	Send(ctx context.Context, data []byte) error
	// Close requests closure. It must be safe to call more than once.
	Close() error
	IsOpen() bool
}

// ConnectionInfo describes a registered connection.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// BroadcastSummary counts the outcome of one fan-out.
type BroadcastSummary struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type registryEntry struct {
	conn        Connection
	connectedAt time.Time
	lastSeen    time.Time
}

// registry tracks live connections and their liveness watermark.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

func newRegistry() *registry {
	return &registry{
		entries: make(map[string]*registryEntry),
	}
}

// add registers conn, replacing any entry with the same ID.
func (r *registry) add(conn Connection, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[conn.ID()] = &registryEntry{
		conn:        conn,
		connectedAt: now,
		lastSeen:    now,
	}
}

// remove deregisters conn and reports whether it was registered.
func (r *registry) remove(conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[conn.ID()]; !ok {
		return false
	}
	delete(r.entries, conn.ID())
	return true
}

// touch moves the liveness watermark of conn to now.
func (r *registry) touch(conn Connection, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[conn.ID()]
	if !ok {
		return false
	}
	entry.lastSeen = now
	return true
}

func (r *registry) lastSeen(conn Connection) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[conn.ID()]
	if !ok {
		return time.Time{}, false
	}
	return entry.lastSeen, true
}

func (r *registry) contains(conn Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.entries[conn.ID()]
	return ok
}

// list returns a copy of the registered connections.
func (r *registry) list() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Connection, 0, len(r.entries))
	for _, entry := range r.entries {
		conns = append(conns, entry.conn)
	}
	return conns
}

// infos returns connection details ordered by connection time.
func (r *registry) infos() []ConnectionInfo {
	r.mu.RLock()
	infos := make([]ConnectionInfo, 0, len(r.entries))
	for id, entry := range r.entries {
		infos = append(infos, ConnectionInfo{
			ID:          id,
			ConnectedAt: entry.connectedAt,
			LastSeen:    entry.lastSeen,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// clear empties the registry and returns what it held.
func (r *registry) clear() []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]Connection, 0, len(r.entries))
	for _, entry := range r.entries {
		conns = append(conns, entry.conn)
	}
	r.entries = make(map[string]*registryEntry)
	return conns
}
