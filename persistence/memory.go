package persistence

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/wricardo/mcp-training/statesocket/session"
)

// MemoryAdapter keeps the snapshot in process memory.
type MemoryAdapter struct {
	mu       sync.RWMutex
	snapshot session.Snapshot
	backups  []session.Snapshot
}

var (
	_ session.Adapter  = (*MemoryAdapter)(nil)
	_ session.Backuper = (*MemoryAdapter)(nil)
)

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{}
}

func (ma *MemoryAdapter) Init(ctx context.Context) error {
	return nil
}

func (ma *MemoryAdapter) Load(ctx context.Context) (session.Snapshot, error) {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return copySnapshot(ma.snapshot), nil
}

func (ma *MemoryAdapter) Save(ctx context.Context, snapshot session.Snapshot) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.snapshot = copySnapshot(snapshot)
	return nil
}

// Backup keeps a copy of the current snapshot.
func (ma *MemoryAdapter) Backup(ctx context.Context) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.backups = append(ma.backups, copySnapshot(ma.snapshot))
	return nil
}

// Backups returns the copies taken by Backup, oldest first.
func (ma *MemoryAdapter) Backups() []session.Snapshot {
	ma.mu.RLock()
	defer ma.mu.RUnlock()

	out := make([]session.Snapshot, len(ma.backups))
	for i, b := range ma.backups {
		out[i] = copySnapshot(b)
	}
	return out
}

func copySnapshot(s session.Snapshot) session.Snapshot {
	return session.Snapshot{
		State:   append(json.RawMessage(nil), s.State...),
		Version: s.Version,
	}
}
