package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Snapshot is the persisted unit: state and version together.
type Snapshot struct {
	State   json.RawMessage `json:"state"`
	Version int64           `json:"version"`
}

// Empty reports whether the snapshot carries no state.
func (s Snapshot) Empty() bool {
	return len(s.State) == 0 || string(s.State) == "null"
}

// Adapter persists snapshots.
type Adapter interface {
	// Init prepares storage. It must be idempotent.
	Init(ctx context.Context) error
	// Load returns the persisted snapshot. Missing or corrupt data yields
	// an empty snapshot with version 0, not an error.
	Load(ctx context.Context) (Snapshot, error)
	// Save overwrites the persisted snapshot atomically.
	Save(ctx context.Context, snapshot Snapshot) error
}

// Backuper is implemented by adapters that can copy the persisted snapshot.
type Backuper interface {
	Backup(ctx context.Context) error
}

// restore runs the startup sequence. It never fails: any problem falls back
// to the default state and is reported.
func (m *Manager[S]) restore(ctx context.Context) {
	if m.adapter == nil {
		m.initState(m.opts.InitialState, 0)
		return
	}

	snapshot, err := m.loadSnapshot(ctx)
	if err != nil {
		m.report(&Error{Kind: KindPersistence, Err: err})
		m.initState(m.fallbackState(), 0)
		return
	}

	if snapshot.Empty() {
		m.logger.Debug().Int64("version", snapshot.Version).Msg("no persisted state, using initial state")
		m.initState(m.opts.InitialState, snapshot.Version)
		return
	}

	state, err := decodeState[S](snapshot.State)
	if err != nil {
		m.report(&Error{Kind: KindPersistence, Err: fmt.Errorf("decode persisted state: %w", err)})
		m.initState(m.fallbackState(), 0)
		return
	}

	m.initState(state, snapshot.Version)
	m.logger.Info().
		Int64("version", m.store.getVersion()).
		Int("bytes", len(snapshot.State)).
		Msg("restored persisted state")
}

func (m *Manager[S]) loadSnapshot(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	err := m.adapter.Init(ctx)
	m.observer.PersistenceOp(OpInit, time.Since(start), err)
	if err != nil {
		return Snapshot{}, fmt.Errorf("init adapter: %w", err)
	}

	start = time.Now()
	snapshot, err := m.adapter.Load(ctx)
	m.observer.PersistenceOp(OpLoad, time.Since(start), err)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return snapshot, nil
}

func (m *Manager[S]) fallbackState() S {
	if m.opts.DefaultState != nil {
		return *m.opts.DefaultState
	}
	return m.opts.InitialState
}

func (m *Manager[S]) initState(state S, version int64) {
	if err := m.store.init(state, version); err != nil {
		// The configured state cannot be encoded; keep an empty value so
		// the manager stays usable.
		m.report(&Error{Kind: KindPersistence, Err: err})
		var zero S
		_ = m.store.init(zero, version)
	}
	m.observer.StateVersion(m.store.getVersion())
}

// save writes the current snapshot. Callers hold m.mu. Failures are reported
// and returned; in-memory state is never rolled back.
func (m *Manager[S]) save(ctx context.Context) error {
	if m.adapter == nil {
		return nil
	}

	snapshot := m.store.snapshot()
	start := time.Now()
	err := m.adapter.Save(ctx, snapshot)
	m.observer.PersistenceOp(OpSave, time.Since(start), err)
	if err != nil {
		err = &Error{Kind: KindPersistence, Err: fmt.Errorf("save snapshot: %w", err)}
		m.report(err)
		return err
	}

	m.logger.Debug().Int64("version", snapshot.Version).Msg("snapshot saved")
	if m.hooks.OnSync != nil {
		m.hooks.OnSync(snapshot)
	}
	return nil
}

// Sync saves the current snapshot regardless of whether it changed. Errors
// are reported through the hooks and also returned.
func (m *Manager[S]) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return ErrDisposed
	}
	return m.save(ctx)
}

// CreateBackup asks the adapter for a point-in-time copy. Adapters without
// backup support, or whose Backup returns ErrBackupsDisabled, are skipped
// silently.
func (m *Manager[S]) CreateBackup(ctx context.Context) error {
	backuper, ok := m.adapter.(Backuper)
	if !ok {
		m.logger.Debug().Msg("adapter does not support backups, skipping")
		return nil
	}

	start := time.Now()
	err := backuper.Backup(ctx)
	if errors.Is(err, ErrBackupsDisabled) {
		m.logger.Debug().Msg("backups disabled, skipping")
		return nil
	}
	m.observer.PersistenceOp(OpBackup, time.Since(start), err)
	if err != nil {
		err = &Error{Kind: KindPersistence, Err: fmt.Errorf("backup: %w", err)}
		m.report(err)
		return err
	}

	m.logger.Info().Msg("backup created")
	if m.hooks.OnBackup != nil {
		m.hooks.OnBackup()
	}
	return nil
}
