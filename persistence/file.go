package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wricardo/mcp-training/statesocket/log"
	"github.com/wricardo/mcp-training/statesocket/session"
)

// FileOptions configures a FileAdapter.
type FileOptions struct {
	// BackupDir receives timestamped copies. Empty disables backups.
	BackupDir string
	// MaxBackups prunes the oldest backups beyond this count. Zero keeps all.
	MaxBackups int
}

// FileAdapter stores the snapshot as one indented JSON document.
type FileAdapter struct {
	path   string
	opts   FileOptions
	mu     sync.Mutex
	now    func() time.Time
	logger zerolog.Logger
}

var (
	_ session.Adapter  = (*FileAdapter)(nil)
	_ session.Backuper = (*FileAdapter)(nil)
)

// NewFileAdapter creates an adapter writing to path.
func NewFileAdapter(path string, opts FileOptions) *FileAdapter {
	return &FileAdapter{
		path:   path,
		opts:   opts,
		now:    time.Now,
		logger: log.WithComponent("persistence").With().Str("adapter", "file").Str("path", path).Logger(),
	}
}

// Path returns the snapshot file path.
func (fa *FileAdapter) Path() string {
	return fa.path
}

// Init creates the snapshot and backup directories.
func (fa *FileAdapter) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(fa.path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if fa.opts.BackupDir != "" {
		if err := os.MkdirAll(fa.opts.BackupDir, 0755); err != nil {
			return fmt.Errorf("failed to create backup directory: %w", err)
		}
	}
	return nil
}

// Load reads the snapshot. A missing or corrupt file yields an empty
// snapshot.
func (fa *FileAdapter) Load(ctx context.Context) (session.Snapshot, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	snapshot, err := ReadSnapshotFile(fa.path)
	if errors.Is(err, ErrNotFound) {
		return session.Snapshot{}, nil
	}
	if err != nil {
		fa.logger.Warn().Err(err).Msg("ignoring unreadable snapshot")
		return session.Snapshot{}, nil
	}
	return snapshot, nil
}

// Save overwrites the snapshot file atomically.
func (fa *FileAdapter) Save(ctx context.Context, snapshot session.Snapshot) error {
	data, err := encodeRecord(snapshot, true)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()

	if err := writeFileAtomic(fa.logger, fa.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	return nil
}

// Backup copies the current snapshot file into the backup directory.
func (fa *FileAdapter) Backup(ctx context.Context) error {
	if fa.opts.BackupDir == "" {
		return ErrBackupsDisabled
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()

	data, err := os.ReadFile(fa.path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot file: %w", err)
	}

	target := filepath.Join(fa.opts.BackupDir, backupName(fa.now(), backupSuffix))
	if err := writeFileAtomic(fa.logger, target, data, 0644); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	fa.logger.Info().Str("backup", target).Msg("snapshot backed up")

	return pruneBackups(fa.logger, fa.opts.BackupDir, fa.opts.MaxBackups)
}
