package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/wricardo/mcp-training/statesocket/log"
	"github.com/wricardo/mcp-training/statesocket/session"
)

var bucketSnapshots = []byte("snapshots")

// DefaultBoltKey is the row key used when BoltOptions.Key is empty.
const DefaultBoltKey = "main"

// BoltOptions configures a BoltAdapter.
type BoltOptions struct {
	// Key identifies the snapshot row.
	Key        string
	BackupDir  string
	MaxBackups int
}

// BoltAdapter keeps the snapshot as one row of a bbolt bucket.
type BoltAdapter struct {
	db     *bolt.DB
	key    []byte
	opts   BoltOptions
	now    func() time.Time
	logger zerolog.Logger
}

var (
	_ session.Adapter  = (*BoltAdapter)(nil)
	_ session.Backuper = (*BoltAdapter)(nil)
)

// NewBoltAdapter opens (or creates) the database at path.
func NewBoltAdapter(path string, opts BoltOptions) (*BoltAdapter, error) {
	if opts.Key == "" {
		opts.Key = DefaultBoltKey
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &BoltAdapter{
		db:     db,
		key:    []byte(opts.Key),
		opts:   opts,
		now:    time.Now,
		logger: log.WithComponent("persistence").With().Str("adapter", "bolt").Str("path", path).Logger(),
	}, nil
}

// Close closes the database.
func (ba *BoltAdapter) Close() error {
	return ba.db.Close()
}

// Init creates the snapshot bucket.
func (ba *BoltAdapter) Init(ctx context.Context) error {
	if ba.opts.BackupDir != "" {
		if err := os.MkdirAll(ba.opts.BackupDir, 0755); err != nil {
			return fmt.Errorf("failed to create backup directory: %w", err)
		}
	}
	return ba.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketSnapshots, err)
		}
		return nil
	})
}

// Load reads the snapshot row. A missing or corrupt row yields an empty
// snapshot.
func (ba *BoltAdapter) Load(ctx context.Context) (session.Snapshot, error) {
	var data []byte
	err := ba.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if b == nil {
			return nil
		}
		if v := b.Get(ba.key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if data == nil {
		return session.Snapshot{}, nil
	}

	snapshot, err := decodeRecord(data)
	if err != nil {
		ba.logger.Warn().Err(err).Msg("ignoring corrupt snapshot row")
		return session.Snapshot{}, nil
	}
	return snapshot, nil
}

// Save overwrites the snapshot row in one transaction.
func (ba *BoltAdapter) Save(ctx context.Context, snapshot session.Snapshot) error {
	data, err := encodeRecord(snapshot, false)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return ba.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketSnapshots, err)
		}
		return b.Put(ba.key, data)
	})
}

// Backup writes a consistent copy of the whole database into the backup
// directory.
func (ba *BoltAdapter) Backup(ctx context.Context) error {
	if ba.opts.BackupDir == "" {
		return ErrBackupsDisabled
	}

	target := filepath.Join(ba.opts.BackupDir, backupName(ba.now(), ".db"))
	err := ba.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(target, 0600)
	})
	if err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	ba.logger.Info().Str("backup", target).Msg("database backed up")

	return pruneBackups(ba.logger, ba.opts.BackupDir, ba.opts.MaxBackups)
}

// ReadBoltSnapshot opens the database at path read-only and returns the
// snapshot stored under key.
func ReadBoltSnapshot(path, key string) (session.Snapshot, error) {
	if key == "" {
		key = DefaultBoltKey
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return session.Snapshot{}, ErrNotFound
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var data []byte
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if data == nil {
		return session.Snapshot{}, ErrNotFound
	}
	return decodeRecord(data)
}
