package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wricardo/mcp-training/statesocket/session"
)

var (
	// ErrNotFound is returned when no snapshot has been persisted yet.
	ErrNotFound = errors.New("snapshot not found")
	// ErrBackupsDisabled is returned by Backup when no backup directory is
	// configured.
	ErrBackupsDisabled = session.ErrBackupsDisabled
)

const (
	backupPrefix     = "snapshot-"
	backupSuffix     = ".json"
	backupTimeFormat = "20060102T150405.000000000Z"
)

// record is the on-disk layout shared by the file and bolt adapters.
type record struct {
	State   json.RawMessage `json:"state"`
	Version int64           `json:"version"`
}

func encodeRecord(snapshot session.Snapshot, indent bool) ([]byte, error) {
	rec := record{State: snapshot.State, Version: snapshot.Version}
	if len(rec.State) == 0 {
		rec.State = json.RawMessage("null")
	}
	if indent {
		return json.MarshalIndent(rec, "", "  ")
	}
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (session.Snapshot, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return session.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return session.Snapshot{State: rec.State, Version: rec.Version}, nil
}

// ReadSnapshotFile reads a snapshot written by FileAdapter or a backup.
func ReadSnapshotFile(path string) (session.Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return session.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	return decodeRecord(data)
}

// BackupInfo describes one backup file.
type BackupInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// ListBackups returns the backups in dir, newest first. A missing directory
// yields an empty list.
func ListBackups(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, backupPrefix) {
			continue
		}

		stamp := strings.TrimPrefix(name, backupPrefix)
		stamp = stamp[:len(stamp)-len(filepath.Ext(stamp))]
		createdAt, err := time.Parse(backupTimeFormat, stamp)
		if err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Name:      name,
			Path:      filepath.Join(dir, name),
			CreatedAt: createdAt,
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

func backupName(now time.Time, ext string) string {
	return backupPrefix + now.UTC().Format(backupTimeFormat) + ext
}

// pruneBackups keeps the newest keep backups in dir. keep <= 0 keeps all.
func pruneBackups(logger zerolog.Logger, dir string, keep int) error {
	if keep <= 0 {
		return nil
	}

	backups, err := ListBackups(dir)
	if err != nil {
		return err
	}
	for _, b := range backups[min(keep, len(backups)):] {
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old backup %s: %w", b.Name, err)
		}
		logger.Debug().Str("backup", b.Name).Msg("pruned old backup")
	}
	return nil
}
