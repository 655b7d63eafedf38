package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

const snapshotExt = ".snapshot.json"

// FileStore keeps one file per snapshot in a directory. A snapshot becomes
// visible only through a rename of a fully written temp file, so a crash
// mid-write never leaves a partial snapshot behind.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// fileName sorts lexically by run time.
func fileName(s models.StoredSnapshot) string {
	return s.RunAt.UTC().Format("20060102T150405.000000000Z") + "_" + s.ID + snapshotExt
}

// Append writes the record to a temp file, syncs it and renames it into place.
func (f *FileStore) Append(ctx context.Context, s models.StoredSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", s.ID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	final := filepath.Join(f.dir, fileName(s))
	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("snapshot %s already exists", s.ID)
	}

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot %s: %w", s.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot %s: %w", s.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot %s: %w", s.ID, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("publish snapshot %s: %w", s.ID, err)
	}
	return nil
}

// List reads every published snapshot file. A file that cannot be read or
// parsed is returned with an empty payload so the cache counts it as
// skipped.
func (f *FileStore) List(ctx context.Context) ([]models.StoredSnapshot, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir %s: %w", f.dir, err)
	}

	var out []models.StoredSnapshot
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			log.Printf("[FileStore] Cannot read %s: %v", name, err)
			out = append(out, models.StoredSnapshot{ID: name})
			continue
		}
		var s models.StoredSnapshot
		if err := json.Unmarshal(data, &s); err != nil {
			log.Printf("[FileStore] Cannot parse %s: %v", name, err)
			out = append(out, models.StoredSnapshot{ID: name})
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Close is a no-op; FileStore holds no open handles.
func (f *FileStore) Close() error { return nil }
