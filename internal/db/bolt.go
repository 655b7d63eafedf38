package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

var bucketSnapshots = []byte("snapshots")

// BoltStore keeps snapshots in a single BoltDB bucket keyed by run time and
// id, so a cursor walk returns them oldest first. Each Append is one write
// transaction; bbolt serializes writers.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*BoltStore, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// keyTimeFormat is fixed-width so keys sort chronologically.
const keyTimeFormat = "2006-01-02T15:04:05.000000000Z"

func boltKey(s models.StoredSnapshot) []byte {
	return []byte(s.RunAt.UTC().Format(keyTimeFormat) + "/" + s.ID)
}

// Append stores one snapshot. Existing keys are never overwritten.
func (b *BoltStore) Append(ctx context.Context, s models.StoredSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", s.ID, err)
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		if bucket == nil {
			return fmt.Errorf("snapshots bucket not found")
		}
		key := boltKey(s)
		if bucket.Get(key) != nil {
			return fmt.Errorf("snapshot %s already exists", s.ID)
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// List returns every stored snapshot, oldest first. A value that does not
// parse is returned with an empty payload so the cache counts it as
// skipped.
func (b *BoltStore) List(ctx context.Context) ([]models.StoredSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.StoredSnapshot
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		if bucket == nil {
			return fmt.Errorf("snapshots bucket not found")
		}
		return bucket.ForEach(func(k, v []byte) error {
			var s models.StoredSnapshot
			if err := json.Unmarshal(v, &s); err != nil {
				out = append(out, models.StoredSnapshot{ID: string(k)})
				return nil
			}
			out = append(out, s)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	return out, nil
}

// Close gracefully closes the database
func (b *BoltStore) Close() error {
	return b.db.Close()
}
