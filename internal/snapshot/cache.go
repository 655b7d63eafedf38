package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

// Snapshot Cache
//
// Every analysis run is appended to a Store as one immutable snapshot.
// Load reads the whole store back, drops anything that fails to decode,
// and rebuilds the per-address history index from scratch. The index is
// never patched: Persist writes to the store only, and the next Load picks
// the new snapshot up.

// ErrNoStore is returned when a cache has no backing store to read or write.
var ErrNoStore = errors.New("snapshot store unavailable")

// Store is the flat, append-only snapshot storage a Cache sits on.
// Append must make a snapshot visible atomically; List returns every
// stored snapshot in any order.
type Store interface {
	Append(ctx context.Context, s models.StoredSnapshot) error
	List(ctx context.Context) ([]models.StoredSnapshot, error)
}

// Cache holds the loaded snapshots and the address-history index built
// from them.
type Cache struct {
	store Store

	mu        sync.RWMutex
	snapshots []models.Snapshot                   // descending by RunAt
	history   map[string][]models.HistoricalMatch // descending by Timestamp
	skipped   int
}

// NewCache creates a cache over store. Nothing is read until Load.
func NewCache(store Store) *Cache {
	return &Cache{
		store:   store,
		history: make(map[string][]models.HistoricalMatch),
	}
}

// Load reads every stored snapshot and replaces the in-memory state.
// Undecodable snapshots are logged and skipped; only a failure to list the
// store is returned.
func (c *Cache) Load(ctx context.Context) error {
	if c.store == nil {
		return ErrNoStore
	}
	stored, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}

	snapshots := make([]models.Snapshot, 0, len(stored))
	seen := make(map[string]bool, len(stored))
	skipped := 0
	for _, rec := range stored {
		s, err := Decode(rec.Payload)
		if err != nil {
			log.Printf("[SnapshotCache] Skipping snapshot %s (%s): %v", rec.ID, rec.RunAt.Format(time.RFC3339), err)
			skipped++
			continue
		}
		if seen[s.ID] {
			log.Printf("[SnapshotCache] Skipping duplicate snapshot %s", s.ID)
			skipped++
			continue
		}
		seen[s.ID] = true
		snapshots = append(snapshots, s)
	}

	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].RunAt.After(snapshots[j].RunAt)
	})
	history := BuildHistory(snapshots)

	c.mu.Lock()
	c.snapshots = snapshots
	c.history = history
	c.skipped = skipped
	c.mu.Unlock()

	log.Printf("[SnapshotCache] Loaded %d snapshots (%d skipped), %d addresses with history",
		len(snapshots), skipped, len(history))
	return nil
}

// BuildHistory groups every match of every snapshot by address, each list
// sorted descending by match time (ties by snapshot time, then kind).
func BuildHistory(snapshots []models.Snapshot) map[string][]models.HistoricalMatch {
	history := make(map[string][]models.HistoricalMatch)
	for _, s := range snapshots {
		for _, m := range s.Matches {
			history[m.Address] = append(history[m.Address], models.HistoricalMatch{
				PatternMatch: m,
				SnapshotID:   s.ID,
				SnapshotAt:   s.RunAt,
			})
		}
	}
	for _, list := range history {
		sort.SliceStable(list, func(i, j int) bool {
			a, b := list[i], list[j]
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.After(b.Timestamp)
			}
			if !a.SnapshotAt.Equal(b.SnapshotAt) {
				return a.SnapshotAt.After(b.SnapshotAt)
			}
			return a.Kind < b.Kind
		})
	}
	return history
}

// Persist writes a new snapshot of matches. The cache's own state is left
// untouched; call Load to see it. A cancelled ctx or a store failure means
// nothing was persisted and is returned as an error.
func (c *Cache) Persist(ctx context.Context, runAt time.Time, source string, matches []models.PatternMatch, clusters map[string]string) (models.Snapshot, error) {
	if c.store == nil {
		return models.Snapshot{}, ErrNoStore
	}
	if err := ctx.Err(); err != nil {
		return models.Snapshot{}, fmt.Errorf("persist aborted: %w", err)
	}

	s := models.Snapshot{
		ID:       uuid.NewString(),
		RunAt:    runAt.UTC(),
		Source:   source,
		Matches:  append([]models.PatternMatch(nil), matches...),
		Clusters: clusters,
	}
	if s.Matches == nil {
		s.Matches = []models.PatternMatch{}
	}

	payload, err := Encode(s)
	if err != nil {
		return models.Snapshot{}, err
	}
	if err := c.store.Append(ctx, models.StoredSnapshot{
		ID:      s.ID,
		RunAt:   s.RunAt,
		Source:  source,
		Payload: payload,
	}); err != nil {
		return models.Snapshot{}, fmt.Errorf("append snapshot %s: %w", s.ID, err)
	}
	log.Printf("[SnapshotCache] Persisted snapshot %s (%d matches, source=%s)", s.ID, len(s.Matches), source)
	return s, nil
}

// Available reports whether the cache has a backing store.
func (c *Cache) Available() bool {
	return c.store != nil
}

// Snapshots returns the loaded snapshots, newest first.
func (c *Cache) Snapshots() []models.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Snapshot(nil), c.snapshots...)
}

// Latest returns the newest loaded snapshot.
func (c *Cache) Latest() (models.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.snapshots) == 0 {
		return models.Snapshot{}, false
	}
	return c.snapshots[0], true
}

// AddressHistory returns the full index. The map is a copy; the lists are
// shared and must not be modified.
func (c *Cache) AddressHistory() map[string][]models.HistoricalMatch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]models.HistoricalMatch, len(c.history))
	for addr, list := range c.history {
		out[addr] = list
	}
	return out
}

// History returns a copy of addr's history, newest first.
func (c *Cache) History(addr string) []models.HistoricalMatch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.HistoricalMatch(nil), c.history[addr]...)
}

// Skipped reports how many stored snapshots the last Load dropped.
func (c *Cache) Skipped() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skipped
}
