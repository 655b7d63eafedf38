package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

type memStore struct {
	mu      sync.Mutex
	records []models.StoredSnapshot
	listErr error
	failAdd error
}

func (m *memStore) Append(_ context.Context, s models.StoredSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAdd != nil {
		return m.failAdd
	}
	m.records = append(m.records, s)
	return nil
}

func (m *memStore) List(_ context.Context) ([]models.StoredSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]models.StoredSnapshot(nil), m.records...), nil
}

var t0 = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

func match(kind models.PatternKind, addr string, sev float64, at time.Time) models.PatternMatch {
	return models.PatternMatch{Kind: kind, Address: addr, Severity: sev, Timestamp: at}
}

func TestCodec_RoundTrip(t *testing.T) {
	s := models.Snapshot{
		ID:     "snap-1",
		RunAt:  t0,
		Source: "dataset.csv",
		Matches: []models.PatternMatch{{
			Kind:      models.KindPeelChain,
			Address:   "A",
			Severity:  45,
			Timestamp: t0,
			Txid:      "tx1",
			Details:   map[string]any{"ratio": 8.5, "zero_output": false, "address_type": "p2wpkh"},
		}},
		Clusters: map[string]string{"A": "A", "B": "A"},
	}

	payload, err := Encode(s)
	require.NoError(t, err)

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestCodec_RejectsTampering(t *testing.T) {
	payload, err := Encode(models.Snapshot{ID: "snap-1", RunAt: t0, Matches: []models.PatternMatch{match(models.KindDusting, "D", 55, t0)}})
	require.NoError(t, err)

	tampered := []byte(string(payload[:len(payload)/2]))
	_, err = Decode(tampered)
	assert.Error(t, err)

	forged := []byte(`{"version":1,"snapshot":{"id":"x","matches":[]},"digest":"00"}`)
	_, err = Decode(forged)
	assert.ErrorContains(t, err, "digest mismatch")

	_, err = Decode([]byte(`{"version":99,"snapshot":{},"digest":""}`))
	assert.ErrorContains(t, err, "unsupported snapshot version")
}

func TestCache_PersistAndLoad(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	cache := NewCache(store)

	_, err := cache.Persist(ctx, t0, "run1", []models.PatternMatch{match(models.KindDusting, "D", 55, t0)}, nil)
	require.NoError(t, err)
	assert.Empty(t, cache.Snapshots(), "persist must not patch the loaded state")

	t1 := t0.Add(48 * time.Hour)
	_, err = cache.Persist(ctx, t1, "run2", []models.PatternMatch{
		match(models.KindHoarding, "D", 50, t1),
		match(models.KindCoinJoin, "E", 60, t1),
	}, map[string]string{"D": "D"})
	require.NoError(t, err)

	require.NoError(t, cache.Load(ctx))

	snaps := cache.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "run2", snaps[0].Source, "snapshots must be newest first")
	assert.Equal(t, "run1", snaps[1].Source)

	hist := cache.History("D")
	require.Len(t, hist, 2)
	assert.Equal(t, models.KindHoarding, hist[0].Kind)
	assert.Equal(t, models.KindDusting, hist[1].Kind)
	assert.Equal(t, snaps[1].ID, hist[1].SnapshotID)
	assert.True(t, hist[1].SnapshotAt.Equal(t0))

	latest, ok := cache.Latest()
	require.True(t, ok)
	assert.Equal(t, map[string]string{"D": "D"}, latest.Clusters)
	assert.Len(t, cache.AddressHistory(), 2)
}

func TestCache_LoadSkipsUnparseable(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	cache := NewCache(store)

	_, err := cache.Persist(ctx, t0, "good", []models.PatternMatch{match(models.KindEpsilon, "A", 35, t0)}, nil)
	require.NoError(t, err)
	store.records = append(store.records, models.StoredSnapshot{ID: "broken", RunAt: t0, Payload: []byte("{not json")})

	require.NoError(t, cache.Load(ctx))
	assert.Len(t, cache.Snapshots(), 1)
	assert.Equal(t, 1, cache.Skipped())
	assert.Len(t, cache.History("A"), 1)
}

func TestCache_LoadRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	cache := NewCache(store)

	_, err := cache.Persist(ctx, t0, "run1", []models.PatternMatch{match(models.KindEpsilon, "A", 35, t0)}, nil)
	require.NoError(t, err)
	require.NoError(t, cache.Load(ctx))
	require.Len(t, cache.History("A"), 1)

	// Store contents replaced out of band: the reload must not keep stale entries
	store.records = nil
	require.NoError(t, cache.Load(ctx))
	assert.Empty(t, cache.History("A"))
	assert.Empty(t, cache.Snapshots())
}

func TestCache_StoreFailures(t *testing.T) {
	ctx := context.Background()

	_, err := NewCache(nil).Persist(ctx, t0, "x", nil, nil)
	assert.ErrorIs(t, err, ErrNoStore)
	assert.ErrorIs(t, NewCache(nil).Load(ctx), ErrNoStore)

	boom := errors.New("disk full")
	_, err = NewCache(&memStore{failAdd: boom}).Persist(ctx, t0, "x", nil, nil)
	assert.ErrorIs(t, err, boom)

	assert.ErrorIs(t, NewCache(&memStore{listErr: boom}).Load(ctx), boom)
}

func TestCache_PersistCancelled(t *testing.T) {
	store := &memStore{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCache(store).Persist(ctx, t0, "x", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.records)
}
