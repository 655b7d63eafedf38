package heuristics

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

// Address Watchlist
//
// Addresses under investigation are registered with a category and an
// alert level. Every replayed transaction is checked against the list; a
// watched address on either side of a transaction is a hit, independent of
// whether any detection rule fired.
//
// Categories:
//   theft:      stolen fund origin addresses
//   suspect:    addresses under investigation
//   exchange:   known exchange deposit/withdrawal addresses
//   sanctioned: sanctions-listed addresses
//   service:    known service addresses (mixing, gambling, etc)

// Defaults applied by Add when a field is empty.
const (
	DefaultWatchCategory = "suspect"
	DefaultWatchLevel    = "medium"
)

// ErrWatchAddressRequired is returned by Add for an entry without address.
var ErrWatchAddressRequired = errors.New("watchlist entry needs an address")

// WatchedAddress holds metadata for a monitored address.
type WatchedAddress struct {
	Address    string    `mapstructure:"address" json:"address"`
	Category   string    `mapstructure:"category" json:"category"`
	Label      string    `mapstructure:"label" json:"label,omitempty"`
	CaseID     string    `mapstructure:"case_id" json:"caseId,omitempty"`
	AlertLevel string    `mapstructure:"alert_level" json:"alertLevel"` // low/medium/high/critical
	AddedAt    time.Time `mapstructure:"-" json:"addedAt"`
}

// WatchlistHit is one appearance of a watched address in a transaction.
type WatchlistHit struct {
	Address    string `json:"address"`
	Category   string `json:"category"`
	Label      string `json:"label,omitempty"`
	CaseID     string `json:"caseId,omitempty"`
	Txid       string `json:"txid"`
	Direction  string `json:"direction"` // "input" or "output"
	Value      int64  `json:"value"`     // sats on this leg
	AlertLevel string `json:"alertLevel"`
}

// Watchlist is a concurrent-safe address set. Reads (the per-run scan) run
// concurrently; edits are serialized.
type Watchlist struct {
	mu        sync.RWMutex
	addresses map[string]WatchedAddress
	now       func() time.Time
}

// NewWatchlist creates a watchlist seeded with entries. Entries without an
// address are dropped.
func NewWatchlist(entries ...WatchedAddress) *Watchlist {
	w := &Watchlist{addresses: make(map[string]WatchedAddress), now: time.Now}
	for _, e := range entries {
		_, _ = w.Add(e)
	}
	return w
}

// Add registers or replaces an entry and returns it with defaults filled.
func (w *Watchlist) Add(e WatchedAddress) (WatchedAddress, error) {
	if e.Address == "" {
		return WatchedAddress{}, ErrWatchAddressRequired
	}
	if e.Category == "" {
		e.Category = DefaultWatchCategory
	}
	if e.AlertLevel == "" {
		e.AlertLevel = DefaultWatchLevel
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if e.AddedAt.IsZero() {
		e.AddedAt = w.now().UTC()
	}
	w.addresses[e.Address] = e
	return e, nil
}

// Remove stops monitoring addr and reports whether it was watched.
func (w *Watchlist) Remove(addr string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.addresses[addr]
	delete(w.addresses, addr)
	return ok
}

// Get returns the entry for addr.
func (w *Watchlist) Get(addr string) (WatchedAddress, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.addresses[addr]
	return e, ok
}

// Size returns the number of watched addresses.
func (w *Watchlist) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.addresses)
}

// List returns every entry sorted by address.
func (w *Watchlist) List() []WatchedAddress {
	w.mu.RLock()
	list := make([]WatchedAddress, 0, len(w.addresses))
	for _, e := range w.addresses {
		list = append(list, e)
	}
	w.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Address < list[j].Address })
	return list
}

// CheckTransaction returns every watched input and output of tx, inputs
// first.
func (w *Watchlist) CheckTransaction(tx models.Transaction) []WatchlistHit {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.check(tx)
}

// Scan checks every transaction under a single read lock.
func (w *Watchlist) Scan(txs []models.Transaction) []WatchlistHit {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.addresses) == 0 {
		return nil
	}
	var hits []WatchlistHit
	for _, tx := range txs {
		hits = append(hits, w.check(tx)...)
	}
	return hits
}

func (w *Watchlist) check(tx models.Transaction) []WatchlistHit {
	var hits []WatchlistHit
	hit := func(addr string, value int64, direction string) {
		e, ok := w.addresses[addr]
		if !ok || addr == "" {
			return
		}
		hits = append(hits, WatchlistHit{
			Address:    addr,
			Category:   e.Category,
			Label:      e.Label,
			CaseID:     e.CaseID,
			Txid:       tx.Txid,
			Direction:  direction,
			Value:      value,
			AlertLevel: e.AlertLevel,
		})
	}
	for _, in := range tx.Inputs {
		hit(in.Address, in.Value, "input")
	}
	for _, out := range tx.Outputs {
		hit(out.Address, out.Value, "output")
	}
	return hits
}
