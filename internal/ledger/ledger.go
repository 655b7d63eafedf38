package ledger

import (
	"fmt"
	"sort"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

// Address Ledger
//
// Replays a transaction list into per-address aggregates. Every input debits
// its address, every output credits its address. Nothing is rejected for
// driving a balance negative: that condition is data for the detection
// engine, not a validation error.
//
// Replay order is timestamp ascending; ties and untimed transactions keep
// their input order (untimed ones sort after all timed ones) so that
// first/last-seen are deterministic for a given list.

// Entry holds the replayed state of a single address.
type Entry struct {
	Address   string `json:"address"`
	Received  int64  `json:"received"`
	Sent      int64  `json:"sent"`
	Balance   int64  `json:"balance"`
	InDegree  int    `json:"inDegree"`  // outputs crediting the address
	OutDegree int    `json:"outDegree"` // inputs debiting the address
	TxCount   int    `json:"txCount"`   // distinct transactions touching the address
	FirstSeen *int64 `json:"firstSeen,omitempty"`
	LastSeen  *int64 `json:"lastSeen,omitempty"`

	// InTxs and OutTxs list the transactions crediting / debiting the address,
	// in replay order, without duplicates.
	InTxs  []string `json:"inTxs"`
	OutTxs []string `json:"outTxs"`

	// Activity holds the timestamps of every timed transaction touching the
	// address, ascending.
	Activity []int64 `json:"activity,omitempty"`
}

// Lifespan returns LastSeen - FirstSeen in seconds, false when the address
// never appeared in a timed transaction.
func (e *Entry) Lifespan() (int64, bool) {
	if e.FirstSeen == nil || e.LastSeen == nil {
		return 0, false
	}
	return *e.LastSeen - *e.FirstSeen, true
}

// Warning records a transaction skipped during replay.
type Warning struct {
	Index  int    `json:"index"`
	Txid   string `json:"txid"`
	Reason string `json:"reason"`
}

// Ledger is the result of one replay. It holds no reference to prior runs.
type Ledger struct {
	entries  map[string]*Entry
	txs      []models.Transaction
	txIndex  map[string]int
	Warnings []Warning
}

// Replay builds a ledger from txs. The input slice is not modified.
func Replay(txs []models.Transaction) *Ledger {
	l := &Ledger{
		entries: make(map[string]*Entry),
		txIndex: make(map[string]int),
	}

	accepted := make([]models.Transaction, 0, len(txs))
	for i, tx := range txs {
		if reason := validate(tx); reason != "" {
			l.Warnings = append(l.Warnings, Warning{Index: i, Txid: tx.Txid, Reason: reason})
			continue
		}
		accepted = append(accepted, tx)
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		ti, okI := accepted[i].Time()
		tj, okJ := accepted[j].Time()
		switch {
		case okI && okJ:
			return ti < tj
		case okI:
			return true
		default:
			return false
		}
	})

	for _, tx := range accepted {
		l.apply(tx)
	}
	return l
}

// validate returns a non-empty reason when tx cannot be replayed.
func validate(tx models.Transaction) string {
	if tx.Txid == "" {
		return "missing transaction id"
	}
	if len(tx.Inputs) == 0 && len(tx.Outputs) == 0 {
		return "no inputs and no outputs"
	}
	for i, in := range tx.Inputs {
		if in.Address == "" {
			return fmt.Sprintf("input %d has no address", i)
		}
		if in.Value < 0 {
			return fmt.Sprintf("input %d has negative value", i)
		}
	}
	for i, out := range tx.Outputs {
		if out.Address == "" {
			return fmt.Sprintf("output %d has no address", i)
		}
		if out.Value < 0 {
			return fmt.Sprintf("output %d has negative value", i)
		}
	}
	return ""
}

func (l *Ledger) apply(tx models.Transaction) {
	if _, dup := l.txIndex[tx.Txid]; !dup {
		l.txIndex[tx.Txid] = len(l.txs)
	}
	l.txs = append(l.txs, tx)

	ts, timed := tx.Time()
	touched := make(map[string]bool, len(tx.Inputs)+len(tx.Outputs))

	for _, in := range tx.Inputs {
		e := l.entry(in.Address)
		e.Sent += in.Value
		e.Balance -= in.Value
		e.OutDegree++
		if len(e.OutTxs) == 0 || e.OutTxs[len(e.OutTxs)-1] != tx.Txid {
			e.OutTxs = append(e.OutTxs, tx.Txid)
		}
		touched[in.Address] = true
	}

	for _, out := range tx.Outputs {
		e := l.entry(out.Address)
		e.Received += out.Value
		e.Balance += out.Value
		e.InDegree++
		if len(e.InTxs) == 0 || e.InTxs[len(e.InTxs)-1] != tx.Txid {
			e.InTxs = append(e.InTxs, tx.Txid)
		}
		touched[out.Address] = true
	}

	for addr := range touched {
		e := l.entries[addr]
		e.TxCount++
		if !timed {
			continue
		}
		if e.FirstSeen == nil || ts < *e.FirstSeen {
			first := ts
			e.FirstSeen = &first
		}
		if e.LastSeen == nil || ts > *e.LastSeen {
			last := ts
			e.LastSeen = &last
		}
		// Timed transactions are applied in ascending order, so appending
		// keeps Activity sorted.
		e.Activity = append(e.Activity, ts)
	}
}

func (l *Ledger) entry(addr string) *Entry {
	e, ok := l.entries[addr]
	if !ok {
		e = &Entry{Address: addr}
		l.entries[addr] = e
	}
	return e
}

// Entry returns the replayed state of addr.
func (l *Ledger) Entry(addr string) (*Entry, bool) {
	e, ok := l.entries[addr]
	return e, ok
}

// Addresses returns every address seen during replay, sorted.
func (l *Ledger) Addresses() []string {
	addrs := make([]string, 0, len(l.entries))
	for addr := range l.entries {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Transactions returns the accepted transactions in replay order.
func (l *Ledger) Transactions() []models.Transaction {
	return l.txs
}

// Transaction looks up an accepted transaction by id (first occurrence).
func (l *Ledger) Transaction(txid string) (models.Transaction, bool) {
	idx, ok := l.txIndex[txid]
	if !ok {
		return models.Transaction{}, false
	}
	return l.txs[idx], true
}

// MedianTxValue returns the median of per-transaction input sums,
// 0 for an empty ledger.
func (l *Ledger) MedianTxValue() float64 {
	if len(l.txs) == 0 {
		return 0
	}
	values := make([]int64, len(l.txs))
	for i, tx := range l.txs {
		values[i] = tx.InputSum()
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	mid := len(values) / 2
	if len(values)%2 == 1 {
		return float64(values[mid])
	}
	return float64(values[mid-1]+values[mid]) / 2
}

// ActivityRecord is one row of an address's per-transaction activity report.
type ActivityRecord struct {
	Txid        string `json:"txid"`
	Timestamp   *int64 `json:"timestamp,omitempty"`
	IsInput     bool   `json:"isInput"`
	IsOutput    bool   `json:"isOutput"`
	Amount      int64  `json:"amount"`
	TotalInput  int64  `json:"totalInput"`
	TotalOutput int64  `json:"totalOutput"`
	InputCount  int    `json:"inputCount"`
	OutputCount int    `json:"outputCount"`
}

// Activity lists every accepted transaction touching addr, in replay order.
// When addr is on both sides of a transaction, Amount is its debit.
func (l *Ledger) Activity(addr string) []ActivityRecord {
	records := make([]ActivityRecord, 0)
	for _, tx := range l.txs {
		var rec ActivityRecord
		for _, in := range tx.Inputs {
			if in.Address == addr {
				rec.IsInput = true
				rec.Amount += in.Value
			}
		}
		if !rec.IsInput {
			for _, out := range tx.Outputs {
				if out.Address == addr {
					rec.IsOutput = true
					rec.Amount += out.Value
				}
			}
		} else {
			for _, out := range tx.Outputs {
				if out.Address == addr {
					rec.IsOutput = true
				}
			}
		}
		if !rec.IsInput && !rec.IsOutput {
			continue
		}
		rec.Txid = tx.Txid
		rec.Timestamp = tx.Timestamp
		rec.TotalInput = tx.InputSum()
		rec.TotalOutput = tx.OutputSum()
		rec.InputCount = len(tx.Inputs)
		rec.OutputCount = len(tx.Outputs)
		records = append(records, rec)
	}
	return records
}
