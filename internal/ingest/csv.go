package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/spf13/cast"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

// DefaultListValueBTC is credited to each listed address when a list column
// carries no matching values column.
const DefaultListValueBTC = 1.0

// columns maps the recognised header names to their position.
type columns map[string]int

func (c columns) get(row []string, names ...string) (string, bool) {
	for _, name := range names {
		if i, ok := c[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i]), true
		}
	}
	return "", false
}

func (c columns) has(names ...string) bool {
	for _, name := range names {
		if _, ok := c[name]; ok {
			return true
		}
	}
	return false
}

// DecodeCSV reads a header row and one transaction per line. Recognised
// columns (case-insensitive):
//
//	hash | txid | transaction_id
//	timestamp            unix seconds or a date/time string
//	input_address, input_value      single address per row
//	input_addresses, input_values   list columns: "['a','b']" or "a,b"
//	output_address, output_value / output_addresses, output_values
//
// Rows that repeat a hash are folded into the first transaction carrying it.
// A missing hash falls back to "tx_<n>", n being the 0-based data row.
func DecodeCSV(r io.Reader) (*Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoTransactions
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(columns, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		cols[name] = i
	}
	if !cols.has("input_address", "input_addresses") && !cols.has("output_address", "output_addresses") {
		return nil, fmt.Errorf("csv header has no input or output address columns")
	}

	res := &Result{}
	index := make(map[string]int)
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			res.Warnings = append(res.Warnings, Warning{Row: line, Reason: perr.Error()})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read csv dataset: %w", err)
		}
		if blank(row) {
			continue
		}

		tx, err := parseRow(cols, row, line)
		if err != nil {
			res.Warnings = append(res.Warnings, Warning{Row: line, Reason: err.Error()})
			continue
		}
		if i, ok := index[tx.Txid]; ok {
			merged := &res.Transactions[i]
			merged.Inputs = append(merged.Inputs, tx.Inputs...)
			merged.Outputs = append(merged.Outputs, tx.Outputs...)
			if merged.Timestamp == nil {
				merged.Timestamp = tx.Timestamp
			}
			continue
		}
		index[tx.Txid] = len(res.Transactions)
		res.Transactions = append(res.Transactions, tx)
	}
	if len(res.Transactions) == 0 {
		return res, ErrNoTransactions
	}
	return res, nil
}

func parseRow(cols columns, row []string, line int) (models.Transaction, error) {
	tx := models.Transaction{}
	if id, ok := cols.get(row, "hash", "txid", "transaction_id"); ok && id != "" {
		tx.Txid = id
	} else {
		tx.Txid = fmt.Sprintf("tx_%d", line-2)
	}

	if raw, ok := cols.get(row, "timestamp", "time"); ok && raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return tx, fmt.Errorf("timestamp %q: %w", raw, err)
		}
		tx.Timestamp = &ts
	}

	ins, err := parseSide(cols, row, "input")
	if err != nil {
		return tx, err
	}
	outs, err := parseSide(cols, row, "output")
	if err != nil {
		return tx, err
	}
	for _, e := range ins {
		tx.Inputs = append(tx.Inputs, models.TxIn{Address: e.address, Value: e.value})
	}
	for _, e := range outs {
		tx.Outputs = append(tx.Outputs, models.TxOut{Address: e.address, Value: e.value})
	}
	if len(tx.Inputs) == 0 && len(tx.Outputs) == 0 {
		return tx, fmt.Errorf("row has no addresses")
	}
	return tx, nil
}

type leg struct {
	address string
	value   int64
}

// parseSide reads one direction, preferring the single-address columns the
// way the spreadsheet exports do.
func parseSide(cols columns, row []string, dir string) ([]leg, error) {
	if addr, ok := cols.get(row, dir+"_address"); ok {
		if addr == "" || strings.EqualFold(addr, "nan") {
			return nil, nil
		}
		raw, _ := cols.get(row, dir+"_value")
		sats, err := btcToSatoshi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s_value: %w", dir, err)
		}
		return []leg{{address: addr, value: sats}}, nil
	}

	rawAddrs, ok := cols.get(row, dir+"_addresses")
	if !ok {
		return nil, nil
	}
	addrs := splitList(rawAddrs)
	if len(addrs) == 0 {
		return nil, nil
	}

	var values []string
	if rawValues, ok := cols.get(row, dir+"_values"); ok {
		values = splitList(rawValues)
	}
	if len(values) > 0 && len(values) != len(addrs) {
		return nil, fmt.Errorf("%s list has %d addresses but %d values", dir, len(addrs), len(values))
	}

	legs := make([]leg, 0, len(addrs))
	for i, addr := range addrs {
		value := cast.ToString(DefaultListValueBTC)
		if len(values) > 0 {
			value = values[i]
		}
		sats, err := btcToSatoshi(value)
		if err != nil {
			return nil, fmt.Errorf("%s_values[%d]: %w", dir, i, err)
		}
		legs = append(legs, leg{address: addr, value: sats})
	}
	return legs, nil
}

// splitList accepts "['a', 'b']", "[1.5, 2]" or "a,b".
func splitList(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.Trim(strings.TrimSpace(part), `'"`)
		if part == "" || strings.EqualFold(part, "nan") {
			continue
		}
		out = append(out, part)
	}
	return out
}

// btcToSatoshi converts a BTC decimal string. Empty means zero.
func btcToSatoshi(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	f, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, err
	}
	amt, err := btcutil.NewAmount(f)
	if err != nil {
		return 0, err
	}
	if amt < 0 {
		return 0, fmt.Errorf("negative amount %s", amt)
	}
	return int64(amt), nil
}

// parseTimestamp accepts unix seconds (integer or decimal) or any date/time
// layout cast understands, such as RFC 3339 or "2006-01-02 15:04:05".
func parseTimestamp(raw string) (int64, error) {
	if f, err := cast.ToFloat64E(raw); err == nil {
		return int64(f), nil
	}
	t, err := cast.ToTimeE(raw)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

func blank(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
