package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

type envelope struct {
	Transactions []json.RawMessage `json:"transactions"`
}

// DecodeJSON reads an array of transactions or {"transactions": [...]}.
// Entries that do not decode are skipped with a warning.
func DecodeJSON(r io.Reader) (*Result, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read json dataset: %w", err)
	}
	body = bytes.TrimLeft(body, " \t\r\n\ufeff")
	if len(body) == 0 {
		return nil, ErrNoTransactions
	}

	var raw []json.RawMessage
	if body[0] == '{' {
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("decode json dataset: %w", err)
		}
		raw = env.Transactions
	} else if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode json dataset: %w", err)
	}

	res := &Result{}
	for i, item := range raw {
		var tx models.Transaction
		if err := json.Unmarshal(item, &tx); err != nil {
			res.Warnings = append(res.Warnings, Warning{Row: i, Reason: err.Error()})
			continue
		}
		res.Transactions = append(res.Transactions, tx)
	}
	if len(res.Transactions) == 0 {
		return res, ErrNoTransactions
	}
	return res, nil
}
