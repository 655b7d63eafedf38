// Package ingest decodes transaction datasets into the analysis model.
//
// Two encodings are accepted. JSON is an array of transactions (or an object
// with a "transactions" array) with values already in satoshis. CSV follows
// the column conventions of exported spreadsheets: one row per transaction
// (or per input/output line sharing a hash), values in BTC decimals.
package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

// ErrNoTransactions is returned when a dataset decodes to nothing usable.
var ErrNoTransactions = errors.New("dataset contains no transactions")

// Format names a dataset encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Warning records a row that could not be decoded. Rows are 1-based and
// count the CSV header; JSON warnings use the array index.
type Warning struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Result is a decoded dataset.
type Result struct {
	Transactions []models.Transaction `json:"transactions"`
	Warnings     []Warning            `json:"warnings,omitempty"`
}

// DetectFormat picks an encoding from a file name, a content type, or the
// first non-blank byte of the payload, in that order.
func DetectFormat(name, contentType string, head []byte) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return FormatJSON
	case ".csv":
		return FormatCSV
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return FormatJSON
	case strings.Contains(ct, "csv"):
		return FormatCSV
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n\ufeff")
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		return FormatJSON
	}
	return FormatCSV
}

// Decode reads a dataset in the given format. An empty format is sniffed
// from the payload.
func Decode(r io.Reader, format Format) (*Result, error) {
	br := bufio.NewReader(r)
	if format == "" {
		head, _ := br.Peek(512)
		format = DetectFormat("", "", head)
	}
	switch format {
	case FormatJSON:
		return DecodeJSON(br)
	case FormatCSV:
		return DecodeCSV(br)
	default:
		return nil, fmt.Errorf("unsupported dataset format %q", format)
	}
}

// ReadFile opens path and decodes it, choosing the format by extension.
func ReadFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	var format Format
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = FormatJSON
	case ".csv":
		format = FormatCSV
	}
	res, err := Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return res, nil
}
