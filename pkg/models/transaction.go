package models

// TxIn represents a transaction input: the address being debited and the
// amount it contributes.
type TxIn struct {
	Address string `json:"address"`
	Value   int64  `json:"value"` // in Satoshis
}

// TxOut represents a transaction output crediting an address
type TxOut struct {
	Address string `json:"address"`
	Value   int64  `json:"value"` // in Satoshis
}

// Transaction represents a decoded transaction record as supplied by the
// upstream parser. Timestamp is optional (unix seconds); rules that need it
// treat a missing timestamp as "not evaluable".
type Transaction struct {
	Txid      string  `json:"txid"`
	Inputs    []TxIn  `json:"inputs"`
	Outputs   []TxOut `json:"outputs"`
	Timestamp *int64  `json:"timestamp,omitempty"`
}

// Time returns the transaction timestamp and whether one was supplied.
func (tx Transaction) Time() (int64, bool) {
	if tx.Timestamp == nil {
		return 0, false
	}
	return *tx.Timestamp, true
}

// InputSum returns Σ input values.
func (tx Transaction) InputSum() int64 {
	var total int64
	for _, in := range tx.Inputs {
		total += in.Value
	}
	return total
}

// OutputSum returns Σ output values.
func (tx Transaction) OutputSum() int64 {
	var total int64
	for _, out := range tx.Outputs {
		total += out.Value
	}
	return total
}

// Fee is the implicit fee: Inputs - Outputs in Satoshis. Not clamped;
// a negative fee is a property of the dataset, not an error here.
func (tx Transaction) Fee() int64 {
	return tx.InputSum() - tx.OutputSum()
}

// DistinctInputAddresses returns the unique non-empty input addresses in
// first-seen order.
func (tx Transaction) DistinctInputAddresses() []string {
	seen := make(map[string]bool, len(tx.Inputs))
	addrs := make([]string, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if in.Address == "" || seen[in.Address] {
			continue
		}
		seen[in.Address] = true
		addrs = append(addrs, in.Address)
	}
	return addrs
}

// UnixTime is a small helper for building timestamped transactions.
func UnixTime(sec int64) *int64 {
	return &sec
}
