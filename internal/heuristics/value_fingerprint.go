package heuristics

import (
	"sort"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

// Output Value Fingerprinting Module
//
// Output values leak structure:
//   - Equal-value outputs across several input owners are the CoinJoin
//     denomination signature.
//   - Two outputs a hair apart (epsilon outputs) are a common trick to
//     defeat naive change detection, or an artifact of split payments.
//
// References:
//   - Maxwell, "CoinJoin: Bitcoin privacy for the real world" (2013)
//   - Möser & Narayanan, "Obfuscation in Bitcoin" (2017)

// equalOutputGroup returns the value shared by the largest group of
// exactly equal outputs and the group size. Ties go to the larger value.
func equalOutputGroup(outputs []models.TxOut) (int64, int) {
	counts := make(map[int64]int, len(outputs))
	for _, out := range outputs {
		counts[out.Value]++
	}
	var bestValue int64
	bestCount := 0
	for value, count := range counts {
		if count > bestCount || (count == bestCount && value > bestValue) {
			bestValue, bestCount = value, count
		}
	}
	return bestValue, bestCount
}

func (d *detection) checkCoinJoin(tx models.Transaction) {
	inputs := tx.DistinctInputAddresses()
	if len(inputs) < 2 || len(tx.Outputs) < 2 {
		return
	}
	value, count := equalOutputGroup(tx.Outputs)
	if count < 2 {
		return
	}
	d.emitTx(models.KindCoinJoin, tx, SeverityCoinJoin, map[string]any{
		"input_addresses": float64(len(inputs)),
		"equal_value":     float64(value),
		"equal_outputs":   float64(count),
	})
}

// closestOutputPair returns the smallest strictly positive difference
// between any two output values, false when there is none.
func closestOutputPair(outputs []models.TxOut) (int64, bool) {
	if len(outputs) < 2 {
		return 0, false
	}
	values := make([]int64, len(outputs))
	for i, out := range outputs {
		values[i] = out.Value
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	var best int64
	found := false
	for i := 1; i < len(values); i++ {
		diff := values[i] - values[i-1]
		if diff == 0 {
			continue
		}
		if !found || diff < best {
			best, found = diff, true
		}
	}
	return best, found
}

func (d *detection) checkEpsilon(tx models.Transaction) {
	delta, ok := closestOutputPair(tx.Outputs)
	if !ok || delta >= d.cfg.EpsilonDelta {
		return
	}
	d.emitTx(models.KindEpsilon, tx, SeverityEpsilon, map[string]any{
		"delta":     float64(delta),
		"threshold": float64(d.cfg.EpsilonDelta),
	})
}
