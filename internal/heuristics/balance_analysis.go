package heuristics

import (
	"math"

	"github.com/rawblock/btn-analyzer/internal/ledger"
	"github.com/rawblock/btn-analyzer/pkg/models"
)

// Balance & Flow Analysis Module
//
// Rules over an address's replayed totals:
//   - negative-balance: spent more than the dataset shows it received
//   - hoarding: large receipts, never spends
//   - high-volume: degree far above a normal wallet
//   - large-withdrawal: a debiting transaction far above the dataset mean

func (d *detection) checkNegativeBalance(e *ledger.Entry) {
	if e.Balance >= 0 {
		return
	}
	d.emit(models.KindNegativeBalance, e.Address, SeverityNegativeBalance, "", map[string]any{
		"balance":  float64(e.Balance),
		"received": float64(e.Received),
		"sent":     float64(e.Sent),
	})
}

func (d *detection) checkHoarding(e *ledger.Entry) {
	limit := d.cfg.HoardingMultiplier * d.median
	if e.OutDegree != 0 || float64(e.Received) <= limit {
		return
	}
	d.emit(models.KindHoarding, e.Address, SeverityHoarding, "", map[string]any{
		"received":         float64(e.Received),
		"median_tx_value":  d.median,
		"threshold":        limit,
		"threshold_factor": d.cfg.HoardingMultiplier,
	})
}

func (d *detection) checkHighVolume(e *ledger.Entry) {
	limit := d.cfg.HighVolumeDegree
	if e.InDegree <= limit && e.OutDegree <= limit {
		return
	}
	severity := math.Min(float64(e.InDegree+e.OutDegree)/10, SeverityHighVolumeCap)
	d.emit(models.KindHighVolume, e.Address, severity, "", map[string]any{
		"in_degree":  float64(e.InDegree),
		"out_degree": float64(e.OutDegree),
		"threshold":  float64(limit),
	})
}

// checkLargeWithdrawal reports the first debiting transaction whose input
// sum exceeds mean + k·σ over every transaction's input sum.
func (d *detection) checkLargeWithdrawal(e *ledger.Entry) {
	limit := d.withdrawalMean + d.cfg.WithdrawalSigmas*d.withdrawalStd
	for _, txid := range e.OutTxs {
		tx, ok := d.ledger.Transaction(txid)
		if !ok {
			continue
		}
		amount := tx.InputSum()
		if amount <= 0 || float64(amount) <= limit {
			continue
		}
		details := map[string]any{
			"withdrawal": float64(amount),
			"mean":       d.withdrawalMean,
			"std":        d.withdrawalStd,
			"threshold":  limit,
		}
		if ts, ok := tx.Time(); ok {
			details["tx_time"] = float64(ts)
		}
		d.emit(models.KindLargeWithdrawal, e.Address, SeverityLargeWithdrawal, txid, details)
		return
	}
}

// inputSumStats returns the mean and population standard deviation of
// per-transaction input sums.
func inputSumStats(txs []models.Transaction) (mean, std float64) {
	if len(txs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, tx := range txs {
		sum += float64(tx.InputSum())
	}
	mean = sum / float64(len(txs))

	var sq float64
	for _, tx := range txs {
		diff := float64(tx.InputSum()) - mean
		sq += diff * diff
	}
	return mean, math.Sqrt(sq / float64(len(txs)))
}
