package heuristics

import (
	"math"

	"github.com/rawblock/btn-analyzer/internal/ledger"
	"github.com/rawblock/btn-analyzer/pkg/models"
)

// Timing & Temporal Analysis Module
//
// Temporal patterns reveal behavior that purely structural analysis cannot:
//
//   - Short-lived, busy addresses: mixer and mule hops
//   - Periodic activity: bots and scheduled payouts (inhuman regularity)
//   - Dormancy: long gaps between bursts of use
//   - Spikes: several transactions within a short window
//
// All of these need timestamps. An address that only appears in untimed
// transactions is not evaluable and is skipped.
//
// References:
//   - Möser & Narayanan, "Anonymous Alone" (IEEE S&P 2017)
//   - Paquet-Clouston et al., "Ransomware Payments in the Bitcoin Ecosystem" (JCSS 2019)

func (d *detection) checkShortLived(e *ledger.Entry) {
	lifespan, ok := e.Lifespan()
	if !ok || e.TxCount <= d.cfg.ShortLivedTxCount {
		return
	}
	window := d.cfg.ShortLivedWindow.Seconds()
	if float64(lifespan) >= window {
		return
	}
	d.emit(models.KindShortLived, e.Address, SeverityShortLived, "", map[string]any{
		"tx_count":         float64(e.TxCount),
		"lifespan_seconds": float64(lifespan),
		"threshold":        window,
	})
}

// checkPeriodic flags near-constant spacing: coefficient of variation of
// the gaps between consecutive activity timestamps.
func (d *detection) checkPeriodic(e *ledger.Entry) {
	gaps := activityGaps(e.Activity)
	if len(gaps) < d.cfg.PeriodicMinGaps || len(gaps) == 0 {
		return
	}
	mean, std := meanStd(gaps)
	if mean <= 0 {
		return
	}
	cv := std / mean
	if cv >= d.cfg.PeriodicMaxCV {
		return
	}
	d.emit(models.KindPeriodic, e.Address, SeverityPeriodic, "", map[string]any{
		"mean_gap_seconds": mean,
		"cv":               cv,
		"threshold":        d.cfg.PeriodicMaxCV,
	})
}

// checkDormancy reports the first gap longer than the dormancy window.
func (d *detection) checkDormancy(e *ledger.Entry) {
	limit := d.cfg.DormancyGap.Seconds()
	for i := 1; i < len(e.Activity); i++ {
		gap := float64(e.Activity[i] - e.Activity[i-1])
		if gap <= limit {
			continue
		}
		d.emit(models.KindDormancy, e.Address, SeverityDormancy, "", map[string]any{
			"gap_days":   gap / 86400,
			"start_time": float64(e.Activity[i-1]),
			"end_time":   float64(e.Activity[i]),
			"threshold":  limit,
		})
		return
	}
}

// checkActivitySpike reports the first run of three activities inside the
// spike window.
func (d *detection) checkActivitySpike(e *ledger.Entry) {
	if e.TxCount <= d.cfg.SpikeMinTxCount {
		return
	}
	window := d.cfg.SpikeWindow.Seconds()
	for i := 0; i+2 < len(e.Activity); i++ {
		span := float64(e.Activity[i+2] - e.Activity[i])
		if span >= window {
			continue
		}
		d.emit(models.KindActivitySpike, e.Address, SeverityActivitySpike, "", map[string]any{
			"span_seconds": span,
			"start_time":   float64(e.Activity[i]),
			"end_time":     float64(e.Activity[i+2]),
			"threshold":    window,
		})
		return
	}
}

func activityGaps(activity []int64) []float64 {
	if len(activity) < 2 {
		return nil
	}
	gaps := make([]float64, 0, len(activity)-1)
	for i := 1; i < len(activity); i++ {
		gaps = append(gaps, float64(activity[i]-activity[i-1]))
	}
	return gaps
}

// meanStd returns the mean and population standard deviation.
func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
