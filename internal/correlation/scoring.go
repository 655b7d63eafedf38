// Package correlation derives signals from the accumulated snapshot history:
// recurrences of patterns that did not fire again, escalation of patterns
// that keep firing, per-address evolution, and cross-transaction similarity.
//
// Everything here is a pure function of its arguments. The snapshot cache
// hands its index in; nothing is read from or written to storage.
package correlation

import (
	"math"
	"time"
)

// Scoring constants.
const (
	RecurrenceDecay   = 5
	RecurrenceFloor   = 1
	EscalationBoost   = 15
	EscalationMinDays = 1

	SimilaritySameAddress  = 50
	SimilaritySeverityMax  = 30
	SimilaritySeverityStep = 2
	SimilarityRecencyMax   = 20
	SimilarityTopN         = 10
)

// ClampSeverity bounds s to [0,100]. NaN maps to 0.
func ClampSeverity(s float64) float64 {
	if math.IsNaN(s) {
		return 0
	}
	return math.Max(0, math.Min(100, s))
}

// RecurrenceSeverity decays a historical severity that was not re-confirmed
// this run: max(1, S-5).
func RecurrenceSeverity(historical float64) float64 {
	return ClampSeverity(math.Max(RecurrenceFloor, historical-RecurrenceDecay))
}

// EscalationSeverity boosts a pattern that keeps re-triggering: min(100, S+15).
func EscalationSeverity(current float64) float64 {
	return ClampSeverity(current + EscalationBoost)
}

// SimilarityScore combines address identity, severity closeness and recency:
// 50 (same address) + max(0, 30 - 2|Δseverity|) + max(0, 20 - min(20, days)).
// Negative ages count as zero.
func SimilarityScore(sameAddress bool, severityDiff, days float64) float64 {
	score := 0.0
	if sameAddress {
		score += SimilaritySameAddress
	}
	score += math.Max(0, SimilaritySeverityMax-SimilaritySeverityStep*math.Abs(severityDiff))
	days = math.Max(0, days)
	score += math.Max(0, SimilarityRecencyMax-math.Min(SimilarityRecencyMax, days))
	return ClampSeverity(score)
}

// DaysBetween returns the elapsed time from then to now in fractional days.
func DaysBetween(then, now time.Time) float64 {
	return now.Sub(then).Hours() / 24
}
