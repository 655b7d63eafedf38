package correlation

import (
	"fmt"
	"sort"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

const dayLayout = "2006-01-02"

// Evolve rolls an address's full history into a day-bucketed timeline with
// diversity and severity trends. The time-ordered list is split at its index
// midpoint: early = [:n/2], late = [n/2:]. Returns false when there is no
// history.
func Evolve(addr string, history []models.HistoricalMatch) (models.EvolutionSummary, bool) {
	if len(history) == 0 {
		return models.EvolutionSummary{Address: addr}, false
	}

	asc := append([]models.HistoricalMatch(nil), history...)
	sort.SliceStable(asc, func(i, j int) bool {
		return asc[i].Timestamp.Before(asc[j].Timestamp)
	})

	summary := models.EvolutionSummary{
		Address:         addr,
		Timeline:        timeline(asc),
		FirstDetection:  asc[0].Timestamp,
		LastDetection:   asc[len(asc)-1].Timestamp,
		TotalDetections: len(asc),
		UniquePatterns:  len(kindSet(asc)),
		DiversityTrend:  models.TrendStable,
		SeverityTrend:   models.TrendStable,
	}
	summary.ActiveDays = len(summary.Timeline)

	if len(asc) >= 2 {
		mid := len(asc) / 2
		early, late := asc[:mid], asc[mid:]
		summary.DiversityTrend = diversityTrend(early, late)
		summary.SeverityTrend = compare(meanSeverity(late), meanSeverity(early))
	}

	summary.Summary = fmt.Sprintf(
		"Address %s was flagged %d times over %d active days (%d distinct patterns); pattern diversity is %s and severity is %s.",
		addr, summary.TotalDetections, summary.ActiveDays, summary.UniquePatterns,
		summary.DiversityTrend, summary.SeverityTrend)
	return summary, true
}

// timeline buckets an ascending history by UTC calendar day.
func timeline(asc []models.HistoricalMatch) []models.DayBucket {
	var buckets []models.DayBucket
	seen := make(map[models.PatternKind]bool)
	for _, h := range asc {
		day := h.Timestamp.UTC().Format(dayLayout)
		if len(buckets) == 0 || buckets[len(buckets)-1].Day != day {
			buckets = append(buckets, models.DayBucket{Day: day})
			seen = make(map[models.PatternKind]bool)
		}
		b := &buckets[len(buckets)-1]
		b.Detections++
		if h.Severity > b.MaxSeverity {
			b.MaxSeverity = h.Severity
		}
		if !seen[h.Kind] {
			seen[h.Kind] = true
			b.Patterns = append(b.Patterns, h.Kind)
		}
	}
	for i := range buckets {
		sort.Slice(buckets[i].Patterns, func(a, b int) bool { return buckets[i].Patterns[a] < buckets[i].Patterns[b] })
	}
	return buckets
}

// diversityTrend compares distinct kinds per half. The only tie that is
// not stable is a single kind giving way to a different single kind, so
// two one-off detections of different patterns still read as increasing.
func diversityTrend(early, late []models.HistoricalMatch) models.Trend {
	earlyKinds, lateKinds := kindSet(early), kindSet(late)
	switch {
	case len(lateKinds) > len(earlyKinds):
		return models.TrendIncreasing
	case len(lateKinds) < len(earlyKinds):
		return models.TrendDecreasing
	}
	if len(lateKinds) == 1 {
		for k := range lateKinds {
			if !earlyKinds[k] {
				return models.TrendIncreasing
			}
		}
	}
	return models.TrendStable
}

func kindSet(list []models.HistoricalMatch) map[models.PatternKind]bool {
	set := make(map[models.PatternKind]bool)
	for _, h := range list {
		set[h.Kind] = true
	}
	return set
}

func meanSeverity(list []models.HistoricalMatch) float64 {
	if len(list) == 0 {
		return 0
	}
	var sum float64
	for _, h := range list {
		sum += h.Severity
	}
	return sum / float64(len(list))
}

func compare(late, early float64) models.Trend {
	const eps = 1e-9
	switch {
	case late > early+eps:
		return models.TrendIncreasing
	case late < early-eps:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}
