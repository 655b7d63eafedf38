package correlation

import (
	"sort"
	"time"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

// FindRecurrences surfaces dormant risk. For every address in the current
// run (the active ledger addresses plus every matched address), each
// historical match whose kind did not fire now yields a recurrence with a
// decayed severity. Output is ordered by address, then history order.
func FindRecurrences(current []models.PatternMatch, active []string, history map[string][]models.HistoricalMatch, now time.Time) []models.ExtendedMatch {
	triggered := make(map[string]map[models.PatternKind]bool)
	for _, addr := range active {
		if triggered[addr] == nil {
			triggered[addr] = make(map[models.PatternKind]bool)
		}
	}
	for _, m := range current {
		if triggered[m.Address] == nil {
			triggered[m.Address] = make(map[models.PatternKind]bool)
		}
		triggered[m.Address][m.Kind] = true
	}

	addrs := make([]string, 0, len(triggered))
	for addr := range triggered {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var out []models.ExtendedMatch
	for _, addr := range addrs {
		kindsNow := triggered[addr]
		for _, h := range history[addr] {
			if kindsNow[h.Kind] {
				continue
			}
			age := DaysBetween(h.Timestamp, now)
			out = append(out, models.ExtendedMatch{
				Type:      models.ExtendedRecurrence,
				Kind:      h.Kind,
				Address:   addr,
				Severity:  RecurrenceSeverity(h.Severity),
				Timestamp: now,
				AgeDays:   age,
				Origin:    h,
				Details: map[string]any{
					"days_since":        age,
					"original_severity": h.Severity,
					"snapshot_id":       h.SnapshotID,
				},
			})
		}
	}
	return out
}

// FindVariants emits persistence escalations: a current match whose address
// already carries the same kind in history, first seen more than a day ago.
func FindVariants(current []models.PatternMatch, history map[string][]models.HistoricalMatch, now time.Time) []models.ExtendedMatch {
	var out []models.ExtendedMatch
	for _, m := range current {
		past := history[m.Address]
		if len(past) == 0 {
			continue
		}

		var earliest *models.HistoricalMatch
		occurrences := 0
		kinds := make(map[models.PatternKind]bool)
		for i := range past {
			kinds[past[i].Kind] = true
			if past[i].Kind != m.Kind {
				continue
			}
			occurrences++
			if earliest == nil || past[i].Timestamp.Before(earliest.Timestamp) {
				earliest = &past[i]
			}
		}
		if earliest == nil {
			continue
		}

		active := DaysBetween(earliest.Timestamp, now)
		if active <= EscalationMinDays {
			continue
		}

		kindList := make([]string, 0, len(kinds))
		for k := range kinds {
			kindList = append(kindList, string(k))
		}
		sort.Strings(kindList)

		out = append(out, models.ExtendedMatch{
			Type:      models.ExtendedEscalation,
			Kind:      m.Kind,
			Address:   m.Address,
			Severity:  EscalationSeverity(m.Severity),
			Timestamp: now,
			AgeDays:   active,
			Origin:    *earliest,
			Details: map[string]any{
				"days_active":          active,
				"historical_kinds":     float64(len(kinds)),
				"historical_kind_list": kindList,
				"first_detected":       earliest.Timestamp.UTC().Format("2006-01-02"),
				"occurrences":          float64(occurrences),
				"current_severity":     m.Severity,
			},
		})
	}
	return out
}
