package correlation

import (
	"sort"
	"time"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

// SimilarTo ranks historical matches against the current match for txid.
// The query is the first current match carrying that transaction id;
// candidates share its kind and reference a different transaction. The
// boolean is false when no current match references txid. An empty,
// non-nil slice means the query exists but history holds nothing similar.
func SimilarTo(txid string, current []models.PatternMatch, snapshots []models.Snapshot, now time.Time) ([]models.SimilarMatch, bool) {
	var query *models.PatternMatch
	for i := range current {
		if current[i].Txid == txid {
			query = &current[i]
			break
		}
	}
	if query == nil || txid == "" {
		return nil, false
	}

	ranked := make([]models.SimilarMatch, 0)
	for _, s := range snapshots {
		for _, m := range s.Matches {
			if m.Kind != query.Kind || m.Txid == txid {
				continue
			}
			score := SimilarityScore(
				m.Address == query.Address,
				m.Severity-query.Severity,
				DaysBetween(m.Timestamp, now),
			)
			ranked = append(ranked, models.SimilarMatch{
				HistoricalMatch: models.HistoricalMatch{PatternMatch: m, SnapshotID: s.ID, SnapshotAt: s.RunAt},
				Score:           score,
			})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].Timestamp.Equal(ranked[j].Timestamp) {
			return ranked[i].Timestamp.After(ranked[j].Timestamp)
		}
		return ranked[i].Address < ranked[j].Address
	})
	if len(ranked) > SimilarityTopN {
		ranked = ranked[:SimilarityTopN]
	}
	return ranked, true
}
