package correlation

import (
	"math"
	"testing"
	"time"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func day(n float64) time.Time {
	return t0.Add(time.Duration(n * 24 * float64(time.Hour)))
}

func hist(kind models.PatternKind, addr string, sev float64, at time.Time, snap string) models.HistoricalMatch {
	return models.HistoricalMatch{
		PatternMatch: models.PatternMatch{Kind: kind, Address: addr, Severity: sev, Timestamp: at},
		SnapshotID:   snap,
		SnapshotAt:   at,
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestRecurrenceSeverity(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{55, 50},
		{100, 95},
		{6, 1},
		{5, 1},
		{1, 1},
		{30.5, 25.5},
	}
	for _, tt := range tests {
		if got := RecurrenceSeverity(tt.in); !approx(got, tt.want) {
			t.Errorf("RecurrenceSeverity(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
	for s := 1.0; s <= 100; s += 0.5 {
		got := RecurrenceSeverity(s)
		if got < 1 || got > s {
			t.Fatalf("RecurrenceSeverity(%v) = %v, want within [1, %v]", s, got, s)
		}
	}
}

func TestEscalationSeverity(t *testing.T) {
	if got := EscalationSeverity(55); got != 70 {
		t.Errorf("EscalationSeverity(55) = %v, want 70", got)
	}
	if got := EscalationSeverity(90); got != 100 {
		t.Errorf("EscalationSeverity(90) = %v, want 100", got)
	}
	for s := 0.0; s <= 100; s++ {
		got := EscalationSeverity(s)
		if got < s || got > 100 {
			t.Fatalf("EscalationSeverity(%v) = %v out of range", s, got)
		}
	}
}

func TestSimilarityScore(t *testing.T) {
	tests := []struct {
		name string
		same bool
		diff float64
		days float64
		want float64
	}{
		{"identical and fresh", true, 0, 0, 100},
		{"other address", false, 0, 0, 50},
		{"severity gap", true, 5, 0, 90},
		{"severity gap saturates", false, 40, 0, 20},
		{"old", true, 0, 30, 80},
		{"half recency", true, 0, 10, 90},
		{"future timestamp", true, 0, -3, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SimilarityScore(tt.same, tt.diff, tt.days); !approx(got, tt.want) {
				t.Errorf("SimilarityScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindRecurrencesDormantAddress(t *testing.T) {
	history := map[string][]models.HistoricalMatch{
		"D": {hist(models.KindDusting, "D", 55, t0, "snap-1")},
	}
	now := day(2)

	out := FindRecurrences(nil, []string{"A", "D"}, history, now)
	if len(out) != 1 {
		t.Fatalf("expected 1 recurrence, got %d", len(out))
	}
	r := out[0]
	if r.Type != models.ExtendedRecurrence || r.Kind != models.KindDusting || r.Address != "D" {
		t.Errorf("unexpected recurrence %+v", r)
	}
	if r.Severity != 50 {
		t.Errorf("severity = %v, want 50", r.Severity)
	}
	if !approx(r.AgeDays, 2) {
		t.Errorf("age = %v, want 2", r.AgeDays)
	}
	if got := r.Details["days_since"].(float64); !approx(got, 2) {
		t.Errorf("days_since = %v, want 2", got)
	}
	if r.Details["snapshot_id"] != "snap-1" {
		t.Errorf("snapshot_id = %v", r.Details["snapshot_id"])
	}
	if !r.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want run time", r.Timestamp)
	}
}

func TestFindRecurrencesSkipsRetriggeredKinds(t *testing.T) {
	history := map[string][]models.HistoricalMatch{
		"D": {
			hist(models.KindDusting, "D", 55, t0, "s1"),
			hist(models.KindHoarding, "D", 50, t0, "s1"),
		},
		"Z": {hist(models.KindPeriodic, "Z", 30, t0, "s1")},
	}
	current := []models.PatternMatch{{Kind: models.KindDusting, Address: "D", Severity: 55, Timestamp: day(3)}}

	out := FindRecurrences(current, nil, history, day(3))
	if len(out) != 1 {
		t.Fatalf("expected 1 recurrence, got %+v", out)
	}
	if out[0].Kind != models.KindHoarding {
		t.Errorf("kind = %s, want hoarding", out[0].Kind)
	}
	// Z is absent from the current run.
	for _, r := range out {
		if r.Address == "Z" {
			t.Errorf("inactive address produced a recurrence")
		}
	}
}

func TestFindVariantsEscalates(t *testing.T) {
	history := map[string][]models.HistoricalMatch{
		"D": {hist(models.KindDusting, "D", 55, t0, "snap-1")},
	}
	now := day(5)
	current := []models.PatternMatch{{Kind: models.KindDusting, Address: "D", Severity: 55, Timestamp: now}}

	out := FindVariants(current, history, now)
	if len(out) != 1 {
		t.Fatalf("expected 1 escalation, got %d", len(out))
	}
	e := out[0]
	if e.Type != models.ExtendedEscalation || e.Severity != 70 {
		t.Errorf("unexpected escalation %+v", e)
	}
	if got := e.Details["days_active"].(float64); !approx(got, 5) {
		t.Errorf("days_active = %v, want 5", got)
	}
	if e.Details["first_detected"] != "2024-03-01" {
		t.Errorf("first_detected = %v", e.Details["first_detected"])
	}
	if e.Details["historical_kinds"] != float64(1) {
		t.Errorf("historical_kinds = %v, want 1", e.Details["historical_kinds"])
	}
}

func TestFindVariantsNeedsHistory(t *testing.T) {
	now := day(5)
	current := []models.PatternMatch{{Kind: models.KindDusting, Address: "D", Severity: 55, Timestamp: now}}

	tests := []struct {
		name    string
		history map[string][]models.HistoricalMatch
	}{
		{"no history", nil},
		{"different kind", map[string][]models.HistoricalMatch{
			"D": {hist(models.KindHoarding, "D", 50, t0, "s1")},
		}},
		{"too recent", map[string][]models.HistoricalMatch{
			"D": {hist(models.KindDusting, "D", 55, day(4.5), "s1")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if out := FindVariants(current, tt.history, now); len(out) != 0 {
				t.Errorf("expected no escalation, got %+v", out)
			}
		})
	}
}

func TestFindVariantsUsesEarliestOccurrence(t *testing.T) {
	history := map[string][]models.HistoricalMatch{
		"D": {
			hist(models.KindDusting, "D", 60, day(8), "s3"),
			hist(models.KindHoarding, "D", 50, day(4), "s2"),
			hist(models.KindDusting, "D", 55, day(2), "s1"),
		},
	}
	now := day(10)
	current := []models.PatternMatch{{Kind: models.KindDusting, Address: "D", Severity: 90, Timestamp: now}}

	out := FindVariants(current, history, now)
	if len(out) != 1 {
		t.Fatalf("expected 1 escalation, got %d", len(out))
	}
	if out[0].Origin.SnapshotID != "s1" {
		t.Errorf("origin = %s, want s1", out[0].Origin.SnapshotID)
	}
	if out[0].Severity != 100 {
		t.Errorf("severity = %v, want capped 100", out[0].Severity)
	}
	if !approx(out[0].AgeDays, 8) {
		t.Errorf("days active = %v, want 8", out[0].AgeDays)
	}
	if out[0].Details["historical_kinds"] != float64(2) {
		t.Errorf("historical_kinds = %v, want 2", out[0].Details["historical_kinds"])
	}
	if out[0].Details["occurrences"] != float64(2) {
		t.Errorf("occurrences = %v, want 2", out[0].Details["occurrences"])
	}
}

func TestEvolveNoHistory(t *testing.T) {
	if _, ok := Evolve("A", nil); ok {
		t.Error("expected no summary for empty history")
	}
}

func TestEvolveTwoDetections(t *testing.T) {
	// History arrives newest first, as the cache stores it.
	history := []models.HistoricalMatch{
		hist(models.KindCoinJoin, "A", 60, day(2), "s2"),
		hist(models.KindHoarding, "A", 40, t0, "s1"),
	}
	s, ok := Evolve("A", history)
	if !ok {
		t.Fatal("expected a summary")
	}
	if s.DiversityTrend != models.TrendIncreasing {
		t.Errorf("diversity = %s, want increasing", s.DiversityTrend)
	}
	if s.SeverityTrend != models.TrendIncreasing {
		t.Errorf("severity = %s, want increasing", s.SeverityTrend)
	}
	if s.TotalDetections != 2 || s.UniquePatterns != 2 || s.ActiveDays != 2 {
		t.Errorf("unexpected counts %+v", s)
	}
	if !s.FirstDetection.Equal(t0) || !s.LastDetection.Equal(day(2)) {
		t.Errorf("first/last = %v/%v", s.FirstDetection, s.LastDetection)
	}
	if len(s.Timeline) != 2 || s.Timeline[0].Day != "2024-03-01" || s.Timeline[1].Day != "2024-03-03" {
		t.Errorf("unexpected timeline %+v", s.Timeline)
	}
	if s.Summary == "" {
		t.Error("summary text is empty")
	}
}

func TestEvolveTrends(t *testing.T) {
	tests := []struct {
		name      string
		history   []models.HistoricalMatch
		diversity models.Trend
		severity  models.Trend
	}{
		{
			name: "single detection",
			history: []models.HistoricalMatch{
				hist(models.KindDusting, "A", 55, t0, "s1"),
			},
			diversity: models.TrendStable,
			severity:  models.TrendStable,
		},
		{
			name: "same kind same severity",
			history: []models.HistoricalMatch{
				hist(models.KindDusting, "A", 55, t0, "s1"),
				hist(models.KindDusting, "A", 55, day(1), "s2"),
			},
			diversity: models.TrendStable,
			severity:  models.TrendStable,
		},
		{
			name: "narrowing and cooling",
			history: []models.HistoricalMatch{
				hist(models.KindDusting, "A", 80, t0, "s1"),
				hist(models.KindHoarding, "A", 80, day(1), "s1"),
				hist(models.KindDusting, "A", 30, day(2), "s2"),
				hist(models.KindDusting, "A", 30, day(3), "s3"),
			},
			diversity: models.TrendDecreasing,
			severity:  models.TrendDecreasing,
		},
		{
			name: "odd length puts extra in late half",
			history: []models.HistoricalMatch{
				hist(models.KindDusting, "A", 50, t0, "s1"),
				hist(models.KindDusting, "A", 50, day(1), "s2"),
				hist(models.KindPeriodic, "A", 50, day(2), "s3"),
			},
			diversity: models.TrendIncreasing,
			severity:  models.TrendStable,
		},
		{
			name: "different kinds at equal breadth",
			history: []models.HistoricalMatch{
				hist(models.KindDusting, "A", 50, t0, "s1"),
				hist(models.KindHoarding, "A", 50, day(1), "s1"),
				hist(models.KindPeriodic, "A", 50, day(2), "s2"),
				hist(models.KindCoinJoin, "A", 50, day(3), "s2"),
			},
			diversity: models.TrendStable,
			severity:  models.TrendStable,
		},
		{
			name: "one kind replaced by another",
			history: []models.HistoricalMatch{
				hist(models.KindDusting, "A", 50, t0, "s1"),
				hist(models.KindDusting, "A", 50, day(1), "s2"),
				hist(models.KindHoarding, "A", 50, day(2), "s3"),
				hist(models.KindHoarding, "A", 50, day(3), "s4"),
			},
			diversity: models.TrendIncreasing,
			severity:  models.TrendStable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := Evolve("A", tt.history)
			if !ok {
				t.Fatal("expected a summary")
			}
			if s.DiversityTrend != tt.diversity {
				t.Errorf("diversity = %s, want %s", s.DiversityTrend, tt.diversity)
			}
			if s.SeverityTrend != tt.severity {
				t.Errorf("severity = %s, want %s", s.SeverityTrend, tt.severity)
			}
		})
	}
}

func TestEvolveTimelineBuckets(t *testing.T) {
	history := []models.HistoricalMatch{
		hist(models.KindPeriodic, "A", 30, t0.Add(3*time.Hour), "s2"),
		hist(models.KindDusting, "A", 55, t0.Add(time.Hour), "s1"),
		hist(models.KindDusting, "A", 45, t0, "s1"),
	}
	s, _ := Evolve("A", history)
	if len(s.Timeline) != 1 {
		t.Fatalf("expected one day, got %+v", s.Timeline)
	}
	b := s.Timeline[0]
	if b.Detections != 3 || b.MaxSeverity != 55 {
		t.Errorf("unexpected bucket %+v", b)
	}
	if len(b.Patterns) != 2 || b.Patterns[0] != models.KindDusting || b.Patterns[1] != models.KindPeriodic {
		t.Errorf("patterns = %v", b.Patterns)
	}
}

func TestSimilarTo(t *testing.T) {
	now := day(10)
	current := []models.PatternMatch{
		{Kind: models.KindHoarding, Address: "X", Severity: 50, Timestamp: now},
		{Kind: models.KindCoinJoin, Address: "A", Severity: 60, Timestamp: now, Txid: "tx-new"},
	}
	snapshots := []models.Snapshot{
		{ID: "s2", RunAt: now, Matches: []models.PatternMatch{
			{Kind: models.KindCoinJoin, Address: "A", Severity: 60, Timestamp: now, Txid: "tx-old"},
			{Kind: models.KindCoinJoin, Address: "A", Severity: 60, Timestamp: now, Txid: "tx-new"},
		}},
		{ID: "s1", RunAt: day(0), Matches: []models.PatternMatch{
			{Kind: models.KindCoinJoin, Address: "B", Severity: 70, Timestamp: day(0), Txid: "tx-b"},
			{Kind: models.KindDusting, Address: "A", Severity: 60, Timestamp: day(0), Txid: "tx-d"},
		}},
	}

	got, ok := SimilarTo("tx-new", current, snapshots, now)
	if !ok {
		t.Fatal("expected a query match")
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 similar matches, got %+v", got)
	}
	if got[0].Txid != "tx-old" || got[0].Score != 100 || got[0].SnapshotID != "s2" {
		t.Errorf("top match = %+v, want tx-old scored 100", got[0])
	}
	// 0 + (30 - 20) + (20 - 10)
	if got[1].Txid != "tx-b" || !approx(got[1].Score, 20) {
		t.Errorf("second match = %+v, want tx-b scored 20", got[1])
	}
}

func TestSimilarToEdgeCases(t *testing.T) {
	now := day(1)
	current := []models.PatternMatch{{Kind: models.KindPeelChain, Address: "A", Severity: 45, Timestamp: now, Txid: "tx-1"}}

	if _, ok := SimilarTo("missing", current, nil, now); ok {
		t.Error("expected no query match for unknown txid")
	}
	got, ok := SimilarTo("tx-1", current, nil, now)
	if !ok || got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil result, got %v %v", got, ok)
	}
}

func TestSimilarToTopN(t *testing.T) {
	now := day(30)
	current := []models.PatternMatch{{Kind: models.KindEpsilon, Address: "A", Severity: 35, Timestamp: now, Txid: "q"}}
	var matches []models.PatternMatch
	for i := 0; i < 25; i++ {
		matches = append(matches, models.PatternMatch{
			Kind: models.KindEpsilon, Address: "A", Severity: 35,
			Timestamp: day(float64(i)), Txid: "h",
		})
	}
	got, _ := SimilarTo("q", current, []models.Snapshot{{ID: "s", Matches: matches}}, now)
	if len(got) != SimilarityTopN {
		t.Fatalf("expected %d results, got %d", SimilarityTopN, len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Fatalf("results not sorted at %d", i)
		}
	}
	if !got[0].Timestamp.Equal(day(24)) {
		t.Errorf("most recent should rank first, got %v", got[0].Timestamp)
	}
}
