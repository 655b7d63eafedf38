package models

import "time"

// PatternKind identifies one rule of the detection taxonomy.
type PatternKind string

const (
	KindNegativeBalance PatternKind = "negative-balance"
	KindHoarding        PatternKind = "hoarding"
	KindHighVolume      PatternKind = "high-volume"
	KindShortLived      PatternKind = "short-lived-high-activity"
	KindHighCentrality  PatternKind = "high-centrality"
	KindPeriodic        PatternKind = "periodic"
	KindCoinJoin        PatternKind = "coinjoin"
	KindPeelChain       PatternKind = "peel-chain"
	KindDusting         PatternKind = "dusting"
	KindEpsilon         PatternKind = "epsilon"
	KindDormancy        PatternKind = "dormancy"
	KindActivitySpike   PatternKind = "activity-spike"
	KindLargeWithdrawal PatternKind = "large-withdrawal"
)

// PatternMatch is a single rule trigger. Produced fresh each run and never
// mutated after emission.
type PatternMatch struct {
	Kind      PatternKind    `json:"kind"`
	Address   string         `json:"address"`
	Severity  float64        `json:"severity"` // 0-100
	Timestamp time.Time      `json:"timestamp"`
	Txid      string         `json:"txid,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Snapshot is one persisted run: its full match list plus the run timestamp
// and the identifier of the dataset it was computed from.
type Snapshot struct {
	ID       string            `json:"id"`
	RunAt    time.Time         `json:"runAt"`
	Source   string            `json:"source"`
	Matches  []PatternMatch    `json:"matches"`
	Clusters map[string]string `json:"clusters,omitempty"` // flagged address -> cluster label
}

// StoredSnapshot is the opaque, serialized form a storage backend handles.
type StoredSnapshot struct {
	ID      string    `json:"id"`
	RunAt   time.Time `json:"runAt"`
	Source  string    `json:"source"`
	Payload []byte    `json:"payload"`
}

// HistoricalMatch is a match read back from a snapshot, tagged with its origin.
type HistoricalMatch struct {
	PatternMatch
	SnapshotID string    `json:"snapshotId"`
	SnapshotAt time.Time `json:"snapshotAt"`
}

// ExtendedMatchType distinguishes the two derived signals.
type ExtendedMatchType string

const (
	ExtendedRecurrence ExtendedMatchType = "recurrence"
	ExtendedEscalation ExtendedMatchType = "persistence-escalation"
)

// ExtendedMatch is derived from history rather than from the current run alone.
type ExtendedMatch struct {
	Type      ExtendedMatchType `json:"type"`
	Kind      PatternKind       `json:"kind"`
	Address   string            `json:"address"`
	Severity  float64           `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	AgeDays   float64           `json:"ageDays"`
	Origin    HistoricalMatch   `json:"origin"`
	Details   map[string]any    `json:"details,omitempty"`
}

// Trend is the three-way outcome of comparing the early and late halves
// of an address history.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// DayBucket aggregates one calendar day (UTC) of an address timeline.
type DayBucket struct {
	Day         string        `json:"day"` // YYYY-MM-DD
	Patterns    []PatternKind `json:"patterns"`
	Detections  int           `json:"detections"`
	MaxSeverity float64       `json:"maxSeverity"`
}

// EvolutionSummary rolls up an address's full detection history.
type EvolutionSummary struct {
	Address         string      `json:"address"`
	Timeline        []DayBucket `json:"timeline"`
	FirstDetection  time.Time   `json:"firstDetection"`
	LastDetection   time.Time   `json:"lastDetection"`
	TotalDetections int         `json:"totalDetections"`
	UniquePatterns  int         `json:"uniquePatterns"`
	ActiveDays      int         `json:"activeDays"`
	DiversityTrend  Trend       `json:"diversityTrend"`
	SeverityTrend   Trend       `json:"severityTrend"`
	Summary         string      `json:"summary"`
}

// SimilarMatch is a ranked historical match for a similarity query.
type SimilarMatch struct {
	HistoricalMatch
	Score float64 `json:"score"`
}
