package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rawblock/btn-analyzer/internal/alert"
	"github.com/rawblock/btn-analyzer/internal/correlation"
	"github.com/rawblock/btn-analyzer/internal/heuristics"
	"github.com/rawblock/btn-analyzer/internal/ledger"
	"github.com/rawblock/btn-analyzer/internal/metrics"
	"github.com/rawblock/btn-analyzer/internal/snapshot"
	"github.com/rawblock/btn-analyzer/pkg/models"
)

// ErrRunInProgress is returned by TryRun when another run holds the runner.
var ErrRunInProgress = errors.New("analysis run already in progress")

// Stages reported through Progress, in execution order.
const (
	StageIdle      = "idle"
	StageReplay    = "replay"
	StageDetect    = "detect"
	StageHistory   = "history"
	StageCorrelate = "correlate"
	StagePersist   = "persist"
	StageAlert     = "alert"
)

var stageOrder = []string{StageReplay, StageDetect, StageHistory, StageCorrelate, StagePersist, StageAlert}

// StagesTotal is the number of stages a run passes through.
func StagesTotal() int { return len(stageOrder) }

// Progress is the runner's current state for the API.
type Progress struct {
	IsRunning    bool   `json:"isRunning"`
	Stage        string `json:"stage"`
	StagesDone   int    `json:"stagesDone"`
	StagesTotal  int    `json:"stagesTotal"`
	TotalRuns    int64  `json:"totalRuns"`
	TotalMatches int64  `json:"totalMatches"`
	LastRunID    string `json:"lastRunId,omitempty"`
}

// ClusterSummary describes the partition of one run.
type ClusterSummary struct {
	Total     int                       `json:"total"`
	Addresses int                       `json:"addresses"`
	Largest   []heuristics.ClusterStats `json:"largest"`
}

// Report is everything one run produced.
type Report struct {
	SnapshotID   string                      `json:"snapshotId,omitempty"`
	RunAt        time.Time                   `json:"runAt"`
	Source       string                      `json:"source"`
	Transactions int                         `json:"transactions"`
	Addresses    int                         `json:"addresses"`
	Warnings     []ledger.Warning            `json:"warnings,omitempty"`
	Matches      []models.PatternMatch       `json:"matches"`
	Extended     []models.ExtendedMatch      `json:"extended"`
	Risk         []heuristics.AddressRisk    `json:"risk"`
	Summary      []heuristics.KindSummary    `json:"summary"`
	Related      []heuristics.RelatedAddress `json:"related"`
	Clusters     ClusterSummary              `json:"clusters"`
	Watchlist    []heuristics.WatchlistHit   `json:"watchlist,omitempty"`
	Drift        *metrics.Drift              `json:"drift,omitempty"`
	Persisted    bool                        `json:"persisted"`
	HistoryError string                      `json:"historyError,omitempty"`
	Duration     time.Duration               `json:"duration"`
}

// lastRun keeps what later queries (similarity, cluster lookups, tracing)
// need.
type lastRun struct {
	report   *Report
	clusters *heuristics.ClusterEngine
	ledger   *ledger.Ledger
}

// Runner executes analysis runs one at a time against a shared snapshot
// cache. A nil cache disables history: runs still detect and cluster but
// nothing is correlated or persisted.
type Runner struct {
	cache    *snapshot.Cache
	cfg      heuristics.Thresholds
	alerts   *alert.Manager
	alertMin float64
	watch    *heuristics.Watchlist
	now      func() time.Time
	onStage  func(Progress)

	mu sync.Mutex // serializes runs

	isRunning    atomic.Bool
	stage        atomic.Int32 // index into stageOrder, -1 when idle
	totalRuns    atomic.Int64
	totalMatches atomic.Int64
	last         atomic.Pointer[lastRun]
}

// Option customizes a Runner.
type Option func(*Runner)

// WithAlerts routes matches and extended matches at or above minSeverity
// to m.
func WithAlerts(m *alert.Manager, minSeverity float64) Option {
	return func(r *Runner) {
		r.alerts = m
		r.alertMin = minSeverity
	}
}

// WithWatchlist checks every replayed transaction against w. Hits are
// reported and always alerted.
func WithWatchlist(w *heuristics.Watchlist) Option {
	return func(r *Runner) { r.watch = w }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithStageHook is called on every stage transition.
func WithStageHook(fn func(Progress)) Option {
	return func(r *Runner) { r.onStage = fn }
}

// NewRunner creates a runner over cache using cfg for detection.
func NewRunner(cache *snapshot.Cache, cfg heuristics.Thresholds, opts ...Option) *Runner {
	r := &Runner{cache: cache, cfg: cfg, now: time.Now}
	r.stage.Store(-1)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cache returns the snapshot cache the runner persists to.
func (r *Runner) Cache() *snapshot.Cache {
	return r.cache
}

// GetProgress returns the current run state (thread-safe).
func (r *Runner) GetProgress() Progress {
	p := Progress{
		IsRunning:    r.isRunning.Load(),
		Stage:        StageIdle,
		StagesTotal:  len(stageOrder),
		TotalRuns:    r.totalRuns.Load(),
		TotalMatches: r.totalMatches.Load(),
	}
	if i := int(r.stage.Load()); i >= 0 {
		p.Stage = stageOrder[i]
		p.StagesDone = i
	}
	if last := r.last.Load(); last != nil {
		p.LastRunID = last.report.SnapshotID
	}
	return p
}

// LastReport returns the most recent completed run.
func (r *Runner) LastReport() (*Report, bool) {
	last := r.last.Load()
	if last == nil {
		return nil, false
	}
	return last.report, true
}

// LastClusters returns the cluster engine of the most recent run.
func (r *Runner) LastClusters() (*heuristics.ClusterEngine, bool) {
	last := r.last.Load()
	if last == nil {
		return nil, false
	}
	return last.clusters, true
}

// LastLedger returns the replayed ledger of the most recent run.
func (r *Runner) LastLedger() (*ledger.Ledger, bool) {
	last := r.last.Load()
	if last == nil {
		return nil, false
	}
	return last.ledger, true
}

// Similar ranks stored history against the last run's first match for
// txid. The last run's own snapshot is left out so a run is never compared
// with itself. found is false when there is no run or no such match.
func (r *Runner) Similar(txid string, now time.Time) (results []models.SimilarMatch, found bool) {
	last := r.last.Load()
	if last == nil {
		return nil, false
	}
	var past []models.Snapshot
	if r.cache != nil {
		for _, s := range r.cache.Snapshots() {
			if s.ID != last.report.SnapshotID {
				past = append(past, s)
			}
		}
	}
	return correlation.SimilarTo(txid, last.report.Matches, past, now)
}

func (r *Runner) enter(stage string) {
	for i, s := range stageOrder {
		if s == stage {
			r.stage.Store(int32(i))
			break
		}
	}
	if r.onStage != nil {
		r.onStage(r.GetProgress())
	}
}

// TryRun is Run without waiting: it fails fast when a run is in progress.
func (r *Runner) TryRun(ctx context.Context, source string, txs []models.Transaction) (*Report, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()
	return r.run(ctx, source, txs)
}

// Run executes one full analysis: replay the ledger, detect patterns and
// build clusters, correlate against stored history, persist the new
// snapshot, then emit alerts. A cancelled ctx aborts before anything is
// persisted. An unreadable history degrades the run; a snapshot that cannot
// be persisted fails it, and the run is neither alerted nor recorded as the
// last run.
func (r *Runner) Run(ctx context.Context, source string, txs []models.Transaction) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run(ctx, source, txs)
}

func (r *Runner) run(ctx context.Context, source string, txs []models.Transaction) (report *Report, err error) {
	start := time.Now()
	r.isRunning.Store(true)
	defer func() {
		r.isRunning.Store(false)
		r.stage.Store(-1)
		metrics.RunDuration.Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
			metrics.RunsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			metrics.RunsTotal.WithLabelValues(metrics.OutcomeCancelled).Inc()
			log.Printf("[Scanner] Run %q cancelled: %v", source, err)
		default:
			metrics.RunsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			log.Printf("[Scanner] Run %q failed: %v", source, err)
		}
	}()

	now := r.now().UTC()
	report = &Report{RunAt: now, Source: source, Transactions: len(txs)}

	r.enter(StageReplay)
	l := ledger.Replay(txs)
	report.Warnings = l.Warnings
	report.Addresses = len(l.Addresses())
	if n := len(l.Warnings); n > 0 {
		metrics.LedgerWarningsTotal.Add(float64(n))
		log.Printf("[Scanner] Skipped %d malformed transactions in %q", n, source)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.enter(StageDetect)
	var ce *heuristics.ClusterEngine
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report.Matches = heuristics.Detect(l, r.cfg, now)
		return gctx.Err()
	})
	g.Go(func() error {
		ce = heuristics.BuildClusters(l.Transactions())
		return gctx.Err()
	})
	if r.watch != nil {
		g.Go(func() error {
			report.Watchlist = r.watch.Scan(l.Transactions())
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if report.Matches == nil {
		report.Matches = []models.PatternMatch{}
	}

	r.enter(StageHistory)
	if r.cache != nil {
		if err := r.cache.Load(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			report.HistoryError = err.Error()
			log.Printf("[Scanner] History unavailable, continuing without it: %v", err)
		}
		r.recordCacheMetrics()
	}

	r.enter(StageCorrelate)
	labels := flaggedPartition(ce, report.Matches)
	report.Extended = []models.ExtendedMatch{}
	if r.cache != nil && report.HistoryError == "" {
		history := r.cache.AddressHistory()
		report.Extended = append(report.Extended, correlation.FindRecurrences(report.Matches, l.Addresses(), history, now)...)
		report.Extended = append(report.Extended, correlation.FindVariants(report.Matches, history, now)...)

		if prev, ok := r.cache.Latest(); ok && len(prev.Clusters) > 0 {
			drift := metrics.ClusterDrift(prev.Clusters, labels)
			report.Drift = &drift
			if drift.CommonAddresses > 0 {
				metrics.ClusterDriftARI.Set(drift.ARI)
			}
		}
	}
	report.Risk = heuristics.RankAddresses(report.Matches)
	for i := range report.Risk {
		report.Risk[i].Cluster = labels[report.Risk[i].Address]
	}
	report.Summary = heuristics.Summarize(report.Matches)
	report.Related = heuristics.RelatedAddresses(ce, report.Matches)
	report.Clusters = summarizeClusters(ce)

	// Nothing past this point may run for a cancelled request.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.enter(StagePersist)
	if r.cache != nil {
		snap, err := r.cache.Persist(ctx, now, source, report.Matches, labels)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("persist snapshot: %w", err)
		}
		report.SnapshotID = snap.ID
		report.Persisted = true
		if err := r.cache.Load(ctx); err != nil {
			log.Printf("[Scanner] Reload after persist failed: %v", err)
		}
		r.recordCacheMetrics()
	}

	for _, m := range report.Matches {
		metrics.MatchesTotal.WithLabelValues(string(m.Kind)).Inc()
	}
	for _, e := range report.Extended {
		metrics.ExtendedMatchesTotal.WithLabelValues(string(e.Type)).Inc()
	}

	r.enter(StageAlert)
	r.emitAlerts(report)

	report.Duration = time.Since(start)
	r.totalRuns.Add(1)
	r.totalMatches.Add(int64(len(report.Matches)))
	r.last.Store(&lastRun{report: report, clusters: ce, ledger: l})

	log.Printf("[Scanner] Run %q complete: %d txs, %d addresses, %d matches, %d extended, %d clusters in %s",
		source, report.Transactions, report.Addresses, len(report.Matches), len(report.Extended),
		report.Clusters.Total, report.Duration.Round(time.Millisecond))
	return report, nil
}

func (r *Runner) recordCacheMetrics() {
	metrics.SnapshotsLoaded.Set(float64(len(r.cache.Snapshots())))
	metrics.SnapshotsSkipped.Set(float64(r.cache.Skipped()))
}

func (r *Runner) emitAlerts(report *Report) {
	if r.alerts == nil {
		return
	}
	for _, m := range report.Matches {
		if m.Severity >= r.alertMin {
			r.alerts.Emit(alert.FromMatch(m, report.SnapshotID))
		}
	}
	for _, e := range report.Extended {
		if e.Type == models.ExtendedEscalation || e.Severity >= r.alertMin {
			r.alerts.Emit(alert.FromExtended(e, report.SnapshotID))
		}
	}
	for _, h := range report.Watchlist {
		r.alerts.Emit(alert.FromWatchlistHit(h, report.RunAt, report.SnapshotID))
	}
}

// flaggedPartition restricts the cluster labelling to flagged addresses and
// their cluster-mates; that is what a snapshot stores for drift tracking.
func flaggedPartition(ce *heuristics.ClusterEngine, matches []models.PatternMatch) map[string]string {
	full := ce.Partition()
	keep := make(map[string]bool)
	for _, m := range matches {
		if label, ok := full[m.Address]; ok {
			keep[label] = true
		}
	}
	out := make(map[string]string)
	for addr, label := range full {
		if keep[label] {
			out[addr] = label
		}
	}
	return out
}

const largestClusters = 10

func summarizeClusters(ce *heuristics.ClusterEngine) ClusterSummary {
	all := ce.Clusters()
	s := ClusterSummary{Total: ce.TotalClusters(), Addresses: ce.TotalAddresses()}
	for _, members := range all {
		if len(s.Largest) == largestClusters || len(members) < 2 {
			break
		}
		s.Largest = append(s.Largest, ce.GetStats(members[0]))
	}
	return s
}

// Describe renders a one-line summary of a report for logs and the CLI.
func (rep *Report) Describe() string {
	id := rep.SnapshotID
	if id == "" {
		id = "not persisted"
	}
	return fmt.Sprintf("%s: %d transactions, %d addresses, %d matches, %d extended (snapshot %s)",
		rep.Source, rep.Transactions, rep.Addresses, len(rep.Matches), len(rep.Extended), id)
}
