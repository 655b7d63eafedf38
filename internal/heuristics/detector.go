package heuristics

import (
	"math"
	"time"

	"github.com/rawblock/btn-analyzer/internal/ledger"
	"github.com/rawblock/btn-analyzer/pkg/models"
)

// Pattern Detection Engine
//
// Evaluates a replayed ledger against a fixed rule set. Every rule runs
// independently, so one address or transaction can trigger several kinds.
// Address-scoped rules read the ledger entry; transaction-scoped rules read
// the transaction shape and attribute one match to each distinct input
// address.
//
// A rule that lacks the data it needs (no timestamps, too few gaps) is
// skipped for that subject. Nothing here returns an error.

// Fixed severities per kind. high-volume and high-centrality are scaled.
const (
	SeverityNegativeBalance = 80
	SeverityHoarding        = 50
	SeverityHighVolumeCap   = 60
	SeverityShortLived      = 70
	SeverityCentralityBase  = 40
	SeverityPeriodic        = 30
	SeverityCoinJoin        = 60
	SeverityPeelChain       = 45
	SeverityDusting         = 55
	SeverityEpsilon         = 35
	SeverityDormancy        = 40
	SeverityActivitySpike   = 50
	SeverityLargeWithdrawal = 60
)

// Thresholds carries every tunable constant of the rule set.
type Thresholds struct {
	HoardingMultiplier   float64       `mapstructure:"hoarding_multiplier" json:"hoardingMultiplier"`
	HighVolumeDegree     int           `mapstructure:"high_volume_degree" json:"highVolumeDegree"`
	ShortLivedTxCount    int           `mapstructure:"short_lived_tx_count" json:"shortLivedTxCount"`
	ShortLivedWindow     time.Duration `mapstructure:"short_lived_window" json:"shortLivedWindow"`
	CentralityPercentile float64       `mapstructure:"centrality_percentile" json:"centralityPercentile"`
	CentralityPivots     int           `mapstructure:"centrality_pivots" json:"centralityPivots"`
	PeriodicMaxCV        float64       `mapstructure:"periodic_max_cv" json:"periodicMaxCV"`
	PeriodicMinGaps      int           `mapstructure:"periodic_min_gaps" json:"periodicMinGaps"`
	PeelRatio            float64       `mapstructure:"peel_ratio" json:"peelRatio"`
	DustTxCount          int           `mapstructure:"dust_tx_count" json:"dustTxCount"`
	DustValue            int64         `mapstructure:"dust_value" json:"dustValue"` // 0 = per address type dust limit
	EpsilonDelta         int64         `mapstructure:"epsilon_delta" json:"epsilonDelta"`

	// Extended enables dormancy, activity-spike and large-withdrawal.
	Extended         bool          `mapstructure:"extended" json:"extended"`
	DormancyGap      time.Duration `mapstructure:"dormancy_gap" json:"dormancyGap"`
	SpikeMinTxCount  int           `mapstructure:"spike_min_tx_count" json:"spikeMinTxCount"`
	SpikeWindow      time.Duration `mapstructure:"spike_window" json:"spikeWindow"`
	WithdrawalSigmas float64       `mapstructure:"withdrawal_sigmas" json:"withdrawalSigmas"`
}

// DefaultThresholds returns the standard rule constants. Values are in
// satoshis where they denote amounts.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HoardingMultiplier:   5,
		HighVolumeDegree:     20,
		ShortLivedTxCount:    10,
		ShortLivedWindow:     24 * time.Hour,
		CentralityPercentile: 0.95,
		CentralityPivots:     256,
		PeriodicMaxCV:        0.1,
		PeriodicMinGaps:      3,
		PeelRatio:            5,
		DustTxCount:          10,
		DustValue:            10_000,  // 0.0001 BTC
		EpsilonDelta:         100_000, // 0.001 BTC
		Extended:             true,
		DormancyGap:          7 * 24 * time.Hour,
		SpikeMinTxCount:      5,
		SpikeWindow:          time.Hour,
		WithdrawalSigmas:     2,
	}
}

// Detect runs every rule over the ledger. Matches are stamped with now;
// transaction-scoped matches also record the transaction time in Details.
// Output order: address rules by sorted address, then transaction rules in
// replay order.
func Detect(l *ledger.Ledger, cfg Thresholds, now time.Time) []models.PatternMatch {
	d := &detection{
		ledger: l,
		cfg:    cfg,
		now:    now,
		median: l.MedianTxValue(),
	}
	d.centrality = ComputeCentrality(l, cfg.CentralityPivots)
	d.centralityCut = percentile(d.centrality, cfg.CentralityPercentile)
	if cfg.Extended {
		d.withdrawalMean, d.withdrawalStd = inputSumStats(l.Transactions())
	}

	for _, addr := range l.Addresses() {
		e, _ := l.Entry(addr)
		d.addressRules(e)
	}
	for _, tx := range l.Transactions() {
		d.transactionRules(tx)
	}
	return d.matches
}

// detection holds the per-run derived inputs shared by the rules.
type detection struct {
	ledger         *ledger.Ledger
	cfg            Thresholds
	now            time.Time
	median         float64
	centrality     map[string]float64
	centralityCut  float64
	withdrawalMean float64
	withdrawalStd  float64
	matches        []models.PatternMatch
}

func (d *detection) emit(kind models.PatternKind, addr string, severity float64, txid string, details map[string]any) {
	d.matches = append(d.matches, models.PatternMatch{
		Kind:      kind,
		Address:   addr,
		Severity:  clampSeverity(severity),
		Timestamp: d.now,
		Txid:      txid,
		Details:   details,
	})
}

// emitTx attributes a transaction-scoped match to each distinct input address.
func (d *detection) emitTx(kind models.PatternKind, tx models.Transaction, severity float64, details map[string]any) {
	if ts, ok := tx.Time(); ok {
		details["tx_time"] = float64(ts)
	}
	for _, addr := range tx.DistinctInputAddresses() {
		copied := make(map[string]any, len(details))
		for k, v := range details {
			copied[k] = v
		}
		d.emit(kind, addr, severity, tx.Txid, copied)
	}
}

func (d *detection) addressRules(e *ledger.Entry) {
	d.checkNegativeBalance(e)
	d.checkHoarding(e)
	d.checkHighVolume(e)
	d.checkShortLived(e)
	d.checkCentrality(e)
	d.checkPeriodic(e)
	d.checkDusting(e)
	if d.cfg.Extended {
		d.checkDormancy(e)
		d.checkActivitySpike(e)
		d.checkLargeWithdrawal(e)
	}
}

func (d *detection) transactionRules(tx models.Transaction) {
	d.checkCoinJoin(tx)
	d.checkPeelChain(tx)
	d.checkEpsilon(tx)
}

func clampSeverity(s float64) float64 {
	if math.IsNaN(s) {
		return 0
	}
	return math.Max(0, math.Min(100, s))
}
