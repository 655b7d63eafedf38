// Package alert turns high-severity run results into structured alerts.
//
// Alerts are:
//  1. Broadcast through a callback (the WebSocket hub)
//  2. Pushed to configured webhook endpoints (Slack, Discord, SIEM)
//  3. Kept in memory for recent-alert queries
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/btn-analyzer/internal/heuristics"
	"github.com/rawblock/btn-analyzer/internal/metrics"
	"github.com/rawblock/btn-analyzer/pkg/models"
)

// Level is the coarse alert grade derived from a 0-100 severity.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

var levelRank = map[Level]int{LevelLow: 1, LevelMedium: 2, LevelHigh: 3, LevelCritical: 4}

// LevelFor grades a severity: <40 low, <60 medium, <80 high, else critical.
func LevelFor(severity float64) Level {
	switch {
	case severity >= 80:
		return LevelCritical
	case severity >= 60:
		return LevelHigh
	case severity >= 40:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ParseLevel accepts the four level names.
func ParseLevel(s string) (Level, bool) {
	l := Level(s)
	_, ok := levelRank[l]
	return l, ok
}

// levelSeverity is the nominal severity of alerts graded by level rather
// than computed, such as watchlist hits.
var levelSeverity = map[Level]float64{LevelLow: 20, LevelMedium: 50, LevelHigh: 70, LevelCritical: 90}

// Meets reports whether l is at or above minimum. An empty minimum admits
// everything.
func (l Level) Meets(minimum Level) bool {
	return levelRank[l] >= levelRank[minimum]
}

// Alert types.
const (
	TypePattern    = "pattern"
	TypeEscalation = "escalation"
	TypeRecurrence = "recurrence"
	TypeWatchlist  = "watchlist"
)

// Alert is one notification about a single address.
type Alert struct {
	ID          string             `json:"id"`
	Timestamp   time.Time          `json:"timestamp"`
	Level       Level              `json:"level"`
	Type        string             `json:"type"`
	Kind        models.PatternKind `json:"kind"`
	Address     string             `json:"address"`
	Severity    float64            `json:"severity"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Txid        string             `json:"txid,omitempty"`
	SnapshotID  string             `json:"snapshotId,omitempty"`
}

// Webhook is a registered webhook receiver.
type Webhook struct {
	Name     string            `mapstructure:"name" json:"name"`
	URL      string            `mapstructure:"url" json:"url"`
	MinLevel Level             `mapstructure:"min_level" json:"minLevel"`
	Headers  map[string]string `mapstructure:"headers" json:"headers,omitempty"`
}

// Manager handles alert emission and webhook delivery.
type Manager struct {
	mu         sync.RWMutex
	webhooks   []Webhook
	recent     []Alert
	maxHistory int
	httpClient *http.Client
	broadcast  func(Alert)
	wg         sync.WaitGroup
}

// NewManager creates an alert manager. broadcast may be nil.
func NewManager(broadcast func(Alert), webhooks ...Webhook) *Manager {
	return &Manager{
		webhooks:   append([]Webhook(nil), webhooks...),
		maxHistory: 1000,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		broadcast:  broadcast,
	}
}

// RegisterWebhook adds a webhook endpoint.
func (m *Manager) RegisterWebhook(wh Webhook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = append(m.webhooks, wh)
	log.Printf("[AlertManager] Registered webhook: %s -> %s (min: %s)", wh.Name, wh.URL, wh.MinLevel)
}

// Emit records an alert, broadcasts it and fans it out to webhooks.
// Webhook delivery is asynchronous; Wait blocks until it drains.
func (m *Manager) Emit(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Level == "" {
		a.Level = LevelFor(a.Severity)
	}

	m.mu.Lock()
	m.recent = append(m.recent, a)
	if len(m.recent) > m.maxHistory {
		m.recent = m.recent[len(m.recent)-m.maxHistory:]
	}
	webhooks := append([]Webhook(nil), m.webhooks...)
	m.mu.Unlock()

	metrics.AlertsTotal.WithLabelValues(string(a.Level)).Inc()

	if m.broadcast != nil {
		m.broadcast(a)
	}

	for _, wh := range webhooks {
		if !a.Level.Meets(wh.MinLevel) {
			continue
		}
		m.wg.Add(1)
		go func(wh Webhook) {
			defer m.wg.Done()
			if err := m.send(context.Background(), wh, a); err != nil {
				log.Printf("[Webhook] %v", err)
			}
		}(wh)
	}

	log.Printf("[Alert] [%s] %s %s: %s", a.Level, a.Type, a.Address, a.Title)
}

// Wait blocks until in-flight webhook deliveries finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Recent returns up to limit alerts, most recent first. limit <= 0 returns
// all of them.
func (m *Manager) Recent(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.recent[len(m.recent)-1-i]
	}
	return out
}

func (m *Manager) send(ctx context.Context, wh Webhook, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", a.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", wh.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send to %s: %w", wh.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned status %d", wh.Name, resp.StatusCode)
	}
	return nil
}

// FromMatch builds a pattern alert.
func FromMatch(m models.PatternMatch, snapshotID string) Alert {
	return Alert{
		Timestamp:   m.Timestamp,
		Level:       LevelFor(m.Severity),
		Type:        TypePattern,
		Kind:        m.Kind,
		Address:     m.Address,
		Severity:    m.Severity,
		Title:       fmt.Sprintf("%s detected", m.Kind),
		Description: fmt.Sprintf("Address %s matched %s with severity %.0f.", m.Address, m.Kind, m.Severity),
		Txid:        m.Txid,
		SnapshotID:  snapshotID,
	}
}

// FromExtended builds an escalation or recurrence alert.
func FromExtended(e models.ExtendedMatch, snapshotID string) Alert {
	a := Alert{
		Timestamp:  e.Timestamp,
		Level:      LevelFor(e.Severity),
		Kind:       e.Kind,
		Address:    e.Address,
		Severity:   e.Severity,
		SnapshotID: snapshotID,
	}
	switch e.Type {
	case models.ExtendedEscalation:
		a.Type = TypeEscalation
		a.Title = fmt.Sprintf("%s persisting", e.Kind)
		a.Description = fmt.Sprintf("Address %s has matched %s for %.1f days.", e.Address, e.Kind, e.AgeDays)
	default:
		a.Type = TypeRecurrence
		a.Title = fmt.Sprintf("%s dormant", e.Kind)
		a.Description = fmt.Sprintf("Address %s was flagged for %s %.1f days ago and is active again.", e.Address, e.Kind, e.AgeDays)
	}
	return a
}

// FromWatchlistHit builds a watchlist alert. The level comes from the
// watchlist entry; unknown levels are treated as medium.
func FromWatchlistHit(h heuristics.WatchlistHit, at time.Time, snapshotID string) Alert {
	level, ok := ParseLevel(h.AlertLevel)
	if !ok {
		level = LevelMedium
	}
	label := h.Label
	if label == "" {
		label = h.Category
	}
	return Alert{
		Timestamp:   at,
		Level:       level,
		Type:        TypeWatchlist,
		Address:     h.Address,
		Severity:    levelSeverity[level],
		Title:       fmt.Sprintf("Watched address active (%s)", label),
		Description: fmt.Sprintf("Watched %s address %s appears as %s of %s with %d sats.", h.Category, h.Address, h.Direction, h.Txid, h.Value),
		Txid:        h.Txid,
		SnapshotID:  snapshotID,
	}
}
