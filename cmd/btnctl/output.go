package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/rawblock/btn-analyzer/internal/alert"
	"github.com/rawblock/btn-analyzer/internal/heuristics"
	"github.com/rawblock/btn-analyzer/internal/ledger"
	"github.com/rawblock/btn-analyzer/internal/scanner"
	"github.com/rawblock/btn-analyzer/pkg/models"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	levelStyles = map[alert.Level]lipgloss.Style{
		alert.LevelLow:      lipgloss.NewStyle().Foreground(lipgloss.Color("#95E1D3")),
		alert.LevelMedium:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFE66D")),
		alert.LevelHigh:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF9F43")),
		alert.LevelCritical: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")),
	}
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(subtleStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func severity(s float64) string {
	return levelStyles[alert.LevelFor(s)].Render(fmt.Sprintf("%.1f", s))
}

func section(w io.Writer, title string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render(title))
}

func writeReport(w io.Writer, rep *scanner.Report) error {
	fmt.Fprintln(w, titleStyle.Render(rep.Describe()))
	fmt.Fprintln(w, subtleStyle.Render(fmt.Sprintf("run at %s in %s", rep.RunAt.Format(time.RFC3339), rep.Duration.Round(time.Millisecond))))
	if rep.HistoryError != "" {
		fmt.Fprintln(w, subtleStyle.Render("history unavailable: "+rep.HistoryError))
	}

	if len(rep.Summary) > 0 {
		section(w, "Patterns")
		t := newTable("KIND", "COUNT", "AVG", "MAX")
		for _, k := range rep.Summary {
			t.Row(string(k.Kind), fmt.Sprint(k.Count), fmt.Sprintf("%.1f", k.AvgSeverity), severity(k.MaxSeverity))
		}
		fmt.Fprintln(w, t.Render())
	}

	if len(rep.Risk) > 0 {
		section(w, "Highest risk addresses")
		t := newTable("ADDRESS", "RISK", "KINDS", "CLUSTER")
		for i, r := range rep.Risk {
			if i == 15 {
				break
			}
			t.Row(r.Address, severity(r.RiskScore), joinKinds(r.Kinds), r.Cluster)
		}
		fmt.Fprintln(w, t.Render())
	}

	if len(rep.Extended) > 0 {
		section(w, "Historical correlation")
		t := newTable("TYPE", "KIND", "ADDRESS", "SEVERITY", "AGE (DAYS)")
		for _, e := range rep.Extended {
			t.Row(string(e.Type), string(e.Kind), e.Address, severity(e.Severity), fmt.Sprintf("%.1f", e.AgeDays))
		}
		fmt.Fprintln(w, t.Render())
	}

	if len(rep.Watchlist) > 0 {
		section(w, "Watchlist hits")
		t := newTable("ADDRESS", "CATEGORY", "LEVEL", "TXID", "DIRECTION", "SATS")
		for _, h := range rep.Watchlist {
			t.Row(h.Address, h.Category, h.AlertLevel, h.Txid, h.Direction, fmt.Sprint(h.Value))
		}
		fmt.Fprintln(w, t.Render())
	}

	if rep.Clusters.Total > 0 {
		section(w, "Clusters")
		fmt.Fprintf(w, "%d clusters over %d addresses\n", rep.Clusters.Total, rep.Clusters.Addresses)
		if rep.Drift != nil {
			fmt.Fprintf(w, "drift vs previous run: ARI %.3f, VI %.3f over %d common addresses\n",
				rep.Drift.ARI, rep.Drift.VI, rep.Drift.CommonAddresses)
		}
	}
	return nil
}

func writeEvolution(w io.Writer, s models.EvolutionSummary) error {
	fmt.Fprintln(w, titleStyle.Render(s.Address))
	fmt.Fprintln(w, s.Summary)
	fmt.Fprintf(w, "first %s, last %s, %d detections, %d patterns, %d active days\n",
		s.FirstDetection.Format(time.RFC3339), s.LastDetection.Format(time.RFC3339),
		s.TotalDetections, s.UniquePatterns, s.ActiveDays)
	fmt.Fprintf(w, "diversity %s, severity %s\n", s.DiversityTrend, s.SeverityTrend)

	section(w, "Timeline")
	t := newTable("DAY", "DETECTIONS", "MAX", "PATTERNS")
	for _, b := range s.Timeline {
		t.Row(b.Day, fmt.Sprint(b.Detections), severity(b.MaxSeverity), joinKinds(b.Patterns))
	}
	fmt.Fprintln(w, t.Render())
	return nil
}

func writeSimilar(w io.Writer, txid string, results []models.SimilarMatch) error {
	if len(results) == 0 {
		fmt.Fprintf(w, "No stored history resembles the detections on %s\n", txid)
		return nil
	}
	fmt.Fprintln(w, titleStyle.Render("Matches similar to "+txid))
	t := newTable("SCORE", "KIND", "ADDRESS", "SEVERITY", "SEEN", "SNAPSHOT")
	for _, m := range results {
		t.Row(fmt.Sprintf("%.1f", m.Score), string(m.Kind), m.Address, severity(m.Severity),
			m.Timestamp.Format("2006-01-02"), m.SnapshotID)
	}
	fmt.Fprintln(w, t.Render())
	return nil
}

func writeCluster(w io.Writer, addr string, stats heuristics.ClusterStats) error {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s: cluster %s (%d addresses)", addr, stats.Label, stats.AddressCount)))
	for _, m := range stats.Members {
		fmt.Fprintln(w, "  "+m)
	}
	return nil
}

func writeTrace(w io.Writer, g heuristics.FlowGraph) error {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Funds from %s: %d sats over %d hops",
		strings.Join(g.SourceAddresses, ", "), g.TotalTracked, g.MaxHopReached)))
	if g.Truncated {
		fmt.Fprintln(w, subtleStyle.Render("branch limit reached, some outputs were not followed"))
	}
	for hop := 1; hop <= g.MaxHopReached; hop++ {
		section(w, fmt.Sprintf("Hop %d", hop))
		t := newTable("FROM", "TO", "TXID", "SATS", "CONFIDENCE")
		for _, e := range g.GetHop(hop) {
			t.Row(e.FromAddress, e.ToAddress, e.Txid, fmt.Sprintf("%d", e.Value), fmt.Sprintf("%.2f", e.Confidence))
		}
		fmt.Fprintln(w, t.Render())
	}
	return nil
}

func writeActivity(w io.Writer, addr string, records []ledger.ActivityRecord) error {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s: %d transactions", addr, len(records))))
	t := newTable("TXID", "TIME", "SIDE", "SATS", "IN", "OUT")
	for _, r := range records {
		when := "-"
		if r.Timestamp != nil {
			when = time.Unix(*r.Timestamp, 0).UTC().Format(time.RFC3339)
		}
		side := "output"
		switch {
		case r.IsInput && r.IsOutput:
			side = "both"
		case r.IsInput:
			side = "input"
		}
		t.Row(r.Txid, when, side, fmt.Sprintf("%d", r.Amount),
			fmt.Sprintf("%d/%d", r.InputCount, r.TotalInput), fmt.Sprintf("%d/%d", r.OutputCount, r.TotalOutput))
	}
	fmt.Fprintln(w, t.Render())
	return nil
}

func writeSnapshots(w io.Writer, snaps []models.Snapshot, skipped int) error {
	t := newTable("ID", "RUN AT", "SOURCE", "MATCHES")
	for _, s := range snaps {
		t.Row(s.ID, s.RunAt.Format(time.RFC3339), s.Source, fmt.Sprint(len(s.Matches)))
	}
	fmt.Fprintln(w, t.Render())
	if skipped > 0 {
		fmt.Fprintln(w, subtleStyle.Render(fmt.Sprintf("%d unreadable snapshots skipped", skipped)))
	}
	return nil
}

func joinKinds(kinds []models.PatternKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}
