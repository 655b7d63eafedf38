package heuristics

import (
	"sort"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

// AddressRisk is the per-address rollup of one run's matches.
type AddressRisk struct {
	Address   string               `json:"address"`
	RiskScore float64              `json:"riskScore"` // min(Σ severities, 100)
	Kinds     []models.PatternKind `json:"kinds"`
	Matches   int                  `json:"matches"`
	Cluster   string               `json:"cluster,omitempty"`
}

// RankAddresses sums match severities per address, caps the total at 100,
// and orders the result by risk descending then address.
func RankAddresses(matches []models.PatternMatch) []AddressRisk {
	byAddr := make(map[string]*AddressRisk)
	seenKind := make(map[string]map[models.PatternKind]bool)
	for _, m := range matches {
		r, ok := byAddr[m.Address]
		if !ok {
			r = &AddressRisk{Address: m.Address}
			byAddr[m.Address] = r
			seenKind[m.Address] = make(map[models.PatternKind]bool)
		}
		r.RiskScore += m.Severity
		r.Matches++
		if !seenKind[m.Address][m.Kind] {
			seenKind[m.Address][m.Kind] = true
			r.Kinds = append(r.Kinds, m.Kind)
		}
	}

	ranked := make([]AddressRisk, 0, len(byAddr))
	for _, r := range byAddr {
		r.RiskScore = clampSeverity(r.RiskScore)
		ranked = append(ranked, *r)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].RiskScore != ranked[j].RiskScore {
			return ranked[i].RiskScore > ranked[j].RiskScore
		}
		return ranked[i].Address < ranked[j].Address
	})
	return ranked
}

// KindSummary aggregates all matches of one kind.
type KindSummary struct {
	Kind        models.PatternKind `json:"kind"`
	Count       int                `json:"count"`
	AvgSeverity float64            `json:"avgSeverity"`
	MaxSeverity float64            `json:"maxSeverity"`
	Addresses   []string           `json:"addresses"`
}

// Summarize groups matches by kind, most frequent first.
func Summarize(matches []models.PatternMatch) []KindSummary {
	byKind := make(map[models.PatternKind]*KindSummary)
	seen := make(map[models.PatternKind]map[string]bool)
	for _, m := range matches {
		s, ok := byKind[m.Kind]
		if !ok {
			s = &KindSummary{Kind: m.Kind}
			byKind[m.Kind] = s
			seen[m.Kind] = make(map[string]bool)
		}
		s.Count++
		s.AvgSeverity += m.Severity
		if m.Severity > s.MaxSeverity {
			s.MaxSeverity = m.Severity
		}
		if !seen[m.Kind][m.Address] {
			seen[m.Kind][m.Address] = true
			s.Addresses = append(s.Addresses, m.Address)
		}
	}

	out := make([]KindSummary, 0, len(byKind))
	for _, s := range byKind {
		s.AvgSeverity /= float64(s.Count)
		sort.Strings(s.Addresses)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// RelatedAddress is a cluster member of a flagged address that triggered
// nothing itself.
type RelatedAddress struct {
	Address   string  `json:"address"`
	RelatedTo string  `json:"relatedTo"` // cluster label
	RiskScore float64 `json:"riskScore"`
}

// RelatedRiskScore is the fixed risk assigned to unflagged cluster members.
const RelatedRiskScore = 30

// RelatedAddresses lists unflagged members of every flagged address's
// cluster, sorted by address.
func RelatedAddresses(ce *ClusterEngine, matches []models.PatternMatch) []RelatedAddress {
	flagged := make(map[string]bool)
	for _, m := range matches {
		flagged[m.Address] = true
	}

	// One pass over the partition: a cluster is visited once however many
	// of its members were flagged.
	partition := ce.Partition()
	flaggedLabels := make(map[string]bool)
	for addr := range flagged {
		if label, ok := partition[addr]; ok {
			flaggedLabels[label] = true
		}
	}
	var related []RelatedAddress
	for member, label := range partition {
		if !flaggedLabels[label] || flagged[member] {
			continue
		}
		related = append(related, RelatedAddress{
			Address:   member,
			RelatedTo: label,
			RiskScore: RelatedRiskScore,
		})
	}
	sort.Slice(related, func(i, j int) bool { return related[i].Address < related[j].Address })
	return related
}
