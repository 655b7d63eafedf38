package heuristics

import (
	"math"

	"github.com/rawblock/btn-analyzer/internal/ledger"
)

// Fund Flow Tracer
//
// Given one or more source addresses, follows their value downstream
// hop by hop through the replayed transactions of a single run:
//   1. Find every later transaction spending from a frontier address
//   2. Attribute each output its share of that address's input
//   3. Recurse on each output address (next hop)
//   4. Stop at max hops, below min confidence, or when nothing spends
//
// Confidence is the product of the input shares along the path: a hop
// through a transaction where the traced address funded 30% of the inputs
// carries 0.3 of the confidence of the previous hop. Only spends that
// replay after the transaction funding an address are followed.

// Node roles.
const (
	FlowRoleSource       = "source"
	FlowRoleIntermediate = "intermediate"
	FlowRoleTerminal     = "terminal" // no onward spend was followed
)

// FlowGraph represents the fund flow out of the source addresses.
type FlowGraph struct {
	SourceAddresses []string   `json:"sourceAddresses"`
	Nodes           []FlowNode `json:"nodes"`
	Edges           []FlowEdge `json:"edges"`
	TotalTracked    int64      `json:"totalTracked"`  // attributed sats over all edges
	MaxHopReached   int        `json:"maxHopReached"` // deepest hop reached
	Truncated       bool       `json:"truncated"`     // a branch limit cut the trace
}

// FlowNode represents a single address in the flow graph.
type FlowNode struct {
	Address       string  `json:"address"`
	HopNumber     int     `json:"hopNumber"`     // distance from the nearest source
	ValueReceived int64   `json:"valueReceived"` // attributed sats received
	ValueSent     int64   `json:"valueSent"`     // sats spent onward
	Role          string  `json:"role"`
	RiskScore     float64 `json:"riskScore"` // 0.0-1.0, decays with distance
}

// FlowEdge represents a single fund movement between addresses.
type FlowEdge struct {
	FromAddress string  `json:"fromAddress"`
	ToAddress   string  `json:"toAddress"`
	Txid        string  `json:"txid"`
	Value       int64   `json:"value"` // attributed sats
	HopNumber   int     `json:"hopNumber"`
	Confidence  float64 `json:"confidence"`
	Timestamp   *int64  `json:"timestamp,omitempty"`
}

// TraceConfig controls the tracing behavior.
type TraceConfig struct {
	MaxHops       int     `mapstructure:"max_hops" json:"maxHops"`
	MaxBranches   int     `mapstructure:"max_branches" json:"maxBranches"` // edges followed per address
	MinValue      int64   `mapstructure:"min_value" json:"minValue"`       // outputs below are ignored
	MinConfidence float64 `mapstructure:"min_confidence" json:"minConfidence"`
}

// DefaultTraceConfig returns the tracing defaults.
func DefaultTraceConfig() TraceConfig {
	return TraceConfig{
		MaxHops:       10,
		MaxBranches:   50,
		MinValue:      546, // P2PKH dust limit
		MinConfidence: 0.3,
	}
}

type traceItem struct {
	addr       string
	hop        int
	confidence float64
	after      int // index of the funding transaction, -1 for sources
}

// TraceFunds builds the flow graph out of sources over l. Sources that
// never appear in l still get a node.
func TraceFunds(l *ledger.Ledger, sources []string, cfg TraceConfig) FlowGraph {
	graph := FlowGraph{SourceAddresses: sources, Nodes: []FlowNode{}, Edges: []FlowEdge{}}
	index := make(map[string]int) // address -> position in graph.Nodes
	queued := make(map[string]bool)

	queue := make([]traceItem, 0, len(sources))
	for _, addr := range sources {
		if _, ok := index[addr]; ok {
			continue
		}
		index[addr] = len(graph.Nodes)
		graph.Nodes = append(graph.Nodes, FlowNode{Address: addr, Role: FlowRoleSource, RiskScore: 1.0})
		queued[addr] = true
		queue = append(queue, traceItem{addr: addr, confidence: 1.0, after: -1})
	}

	txs := l.Transactions()
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if item.hop >= cfg.MaxHops {
			continue
		}

		branches := 0
		for i := item.after + 1; i < len(txs); i++ {
			tx := txs[i]
			var spent int64
			for _, in := range tx.Inputs {
				if in.Address == item.addr {
					spent += in.Value
				}
			}
			total := tx.InputSum()
			if spent == 0 || total <= 0 {
				continue
			}
			graph.Nodes[index[item.addr]].ValueSent += spent

			share := float64(spent) / float64(total)
			confidence := item.confidence * share
			hop := item.hop + 1
			for _, out := range tx.Outputs {
				if out.Address == "" || out.Address == item.addr || out.Value < cfg.MinValue {
					continue
				}
				if branches >= cfg.MaxBranches {
					graph.Truncated = true
					break
				}
				branches++

				value := int64(math.Round(float64(out.Value) * share))
				graph.Edges = append(graph.Edges, FlowEdge{
					FromAddress: item.addr,
					ToAddress:   out.Address,
					Txid:        tx.Txid,
					Value:       value,
					HopNumber:   hop,
					Confidence:  confidence,
					Timestamp:   tx.Timestamp,
				})
				graph.TotalTracked += value
				if hop > graph.MaxHopReached {
					graph.MaxHopReached = hop
				}

				if n, ok := index[out.Address]; ok {
					graph.Nodes[n].ValueReceived += value
				} else {
					index[out.Address] = len(graph.Nodes)
					graph.Nodes = append(graph.Nodes, FlowNode{
						Address:       out.Address,
						HopNumber:     hop,
						ValueReceived: value,
						RiskScore:     computeHopRisk(hop, confidence),
					})
				}

				if !queued[out.Address] && confidence >= cfg.MinConfidence {
					queued[out.Address] = true
					queue = append(queue, traceItem{addr: out.Address, hop: hop, confidence: confidence, after: i})
				}
			}
		}
	}

	for i := range graph.Nodes {
		n := &graph.Nodes[i]
		switch {
		case n.Role == FlowRoleSource:
		case n.ValueSent > 0:
			n.Role = FlowRoleIntermediate
		default:
			n.Role = FlowRoleTerminal
		}
	}
	return graph
}

// GetHop returns all edges at a specific hop number.
func (g *FlowGraph) GetHop(hop int) []FlowEdge {
	var edges []FlowEdge
	for _, edge := range g.Edges {
		if edge.HopNumber == hop {
			edges = append(edges, edge)
		}
	}
	return edges
}

// computeHopRisk decays 0.85 per hop, scaled by path confidence.
func computeHopRisk(hop int, confidence float64) float64 {
	decay := 1.0
	for i := 0; i < hop; i++ {
		decay *= 0.85
	}
	risk := decay * confidence
	if risk < 0 {
		return 0
	}
	if risk > 1 {
		return 1
	}
	return risk
}
