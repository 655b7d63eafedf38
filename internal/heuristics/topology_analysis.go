package heuristics

import (
	"math"
	"sort"

	"github.com/rawblock/btn-analyzer/internal/ledger"
	"github.com/rawblock/btn-analyzer/pkg/models"
)

// Transaction Graph Topology Module
//
// Money mules and relay hops sit on many shortest paths between other
// addresses. Betweenness centrality measures exactly that.
//
// Graph: bipartite and directed, address → transaction → address. Each
// distinct input address points at its transaction; the transaction points
// at each distinct output address. Only address nodes are scored.
//
// Algorithm: Brandes (2001), O(V·E) for unweighted graphs. Above
// `pivots` nodes, sources are sampled at a fixed stride over the sorted
// node list and the result is scaled by n/k (Brandes & Pich 2007), which
// keeps the output deterministic.
//
// References:
//   - Brandes, "A Faster Algorithm for Betweenness Centrality" (2001)
//   - Brandes & Pich, "Centrality Estimation in Large Networks" (2007)

// txGraph is the address/transaction graph in adjacency-list form.
type txGraph struct {
	addrCount int
	names     []string // node id -> address (address nodes only)
	adj       [][]int
}

func buildTxGraph(l *ledger.Ledger) *txGraph {
	addrs := l.Addresses()
	index := make(map[string]int, len(addrs))
	for i, addr := range addrs {
		index[addr] = i
	}

	txs := l.Transactions()
	g := &txGraph{
		addrCount: len(addrs),
		names:     addrs,
		adj:       make([][]int, len(addrs)+len(txs)),
	}
	for i, tx := range txs {
		node := len(addrs) + i
		for _, addr := range tx.DistinctInputAddresses() {
			g.adj[index[addr]] = append(g.adj[index[addr]], node)
		}
		seen := make(map[string]bool, len(tx.Outputs))
		for _, out := range tx.Outputs {
			if seen[out.Address] {
				continue
			}
			seen[out.Address] = true
			g.adj[node] = append(g.adj[node], index[out.Address])
		}
	}
	return g
}

// ComputeCentrality returns normalized betweenness for every address in
// the ledger. pivots <= 0 means exact computation over every source.
func ComputeCentrality(l *ledger.Ledger, pivots int) map[string]float64 {
	g := buildTxGraph(l)
	n := len(g.adj)
	scores := make(map[string]float64, g.addrCount)
	for _, addr := range g.names {
		scores[addr] = 0
	}
	if n < 3 {
		return scores
	}

	sources := make([]int, 0, n)
	if pivots <= 0 || pivots >= n {
		for s := 0; s < n; s++ {
			sources = append(sources, s)
		}
	} else {
		stride := float64(n) / float64(pivots)
		for i := 0; i < pivots; i++ {
			sources = append(sources, int(float64(i)*stride))
		}
	}

	bc := make([]float64, n)
	sigma := make([]float64, n)
	dist := make([]int, n)
	delta := make([]float64, n)
	preds := make([][]int, n)
	stack := make([]int, 0, n)
	queue := make([]int, 0, n)

	for _, s := range sources {
		for i := 0; i < n; i++ {
			sigma[i] = 0
			dist[i] = -1
			delta[i] = 0
			preds[i] = preds[i][:0]
		}
		sigma[s] = 1
		dist[s] = 0
		stack = stack[:0]
		queue = append(queue[:0], s)

		for head := 0; head < len(queue); head++ {
			v := queue[head]
			stack = append(stack, v)
			for _, w := range g.adj[v] {
				if dist[w] < 0 {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				bc[w] += delta[w]
			}
		}
	}

	scale := float64(n) / float64(len(sources)) / float64((n-1)*(n-2))
	for i := 0; i < g.addrCount; i++ {
		scores[g.names[i]] = math.Min(1, bc[i]*scale)
	}
	return scores
}

// percentile returns the p-quantile (0..1) of the score values using
// linear interpolation between closest ranks.
func percentile(scores map[string]float64, p float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	values := make([]float64, 0, len(scores))
	for _, v := range scores {
		values = append(values, v)
	}
	sort.Float64s(values)

	p = math.Max(0, math.Min(1, p))
	pos := p * float64(len(values)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return values[lo] + (values[hi]-values[lo])*(pos-float64(lo))
}

func (d *detection) checkCentrality(e *ledger.Entry) {
	bc := d.centrality[e.Address]
	if bc <= 0 || bc <= d.centralityCut {
		return
	}
	d.emit(models.KindHighCentrality, e.Address, SeverityCentralityBase+60*bc, "", map[string]any{
		"betweenness": bc,
		"threshold":   d.centralityCut,
		"percentile":  d.cfg.CentralityPercentile,
	})
}
