package metrics

import (
	"math"
	"sort"
)

// Partition maps an address to its cluster label.
type Partition map[string]string

// contingency is the n_ij table of two partitions over their common
// addresses, with row sums a_i and column sums b_j.
type contingency struct {
	n       int
	nij     [][]int
	rowSums []int
	colSums []int
}

// newContingency builds the table over addresses present in both
// partitions. Addresses are visited in sorted order so label indices are
// deterministic.
func newContingency(predicted, groundTruth Partition) contingency {
	common := make([]string, 0, len(predicted))
	for addr := range predicted {
		if _, ok := groundTruth[addr]; ok {
			common = append(common, addr)
		}
	}
	sort.Strings(common)

	predMap := make(map[string]int)
	gtMap := make(map[string]int)
	for _, addr := range common {
		if _, ok := predMap[predicted[addr]]; !ok {
			predMap[predicted[addr]] = len(predMap)
		}
		if _, ok := gtMap[groundTruth[addr]]; !ok {
			gtMap[groundTruth[addr]] = len(gtMap)
		}
	}

	c := contingency{
		n:       len(common),
		nij:     make([][]int, len(predMap)),
		rowSums: make([]int, len(predMap)),
		colSums: make([]int, len(gtMap)),
	}
	for i := range c.nij {
		c.nij[i] = make([]int, len(gtMap))
	}
	for _, addr := range common {
		i, j := predMap[predicted[addr]], gtMap[groundTruth[addr]]
		c.nij[i][j]++
		c.rowSums[i]++
		c.colSums[j]++
	}
	return c
}

// AdjustedRandIndex computes the Adjusted Rand Index (ARI) between two
// cluster partitions over the addresses they share.
//
// ARI = (RI - Expected_RI) / (Max_RI - Expected_RI)
// where RI = (a + b) / C(n, 2)
//   a = number of pairs in same cluster in both partitions
//   b = number of pairs in different clusters in both partitions
//
// Values range from -1 (worse than random) to 1 (perfect agreement). 0 = random.
func AdjustedRandIndex(predicted, groundTruth Partition) float64 {
	c := newContingency(predicted, groundTruth)
	if c.n < 2 {
		return 0.0
	}

	sumNijC2 := 0.0
	for i := range c.nij {
		for j := range c.nij[i] {
			sumNijC2 += comb2(c.nij[i][j])
		}
	}
	sumAiC2 := 0.0
	for _, a := range c.rowSums {
		sumAiC2 += comb2(a)
	}
	sumBjC2 := 0.0
	for _, b := range c.colSums {
		sumBjC2 += comb2(b)
	}

	nC2 := comb2(c.n)
	expectedIndex := (sumAiC2 * sumBjC2) / nC2
	maxIndex := 0.5 * (sumAiC2 + sumBjC2)

	denominator := maxIndex - expectedIndex
	if math.Abs(denominator) < 1e-12 {
		return 1.0 // Perfect agreement (both are 0)
	}
	return (sumNijC2 - expectedIndex) / denominator
}

// VariationOfInformation computes the VI distance between two partitions
// over the addresses they share.
//
// VI(C, C') = H(C|C') + H(C'|C)
//
// Lower is better. 0 = identical partitions.
func VariationOfInformation(predicted, groundTruth Partition) float64 {
	c := newContingency(predicted, groundTruth)
	if c.n < 2 {
		return 0.0
	}
	nf := float64(c.n)

	vi := 0.0
	for i := range c.nij {
		for j := range c.nij[i] {
			nij := c.nij[i][j]
			if nij == 0 {
				continue
			}
			pij := float64(nij) / nf
			// H(C|C') and H(C'|C) terms
			vi -= pij * math.Log2(float64(nij)/float64(c.colSums[j]))
			vi -= pij * math.Log2(float64(nij)/float64(c.rowSums[i]))
		}
	}
	return vi
}

// Drift compares two clusterings of the same dataset lineage.
type Drift struct {
	CommonAddresses int     `json:"commonAddresses"`
	ARI             float64 `json:"ari"`
	VI              float64 `json:"vi"`
}

// ClusterDrift reports how far the current partition moved from the
// previous one, over their common addresses.
func ClusterDrift(previous, current Partition) Drift {
	c := newContingency(previous, current)
	return Drift{
		CommonAddresses: c.n,
		ARI:             AdjustedRandIndex(previous, current),
		VI:              VariationOfInformation(previous, current),
	}
}

// comb2 computes C(n, 2) = n*(n-1)/2
func comb2(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2.0
}
