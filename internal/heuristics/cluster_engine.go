package heuristics

import (
	"sort"
	"sync"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

// Address Clustering Engine (Union-Find)
//
// Merges addresses into entity clusters using the Common-Input-Ownership
// Heuristic (CIOH):
//   "Spending a transaction requires the keys of every input, so all inputs
//    are controlled by one entity"
//
// Implementation: arena Union-Find. Every address gets an integer id on first
// sight; parent and size live in flat slices indexed by that id.
//   - Find: path compression (path halving)
//   - Union: by size, smaller root attached under larger
//
// Cluster ids are root ids and can change when two clusters merge. For an
// order-independent label use Partition, which names each cluster by its
// lexicographically smallest member.
//
// References:
//   - Meiklejohn et al., "A Fistful of Bitcoins" (IMC 2013)
//   - Harrigan & Fretter, "Unreasonable Effectiveness of Address Clustering" (2016)

// ClusterEngine implements weighted Union-Find for address clustering.
// Queries register unknown addresses, so every method takes the lock.
type ClusterEngine struct {
	mu     sync.Mutex
	index  map[string]int // address -> arena id
	addrs  []string       // arena id -> address
	parent []int
	size   []int
}

// NewClusterEngine creates an empty clustering engine
func NewClusterEngine() *ClusterEngine {
	return &ClusterEngine{index: make(map[string]int)}
}

// BuildClusters runs CIOH over every transaction. Output addresses are
// registered as singletons so that lookups cover the whole dataset.
func BuildClusters(txs []models.Transaction) *ClusterEngine {
	ce := NewClusterEngine()
	for _, tx := range txs {
		for _, in := range tx.Inputs {
			ce.ClusterOf(in.Address)
		}
		for _, out := range tx.Outputs {
			ce.ClusterOf(out.Address)
		}
		ce.MergeFromTransaction(tx)
	}
	return ce
}

func (ce *ClusterEngine) id(addr string) int {
	if id, ok := ce.index[addr]; ok {
		return id
	}
	id := len(ce.addrs)
	ce.index[addr] = id
	ce.addrs = append(ce.addrs, addr)
	ce.parent = append(ce.parent, id)
	ce.size = append(ce.size, 1)
	return id
}

func (ce *ClusterEngine) find(id int) int {
	for ce.parent[id] != id {
		ce.parent[id] = ce.parent[ce.parent[id]]
		id = ce.parent[id]
	}
	return id
}

func (ce *ClusterEngine) union(a, b int) bool {
	ra, rb := ce.find(a), ce.find(b)
	if ra == rb {
		return false
	}
	if ce.size[ra] < ce.size[rb] {
		ra, rb = rb, ra
	}
	ce.parent[rb] = ra
	ce.size[ra] += ce.size[rb]
	return true
}

// Union merges the clusters containing addr1 and addr2.
// Returns true if a merge actually occurred.
func (ce *ClusterEngine) Union(addr1, addr2 string) bool {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return ce.union(ce.id(addr1), ce.id(addr2))
}

// MergeFromTransaction applies CIOH to a single transaction: all distinct
// input addresses are merged. Returns the number of merges performed.
func (ce *ClusterEngine) MergeFromTransaction(tx models.Transaction) int {
	inputs := tx.DistinctInputAddresses()
	if len(inputs) < 2 {
		return 0
	}

	ce.mu.Lock()
	defer ce.mu.Unlock()

	mergeCount := 0
	first := ce.id(inputs[0])
	for _, addr := range inputs[1:] {
		if ce.union(first, ce.id(addr)) {
			mergeCount++
		}
	}
	return mergeCount
}

// ClusterOf returns the cluster id of addr. An address never seen before
// becomes a singleton cluster.
func (ce *ClusterEngine) ClusterOf(addr string) int {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return ce.find(ce.id(addr))
}

// Contains reports whether addr has been registered.
func (ce *ClusterEngine) Contains(addr string) bool {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	_, ok := ce.index[addr]
	return ok
}

// MembersOf returns the sorted addresses of cluster id, nil when id is not
// a current cluster root.
func (ce *ClusterEngine) MembersOf(id int) []string {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return ce.members(id)
}

func (ce *ClusterEngine) members(id int) []string {
	if id < 0 || id >= len(ce.parent) || ce.find(id) != id {
		return nil
	}
	members := make([]string, 0, ce.size[id])
	for i := range ce.addrs {
		if ce.find(i) == id {
			members = append(members, ce.addrs[i])
		}
	}
	sort.Strings(members)
	return members
}

// GetCluster returns all addresses in the same cluster as addr
func (ce *ClusterEngine) GetCluster(addr string) []string {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return ce.members(ce.find(ce.id(addr)))
}

// Clusters returns every cluster as a sorted member list, largest first,
// ties ordered by first member.
func (ce *ClusterEngine) Clusters() [][]string {
	ce.mu.Lock()
	groups := make(map[int][]string)
	for i, addr := range ce.addrs {
		root := ce.find(i)
		groups[root] = append(groups[root], addr)
	}
	ce.mu.Unlock()

	out := make([][]string, 0, len(groups))
	for _, members := range groups {
		sort.Strings(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i][0] < out[j][0]
	})
	return out
}

// Partition maps every tracked address to its cluster label: the
// lexicographically smallest member. Identical inputs merged in any order
// produce identical partitions.
func (ce *ClusterEngine) Partition() map[string]string {
	partition := make(map[string]string)
	for _, members := range ce.Clusters() {
		for _, addr := range members {
			partition[addr] = members[0]
		}
	}
	return partition
}

// ClusterStats holds statistics about an address cluster
type ClusterStats struct {
	Label        string   `json:"label"`
	ClusterID    int      `json:"clusterId"`
	AddressCount int      `json:"addressCount"`
	Members      []string `json:"members"`
}

// GetStats returns statistics for the cluster containing addr
func (ce *ClusterEngine) GetStats(addr string) ClusterStats {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	id := ce.find(ce.id(addr))
	members := ce.members(id)
	return ClusterStats{
		Label:        members[0],
		ClusterID:    id,
		AddressCount: len(members),
		Members:      members,
	}
}

// SingletonStats describes an address no transaction has clustered: its
// own cluster, with no engine id.
func SingletonStats(addr string) ClusterStats {
	return ClusterStats{Label: addr, ClusterID: -1, AddressCount: 1, Members: []string{addr}}
}

// TotalClusters returns the number of distinct clusters
func (ce *ClusterEngine) TotalClusters() int {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	n := 0
	for i := range ce.parent {
		if ce.find(i) == i {
			n++
		}
	}
	return n
}

// TotalAddresses returns the number of tracked addresses
func (ce *ClusterEngine) TotalAddresses() int {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return len(ce.addrs)
}
