// Package ringhash implements the consistent-hash ring used to place cache
// keys onto cluster nodes. A Ring is an immutable, sorted sequence of
// (hash, node ID) virtual-node entries; lookups binary-search it without
// ever taking a lock, and the owning Registry swaps in a freshly built Ring
// whenever cluster membership changes.
package ringhash

import (
	"crypto/md5"
	"math/big"
	"sort"
)

// DefaultVirtualNodes is the number of ring entries a weight-1 node
// contributes.
const DefaultVirtualNodes = 160

// Node is the minimal view of a cluster member the ring needs: its identity
// and its weight (virtual-node multiplier).
type Node struct {
	ID     string
	Weight int
}

type entry struct {
	hash *big.Int
	node string
}

// Ring is an immutable snapshot of virtual-node entries sorted by hash, with
// ties broken by lexicographic node ID. Build a new Ring on every membership
// change; never mutate one in place.
type Ring struct {
	entries      []entry
	virtualNodes int
	nodes        []string // distinct node IDs present in the ring, sorted
}

// Build constructs a Ring over the given healthy nodes. virtualNodes <= 0
// defaults to DefaultVirtualNodes. Nodes with Weight <= 0 are treated as
// weight 1.
func Build(nodes []Node, virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}

	entries := make([]entry, 0, len(nodes)*virtualNodes)
	nodeIDs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		weight := n.Weight
		if weight <= 0 {
			weight = 1
		}
		nodeIDs = append(nodeIDs, n.ID)
		for v := 0; v < virtualNodes*weight; v++ {
			entries = append(entries, entry{
				hash: hashFor(n.ID, v),
				node: n.ID,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		c := entries[i].hash.Cmp(entries[j].hash)
		if c != 0 {
			return c < 0
		}
		return entries[i].node < entries[j].node
	})
	sort.Strings(nodeIDs)

	return &Ring{entries: entries, virtualNodes: virtualNodes, nodes: nodeIDs}
}

// hashFor computes the MD5 digest of "<nodeID>#<virtualIndex>" and
// interprets its 128 bits as an unsigned big-endian integer.
func hashFor(nodeID string, virtualIndex int) *big.Int {
	sum := md5.Sum([]byte(virtualNodeKey(nodeID, virtualIndex)))
	return new(big.Int).SetBytes(sum[:])
}

func virtualNodeKey(nodeID string, v int) string {
	buf := make([]byte, 0, len(nodeID)+12)
	buf = append(buf, nodeID...)
	buf = append(buf, '#')
	buf = appendInt(buf, v)
	return string(buf)
}

func appendInt(buf []byte, v int) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	start := len(buf)
	for v > 0 {
		buf = append(buf, byte('0'+v%10))
		v /= 10
	}
	// reverse the digits just appended
	for i, j := start, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf
}

// NodeFor returns the node ID owning key: the smallest ring entry whose hash
// is >= hash(key), wrapping to index 0 on overflow. Returns ok=false for an
// empty ring.
func (r *Ring) NodeFor(key string) (nodeID string, ok bool) {
	if r == nil || len(r.entries) == 0 {
		return "", false
	}
	h := new(big.Int).SetBytes(func() []byte { s := md5.Sum([]byte(key)); return s[:] }())
	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].hash.Cmp(h) >= 0
	})
	if idx == len(r.entries) {
		idx = 0
	}
	return r.entries[idx].node, true
}

// NodesFor returns, in ring-walk order starting at key's primary, up to n
// distinct node IDs. Used by the replication engine to find successive
// replicas for a key. If n exceeds the number of distinct nodes in the ring,
// the result contains every node once.
func (r *Ring) NodesFor(key string, n int) []string {
	if r == nil || len(r.entries) == 0 || n <= 0 {
		return nil
	}
	h := new(big.Int).SetBytes(func() []byte { s := md5.Sum([]byte(key)); return s[:] }())
	start := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].hash.Cmp(h) >= 0
	})
	if start == len(r.entries) {
		start = 0
	}

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.entries) && len(out) < n; i++ {
		e := r.entries[(start+i)%len(r.entries)]
		if _, dup := seen[e.node]; dup {
			continue
		}
		seen[e.node] = struct{}{}
		out = append(out, e.node)
	}
	return out
}

// Nodes returns the distinct node IDs present in the ring, sorted.
func (r *Ring) Nodes() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Len returns the number of virtual-node entries in the ring.
func (r *Ring) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}
