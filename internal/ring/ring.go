package ring

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// DefaultVnodesPerNode is the number of ring positions each node occupies.
const DefaultVnodesPerNode = 128

// vnode represents a virtual node on the ring.
type vnode struct {
	hash   uint32
	nodeID string
}

// Ring implements consistent hashing with virtual nodes.
// A Ring is immutable once built; membership changes build a new one.
type Ring struct {
	vnodes []vnode
	nodes  map[string]struct{}
}

// NewRing builds a ring over the given node IDs.
// This is deterministic: the same set of IDs produces the same ring regardless of order.
func NewRing(nodeIDs []string, vnodesPerNode int) *Ring {
	if vnodesPerNode <= 0 {
		vnodesPerNode = DefaultVnodesPerNode
	}

	r := &Ring{
		vnodes: make([]vnode, 0, len(nodeIDs)*vnodesPerNode),
		nodes:  make(map[string]struct{}, len(nodeIDs)),
	}
	for _, id := range nodeIDs {
		if _, dup := r.nodes[id]; dup {
			continue
		}
		r.nodes[id] = struct{}{}
		for i := 0; i < vnodesPerNode; i++ {
			r.vnodes = append(r.vnodes, vnode{
				hash:   hashString(fmt.Sprintf("%s-vnode-%d", id, i)),
				nodeID: id,
			})
		}
	}

	// Ties on hash fall back to node ID so equal inputs sort identically.
	sort.Slice(r.vnodes, func(i, j int) bool {
		if r.vnodes[i].hash != r.vnodes[j].hash {
			return r.vnodes[i].hash < r.vnodes[j].hash
		}
		return r.vnodes[i].nodeID < r.vnodes[j].nodeID
	})
	return r
}

// Size returns the number of distinct nodes on the ring.
func (r *Ring) Size() int {
	return len(r.nodes)
}

// Walk returns the first k distinct nodes found walking clockwise from point.
func (r *Ring) Walk(point uint32, k int) []string {
	if len(r.vnodes) == 0 || k <= 0 {
		return []string{}
	}

	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].hash >= point
	})
	// Wrap around if point is greater than all vnodes
	if idx >= len(r.vnodes) {
		idx = 0
	}

	seen := make(map[string]bool)
	result := make([]string, 0, k)
	for i := 0; i < len(r.vnodes) && len(result) < k; i++ {
		nodeID := r.vnodes[(idx+i)%len(r.vnodes)].nodeID
		if !seen[nodeID] {
			seen[nodeID] = true
			result = append(result, nodeID)
		}
	}
	return result
}

// hashString computes a 32-bit FNV-1a hash of the string.
func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
