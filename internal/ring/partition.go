package ring

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

// Snapshot is the replica assignment of every partition for one membership epoch.
// Snapshots are never modified after publication.
type Snapshot struct {
	Epoch    uint64
	Members  []string   // participating node IDs, sorted
	Replicas [][]string // partition index -> ordered replica node IDs
}

// ReplicasFor returns the ordered replica set of a partition.
func (s *Snapshot) ReplicasFor(partition int) []string {
	if partition < 0 || partition >= len(s.Replicas) {
		return nil
	}
	return s.Replicas[partition]
}

// IsReplica reports whether nodeID replicates the partition.
func (s *Snapshot) IsReplica(partition int, nodeID string) bool {
	for _, id := range s.ReplicasFor(partition) {
		if id == nodeID {
			return true
		}
	}
	return false
}

// PartitionsOf returns the partitions nodeID replicates, in index order.
func (s *Snapshot) PartitionsOf(nodeID string) []int {
	var out []int
	for p := range s.Replicas {
		if s.IsReplica(p, nodeID) {
			out = append(out, p)
		}
	}
	return out
}

// References reports whether any partition lists nodeID as a replica.
func (s *Snapshot) References(nodeID string) bool {
	for p := range s.Replicas {
		if s.IsReplica(p, nodeID) {
			return true
		}
	}
	return false
}

// Handoff describes a partition whose replica set changed between two epochs.
type Handoff struct {
	Partition int
	Added     []string
	Removed   []string
}

// Map assigns keys to partitions and partitions to replica sets.
// The partition count is fixed at construction; replica sets follow membership.
type Map struct {
	partitions        int
	replicationFactor int
	vnodesPerNode     int

	mu      sync.Mutex // serializes Recompute
	current atomic.Pointer[Snapshot]
}

// NewMap creates a partition map with an empty epoch-0 snapshot.
func NewMap(partitions, replicationFactor int) *Map {
	if partitions <= 0 {
		partitions = 64
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}
	m := &Map{
		partitions:        partitions,
		replicationFactor: replicationFactor,
		vnodesPerNode:     DefaultVnodesPerNode,
	}
	m.current.Store(&Snapshot{Replicas: make([][]string, partitions)})
	return m
}

// Partitions returns the fixed partition count.
func (m *Map) Partitions() int {
	return m.partitions
}

// ReplicationFactor returns the replica set size N.
func (m *Map) ReplicationFactor() int {
	return m.replicationFactor
}

// PartitionFor maps a key to its partition index.
func (m *Map) PartitionFor(key string) int {
	return int(hashString(key) % uint32(m.partitions))
}

// Snapshot returns the current assignment. Callers keep using the returned
// snapshot for the duration of an operation.
func (m *Map) Snapshot() *Snapshot {
	return m.current.Load()
}

// ReplicasFor returns the replica set of a partition in the current snapshot.
func (m *Map) ReplicasFor(partition int) []string {
	return m.Snapshot().ReplicasFor(partition)
}

// Compute derives the replica sets for a list of active node IDs.
// It is a pure function of its inputs: every node computing it over the same
// members gets the same answer.
func Compute(partitions, replicationFactor, vnodesPerNode int, active []string) [][]string {
	r := NewRing(active, vnodesPerNode)
	replicas := make([][]string, partitions)
	for p := 0; p < partitions; p++ {
		replicas[p] = r.Walk(anchor(p), replicationFactor)
	}
	return replicas
}

// Recompute publishes a new snapshot for epoch and returns the partitions whose
// replica set changed. Older epochs are ignored, as is the current epoch with
// an unchanged member list.
func (m *Map) Recompute(epoch uint64, active []string) []Handoff {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, handoffs := m.plan(epoch, active)
	if next != nil {
		m.current.Store(next)
	}
	return handoffs
}

// Plan computes the snapshot Recompute would publish without publishing it,
// so callers can prepare for the handoffs first. It returns nil when the
// epoch is ignored. Plan and Publish must be serialized by the caller.
func (m *Map) Plan(epoch uint64, active []string) (*Snapshot, []Handoff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plan(epoch, active)
}

// Publish makes next the current snapshot unless a newer epoch is already published.
func (m *Map) Publish(next *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev := m.current.Load(); prev.Members != nil && next.Epoch < prev.Epoch {
		return
	}
	m.current.Store(next)
}

func (m *Map) plan(epoch uint64, active []string) (*Snapshot, []Handoff) {
	members := append([]string(nil), active...)
	sort.Strings(members)

	prev := m.current.Load()
	if prev.Members != nil {
		if epoch < prev.Epoch || (epoch == prev.Epoch && slices.Equal(members, prev.Members)) {
			return nil, nil
		}
	}
	next := &Snapshot{
		Epoch:    epoch,
		Members:  members,
		Replicas: Compute(m.partitions, m.replicationFactor, m.vnodesPerNode, members),
	}

	var handoffs []Handoff
	for p := 0; p < m.partitions; p++ {
		added := diff(next.Replicas[p], prev.Replicas[p])
		removed := diff(prev.Replicas[p], next.Replicas[p])
		if len(added) > 0 || len(removed) > 0 {
			handoffs = append(handoffs, Handoff{Partition: p, Added: added, Removed: removed})
		}
	}
	return next, handoffs
}

// anchor is the ring position a partition's replica walk starts from.
func anchor(partition int) uint32 {
	return hashString(fmt.Sprintf("partition-%d", partition))
}

// diff returns the elements of a not present in b.
func diff(a, b []string) []string {
	var out []string
	for _, x := range a {
		found := false
		for _, y := range b {
			if x == y {
				found = true
				break
			}
		}
		if !found {
			out = append(out, x)
		}
	}
	return out
}
