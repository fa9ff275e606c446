package ring

import (
	"fmt"
	"testing"
)

func TestRing_WalkDeterminism(t *testing.T) {
	ring1 := NewRing([]string{"node1", "node2", "node3"}, 64)
	ring2 := NewRing([]string{"node3", "node1", "node2"}, 64)

	for i := 0; i < 50; i++ {
		point := hashString(fmt.Sprintf("key-%d", i))
		w1 := ring1.Walk(point, 2)
		w2 := ring2.Walk(point, 2)
		if fmt.Sprint(w1) != fmt.Sprint(w2) {
			t.Errorf("Walk differs for point %d: %v vs %v", point, w1, w2)
		}
	}
}

func TestRing_WalkUniqueNodes(t *testing.T) {
	ring := NewRing([]string{"n1", "n2", "n3"}, 128)

	walk := ring.Walk(hashString("test-key"), 10)
	if len(walk) != 3 {
		t.Errorf("Expected walk of length 3 (only 3 nodes), got %d", len(walk))
	}

	seen := make(map[string]bool)
	for _, id := range walk {
		if seen[id] {
			t.Errorf("Duplicate node %s in walk", id)
		}
		seen[id] = true
	}
}

func TestRing_EmptyRing(t *testing.T) {
	ring := NewRing(nil, 64)
	if walk := ring.Walk(42, 3); len(walk) != 0 {
		t.Errorf("Expected empty walk, got %v", walk)
	}
	if ring.Size() != 0 {
		t.Errorf("Expected size 0, got %d", ring.Size())
	}
}

func TestMap_PartitionFor(t *testing.T) {
	m := NewMap(64, 3)

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		p := m.PartitionFor(key)
		if p < 0 || p >= 64 {
			t.Fatalf("Partition %d out of range for key %s", p, key)
		}
		if p != m.PartitionFor(key) {
			t.Fatalf("PartitionFor not deterministic for key %s", key)
		}
	}
}

func TestMap_Distribution(t *testing.T) {
	m := NewMap(64, 1)
	m.Recompute(1, []string{"node1", "node2", "node3"})

	distribution := make(map[string]int)
	for p := 0; p < m.Partitions(); p++ {
		replicas := m.ReplicasFor(p)
		if len(replicas) != 1 {
			t.Fatalf("Expected 1 replica for partition %d, got %d", p, len(replicas))
		}
		distribution[replicas[0]]++
	}

	if len(distribution) != 3 {
		t.Errorf("Expected 3 nodes to own partitions, got %d", len(distribution))
	}
	for nodeID, count := range distribution {
		if count > 58 {
			t.Errorf("Node %s owns %d of 64 partitions (too many)", nodeID, count)
		}
	}
}

func TestMap_ReplicaSetSize(t *testing.T) {
	m := NewMap(16, 3)

	m.Recompute(1, []string{"n1", "n2"})
	for p := 0; p < 16; p++ {
		if got := len(m.ReplicasFor(p)); got != 2 {
			t.Errorf("Expected 2 replicas with 2 nodes, got %d", got)
		}
	}

	m.Recompute(2, []string{"n1", "n2", "n3", "n4"})
	for p := 0; p < 16; p++ {
		if got := len(m.ReplicasFor(p)); got != 3 {
			t.Errorf("Expected 3 replicas with 4 nodes, got %d", got)
		}
	}
}

func TestMap_RecomputeIgnoresStaleEpoch(t *testing.T) {
	m := NewMap(8, 2)
	m.Recompute(5, []string{"n1", "n2"})

	if h := m.Recompute(4, []string{"n1"}); h != nil {
		t.Errorf("Expected stale epoch to be ignored, got %v", h)
	}
	if m.Snapshot().Epoch != 5 {
		t.Errorf("Expected epoch 5, got %d", m.Snapshot().Epoch)
	}
}

func TestMap_RecomputeHandoff(t *testing.T) {
	m := NewMap(32, 2)
	initial := m.Recompute(1, []string{"n1", "n2", "n3"})
	if len(initial) != 32 {
		t.Errorf("Expected every partition in the initial handoff, got %d", len(initial))
	}

	handoffs := m.Recompute(2, []string{"n1", "n2"})
	if len(handoffs) == 0 {
		t.Fatal("Expected handoffs after removing n3")
	}
	for _, h := range handoffs {
		if len(h.Removed) != 1 || h.Removed[0] != "n3" {
			t.Errorf("Partition %d: expected only n3 removed, got %v", h.Partition, h.Removed)
		}
		if len(h.Added) != 1 {
			t.Errorf("Partition %d: expected one replacement replica, got %v", h.Partition, h.Added)
		}
	}

	snap := m.Snapshot()
	if snap.References("n3") {
		t.Error("n3 should not be referenced after recompute")
	}
}

func TestMap_SnapshotIsStableAcrossRecompute(t *testing.T) {
	m := NewMap(8, 2)
	m.Recompute(1, []string{"n1", "n2", "n3"})

	before := m.Snapshot()
	replicas := append([]string(nil), before.ReplicasFor(0)...)
	m.Recompute(2, []string{"n4"})

	if fmt.Sprint(before.ReplicasFor(0)) != fmt.Sprint(replicas) {
		t.Error("Published snapshot was modified by a later recompute")
	}
	if m.Snapshot() == before {
		t.Error("Expected a new snapshot to be published")
	}
}

func TestMap_PlanDoesNotPublish(t *testing.T) {
	m := NewMap(8, 2)
	m.Recompute(1, []string{"n1"})

	next, handoffs := m.Plan(2, []string{"n1", "n2"})
	if next == nil || len(handoffs) == 0 {
		t.Fatalf("Expected a plan with handoffs, got %v %v", next, handoffs)
	}
	if m.Snapshot().Epoch != 1 {
		t.Errorf("Expected epoch 1 before publish, got %d", m.Snapshot().Epoch)
	}

	m.Publish(next)
	if m.Snapshot() != next {
		t.Error("Expected the planned snapshot to be published")
	}

	stale := &Snapshot{Epoch: 1, Members: []string{"n1"}, Replicas: make([][]string, 8)}
	m.Publish(stale)
	if m.Snapshot() != next {
		t.Error("Expected an older snapshot to be ignored")
	}
}
