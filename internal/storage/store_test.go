package storage

import (
	"fmt"
	"sync"
	"testing"

	"driftkv/internal/clock"
	"driftkv/internal/repair"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	b, err := NewBadgerStore("", 8, nil)
	if err != nil {
		t.Fatalf("Failed to open badger: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return map[string]Store{
		"memory": NewInMemoryStore(8),
		"badger": b,
	}
}

func set(value string, vc clock.VectorClock) repair.ConflictSet {
	return repair.ConflictSet{{Value: []byte(value), Version: vc, Timestamp: 1}}
}

func TestStore_GetPut(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Put(1, "key1", set("value1", clock.VectorClock{"n1": 1})); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			got, err := store.Get(1, "key1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if len(got) != 1 || string(got[0].Value) != "value1" {
				t.Errorf("Expected 'value1', got %v", got)
			}
			if got[0].Version.Get("n1") != 1 {
				t.Errorf("Expected version counter 1, got %d", got[0].Version.Get("n1"))
			}

			other, err := store.Get(2, "key1")
			if err != nil || other != nil {
				t.Errorf("Expected key to be absent from another partition, got %v (%v)", other, err)
			}
		})
	}
}

func TestStore_GetNotFound(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := store.Get(0, "nonexistent")
			if err != nil || got != nil {
				t.Errorf("Expected nil for non-existent key, got %v (%v)", got, err)
			}
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			store.Put(3, "key1", set("v", clock.VectorClock{"n1": 1}))
			if err := store.Delete(3, "key1"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if got, _ := store.Get(3, "key1"); got != nil {
				t.Errorf("Expected key removed, got %v", got)
			}
		})
	}
}

func TestStore_ScanInKeyOrder(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"c", "a", "b"} {
				store.Put(4, k, set(k, clock.VectorClock{"n1": 1}))
			}
			store.Put(5, "z", set("z", clock.VectorClock{"n1": 1}))

			var keys []string
			err := store.Scan(4, func(key string, s repair.ConflictSet) bool {
				keys = append(keys, key)
				if string(s[0].Value) != key {
					t.Errorf("Expected value %s, got %s", key, s[0].Value)
				}
				return true
			})
			if err != nil {
				t.Fatalf("Scan failed: %v", err)
			}
			if fmt.Sprint(keys) != "[a b c]" {
				t.Errorf("Expected [a b c], got %v", keys)
			}
		})
	}
}

func TestStore_PartitionOutOfRange(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get(99, "k"); err != ErrPartitionRange {
				t.Errorf("Expected ErrPartitionRange, got %v", err)
			}
		})
	}
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewInMemoryStore(1)
	store.Put(0, "k", set("value", clock.VectorClock{"n1": 1}))

	got, _ := store.Get(0, "k")
	got[0].Value[0] = 'X'
	got[0].Version.Increment("n1")

	again, _ := store.Get(0, "k")
	if string(again[0].Value) != "value" || again[0].Version.Get("n1") != 1 {
		t.Error("Modifying a returned set should not affect the store")
	}
}

func TestKeyspace_MergeConcurrentWriters(t *testing.T) {
	ks := NewKeyspace(NewInMemoryStore(1), 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			node := fmt.Sprintf("n%d", i)
			ks.Merge(0, "k", set(node, clock.VectorClock{node: 1}))
		}(i)
	}
	wg.Wait()

	got, _ := ks.Get(0, "k")
	if len(got) != 20 {
		t.Errorf("Expected 20 concurrent siblings, got %d", len(got))
	}
}

func TestKeyspace_OverflowReported(t *testing.T) {
	var evictions int
	ks := NewKeyspace(NewInMemoryStore(1), 2, func(partition int, key string, evicted int) {
		evictions += evicted
	})

	ks.Merge(0, "k", repair.ConflictSet{{Value: []byte("t1"), Version: clock.VectorClock{"A": 1}, Timestamp: 1}})
	ks.Merge(0, "k", repair.ConflictSet{{Value: []byte("t2"), Version: clock.VectorClock{"B": 1}, Timestamp: 2}})
	got, outcome, err := ks.Merge(0, "k", repair.ConflictSet{{Value: []byte("t3"), Version: clock.VectorClock{"C": 1}, Timestamp: 3}})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if outcome.Evicted != 1 || evictions != 1 {
		t.Errorf("Expected one eviction reported, got outcome=%d hook=%d", outcome.Evicted, evictions)
	}
	if len(got) != 2 {
		t.Errorf("Expected 2 siblings, got %d", len(got))
	}
}

func TestKeyspace_Drop(t *testing.T) {
	ks := NewKeyspace(NewInMemoryStore(2), 10, nil)
	ks.Merge(0, "a", set("a", clock.VectorClock{"n1": 1}))
	ks.Merge(0, "b", set("b", clock.VectorClock{"n1": 1}))
	ks.Merge(1, "c", set("c", clock.VectorClock{"n1": 1}))

	n, err := ks.Drop(0)
	if err != nil || n != 2 {
		t.Fatalf("Expected 2 keys dropped, got %d (%v)", n, err)
	}
	if got, _ := ks.Get(1, "c"); got == nil {
		t.Error("Drop should not touch other partitions")
	}
}
