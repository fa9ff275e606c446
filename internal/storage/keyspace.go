package storage

import (
	"hash/fnv"
	"sync"

	"driftkv/internal/repair"
)

const lockStripes = 256

// OverflowFunc is called when merging into a key evicted siblings.
type OverflowFunc func(partition int, key string, evicted int)

// Keyspace serializes conflict-set mutations per key on top of a Store.
// Concurrent writers to the same key queue on one of a fixed number of lock stripes.
type Keyspace struct {
	store       Store
	maxVersions int
	onOverflow  OverflowFunc
	locks       [lockStripes]sync.Mutex
}

// NewKeyspace wraps store. maxVersions bounds the siblings kept per key.
func NewKeyspace(store Store, maxVersions int, onOverflow OverflowFunc) *Keyspace {
	return &Keyspace{
		store:       store,
		maxVersions: maxVersions,
		onOverflow:  onOverflow,
	}
}

// Store returns the underlying store.
func (k *Keyspace) Store() Store {
	return k.store
}

// MaxVersions returns the sibling cap.
func (k *Keyspace) MaxVersions() int {
	return k.maxVersions
}

func (k *Keyspace) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &k.locks[h.Sum32()%lockStripes]
}

// Get returns the key's conflict set.
func (k *Keyspace) Get(partition int, key string) (repair.ConflictSet, error) {
	return k.store.Get(partition, key)
}

// Update runs fn with the key's current set while holding the key's lock.
// The set fn returns is stored when fn reports it changed.
func (k *Keyspace) Update(partition int, key string, fn func(current repair.ConflictSet) (repair.ConflictSet, bool, error)) (repair.ConflictSet, error) {
	mu := k.lock(key)
	mu.Lock()
	defer mu.Unlock()

	current, err := k.store.Get(partition, key)
	if err != nil {
		return nil, err
	}
	next, changed, err := fn(current)
	if err != nil {
		return nil, err
	}
	if !changed {
		return current, nil
	}
	if err := k.store.Put(partition, key, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Merge folds incoming versions into the key's conflict set.
func (k *Keyspace) Merge(partition int, key string, incoming repair.ConflictSet) (repair.ConflictSet, repair.MergeOutcome, error) {
	var outcome repair.MergeOutcome
	set, err := k.Update(partition, key, func(current repair.ConflictSet) (repair.ConflictSet, bool, error) {
		next, o := repair.MergeAll(current, incoming, k.maxVersions)
		outcome = o
		return next, o.Changed(), nil
	})
	if err == nil && outcome.Evicted > 0 && k.onOverflow != nil {
		k.onOverflow(partition, key, outcome.Evicted)
	}
	return set, outcome, err
}

// Drop deletes every key of a partition.
func (k *Keyspace) Drop(partition int) (int, error) {
	var keys []string
	if err := k.store.Scan(partition, func(key string, _ repair.ConflictSet) bool {
		keys = append(keys, key)
		return true
	}); err != nil {
		return 0, err
	}

	for _, key := range keys {
		mu := k.lock(key)
		mu.Lock()
		err := k.store.Delete(partition, key)
		mu.Unlock()
		if err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
