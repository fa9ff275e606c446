package node

import (
	"context"
	"errors"
	"time"

	"driftkv/internal/clock"
	"driftkv/internal/errs"
	"driftkv/internal/metrics"
	"driftkv/internal/quorum"
	"driftkv/internal/repair"
)

// write is a client mutation: a value, or a tombstone when deleted is set.
type write struct {
	value   []byte
	deleted bool
	causal  clock.VectorClock
}

// Get returns the reconciled conflict set of key at the configured read level.
// Tombstones are included; callers present Live() to clients and use Context()
// as the causal context for a following write.
func (n *Node) Get(ctx context.Context, key string) (repair.ConflictSet, error) {
	var set repair.ConflictSet
	err := n.do(ctx, func(ctx context.Context) error {
		s, err := n.read(ctx, key)
		set = s
		return err
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// Put writes value as a new version descending from causal. The returned
// clock is the version that was stored.
func (n *Node) Put(ctx context.Context, key string, value []byte, causal clock.VectorClock) (clock.VectorClock, error) {
	return n.mutate(ctx, key, write{value: value, causal: causal})
}

// Delete writes a tombstone descending from causal.
func (n *Node) Delete(ctx context.Context, key string, causal clock.VectorClock) (clock.VectorClock, error) {
	return n.mutate(ctx, key, write{deleted: true, causal: causal})
}

func (n *Node) mutate(ctx context.Context, key string, w write) (clock.VectorClock, error) {
	var version clock.VectorClock
	err := n.do(ctx, func(ctx context.Context) error {
		v, err := n.coordinate(ctx, key, w, true)
		version = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

func (n *Node) read(ctx context.Context, key string) (repair.ConflictSet, error) {
	partition := n.partitions.PartitionFor(key)
	replicas := n.partitions.Snapshot().ReplicasFor(partition)

	res := quorum.DoRead(ctx, replicas, n.readLevel.Required(len(replicas)), func(ctx context.Context, replicaID string) (repair.ConflictSet, error) {
		if replicaID == n.id {
			return n.localGet(partition, key)
		}
		return n.remoteGet(ctx, replicaID, partition, key)
	})
	if !res.Success {
		return nil, res.Err
	}

	answered := make([]string, 0, len(res.Sets))
	for _, id := range replicas {
		if _, ok := res.Sets[id]; ok {
			answered = append(answered, id)
		}
	}
	result := repair.Reconcile(answered, res.Sets, n.keyspace.MaxVersions())
	// Bootstrapping replicas did not answer but still take the winners.
	stale := append(result.Stale, res.Abstained...)
	if len(stale) > 0 {
		metrics.RecordReadRepair()
		n.repairer.Repair(key, result.Winners, stale)
	}
	return result.Winners, nil
}

// localGet reads key from the local store unless the partition is still
// being bootstrapped.
func (n *Node) localGet(partition int, key string) (repair.ConflictSet, error) {
	if n.sync.Bootstrapping(partition) {
		return nil, errs.ErrBootstrapping
	}
	return n.keyspace.Get(partition, key)
}

// coordinate applies a write on the local replica and replicates the new
// version at the configured write level. A node outside the replica set
// forwards the write to the first replica that takes it.
func (n *Node) coordinate(ctx context.Context, key string, w write, mayForward bool) (clock.VectorClock, error) {
	partition := n.partitions.PartitionFor(key)
	replicas := n.partitions.Snapshot().ReplicasFor(partition)
	if len(replicas) == 0 {
		return nil, errs.ErrUnavailable
	}

	if !contains(replicas, n.id) {
		if !mayForward {
			return nil, errs.ErrNotReplica
		}
		return n.forward(ctx, replicas, partition, key, w)
	}

	version, err := n.applyLocal(partition, key, w)
	if err != nil {
		return nil, err
	}

	set := repair.ConflictSet{version}
	res := quorum.DoWrite(ctx, replicas, n.writeLevel.Required(len(replicas)), func(ctx context.Context, replicaID string) error {
		if replicaID == n.id {
			return nil
		}
		return n.remoteSet(ctx, replicaID, partition, key, set)
	})
	if !res.Success {
		return nil, res.Err
	}
	return version.Version, nil
}

func (n *Node) forward(ctx context.Context, replicas []string, partition int, key string, w write) (clock.VectorClock, error) {
	var lastErr error
	for _, replica := range replicas {
		version, err := n.remoteForward(ctx, replica, partition, key, w)
		if err == nil {
			return version, nil
		}
		// Try the next replica only when this one could not be asked.
		if !errors.Is(err, errs.ErrNodeUnreachable) && !errors.Is(err, errs.ErrNotReplica) {
			return nil, err
		}
		n.logger.Debug("forward failed", "peer", replica, "key", key, "error", err)
		lastErr = err
	}
	return nil, lastErr
}

// applyLocal stores a new version of key. Its clock descends from the causal
// context and carries a local counter above every counter this node has issued
// for the key, so it is never dominated by a stored sibling.
func (n *Node) applyLocal(partition int, key string, w write) (repair.VersionedValue, error) {
	var (
		version repair.VersionedValue
		evicted int
	)
	_, err := n.keyspace.Update(partition, key, func(current repair.ConflictSet) (repair.ConflictSet, bool, error) {
		vc := w.causal.Copy()
		counter := current.CounterFor(n.id)
		if c := w.causal.Get(n.id); c > counter {
			counter = c
		}
		vc.Set(n.id, counter+1)

		version = repair.VersionedValue{
			Value:     w.value,
			Version:   vc,
			Deleted:   w.deleted,
			Timestamp: time.Now().UnixNano(),
		}
		next, outcome := repair.Merge(current, version, n.keyspace.MaxVersions())
		evicted = outcome.Evicted
		return next, outcome.Changed(), nil
	})
	if err != nil {
		return repair.VersionedValue{}, err
	}
	if evicted > 0 {
		n.overflow(partition, key, evicted)
	}
	return version, nil
}

// pushRepair writes a reconciled set to one replica on behalf of read repair.
func (n *Node) pushRepair(ctx context.Context, replicaID, key string, set repair.ConflictSet) error {
	partition := n.partitions.PartitionFor(key)
	if replicaID == n.id {
		_, _, err := n.keyspace.Merge(partition, key, set)
		return err
	}
	return n.remoteSet(ctx, replicaID, partition, key, set)
}

func (n *Node) overflow(partition int, key string, evicted int) {
	metrics.RecordEvictions(evicted)
	n.logger.Debug("evicted sibling versions", "partition", partition, "key", key, "evicted", evicted,
		"error", errs.ErrConflictOverflow)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
