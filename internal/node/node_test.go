package node

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftkv/internal/clock"
	"driftkv/internal/config"
	"driftkv/internal/gossip"
	"driftkv/internal/repair"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Storage = "memory"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Partitions = 8
	cfg.ReplicationFactor = 3
	cfg.WorkerCount = 4
	cfg.WorkerTimer = 20 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.FabricTimeout = 200 * time.Millisecond
	cfg.SyncTimeout = 2 * time.Second
	cfg.SyncMsgTimeout = 500 * time.Millisecond
	cfg.SyncAuto = false
	cfg.SyncIncomingMax = 64
	cfg.SyncOutgoingMax = 64
	cfg.SuspectHeartbeats = 3
	cfg.DownTimeout = 300 * time.Millisecond
	cfg.ConsistencyRead = "all"
	cfg.ConsistencyWrite = "all"
	return cfg
}

// startCluster starts size nodes; every node but the first joins through the first.
func startCluster(t *testing.T, size int, tweak func(*config.Config)) []*Node {
	t.Helper()

	listeners := make([]net.Listener, size)
	for i := range listeners {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = lis
	}
	seed := listeners[0].Addr().String()

	nodes := make([]*Node, size)
	for i, lis := range listeners {
		cfg := testConfig()
		cfg.FabricAddr = lis.Addr().String()
		if i > 0 {
			cfg.SeedNodes = []string{seed}
		}
		if tweak != nil {
			tweak(&cfg)
		}
		n, err := New(cfg, Options{FabricListener: lis})
		require.NoError(t, err)
		nodes[i] = n
	}
	for _, n := range nodes {
		n.Start()
		t.Cleanup(func() { n.Stop() })
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if len(n.Partitions().Members) != size {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "cluster did not converge")
	return nodes
}

// joinNode starts one more node that joins through seed.
func joinNode(t *testing.T, seed *Node, tweak func(*config.Config)) *Node {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := testConfig()
	cfg.FabricAddr = lis.Addr().String()
	cfg.SeedNodes = []string{seed.ID()}
	if tweak != nil {
		tweak(&cfg)
	}
	n, err := New(cfg, Options{FabricListener: lis})
	require.NoError(t, err)
	n.Start()
	t.Cleanup(func() { n.Stop() })
	return n
}

func liveValues(set repair.ConflictSet) []string {
	var out []string
	for _, v := range set.Live() {
		out = append(out, string(v.Value))
	}
	return out
}

func TestNode_PutGet(t *testing.T) {
	nodes := startCluster(t, 3, nil)
	ctx := context.Background()

	version, err := nodes[0].Put(ctx, "greeting", []byte("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version.Get(nodes[0].ID()))

	for _, n := range nodes {
		set, err := n.Get(ctx, "greeting")
		require.NoError(t, err)
		assert.Equal(t, []string{"hello"}, liveValues(set))
	}
}

func TestNode_GetMissingKey(t *testing.T) {
	nodes := startCluster(t, 3, nil)

	set, err := nodes[1].Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, set.Live())
}

func TestNode_ConcurrentWritesBecomeSiblings(t *testing.T) {
	nodes := startCluster(t, 3, nil)
	ctx := context.Background()
	a, b := nodes[0], nodes[1]

	_, err := a.Put(ctx, "x", []byte("from-a"), nil)
	require.NoError(t, err)
	_, err = b.Put(ctx, "x", []byte("from-b"), nil)
	require.NoError(t, err)

	set, err := nodes[2].Get(ctx, "x")
	require.NoError(t, err)
	live := set.Live()
	require.Len(t, live, 2)
	assert.ElementsMatch(t, []string{"from-a", "from-b"}, liveValues(set))

	vectors := []clock.VectorClock{{a.ID(): 1}, {b.ID(): 1}}
	assert.True(t, live.Covers(vectors), "expected sibling clocks %v, got %v", vectors, live.Vectors())
}

func TestNode_WriteWithContextCollapsesSiblings(t *testing.T) {
	nodes := startCluster(t, 3, nil)
	ctx := context.Background()

	_, err := nodes[0].Put(ctx, "x", []byte("one"), nil)
	require.NoError(t, err)
	_, err = nodes[1].Put(ctx, "x", []byte("two"), nil)
	require.NoError(t, err)

	set, err := nodes[2].Get(ctx, "x")
	require.NoError(t, err)
	require.Len(t, set.Live(), 2)

	merged := set.Context()
	version, err := nodes[2].Put(ctx, "x", []byte("resolved"), merged)
	require.NoError(t, err)
	for _, v := range set.Vectors() {
		assert.Equal(t, clock.Dominates, version.Compare(v))
	}

	for _, n := range nodes {
		set, err := n.Get(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, []string{"resolved"}, liveValues(set))
	}
}

func TestNode_DeleteLeavesTombstone(t *testing.T) {
	nodes := startCluster(t, 3, nil)
	ctx := context.Background()

	_, err := nodes[0].Put(ctx, "doomed", []byte("v"), nil)
	require.NoError(t, err)
	set, err := nodes[0].Get(ctx, "doomed")
	require.NoError(t, err)

	_, err = nodes[1].Delete(ctx, "doomed", set.Context())
	require.NoError(t, err)

	set, err = nodes[2].Get(ctx, "doomed")
	require.NoError(t, err)
	assert.Empty(t, set.Live())
	require.Len(t, set, 1)
	assert.True(t, set[0].Deleted)
}

func TestNode_SameCoordinatorOrdersBlindWrites(t *testing.T) {
	nodes := startCluster(t, 3, nil)
	ctx := context.Background()

	_, err := nodes[0].Put(ctx, "k", []byte("first"), nil)
	require.NoError(t, err)
	// No context, but the coordinator's own counter orders the writes.
	version, err := nodes[0].Put(ctx, "k", []byte("second"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version.Get(nodes[0].ID()))

	set, err := nodes[1].Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, liveValues(set))
}

func TestNode_NonReplicaForwardsWrite(t *testing.T) {
	nodes := startCluster(t, 3, func(cfg *config.Config) {
		cfg.ReplicationFactor = 1
	})
	ctx := context.Background()
	coordinator := nodes[0]

	// Find a key owned by another node.
	var key string
	var owner string
	for i := 0; i < 1000; i++ {
		candidate := fmt.Sprintf("key-%d", i)
		replicas := coordinator.Partitions().ReplicasFor(coordinator.PartitionFor(candidate))
		if len(replicas) == 1 && replicas[0] != coordinator.ID() {
			key, owner = candidate, replicas[0]
			break
		}
	}
	require.NotEmpty(t, key, "no key owned by another node")

	version, err := coordinator.Put(ctx, key, []byte("forwarded"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version.Get(owner))
	assert.Equal(t, int64(0), version.Get(coordinator.ID()))

	partition := coordinator.PartitionFor(key)
	local, err := coordinator.keyspace.Get(partition, key)
	require.NoError(t, err)
	assert.Empty(t, local)

	set, err := coordinator.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"forwarded"}, liveValues(set))
}

func TestNode_ReadRepairsStaleReplica(t *testing.T) {
	nodes := startCluster(t, 3, func(cfg *config.Config) {
		cfg.ConsistencyWrite = "one"
	})
	ctx := context.Background()
	stale := nodes[2]

	// Written straight into two replicas; the third never saw it.
	partition := nodes[0].PartitionFor("repair-me")
	version := repair.VersionedValue{Value: []byte("v"), Version: clock.VectorClock{nodes[0].ID(): 1}, Timestamp: 1}
	for _, n := range nodes[:2] {
		_, _, err := n.keyspace.Merge(partition, "repair-me", repair.ConflictSet{version})
		require.NoError(t, err)
	}

	set, err := nodes[0].Get(ctx, "repair-me")
	require.NoError(t, err)
	assert.Equal(t, []string{"v"}, liveValues(set))

	assert.Eventually(t, func() bool {
		got, err := stale.keyspace.Get(partition, "repair-me")
		return err == nil && len(got) == 1
	}, 2*time.Second, 20*time.Millisecond, "stale replica was not repaired")
}

func TestNode_SyncRepairsDivergence(t *testing.T) {
	nodes := startCluster(t, 3, nil)
	origin := nodes[0]

	partition := origin.PartitionFor("synced")
	version := repair.VersionedValue{Value: []byte("v"), Version: clock.VectorClock{origin.ID(): 7}, Timestamp: 1}
	_, _, err := origin.keyspace.Merge(partition, "synced", repair.ConflictSet{version})
	require.NoError(t, err)

	_, err = origin.sync.Start(partition, nodes[1].ID())
	require.NoError(t, err)
	_, err = origin.sync.Start(partition, nodes[2].ID())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, n := range nodes[1:] {
			got, err := n.keyspace.Get(partition, "synced")
			if err != nil || len(got) != 1 || !got[0].Version.Equal(version.Version) {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "replicas did not converge")

	assert.Eventually(t, func() bool {
		return origin.SyncStats().Completed >= 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNode_StartSyncPicksAnotherReplica(t *testing.T) {
	nodes := startCluster(t, 3, nil)

	cookie, err := nodes[0].StartSync(0)
	require.NoError(t, err)
	assert.NotEmpty(t, cookie)

	_, err = nodes[0].StartSync(nodes[0].Config().Partitions)
	assert.Error(t, err)
}

func TestNode_FailedNodeIsExcluded(t *testing.T) {
	nodes := startCluster(t, 3, nil)
	failed := nodes[2]

	// Crash without announcing a leave.
	failed.scheduler.Stop()
	failed.fabric.Stop()

	for _, n := range nodes[:2] {
		n := n
		assert.Eventually(t, func() bool {
			m, ok := n.View().Get(failed.ID())
			if ok && m.State != gossip.Down {
				return false
			}
			for _, id := range n.Partitions().Members {
				if id == failed.ID() {
					return false
				}
			}
			return true
		}, 5*time.Second, 20*time.Millisecond, "failed node still assigned on %s", n.ID())
	}

	for p := 0; p < nodes[0].Config().Partitions; p++ {
		assert.NotContains(t, nodes[0].Partitions().ReplicasFor(p), failed.ID())
	}
}

func TestNode_SuspectNodeKeepsItsPartitions(t *testing.T) {
	nodes := startCluster(t, 3, func(c *config.Config) { c.DownTimeout = 2 * time.Second })
	observer, failed := nodes[0], nodes[2]

	failed.scheduler.Stop()
	failed.fabric.Stop()

	require.Eventually(t, func() bool {
		m, ok := observer.View().Get(failed.ID())
		return ok && m.State == gossip.Suspect
	}, 3*time.Second, 10*time.Millisecond, "failed node never became suspect")
	assert.Contains(t, observer.Partitions().Members, failed.ID())
	assert.True(t, observer.Partitions().References(failed.ID()))

	assert.Eventually(t, func() bool {
		m, ok := observer.View().Get(failed.ID())
		if ok && m.State != gossip.Down {
			return false
		}
		for _, id := range observer.Partitions().Members {
			if id == failed.ID() {
				return false
			}
		}
		return true
	}, 6*time.Second, 20*time.Millisecond, "down node still assigned")
}

func TestNode_JoiningReplicaReadsAfterBootstrap(t *testing.T) {
	tweak := func(c *config.Config) {
		c.ReplicationFactor = 2
		c.ConsistencyRead = "one"
		c.ConsistencyWrite = "one"
	}
	a := startCluster(t, 1, tweak)[0]
	ctx := context.Background()
	for i := 0; i < 64; i++ {
		_, err := a.Put(ctx, fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)), nil)
		require.NoError(t, err)
	}

	b := joinNode(t, a, tweak)
	require.Eventually(t, func() bool {
		return len(a.Partitions().Members) == 2 && len(b.Partitions().Members) == 2
	}, 5*time.Second, 20*time.Millisecond, "cluster did not converge")

	// Reads on the new replica never answer from its empty store.
	for i := 0; i < 64; i++ {
		set, err := b.Get(ctx, fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		assert.Equal(t, []string{fmt.Sprintf("value-%d", i)}, liveValues(set), "key-%d", i)
	}

	require.Eventually(t, func() bool {
		return b.SyncStats().Bootstrapping == 0
	}, 5*time.Second, 20*time.Millisecond, "bootstrap did not finish")
	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("key-%d", i)
		set, err := b.keyspace.Get(b.PartitionFor(key), key)
		require.NoError(t, err)
		assert.Len(t, set.Live(), 1, "%s missing locally", key)
	}
}

func TestNode_LeaveIsAnnounced(t *testing.T) {
	nodes := startCluster(t, 3, nil)
	leaving := nodes[1]

	require.NoError(t, leaving.Stop())

	assert.Eventually(t, func() bool {
		m, ok := nodes[0].View().Get(leaving.ID())
		return !ok || m.State == gossip.Leaving || m.State == gossip.Down
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(nodes[0].Partitions().Members) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNode_SingleNodeServesAlone(t *testing.T) {
	nodes := startCluster(t, 1, nil)
	ctx := context.Background()

	_, err := nodes[0].Put(ctx, "solo", []byte("v"), nil)
	require.NoError(t, err)
	set, err := nodes[0].Get(ctx, "solo")
	require.NoError(t, err)
	assert.Equal(t, []string{"v"}, liveValues(set))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.FabricAddr = ""
	_, err := New(cfg, Options{})
	assert.Error(t, err)
}
