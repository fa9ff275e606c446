package it

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftkv/internal/config"
)

func startCluster(t *testing.T, size int, tweak func(*config.Config)) *Cluster {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cluster := NewCluster(nil)
	t.Cleanup(cluster.Stop)
	require.NoError(t, cluster.StartCluster(ctx, size, tweak), "Failed to start cluster")
	return cluster
}

func dial(t *testing.T, n *Node) *Client {
	t.Helper()
	client, err := n.Client()
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// values extracts the sibling values of a GET reply.
func values(t *testing.T, reply any) []string {
	t.Helper()
	if reply == nil {
		return nil
	}
	siblings, ok := reply.([]any)
	require.True(t, ok, "unexpected GET reply %#v", reply)

	out := make([]string, 0, len(siblings))
	for _, s := range siblings {
		pair, ok := s.([]any)
		require.True(t, ok)
		require.Len(t, pair, 2)
		out = append(out, pair[0].(string))
	}
	sort.Strings(out)
	return out
}

func TestSmoke_PutGetDelete_SingleKey(t *testing.T) {
	cluster := startCluster(t, 3, nil)
	client := dial(t, cluster.Nodes()[0])

	reply, err := client.Do("SET", "test-key", "test-value")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)

	// Any node answers for the key
	for _, n := range cluster.Nodes() {
		reply, err := dial(t, n).Do("GET", "test-key")
		require.NoError(t, err)
		assert.Equal(t, []string{"test-value"}, values(t, reply), "node %s", n.ID)
	}

	reply, err = client.Do("DEL", "test-key")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)

	reply, err = client.Do("GET", "test-key")
	require.NoError(t, err)
	assert.Nil(t, reply, "deleted key should read as null")
}

func TestConflicts_ConcurrentWrites_ReturnSiblings(t *testing.T) {
	cluster := startCluster(t, 3, nil)
	nodes := cluster.Nodes()

	_, err := dial(t, nodes[0]).Do("SET", "conflict-key", "value-a")
	require.NoError(t, err)
	_, err = dial(t, nodes[1]).Do("SET", "conflict-key", "value-b")
	require.NoError(t, err)

	reply, err := dial(t, nodes[2]).Do("GET", "conflict-key")
	require.NoError(t, err)
	assert.Equal(t, []string{"value-a", "value-b"}, values(t, reply))

	// Writing back with the context of one sibling supersedes only that sibling
	siblings := reply.([]any)
	first := siblings[0].([]any)
	_, err = dial(t, nodes[2]).Do("SET", "conflict-key", "value-c", first[1].(string))
	require.NoError(t, err)

	reply, err = dial(t, nodes[0]).Do("GET", "conflict-key")
	require.NoError(t, err)
	got := values(t, reply)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "value-c")
	assert.NotContains(t, got, first[0].(string))
}

func TestQuorum_ToleratesOneNodeDown(t *testing.T) {
	cluster := startCluster(t, 3, func(cfg *config.Config) {
		cfg.ConsistencyRead = "quorum"
		cfg.ConsistencyWrite = "quorum"
	})
	nodes := cluster.Nodes()
	client := dial(t, nodes[0])

	_, err := client.Do("SET", "quorum-key", "before")
	require.NoError(t, err)

	nodes[2].Stop()

	reply, err := client.Do("SET", "quorum-key", "after")
	require.NoError(t, err, "write should succeed with one replica down")
	assert.Equal(t, "OK", reply)

	reply, err = dial(t, nodes[1]).Do("GET", "quorum-key")
	require.NoError(t, err, "read should succeed with one replica down")
	assert.Equal(t, []string{"after"}, values(t, reply))
}
