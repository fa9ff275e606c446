// Package node wires the components of a driftkv node together: storage, the
// partition map, membership over the fabric, anti-entropy and the worker pool.
//
// Client operations run on the worker pool. Reads fan out to the key's
// replicas at the configured read level and reconcile the returned conflict
// sets; stale replicas are repaired in the background. Writes are coordinated
// by a replica of the key's partition, which stamps the new version with its
// own counter and replicates it at the configured write level. A node outside
// the replica set forwards the write to the first replica that accepts it.
package node
