// Package ring maps keys to a fixed number of partitions and partitions to
// ordered replica sets using consistent hashing with virtual nodes.
// Assignments are published as immutable per-epoch snapshots.
package ring
