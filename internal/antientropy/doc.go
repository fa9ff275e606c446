// Package antientropy repairs divergence between the replicas of a partition.
//
// A session reconciles one partition between two nodes:
//
//	initiator                         responder
//	SyncStart(partition, summary) ->
//	                              <-  SyncOffer(missing, want)
//	SyncData(want keys)           <-> SyncData(missing keys)
//	SyncAck                       <-> SyncAck
//	SyncEnd(ok)                   <-> SyncEnd(ok)
//
// The summary lists the sibling clocks of every key. Each side streams the
// keys the other lacks a sibling of, at most MsgInflight unacknowledged
// frames at a time, and merges what it receives into its own conflict sets.
// A session closes Ok once both sides sent SyncEnd and every frame was
// acknowledged. Delivery is unreliable: frames are retransmitted after half
// of MsgTimeout, and merging is idempotent, so duplicates are harmless.
//
// Sessions are capped per direction. An outgoing session over the cap is
// refused locally without contacting the peer; an incoming one is answered
// with SyncEnd(refused). A session is closed as timed out when it exceeds
// Timeout or makes no progress for MsgTimeout.
//
// Sessions are started from Tick: partitions flagged by a handoff come
// first, then owned partitions in round-robin order. A node that no longer
// replicates a partition drops it after a successful outgoing session.
package antientropy
