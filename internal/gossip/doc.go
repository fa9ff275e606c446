// Package gossip implements cluster membership over the fabric.
//
// Nodes join through seed addresses, heartbeat every known member each tick,
// and move silent members from Active to Suspect to Down. Every local change
// advances the membership epoch and is broadcast as a full ClusterView; a node
// always adopts a view with a higher epoch, breaking ties between distinct
// views with the same epoch by digest. A node that finds itself Joining,
// Suspect or Down in an adopted view re-announces itself as Active.
package gossip
