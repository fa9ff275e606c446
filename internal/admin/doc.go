// Package admin serves the operator HTTP API on admin_addr: health,
// membership, partition assignment, anti-entropy sessions and Prometheus metrics.
package admin
