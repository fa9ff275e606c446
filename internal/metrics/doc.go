// Package metrics defines the Prometheus metrics exported under the driftkv namespace.
package metrics
