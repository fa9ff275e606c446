package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "driftkv"
)

var (
	// CommandsTotal counts client commands
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of client commands processed",
		},
		[]string{"cmd", "status"}, // cmd: get/set/del, status: ok/error/timeout
	)

	// CommandDuration measures command latency
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Client command latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"cmd"},
	)

	// ConnectionsActive tracks open client connections
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open client connections",
		},
	)

	// ConnectionsRejected counts connections refused at client_connection_max
	ConnectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total number of client connections refused at the connection cap",
		},
	)

	// ConflictEvictions counts siblings evicted to respect value_version_max
	ConflictEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_evictions_total",
			Help:      "Total number of sibling versions evicted by the version cap",
		},
	)

	// ReadRepairs counts replicas pushed a reconciled set after a read
	ReadRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_repairs_total",
			Help:      "Total number of stale replicas repaired on read",
		},
	)

	// SyncSessions counts closed sync sessions
	SyncSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_sessions_total",
			Help:      "Total number of closed anti-entropy sessions",
		},
		[]string{"direction", "outcome"}, // direction: incoming/outgoing, outcome: ok/timed_out/aborted
	)

	// SyncSessionDuration measures session lifetimes
	SyncSessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_session_duration_seconds",
			Help:      "Anti-entropy session duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		},
		[]string{"direction"},
	)

	// SyncKeys counts keys streamed by sync sessions
	SyncKeys = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_keys_total",
			Help:      "Total number of keys exchanged by anti-entropy sessions",
		},
		[]string{"dir"}, // sent/received
	)

	// SyncSessionsActive tracks live sync sessions
	SyncSessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_sessions_active",
			Help:      "Number of live anti-entropy sessions",
		},
		[]string{"direction"},
	)

	// MembershipEpoch tracks the adopted cluster view epoch
	MembershipEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "membership_epoch",
			Help:      "Epoch of the current cluster view",
		},
	)

	// Members tracks cluster members per state
	Members = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "members",
			Help:      "Number of cluster members per state",
		},
		[]string{"state"},
	)

	// Handoffs counts partitions whose replica set changed
	Handoffs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Total number of partition replica set changes",
		},
	)

	// FabricMessages counts inbound fabric messages per kind
	FabricMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fabric_messages_total",
			Help:      "Total number of fabric messages received",
		},
		[]string{"kind"},
	)

	// InternalEventsDropped counts internal events dropped because the worker queue was full
	InternalEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "internal_events_dropped_total",
			Help:      "Total number of fabric events and ticks dropped by a full worker queue",
		},
	)
)

// RecordCommand records a client command with its outcome.
func RecordCommand(cmd string, duration time.Duration, status string) {
	CommandsTotal.WithLabelValues(cmd, status).Inc()
	CommandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordConnection adjusts the open connection gauge by delta.
func RecordConnection(delta int) {
	ConnectionsActive.Add(float64(delta))
}

// RecordRejectedConnection records a refused client connection.
func RecordRejectedConnection() {
	ConnectionsRejected.Inc()
}

// RecordEvictions records siblings evicted by the version cap.
func RecordEvictions(n int) {
	ConflictEvictions.Add(float64(n))
}

// RecordReadRepair records a repaired replica.
func RecordReadRepair() {
	ReadRepairs.Inc()
}

// RecordSyncSession records a closed sync session.
func RecordSyncSession(direction, outcome string, duration time.Duration, sent, received int) {
	SyncSessions.WithLabelValues(direction, outcome).Inc()
	SyncSessionDuration.WithLabelValues(direction).Observe(duration.Seconds())
	SyncKeys.WithLabelValues("sent").Add(float64(sent))
	SyncKeys.WithLabelValues("received").Add(float64(received))
}

// SetSyncSessionsActive publishes the live session counts.
func SetSyncSessionsActive(incoming, outgoing int64) {
	SyncSessionsActive.WithLabelValues("incoming").Set(float64(incoming))
	SyncSessionsActive.WithLabelValues("outgoing").Set(float64(outgoing))
}

// SetMembership publishes the cluster view epoch and member counts per state.
func SetMembership(epoch uint64, byState map[string]int) {
	MembershipEpoch.Set(float64(epoch))
	Members.Reset()
	for state, n := range byState {
		Members.WithLabelValues(state).Set(float64(n))
	}
}

// RecordHandoffs records partitions whose replica set changed.
func RecordHandoffs(n int) {
	Handoffs.Add(float64(n))
}

// RecordFabricMessage records an inbound fabric message.
func RecordFabricMessage(kind string) {
	FabricMessages.WithLabelValues(kind).Inc()
}

// RecordDroppedEvent records an internal event dropped by a full queue.
func RecordDroppedEvent() {
	InternalEventsDropped.Inc()
}
