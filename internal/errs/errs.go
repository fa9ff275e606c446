// Package errs defines the sentinel error kinds shared by the driftkv packages.
package errs

import "errors"

// Client request errors. These surface to clients as explicit error replies.
var (
	// ErrRequestTimeout indicates a client operation exceeded request_timeout.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrConnectionRefused indicates client_connection_max was reached.
	ErrConnectionRefused = errors.New("max clients reached")

	// ErrKeyTooLong indicates the key exceeds max_key_length.
	ErrKeyTooLong = errors.New("key too long")

	// ErrValueTooLong indicates the value exceeds max_value_length.
	ErrValueTooLong = errors.New("value too long")

	// ErrInvalidContext indicates a causal context that could not be parsed.
	ErrInvalidContext = errors.New("invalid context")

	// ErrUnavailable indicates too few replicas answered for the requested consistency.
	ErrUnavailable = errors.New("not enough replicas available")
)

// Internal errors. These are logged and retried, never sent to clients.
var (
	// ErrSessionTimeout indicates a sync session exceeded sync_timeout or sync_msg_timeout.
	ErrSessionTimeout = errors.New("sync session timeout")

	// ErrSessionRefused indicates a sync session was refused by a concurrency cap.
	ErrSessionRefused = errors.New("sync session refused")

	// ErrSessionAborted indicates the peer aborted a sync session.
	ErrSessionAborted = errors.New("sync session aborted")

	// ErrNodeUnreachable indicates a fabric send failed.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrNotReplica indicates the local node does not replicate the partition.
	ErrNotReplica = errors.New("not a replica for partition")

	// ErrBootstrapping indicates a replica has not yet pulled the partition it
	// was just assigned, so it cannot serve reads for it.
	ErrBootstrapping = errors.New("partition bootstrapping")

	// ErrConflictOverflow indicates a sibling was evicted to respect value_version_max.
	ErrConflictOverflow = errors.New("conflict set overflow")
)

// Lifecycle errors.
var (
	// ErrConfigInvalid indicates a malformed configuration value. Fatal at startup.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrStopped indicates the component has been stopped.
	ErrStopped = errors.New("stopped")
)
