package admin

import (
	"driftkv/internal/antientropy"
	"driftkv/internal/gossip"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusError indicates a request failed.
	StatusError Status = "error"
)

// HealthResponse reports the local node's membership state.
type HealthResponse struct {
	Status Status           `json:"status"`
	Node   string           `json:"node"`
	State  gossip.NodeState `json:"state"`
	Epoch  uint64           `json:"epoch"`
}

// PartitionsResponse is the replica assignment of one epoch.
type PartitionsResponse struct {
	Epoch    uint64     `json:"epoch"`
	Members  []string   `json:"members"`
	Replicas [][]string `json:"replicas"`
	// Bootstrapping lists the local partitions not yet pulled from a previous replica.
	Bootstrapping []int `json:"bootstrapping"`
}

// KeyResponse locates a key.
type KeyResponse struct {
	Key       string   `json:"key"`
	Partition int      `json:"partition"`
	Replicas  []string `json:"replicas"`
}

// SyncResponse lists the anti-entropy counters and live sessions.
type SyncResponse struct {
	Stats    antientropy.Stats  `json:"stats"`
	Sessions []antientropy.Info `json:"sessions"`
}

// SyncStartedResponse carries the cookie of a session started on request.
type SyncStartedResponse struct {
	Partition int    `json:"partition"`
	Cookie    string `json:"cookie"`
}

// ErrorResponse represents a failed request.
type ErrorResponse struct {
	Status Status `json:"status"`
	Error  string `json:"error"`
}

func NewErrorResponse(err string) ErrorResponse {
	return ErrorResponse{Status: StatusError, Error: err}
}
