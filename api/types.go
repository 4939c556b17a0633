package api

import (
	"time"

	"github.com/intrascale/intrascale/types"
)

// Response is the uniform envelope for JSON endpoints.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorInfo is the wire form of a request failure.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// NodeStatus summarizes the local node for GET /v1/node.
type NodeStatus struct {
	NodeID        types.NodeID `json:"node_id"`
	Hostname      string       `json:"hostname"`
	Addr          string       `json:"addr"`
	Discovery     string       `json:"discovery"`
	StartedAt     time.Time    `json:"started_at"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Peers         int          `json:"peers"`
	Jobs          int          `json:"jobs"`
}

// PeerList is the membership table plus the local node.
type PeerList struct {
	Self  *types.PeerRecord   `json:"self"`
	Peers []*types.PeerRecord `json:"peers"`
}

// JobSubmitRequest submits a job over HTTP. Inputs are opaque task
// payloads in aggregation order, base64 in JSON per Go convention.
type JobSubmitRequest struct {
	Handler        string             `json:"handler"`
	Inputs         [][]byte           `json:"inputs"`
	Hint           types.ResourceHint `json:"hint,omitempty"`
	TimeoutSeconds float64            `json:"timeout_seconds,omitempty"`
	MaxAttempts    int                `json:"max_attempts,omitempty"`
	// Wait holds the request open until the job finishes and returns
	// the aggregated result in the response.
	Wait bool `json:"wait,omitempty"`
}

// JobSubmitResponse acknowledges a submission. Result is set only for
// Wait submissions.
type JobSubmitResponse struct {
	JobID  types.JobID    `json:"job_id"`
	State  types.JobState `json:"state"`
	Result []byte         `json:"result,omitempty"`
}

// EventMessage is one frame of the GET /v1/events WebSocket feed.
// Exactly one of Peer and Job is set, according to Source.
type EventMessage struct {
	Source    string             `json:"source"` // "membership" or "job"
	Type      string             `json:"type"`
	Peer      *types.PeerRecord  `json:"peer,omitempty"`
	Job       *types.JobSnapshot `json:"job,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}
