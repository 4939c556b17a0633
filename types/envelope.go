package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the wire version this build speaks. Nodes drop
// traffic from peers announcing a different version.
const ProtocolVersion = 1

// MessageType tags the payload carried by an envelope.
type MessageType string

// Discovery messages.
const (
	// MsgAnnounce is the periodic UDP broadcast that doubles as the
	// heartbeat once a peer is known.
	MsgAnnounce MessageType = "announce"
	// MsgConfirm is the unicast handshake sent to a newly discovered
	// peer; both sides exchange their announcements over TCP.
	MsgConfirm MessageType = "confirm"
	// MsgHeartbeat is a directed liveness refresh, used when a node
	// wants to refresh one peer without waiting for the next broadcast.
	MsgHeartbeat MessageType = "heartbeat"
)

// Task messages.
const (
	MsgDispatch   MessageType = "dispatch"
	MsgAckRunning MessageType = "ack_running"
	MsgResult     MessageType = "result"
	MsgFail       MessageType = "fail"
	MsgCancel     MessageType = "cancel"
)

// Envelope is the unit framed onto the wire: a type tag, the sender,
// and a serialized payload. The same shape rides UDP datagrams and
// length-prefixed TCP frames.
type Envelope struct {
	Type    MessageType     `json:"type"`
	From    NodeID          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it. A nil payload produces an
// envelope with no body, which is valid for bare control messages.
func NewEnvelope(t MessageType, from NodeID, payload any) (*Envelope, error) {
	env := &Envelope{Type: t, From: from}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Announcement is the discovery payload: who the sender is, where its
// TCP listener lives, and its latest capacity reading. Carried by
// announce broadcasts, confirm handshakes, and directed heartbeats.
type Announcement struct {
	NodeID          NodeID           `json:"node_id"`
	Hostname        string           `json:"hostname"`
	Addr            string           `json:"addr"`
	ProtocolVersion int              `json:"protocol_version"`
	Capacity        CapacitySnapshot `json:"capacity"`
	Timestamp       time.Time        `json:"timestamp"`
}

// TaskDispatch asks a worker to run one task. Attempt numbers let both
// sides discard stale traffic from superseded assignments.
type TaskDispatch struct {
	JobID    JobID        `json:"job_id"`
	TaskID   TaskID       `json:"task_id"`
	Attempt  int          `json:"attempt"`
	Handler  string       `json:"handler"`
	Input    []byte       `json:"input"`
	Hint     ResourceHint `json:"hint"`
	Deadline time.Time    `json:"deadline"`
}

// TaskAck tells the submitter the worker accepted and started the task.
type TaskAck struct {
	JobID   JobID  `json:"job_id"`
	TaskID  TaskID `json:"task_id"`
	Attempt int    `json:"attempt"`
}

// TaskResult carries a completed task's output back to the submitter.
type TaskResult struct {
	JobID   JobID  `json:"job_id"`
	TaskID  TaskID `json:"task_id"`
	Attempt int    `json:"attempt"`
	Output  []byte `json:"output"`
}

// TaskFailure reports a task that could not be completed. Retryable
// failures (handler errors, refused work) send the task back to the
// pending pool; the attempt budget decides when failure is permanent.
type TaskFailure struct {
	JobID     JobID     `json:"job_id"`
	TaskID    TaskID    `json:"task_id"`
	Attempt   int       `json:"attempt"`
	Code      ErrorCode `json:"code"`
	Reason    string    `json:"reason"`
	Retryable bool      `json:"retryable"`
}

// TaskCancel is the best-effort request to stop a task in flight.
type TaskCancel struct {
	JobID  JobID  `json:"job_id"`
	TaskID TaskID `json:"task_id"`
}
