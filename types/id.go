package types

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeID uniquely identifies a node for the lifetime of its process.
// It is generated at startup and is not stable across restarts; a node
// that restarts joins the cluster as a brand-new peer.
type NodeID string

// NewNodeID generates a fresh random node identifier.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// Short returns a truncated form suitable for log fields.
func (id NodeID) Short() string {
	s := string(id)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// JobID uniquely identifies a submitted job on the submitting node.
type JobID string

// NewJobID generates a fresh random job identifier.
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// TaskID identifies a task within its job. IDs embed the zero-padded
// task index so that lexical order matches submission order.
type TaskID string

// NewTaskID derives the identifier of the index-th task of a job.
func NewTaskID(job JobID, index int) TaskID {
	return TaskID(fmt.Sprintf("%s/%05d", job, index))
}
