package types

import "time"

// TaskState is the lifecycle stage of a single task.
type TaskState string

const (
	// TaskPending means the task is waiting for a peer with capacity.
	TaskPending TaskState = "pending"
	// TaskAssigned means the task was dispatched but the worker has not
	// acknowledged it yet.
	TaskAssigned TaskState = "assigned"
	// TaskRunning means the worker acknowledged and is executing.
	TaskRunning TaskState = "running"
	// TaskDone means a result was received.
	TaskDone TaskState = "done"
	// TaskFailed means the task failed permanently after exhausting
	// its attempt budget.
	TaskFailed TaskState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// JobState is the lifecycle stage of a job as a whole.
type JobState string

const (
	// JobRunning means at least one task is not yet terminal.
	JobRunning JobState = "running"
	// JobDone means every task completed and the aggregate is ready.
	JobDone JobState = "done"
	// JobFailed means some task failed permanently.
	JobFailed JobState = "failed"
	// JobCancelled means the submitter cancelled the job.
	JobCancelled JobState = "cancelled"
)

// TaskSnapshot is a read-only copy of one task's bookkeeping, exposed
// through job handles and the status API.
type TaskSnapshot struct {
	TaskID     TaskID    `json:"task_id"`
	Index      int       `json:"index"`
	State      TaskState `json:"state"`
	AssignedTo NodeID    `json:"assigned_to,omitempty"`
	Attempts   int       `json:"attempts"`
	Deadline   time.Time `json:"deadline"`
	Error      string    `json:"error,omitempty"`
}

// JobSnapshot is a read-only copy of a job's bookkeeping.
type JobSnapshot struct {
	JobID       JobID          `json:"job_id"`
	Handler     string         `json:"handler"`
	State       JobState       `json:"state"`
	SubmittedAt time.Time      `json:"submitted_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Tasks       []TaskSnapshot `json:"tasks"`
}

// Counts tallies tasks by state.
func (j *JobSnapshot) Counts() map[TaskState]int {
	counts := make(map[TaskState]int, 5)
	for _, t := range j.Tasks {
		counts[t.State]++
	}
	return counts
}
