package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/intrascale/intrascale/types"
)

// AggregateFunc combines the per-task outputs of a finished job,
// ordered by task index, into the job's final result.
type AggregateFunc func(ctx context.Context, results [][]byte) ([]byte, error)

// Concat is the default aggregation policy: ordered concatenation of
// task outputs.
func Concat(_ context.Context, results [][]byte) ([]byte, error) {
	return bytes.Join(results, nil), nil
}

// JobSpec describes one distributed computation. Partitioning happens
// before submission: the caller supplies one opaque input per task and
// the scheduler never interprets task semantics.
type JobSpec struct {
	// Handler names the worker-side handler that executes each task.
	Handler string
	// Inputs holds one opaque payload per task, in aggregation order.
	Inputs [][]byte
	// Hint declares per-task resource expectations, advisory only.
	Hint types.ResourceHint
	// Aggregate combines task outputs; nil means Concat.
	Aggregate AggregateFunc
	// Timeout overrides the per-attempt dispatch budget; 0 uses the
	// scheduler default.
	Timeout time.Duration
	// MaxAttempts overrides the per-task attempt budget; 0 uses the
	// scheduler default.
	MaxAttempts int
}

func (s JobSpec) validate() error {
	if s.Handler == "" {
		return fmt.Errorf("job spec needs a handler name")
	}
	if len(s.Inputs) == 0 {
		return fmt.Errorf("job spec needs at least one task input")
	}
	return nil
}

// task is the authoritative record of one task. It exists only on the
// submitting node; workers hold a transient execution context, never
// this record. Guarded by the scheduler mutex.
type task struct {
	id       types.TaskID
	index    int
	input    []byte
	state    types.TaskState
	assigned types.NodeID
	addr     string
	attempt  int
	deadline time.Time
	result   []byte
	failure  string
}

func (t *task) snapshot() types.TaskSnapshot {
	return types.TaskSnapshot{
		TaskID:     t.id,
		Index:      t.index,
		State:      t.state,
		AssignedTo: t.assigned,
		Attempts:   t.attempt,
		Deadline:   t.deadline,
		Error:      t.failure,
	}
}

// job tracks one submission from dispatch to aggregate. Guarded by the
// scheduler mutex except for the handle, which synchronizes itself.
type job struct {
	id          types.JobID
	spec        JobSpec
	state       types.JobState
	tasks       []*task
	submittedAt time.Time
	finishedAt  time.Time
	handle      *JobHandle
}

func (j *job) snapshot() *types.JobSnapshot {
	snap := &types.JobSnapshot{
		JobID:       j.id,
		Handler:     j.spec.Handler,
		State:       j.state,
		SubmittedAt: j.submittedAt,
		FinishedAt:  j.finishedAt,
		Tasks:       make([]types.TaskSnapshot, len(j.tasks)),
	}
	for i, t := range j.tasks {
		snap.Tasks[i] = t.snapshot()
	}
	return snap
}

func (j *job) allDone() bool {
	for _, t := range j.tasks {
		if t.state != types.TaskDone {
			return false
		}
	}
	return true
}

// JobHandle is the submitter's view of an in-flight job.
type JobHandle struct {
	id        types.JobID
	scheduler *Scheduler

	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	result []byte
	err    error
}

func newJobHandle(id types.JobID, s *Scheduler) *JobHandle {
	return &JobHandle{id: id, scheduler: s, done: make(chan struct{})}
}

// ID returns the job identifier.
func (h *JobHandle) ID() types.JobID {
	return h.id
}

// Wait blocks until the job finishes, fails, is cancelled, or ctx
// ends. A cancelled job yields a JOB_CANCELLED error, never a partial
// aggregate.
func (h *JobHandle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops the job: best-effort cancel messages go to assigned
// workers and local bookkeeping ends immediately. Remote execution may
// still finish; its results are ignored.
func (h *JobHandle) Cancel() {
	h.scheduler.cancel(h.id)
}

// Snapshot returns the job's current bookkeeping.
func (h *JobHandle) Snapshot() (*types.JobSnapshot, bool) {
	return h.scheduler.Job(h.id)
}

// finish resolves Wait exactly once.
func (h *JobHandle) finish(result []byte, err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.result = result
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}
