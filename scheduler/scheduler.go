// Package scheduler converts submitted jobs into dispatched tasks and
// converges on an aggregated result or a job-level failure.
//
// All task state lives on the submitting node and is mutated only by
// the scheduler: message handlers, the periodic pass, and the
// dead-peer hook all funnel through one mutex. Capacity figures from
// the membership registry are treated as hints; a dispatch that lands
// on an overloaded peer resolves through the timeout and reassignment
// path, not through pre-validation.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/intrascale/intrascale/config"
	"github.com/intrascale/intrascale/internal/metrics"
	"github.com/intrascale/intrascale/types"
)

// Sender delivers one envelope to a peer's transport address. The
// transport cache implements it.
type Sender interface {
	Send(ctx context.Context, addr string, env *types.Envelope) error
}

// PeerSource supplies the schedulable peers. The membership registry
// implements it.
type PeerSource interface {
	ListAlive() []*types.PeerRecord
}

// SelfFunc returns the local node as a schedulable candidate, or nil
// when the local node should not execute tasks.
type SelfFunc func() *types.PeerRecord

// EventType classifies a job lifecycle event.
type EventType string

const (
	EventJobSubmitted EventType = "job_submitted"
	EventJobFinished  EventType = "job_finished"
)

// Event is one job lifecycle change, delivered to subscribers.
type Event struct {
	Type EventType          `json:"type"`
	Job  *types.JobSnapshot `json:"job"`
}

// Scheduler owns every job submitted on this node.
type Scheduler struct {
	cfg     config.SchedulerConfig
	selfID  types.NodeID
	self    SelfFunc
	peers   PeerSource
	sender  Sender
	metrics *metrics.Collector
	logger  *zap.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	jobs     map[types.JobID]*job
	inFlight map[types.NodeID]int

	subMu  sync.Mutex
	subs   map[int]chan Event
	subSeq int

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. self may be nil on submit-only nodes.
func New(
	cfg config.SchedulerConfig,
	selfID types.NodeID,
	self SelfFunc,
	peers PeerSource,
	sender Sender,
	m *metrics.Collector,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		selfID:   selfID,
		self:     self,
		peers:    peers,
		sender:   sender,
		metrics:  m,
		logger:   logger.With(zap.String("component", "scheduler")),
		tracer:   otel.Tracer("intrascale/scheduler"),
		jobs:     make(map[types.JobID]*job),
		inFlight: make(map[types.NodeID]int),
		subs:     make(map[int]chan Event),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the dispatch/timeout loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop terminates the loop. Unfinished handles resolve with ErrClosed.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.mu.Lock()
		var open []*job
		for _, j := range s.jobs {
			if j.state == types.JobRunning {
				open = append(open, j)
			}
		}
		s.mu.Unlock()
		for _, j := range open {
			j.handle.finish(nil, types.ErrClosed)
		}

		s.subMu.Lock()
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		s.subMu.Unlock()
	})
}

// Submit registers a job and returns its handle. Dispatch happens
// asynchronously on the scheduling loop.
func (s *Scheduler) Submit(ctx context.Context, spec JobSpec) (*JobHandle, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if spec.Aggregate == nil {
		spec.Aggregate = Concat
	}
	if spec.Timeout <= 0 {
		spec.Timeout = s.cfg.DispatchTimeout
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = s.cfg.MaxAttempts
	}

	id := types.NewJobID()
	j := &job{
		id:          id,
		spec:        spec,
		state:       types.JobRunning,
		tasks:       make([]*task, len(spec.Inputs)),
		submittedAt: time.Now(),
		handle:      newJobHandle(id, s),
	}
	for i, input := range spec.Inputs {
		j.tasks[i] = &task{
			id:    types.NewTaskID(id, i),
			index: i,
			input: input,
			state: types.TaskPending,
		}
	}

	_, span := s.tracer.Start(ctx, "scheduler.submit",
		trace.WithAttributes(
			attribute.String("job_id", string(id)),
			attribute.String("handler", spec.Handler),
			attribute.Int("tasks", len(spec.Inputs)),
		))
	span.End()

	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()

	s.logger.Info("job submitted",
		zap.String("job", string(id)),
		zap.String("handler", spec.Handler),
		zap.Int("tasks", len(spec.Inputs)),
	)
	s.publish(Event{Type: EventJobSubmitted, Job: j.snapshot()})
	s.nudge()
	return j.handle, nil
}

// Jobs returns snapshots of every known job, newest first.
func (s *Scheduler) Jobs() []*types.JobSnapshot {
	s.mu.Lock()
	out := make([]*types.JobSnapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		return out[i].SubmittedAt.After(out[k].SubmittedAt)
	})
	return out
}

// Job returns a snapshot of one job.
func (s *Scheduler) Job(id types.JobID) (*types.JobSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return j.snapshot(), true
}

// Subscribe returns a channel of job lifecycle events and a cancel
// function. Slow subscribers lose events rather than block dispatch.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.subSeq
	s.subSeq++
	ch := make(chan Event, 64)
	s.subs[id] = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Scheduler) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// nudge wakes the scheduling loop without waiting for the ticker.
func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.pass(ctx, time.Now())
	}
}

// dispatchPlan pairs a task with its chosen destination, decided under
// the lock and executed outside it.
type dispatchPlan struct {
	job  *job
	task *task
	peer *types.PeerRecord
}

// Pass runs one scheduling round: requeue overdue attempts, then
// assign pending tasks. Exported for tests that drive time by hand.
func (s *Scheduler) Pass(ctx context.Context, now time.Time) {
	s.pass(ctx, now)
}

func (s *Scheduler) pass(ctx context.Context, now time.Time) {
	candidates := s.peers.ListAlive()
	if s.self != nil {
		if rec := s.self(); rec != nil {
			candidates = append(candidates, rec)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].NodeID < candidates[k].NodeID
	})

	var (
		plans   []dispatchPlan
		expired []*job
	)

	s.mu.Lock()
	for _, j := range s.jobs {
		if j.state != types.JobRunning {
			continue
		}
		timedOut := false
		for _, t := range j.tasks {
			// Deadline check first, so a freed slot can be reused in
			// the same pass.
			if (t.state == types.TaskAssigned || t.state == types.TaskRunning) &&
				now.After(t.deadline) {
				s.requeueLocked(j, t, "timeout")
				timedOut = true
			}
		}
		if timedOut {
			expired = append(expired, j)
		}
		for _, t := range j.tasks {
			if t.state != types.TaskPending {
				continue
			}
			peer := pickPeer(j.spec.Hint, candidates, s.inFlight, s.cfg.MaxInFlightPerPeer)
			if peer == nil {
				continue // no capacity anywhere; retried next pass
			}
			t.state = types.TaskAssigned
			t.assigned = peer.NodeID
			t.addr = peer.Addr
			t.attempt++
			t.deadline = now.Add(j.spec.Timeout)
			s.inFlight[peer.NodeID]++
			plans = append(plans, dispatchPlan{job: j, task: t, peer: peer})
		}
	}
	s.updateRunningGaugeLocked()
	s.mu.Unlock()

	// A timeout on a task's last attempt fails it permanently; the job
	// must fail with it instead of hanging in RUNNING.
	for _, j := range expired {
		s.reconcileJob(j)
	}
	for _, p := range plans {
		s.dispatch(ctx, p)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, p dispatchPlan) {
	ctx, span := s.tracer.Start(ctx, "scheduler.dispatch",
		trace.WithAttributes(
			attribute.String("task_id", string(p.task.id)),
			attribute.String("peer", string(p.peer.NodeID)),
		))
	defer span.End()

	payload := types.TaskDispatch{
		JobID:    p.job.id,
		TaskID:   p.task.id,
		Attempt:  p.task.attempt,
		Handler:  p.job.spec.Handler,
		Input:    p.task.input,
		Hint:     p.job.spec.Hint,
		Deadline: p.task.deadline,
	}
	env, err := types.NewEnvelope(types.MsgDispatch, s.selfID, payload)
	if err == nil {
		err = s.sender.Send(ctx, p.peer.Addr, env)
	}
	if err != nil {
		s.logger.Warn("dispatch failed",
			zap.String("task", string(p.task.id)),
			zap.String("peer", p.peer.NodeID.Short()),
			zap.Error(err),
		)
		s.mu.Lock()
		if p.task.state == types.TaskAssigned && p.task.attempt == payload.Attempt {
			s.requeueLocked(p.job, p.task, "dispatch_failed")
			s.updateRunningGaugeLocked()
		}
		s.mu.Unlock()
		s.reconcileJob(p.job)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordTaskDispatched(p.job.spec.Handler)
	}
	s.logger.Debug("task dispatched",
		zap.String("task", string(p.task.id)),
		zap.String("peer", p.peer.NodeID.Short()),
		zap.Int("attempt", p.task.attempt),
	)
}

// requeueLocked sends an attempt back to the pending pool or, when the
// attempt budget is spent, marks the task permanently failed. Caller
// holds the mutex.
func (s *Scheduler) requeueLocked(j *job, t *task, reason string) {
	if t.assigned != "" {
		if n := s.inFlight[t.assigned]; n > 1 {
			s.inFlight[t.assigned] = n - 1
		} else {
			delete(s.inFlight, t.assigned)
		}
	}

	if t.attempt >= j.spec.MaxAttempts {
		t.state = types.TaskFailed
		if t.failure == "" {
			t.failure = fmt.Sprintf("%s after %d attempts", reason, t.attempt)
		}
		t.assigned = ""
		if s.metrics != nil {
			s.metrics.RecordTaskFinished(j.spec.Handler, string(types.TaskFailed), t.attempt)
		}
		s.logger.Warn("task failed permanently",
			zap.String("task", string(t.id)),
			zap.String("reason", reason),
			zap.Int("attempts", t.attempt),
		)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordTaskReassigned(reason)
	}
	t.state = types.TaskPending
	t.assigned = ""
	t.addr = ""
	s.logger.Info("task requeued",
		zap.String("task", string(t.id)),
		zap.String("reason", reason),
		zap.Int("attempt", t.attempt),
	)
	s.nudge()
}

// OnPeerDead reassigns every task currently assigned to a peer the
// membership registry declared DEAD. Wired as the registry's callback.
func (s *Scheduler) OnPeerDead(id types.NodeID) {
	var affected []*job

	s.mu.Lock()
	for _, j := range s.jobs {
		if j.state != types.JobRunning {
			continue
		}
		touched := false
		for _, t := range j.tasks {
			if t.assigned == id &&
				(t.state == types.TaskAssigned || t.state == types.TaskRunning) {
				s.requeueLocked(j, t, "peer_dead")
				touched = true
			}
		}
		if touched {
			affected = append(affected, j)
		}
	}
	s.updateRunningGaugeLocked()
	s.mu.Unlock()

	for _, j := range affected {
		s.reconcileJob(j)
	}
}

// HandleAck processes a worker's RUNNING acknowledgment.
func (s *Scheduler) HandleAck(ack types.TaskAck) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, t := s.lookupLocked(ack.JobID, ack.TaskID)
	if t == nil || j.state != types.JobRunning {
		return
	}
	if t.state == types.TaskAssigned && t.attempt == ack.Attempt {
		t.state = types.TaskRunning
	}
}

// HandleResult processes a completed task. Results for superseded
// attempts or finished jobs are ignored.
func (s *Scheduler) HandleResult(res types.TaskResult) {
	s.mu.Lock()
	j, t := s.lookupLocked(res.JobID, res.TaskID)
	if t == nil || j.state != types.JobRunning ||
		t.attempt != res.Attempt ||
		(t.state != types.TaskAssigned && t.state != types.TaskRunning) {
		s.mu.Unlock()
		return
	}

	t.state = types.TaskDone
	t.result = res.Output
	// The assignment is kept on completed tasks so snapshots attribute
	// results to their executor; only the in-flight slot is released.
	if t.assigned != "" {
		if n := s.inFlight[t.assigned]; n > 1 {
			s.inFlight[t.assigned] = n - 1
		} else {
			delete(s.inFlight, t.assigned)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordTaskFinished(j.spec.Handler, string(types.TaskDone), t.attempt)
	}
	s.updateRunningGaugeLocked()
	done := j.allDone()
	s.mu.Unlock()

	if done {
		s.aggregate(j)
	}
}

// HandleFailure processes a worker-reported failure. Retryable
// failures consume an attempt and requeue; non-retryable ones fail the
// task, and with it the job, immediately.
func (s *Scheduler) HandleFailure(f types.TaskFailure) {
	s.mu.Lock()
	j, t := s.lookupLocked(f.JobID, f.TaskID)
	if t == nil || j.state != types.JobRunning ||
		t.attempt != f.Attempt ||
		(t.state != types.TaskAssigned && t.state != types.TaskRunning) {
		s.mu.Unlock()
		return
	}

	t.failure = f.Reason
	if f.Retryable {
		s.requeueLocked(j, t, "worker_failed")
	} else {
		if t.assigned != "" {
			if n := s.inFlight[t.assigned]; n > 1 {
				s.inFlight[t.assigned] = n - 1
			} else {
				delete(s.inFlight, t.assigned)
			}
			t.assigned = ""
		}
		t.state = types.TaskFailed
		if s.metrics != nil {
			s.metrics.RecordTaskFinished(j.spec.Handler, string(types.TaskFailed), t.attempt)
		}
	}
	s.updateRunningGaugeLocked()
	s.mu.Unlock()

	s.reconcileJob(j)
}

// reconcileJob fails the job when any of its tasks has failed
// permanently.
func (s *Scheduler) reconcileJob(j *job) {
	var failure string

	s.mu.Lock()
	if j.state != types.JobRunning {
		s.mu.Unlock()
		return
	}
	for _, t := range j.tasks {
		if t.state == types.TaskFailed {
			failure = fmt.Sprintf("task %s: %s", t.id, t.failure)
			break
		}
	}
	if failure == "" {
		s.mu.Unlock()
		return
	}
	j.state = types.JobFailed
	j.finishedAt = time.Now()
	cancels := s.cancelMessagesLocked(j)
	s.mu.Unlock()

	s.finishJob(j, nil, types.NewError(types.ErrJobFailed, failure))
	s.sendCancels(j, cancels)
}

// aggregate runs the job's aggregation policy over results ordered by
// task index and resolves the handle.
func (s *Scheduler) aggregate(j *job) {
	s.mu.Lock()
	if j.state != types.JobRunning {
		s.mu.Unlock()
		return
	}
	results := make([][]byte, len(j.tasks))
	for i, t := range j.tasks {
		results[i] = t.result
	}
	j.state = types.JobDone
	j.finishedAt = time.Now()
	s.mu.Unlock()

	out, err := j.spec.Aggregate(context.Background(), results)
	if err != nil {
		s.mu.Lock()
		j.state = types.JobFailed
		s.mu.Unlock()
		s.finishJob(j, nil, types.NewError(types.ErrJobFailed, "aggregation failed").WithCause(err))
		return
	}
	s.finishJob(j, out, nil)
}

// Cancel stops a running job by ID. Cancelling a finished or already
// cancelled job is a no-op; an unknown ID is an error.
func (s *Scheduler) Cancel(id types.JobID) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrJobUnknown, fmt.Sprintf("no job %s on this node", id))
	}
	s.cancel(id)
	return nil
}

// cancel stops a job's bookkeeping and best-effort stops its workers.
func (s *Scheduler) cancel(id types.JobID) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.state != types.JobRunning {
		s.mu.Unlock()
		return
	}
	j.state = types.JobCancelled
	j.finishedAt = time.Now()
	cancels := s.cancelMessagesLocked(j)
	s.updateRunningGaugeLocked()
	s.mu.Unlock()

	s.logger.Info("job cancelled", zap.String("job", string(id)))
	s.finishJob(j, nil, types.NewError(types.ErrJobCancelled, "job cancelled by submitter"))
	s.sendCancels(j, cancels)
}

// cancelMessage pairs a cancel payload with its destination.
type cancelMessage struct {
	addr    string
	payload types.TaskCancel
}

// cancelMessagesLocked releases in-flight bookkeeping for a finished
// job and collects the cancel messages to send. Caller holds the
// mutex.
func (s *Scheduler) cancelMessagesLocked(j *job) []cancelMessage {
	var out []cancelMessage
	for _, t := range j.tasks {
		if t.state != types.TaskAssigned && t.state != types.TaskRunning {
			continue
		}
		if t.assigned != "" {
			if n := s.inFlight[t.assigned]; n > 1 {
				s.inFlight[t.assigned] = n - 1
			} else {
				delete(s.inFlight, t.assigned)
			}
		}
		out = append(out, cancelMessage{
			addr:    t.addr,
			payload: types.TaskCancel{JobID: j.id, TaskID: t.id},
		})
	}
	return out
}

func (s *Scheduler) sendCancels(j *job, cancels []cancelMessage) {
	if len(cancels) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, c := range cancels {
		env, err := types.NewEnvelope(types.MsgCancel, s.selfID, c.payload)
		if err != nil {
			continue
		}
		// Best effort only: a peer that misses the cancel simply
		// produces a result nobody is listening for.
		if err := s.sender.Send(ctx, c.addr, env); err != nil {
			s.logger.Debug("cancel delivery failed",
				zap.String("task", string(c.payload.TaskID)),
				zap.Error(err),
			)
		}
	}
}

func (s *Scheduler) finishJob(j *job, result []byte, err error) {
	state := types.JobDone
	if err != nil {
		if types.IsErrorCode(err, types.ErrJobCancelled) {
			state = types.JobCancelled
		} else {
			state = types.JobFailed
		}
	}
	if s.metrics != nil {
		s.metrics.RecordJobFinished(string(state), j.finishedAt.Sub(j.submittedAt))
	}
	s.logger.Info("job finished",
		zap.String("job", string(j.id)),
		zap.String("state", string(state)),
		zap.Duration("took", j.finishedAt.Sub(j.submittedAt)),
	)
	j.handle.finish(result, err)
	s.publish(Event{Type: EventJobFinished, Job: j.snapshot()})
}

func (s *Scheduler) lookupLocked(jobID types.JobID, taskID types.TaskID) (*job, *task) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	for _, t := range j.tasks {
		if t.id == taskID {
			return j, t
		}
	}
	return j, nil
}

func (s *Scheduler) updateRunningGaugeLocked() {
	if s.metrics == nil {
		return
	}
	n := 0
	for _, j := range s.jobs {
		if j.state != types.JobRunning {
			continue
		}
		for _, t := range j.tasks {
			if t.state == types.TaskAssigned || t.state == types.TaskRunning {
				n++
			}
		}
	}
	s.metrics.SetTasksRunning(n)
}
