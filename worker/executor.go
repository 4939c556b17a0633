package worker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/intrascale/intrascale/capacity"
	"github.com/intrascale/intrascale/config"
	"github.com/intrascale/intrascale/internal/metrics"
	"github.com/intrascale/intrascale/internal/pool"
	"github.com/intrascale/intrascale/types"
)

// ReplyFunc sends one envelope back to the submitter of a dispatch,
// over whichever connection the dispatch arrived on.
type ReplyFunc func(ctx context.Context, env *types.Envelope) error

// Executor runs dispatched tasks. It acknowledges acceptance with
// ack_running, executes the named handler on a bounded pool, and
// replies with the result or a failure. Work that cannot be accepted
// right now (queue full, capacity exceeded) is refused with a
// retryable failure so the submitter reassigns instead of waiting.
type Executor struct {
	selfID   types.NodeID
	registry *Registry
	sampler  *capacity.Sampler
	pool     *pool.WorkerPool
	metrics  *metrics.Collector
	logger   *zap.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	running map[types.TaskID]context.CancelFunc
}

// NewExecutor creates an executor backed by its own worker pool.
func NewExecutor(
	cfg config.WorkerConfig,
	selfID types.NodeID,
	registry *Registry,
	sampler *capacity.Sampler,
	m *metrics.Collector,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		selfID:   selfID,
		registry: registry,
		sampler:  sampler,
		pool: pool.NewWorkerPool(pool.WorkerPoolConfig{
			MaxWorkers: cfg.MaxWorkers,
			QueueSize:  cfg.QueueSize,
		}),
		metrics: m,
		logger:  logger.With(zap.String("component", "worker")),
		tracer:  otel.Tracer("intrascale/worker"),
		running: make(map[types.TaskID]context.CancelFunc),
	}
}

// Close drains the pool. In-flight handlers run to completion.
func (e *Executor) Close() {
	e.pool.Close()
}

// Stats exposes pool counters for the status API.
func (e *Executor) Stats() pool.WorkerPoolStats {
	return e.pool.Stats()
}

// HandleDispatch processes one inbound dispatch envelope. It never
// blocks on execution: the task is either queued with an immediate
// ack_running, or refused with a retryable failure reply.
func (e *Executor) HandleDispatch(ctx context.Context, d types.TaskDispatch, reply ReplyFunc) {
	log := e.logger.With(
		zap.String("task", string(d.TaskID)),
		zap.String("handler", d.Handler),
		zap.Int("attempt", d.Attempt),
	)

	handler, ok := e.registry.Get(d.Handler)
	if !ok {
		log.Warn("refusing task for unknown handler")
		e.refuse(ctx, d, reply, types.ErrHandlerNotFound,
			"no handler named "+d.Handler, false)
		return
	}

	// The advertised snapshot may have aged; re-check locally and
	// refuse rather than thrash. The submitter treats this as a
	// retryable scheduling miss.
	if !d.Hint.Zero() && e.sampler != nil {
		if snap, err := e.sampler.Snapshot(ctx); err == nil && !snap.CanFit(d.Hint) {
			log.Info("refusing task, insufficient local capacity")
			e.refuse(ctx, d, reply, types.ErrNoCapacity,
				"local capacity below task hint", true)
			return
		}
	}

	// The task outlives the dispatch envelope's context; it is bounded
	// by its own deadline and by explicit cancel messages.
	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if d.Deadline.IsZero() {
		taskCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	} else {
		taskCtx, cancel = context.WithDeadline(context.WithoutCancel(ctx), d.Deadline)
	}

	e.mu.Lock()
	e.running[d.TaskID] = cancel
	e.mu.Unlock()

	err := e.pool.Submit(taskCtx, func(runCtx context.Context) error {
		e.execute(runCtx, d, handler, reply)
		return nil
	})
	if err != nil {
		e.forget(d.TaskID)
		log.Info("refusing task, execution pool saturated", zap.Error(err))
		e.refuse(ctx, d, reply, types.ErrWorkerBusy, "execution pool saturated", true)
		return
	}

	ack, err := types.NewEnvelope(types.MsgAckRunning, e.selfID, types.TaskAck{
		JobID: d.JobID, TaskID: d.TaskID, Attempt: d.Attempt,
	})
	if err == nil {
		if err := reply(ctx, ack); err != nil {
			log.Debug("ack delivery failed", zap.Error(err))
		}
	}
}

// HandleCancel stops a running task's context. Cancellation is
// cooperative: a handler that ignores its context runs to completion,
// but its result will be ignored by the submitter anyway.
func (e *Executor) HandleCancel(c types.TaskCancel) {
	e.mu.Lock()
	cancel, ok := e.running[c.TaskID]
	e.mu.Unlock()
	if ok {
		e.logger.Info("cancelling task", zap.String("task", string(c.TaskID)))
		cancel()
	}
}

func (e *Executor) execute(ctx context.Context, d types.TaskDispatch, handler HandlerFunc, reply ReplyFunc) {
	defer e.forget(d.TaskID)

	ctx = types.WithJobID(ctx, d.JobID)
	ctx = types.WithTaskID(ctx, d.TaskID)

	ctx, span := e.tracer.Start(ctx, "worker.execute",
		trace.WithAttributes(
			attribute.String("task_id", string(d.TaskID)),
			attribute.String("handler", d.Handler),
		))
	defer span.End()

	start := time.Now()
	output, err := handler(ctx, d.Input)
	took := time.Since(start)

	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordWorkerExecution(d.Handler, "failed", took)
		}
		e.logger.Warn("task execution failed",
			zap.String("task", string(d.TaskID)),
			zap.Duration("took", took),
			zap.Error(err),
		)
		env, encErr := types.NewEnvelope(types.MsgFail, e.selfID, types.TaskFailure{
			JobID: d.JobID, TaskID: d.TaskID, Attempt: d.Attempt,
			Code:      types.ErrTaskExecution,
			Reason:    err.Error(),
			Retryable: ctx.Err() == nil, // a cancelled task is not worth retrying here
		})
		if encErr == nil {
			reply(replyCtx, env)
		}
		return
	}

	if e.metrics != nil {
		e.metrics.RecordWorkerExecution(d.Handler, "ok", took)
	}
	e.logger.Debug("task executed",
		zap.String("task", string(d.TaskID)),
		zap.Duration("took", took),
	)
	env, encErr := types.NewEnvelope(types.MsgResult, e.selfID, types.TaskResult{
		JobID: d.JobID, TaskID: d.TaskID, Attempt: d.Attempt, Output: output,
	})
	if encErr == nil {
		if err := reply(replyCtx, env); err != nil {
			e.logger.Warn("result delivery failed",
				zap.String("task", string(d.TaskID)), zap.Error(err))
		}
	}
}

func (e *Executor) refuse(ctx context.Context, d types.TaskDispatch, reply ReplyFunc, code types.ErrorCode, reason string, retryable bool) {
	if e.metrics != nil {
		e.metrics.RecordWorkerRefusal(string(code))
	}
	env, err := types.NewEnvelope(types.MsgFail, e.selfID, types.TaskFailure{
		JobID: d.JobID, TaskID: d.TaskID, Attempt: d.Attempt,
		Code: code, Reason: reason, Retryable: retryable,
	})
	if err != nil {
		return
	}
	if err := reply(ctx, env); err != nil {
		e.logger.Debug("refusal delivery failed", zap.Error(err))
	}
}

func (e *Executor) forget(id types.TaskID) {
	e.mu.Lock()
	if cancel, ok := e.running[id]; ok {
		delete(e.running, id)
		cancel()
	}
	e.mu.Unlock()
}
