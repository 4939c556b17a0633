// Package pool provides bounded execution pools for controlled concurrency.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Work is a unit of execution scheduled on the pool.
type Work func(ctx context.Context) error

// WorkerPool runs submitted work on a bounded set of goroutines.
// Workers spawn on demand up to MaxWorkers and exit after sitting
// idle, so a quiet node carries almost no goroutine overhead.
type WorkerPool struct {
	maxWorkers  int
	queue       chan workItem
	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	wg          sync.WaitGroup

	// Counters
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

type workItem struct {
	work   Work
	ctx    context.Context
	result chan error
}

// WorkerPoolConfig configures the pool.
type WorkerPoolConfig struct {
	// MaxWorkers bounds concurrent executions; 0 means one per core.
	MaxWorkers int `json:"max_workers"`
	// QueueSize bounds work waiting for a free worker.
	QueueSize int `json:"queue_size"`
	// IdleTimeout retires workers with nothing to do.
	IdleTimeout time.Duration `json:"idle_timeout"`
	// PanicHandler observes recovered panics, optional.
	PanicHandler func(any) `json:"-"`
}

// DefaultWorkerPoolConfig returns sensible defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		MaxWorkers:  0,
		QueueSize:   64,
		IdleTimeout: 60 * time.Second,
	}
}

// NewWorkerPool creates a pool from config.
func NewWorkerPool(config WorkerPoolConfig) *WorkerPool {
	maxWorkers := config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	idle := config.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}
	return &WorkerPool{
		maxWorkers:   maxWorkers,
		queue:        make(chan workItem, queueSize),
		idleTimeout:  idle,
		panicHandler: config.PanicHandler,
	}
}

// Submit enqueues work without waiting for it to run. ErrPoolFull is
// returned when the queue is saturated and no worker slot is free.
func (p *WorkerPool) Submit(ctx context.Context, work Work) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)

	item := workItem{work: work, ctx: ctx}

	select {
	case p.queue <- item:
		p.ensureWorker()
		return nil
	default:
		if p.trySpawnWorker() {
			select {
			case p.queue <- item:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// SubmitWait enqueues work and blocks until it finishes or ctx ends.
func (p *WorkerPool) SubmitWait(ctx context.Context, work Work) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)

	item := workItem{
		work:   work,
		ctx:    ctx,
		result: make(chan error, 1),
	}

	select {
	case p.queue <- item:
		p.ensureWorker()
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-item.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *WorkerPool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case item, ok := <-p.queue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.run(item)
			p.activeCount.Add(-1)

			if item.result != nil {
				item.result <- err
				close(item.result)
			}

			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}

			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// Keep one worker alive so the next submit is cheap.
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *WorkerPool) run(item workItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("work panicked: %v", r)
		}
	}()

	return item.work(item.ctx)
}

// Close drains the queue and waits for workers to exit.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

// Stats returns a point-in-time view of pool counters.
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// WorkerPoolStats contains pool counters.
type WorkerPoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
