package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_SubmitWait(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 2, QueueSize: 4})
	defer p.Close()

	var ran atomic.Bool
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestWorkerPool_SubmitWaitPropagatesError(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	boom := errors.New("boom")
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestWorkerPool_PanicRecovered(t *testing.T) {
	var recovered atomic.Value
	p := NewWorkerPool(WorkerPoolConfig{
		MaxWorkers: 1,
		QueueSize:  1,
		PanicHandler: func(v any) {
			recovered.Store(v)
		},
	})
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, "kaboom", recovered.Load())
}

func TestWorkerPool_ConcurrencyBounded(t *testing.T) {
	const maxWorkers = 3
	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: maxWorkers, QueueSize: 32})
	defer p.Close()

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	done := make(chan struct{}, 16)

	for i := 0; i < 16; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			done <- struct{}{}
			return nil
		})
		require.NoError(t, err)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	for i := 0; i < 16; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("work did not complete")
		}
	}

	assert.LessOrEqual(t, peak.Load(), int32(maxWorkers))
}

func TestWorkerPool_RejectsWhenSaturated(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	block := make(chan struct{})
	defer close(block)

	// Occupy the single worker, then fill the queue.
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))

	// Eventually the queue fills and submits start bouncing.
	var sawFull bool
	for i := 0; i < 50; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			<-block
			return nil
		})
		if errors.Is(err, ErrPoolFull) {
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull, "expected ErrPoolFull once saturated")
	assert.Positive(t, p.Stats().Rejected)
}

func TestWorkerPool_SubmitAfterClose(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueSize: 1})
	p.Close()

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_ZeroMaxWorkersMeansPerCore(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{})
	defer p.Close()
	assert.Positive(t, p.maxWorkers)
}
