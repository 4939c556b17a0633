package node

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intrascale/intrascale/config"
	"github.com/intrascale/intrascale/scheduler"
	"github.com/intrascale/intrascale/testutil"
	"github.com/intrascale/intrascale/types"
	"github.com/intrascale/intrascale/worker"
)

// testConfig binds everything to loopback ephemeral ports so several
// nodes can share one process.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Node.Hostname = "test-node"
	cfg.Node.AdvertiseAddr = "127.0.0.1"
	cfg.Discovery.Enabled = false
	cfg.HTTP.Port = 0
	cfg.Transport.Port = 0
	cfg.Transport.BindAddr = "127.0.0.1"
	cfg.Scheduler.PassInterval = 20 * time.Millisecond
	cfg.Scheduler.DispatchTimeout = 5 * time.Second
	return cfg
}

// newTestNode assembles a node; nil handlers means submit-only.
func newTestNode(t *testing.T, handlers map[string]worker.HandlerFunc) *Node {
	t.Helper()
	cfg := testConfig()
	n, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	if handlers != nil {
		registry := worker.NewRegistry()
		for name, fn := range handlers {
			registry.Register(name, fn)
		}
		n.SetExecutor(worker.NewExecutor(
			cfg.Worker, n.ID(), registry, n.Sampler(), n.Metrics(), zap.NewNop(),
		))
	}
	return n
}

// startNode runs the node until test cleanup.
func startNode(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the accept loop a moment to come up.
	time.Sleep(50 * time.Millisecond)
}

// link makes `to` an ALIVE peer of `from`, standing in for the
// discovery handshake these tests disable.
func link(t *testing.T, from, to *Node) {
	t.Helper()
	snap, err := to.Sampler().Snapshot(context.Background())
	require.NoError(t, err)

	require.True(t, from.Registry().AddJoining(types.Announcement{
		NodeID:          to.ID(),
		Hostname:        to.Hostname(),
		Addr:            to.Addr(),
		ProtocolVersion: types.ProtocolVersion,
		Capacity:        snap,
	}))
	from.Registry().Promote(to.ID())
}

func TestSingleNodeExecutesOwnJob(t *testing.T) {
	n := newTestNode(t, map[string]worker.HandlerFunc{
		"echo": func(_ context.Context, input []byte) ([]byte, error) {
			return input, nil
		},
	})
	startNode(t, n)

	ctx := testutil.TestContextWithTimeout(t, 10*time.Second)

	handle, err := n.Submit(ctx, scheduler.JobSpec{
		Handler: "echo",
		Inputs:  [][]byte{[]byte("one"), []byte("two"), []byte("three")},
	})
	require.NoError(t, err)

	result, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "onetwothree", string(result))

	snap, ok := n.Scheduler().Job(handle.ID())
	require.True(t, ok)
	assert.Equal(t, types.JobDone, snap.State)
	for _, task := range snap.Tasks {
		assert.Equal(t, n.ID(), task.AssignedTo)
	}
}

func TestJobExecutesOnPeer(t *testing.T) {
	submitter := newTestNode(t, nil)
	executorNode := newTestNode(t, map[string]worker.HandlerFunc{
		"upper": func(_ context.Context, input []byte) ([]byte, error) {
			return []byte(strings.ToUpper(string(input))), nil
		},
	})
	startNode(t, submitter)
	startNode(t, executorNode)
	link(t, submitter, executorNode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handle, err := submitter.Submit(ctx, scheduler.JobSpec{
		Handler: "upper",
		Inputs:  [][]byte{[]byte("hello"), []byte("world")},
	})
	require.NoError(t, err)

	result, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "HELLOWORLD", string(result))

	snap, ok := submitter.Scheduler().Job(handle.ID())
	require.True(t, ok)
	require.Equal(t, types.JobDone, snap.State)
	for _, task := range snap.Tasks {
		assert.Equal(t, executorNode.ID(), task.AssignedTo)
	}
}

func TestTaskReassignedWhenPeerDies(t *testing.T) {
	submitter := newTestNode(t, nil)
	startNode(t, submitter)

	// The first executor stalls until its node shuts down.
	stallCtx, stallCancel := context.WithCancel(context.Background())
	stalled := newTestNode(t, map[string]worker.HandlerFunc{
		"work": func(ctx context.Context, _ []byte) ([]byte, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-stallCtx.Done():
				return nil, context.Canceled
			}
		},
	})
	stalledCtx, stalledCancel := context.WithCancel(context.Background())
	stalledDone := make(chan struct{})
	go func() {
		defer close(stalledDone)
		stalled.Run(stalledCtx)
	}()
	t.Cleanup(func() {
		stallCancel()
		stalledCancel()
		<-stalledDone
	})
	time.Sleep(50 * time.Millisecond)

	backup := newTestNode(t, map[string]worker.HandlerFunc{
		"work": func(_ context.Context, _ []byte) ([]byte, error) {
			return []byte("from-backup"), nil
		},
	})
	startNode(t, backup)

	link(t, submitter, stalled)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	handle, err := submitter.Submit(ctx, scheduler.JobSpec{
		Handler:     "work",
		Inputs:      [][]byte{[]byte("x")},
		MaxAttempts: 10,
	})
	require.NoError(t, err)

	// Wait until the stalling node has acked the task.
	testutil.AssertEventuallyTrue(t, 5*time.Second, func() bool {
		snap, ok := submitter.Scheduler().Job(handle.ID())
		return ok && len(snap.Tasks) == 1 &&
			snap.Tasks[0].State == types.TaskRunning &&
			snap.Tasks[0].AssignedTo == stalled.ID()
	}, "task never started on the stalling node")

	// Bring up the backup, then take the first executor down and age
	// its record past the liveness thresholds. The sweeps run against
	// future timestamps, so the backup's heartbeat is refreshed around
	// each one to keep it schedulable while the stalled peer dies.
	link(t, submitter, backup)
	stallCancel()
	stalledCancel()
	<-stalledDone

	cfg := testConfig()
	reg := submitter.Registry()
	reg.Sweep(time.Now().Add(cfg.Membership.SuspectAfter + time.Second))
	require.NoError(t, reg.MarkHeartbeat(backup.ID(), nil))
	reg.Sweep(time.Now().Add(cfg.Membership.DeadAfter + time.Second))
	require.NoError(t, reg.MarkHeartbeat(backup.ID(), nil))

	result, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-backup", string(result))

	snap, ok := submitter.Scheduler().Job(handle.ID())
	require.True(t, ok)
	assert.Equal(t, types.JobDone, snap.State)
	assert.Equal(t, backup.ID(), snap.Tasks[0].AssignedTo)
	assert.GreaterOrEqual(t, snap.Tasks[0].Attempts, 2)
}

func TestCancelReachesTheWorker(t *testing.T) {
	submitter := newTestNode(t, nil)

	taskCancelled := make(chan struct{})
	executorNode := newTestNode(t, map[string]worker.HandlerFunc{
		"block": func(ctx context.Context, _ []byte) ([]byte, error) {
			<-ctx.Done()
			close(taskCancelled)
			return nil, ctx.Err()
		},
	})
	startNode(t, submitter)
	startNode(t, executorNode)
	link(t, submitter, executorNode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handle, err := submitter.Submit(ctx, scheduler.JobSpec{
		Handler: "block",
		Inputs:  [][]byte{[]byte("x")},
	})
	require.NoError(t, err)

	testutil.AssertEventuallyTrue(t, 5*time.Second, func() bool {
		snap, ok := submitter.Scheduler().Job(handle.ID())
		return ok && snap.Tasks[0].State == types.TaskRunning
	}, "task never started")

	handle.Cancel()

	_, err = handle.Wait(ctx)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrJobCancelled))

	select {
	case <-taskCancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never observed the cancellation")
	}

	snap, ok := submitter.Scheduler().Job(handle.ID())
	require.True(t, ok)
	assert.Equal(t, types.JobCancelled, snap.State)
}

func TestSubmitOnlyNodeRefusesDispatch(t *testing.T) {
	// Two submit-only nodes: the job can never execute and fails once
	// the attempt budget is spent on refusals.
	submitter := newTestNode(t, nil)
	refuser := newTestNode(t, nil)
	startNode(t, submitter)
	startNode(t, refuser)
	link(t, submitter, refuser)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	handle, err := submitter.Submit(ctx, scheduler.JobSpec{
		Handler:     "anything",
		Inputs:      [][]byte{[]byte("x")},
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	_, err = handle.Wait(ctx)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrJobFailed))
}

func TestConfirmHandshakeBetweenNodes(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)
	startNode(t, a)
	startNode(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	own, err := a.announcement(ctx)
	require.NoError(t, err)

	theirs, err := a.Confirm(ctx, b.Addr(), own)
	require.NoError(t, err)
	assert.Equal(t, b.ID(), theirs.NodeID)
	assert.Equal(t, types.ProtocolVersion, theirs.ProtocolVersion)

	// The handshake also teaches b about a.
	testutil.AssertEventuallyTrue(t, 2*time.Second, func() bool {
		rec, ok := b.Registry().Get(a.ID())
		return ok && rec.State == types.PeerAlive
	}, "confirm did not register the caller on the receiving node")
}
