package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intrascale/intrascale/config"
	"github.com/intrascale/intrascale/discovery"
	"github.com/intrascale/intrascale/internal/metrics"
	"github.com/intrascale/intrascale/membership"
	"github.com/intrascale/intrascale/scheduler"
	"github.com/intrascale/intrascale/types"
)

// fakeNode satisfies NodeInfo without a full node.
type fakeNode struct {
	id    types.NodeID
	sched *scheduler.Scheduler
}

func (f *fakeNode) ID() types.NodeID { return f.id }
func (f *fakeNode) Hostname() string { return "test-host" }
func (f *fakeNode) Addr() string { return "192.168.1.10:50001" }
func (f *fakeNode) StartedAt() time.Time { return time.Now().Add(-time.Minute) }
func (f *fakeNode) DiscoveryState() discovery.State { return discovery.StateActive }
func (f *fakeNode) Self() *types.PeerRecord {
	return &types.PeerRecord{
		NodeID:   f.id,
		Hostname: "test-host",
		Addr:     "192.168.1.10:50001",
		State:    types.PeerAlive,
	}
}

func (f *fakeNode) Submit(ctx context.Context, spec scheduler.JobSpec) (*scheduler.JobHandle, error) {
	return f.sched.Submit(ctx, spec)
}

// dropSender swallows every envelope; nothing answers in these tests.
type dropSender struct{}

func (dropSender) Send(context.Context, string, *types.Envelope) error { return nil }

func newTestDeps(t *testing.T) (Deps, *membership.Registry, *scheduler.Scheduler) {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.NewCollector("test", logger)

	registry := membership.NewRegistry(config.DefaultMembershipConfig(), m, logger)

	selfID := types.NewNodeID()
	self := func() *types.PeerRecord {
		return &types.PeerRecord{
			NodeID: selfID,
			Addr:   "192.168.1.10:50001",
			State:  types.PeerAlive,
			Capacity: types.CapacitySnapshot{
				CPUCores:         8,
				CPUIdlePercent:   90,
				MemoryFreeBytes:  8 << 30,
				MemoryTotalBytes: 16 << 30,
			},
		}
	}
	sched := scheduler.New(
		config.DefaultSchedulerConfig(), selfID, self, registry, dropSender{}, m, logger,
	)
	t.Cleanup(sched.Stop)

	deps := Deps{
		Node:      &fakeNode{id: selfID, sched: sched},
		Registry:  registry,
		Scheduler: sched,
		Metrics:   m,
		Logger:    logger,
	}
	return deps, registry, sched
}

func getJSON(t *testing.T, server *httptest.Server, path string) Response {
	t.Helper()
	resp, err := http.Get(server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthz(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	server := httptest.NewServer(NewHandler(deps))
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestPeersIncludesSelfAndRegistry(t *testing.T) {
	deps, registry, _ := newTestDeps(t)
	server := httptest.NewServer(NewHandler(deps))
	defer server.Close()

	peer := types.NewNodeID()
	registry.AddJoining(types.Announcement{
		NodeID:          peer,
		Hostname:        "other",
		Addr:            "192.168.1.11:50001",
		ProtocolVersion: types.ProtocolVersion,
	})
	registry.Promote(peer)

	body := getJSON(t, server, "/v1/peers")
	require.True(t, body.Success)

	raw, err := json.Marshal(body.Data)
	require.NoError(t, err)
	var list PeerList
	require.NoError(t, json.Unmarshal(raw, &list))

	require.NotNil(t, list.Self)
	assert.Equal(t, "test-host", list.Self.Hostname)
	require.Len(t, list.Peers, 1)
	assert.Equal(t, peer, list.Peers[0].NodeID)
	assert.Equal(t, types.PeerAlive, list.Peers[0].State)
}

func TestSubmitJobAccepted(t *testing.T) {
	deps, _, sched := newTestDeps(t)
	server := httptest.NewServer(NewHandler(deps))
	defer server.Close()

	payload, err := json.Marshal(JobSubmitRequest{
		Handler: "wordcount",
		Inputs:  [][]byte{[]byte("a"), []byte("b")},
	})
	require.NoError(t, err)

	resp, err := http.Post(server.URL+"/v1/jobs", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.Success)

	raw, err := json.Marshal(body.Data)
	require.NoError(t, err)
	var sub JobSubmitResponse
	require.NoError(t, json.Unmarshal(raw, &sub))
	assert.NotEmpty(t, sub.JobID)

	snap, ok := sched.Job(sub.JobID)
	require.True(t, ok)
	assert.Len(t, snap.Tasks, 2)
}

func TestSubmitJobRejectsEmptyBody(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	server := httptest.NewServer(NewHandler(deps))
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/jobs", "application/json", bytes.NewReader([]byte(`{"handler":""}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobLookupUnknownIs404(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	server := httptest.NewServer(NewHandler(deps))
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/jobs/job-nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Success)
	assert.Equal(t, string(types.ErrJobUnknown), body.Error.Code)
}

func TestCancelJob(t *testing.T) {
	deps, _, sched := newTestDeps(t)
	server := httptest.NewServer(NewHandler(deps))
	defer server.Close()

	handle, err := sched.Submit(context.Background(), scheduler.JobSpec{
		Handler: "wordcount",
		Inputs:  [][]byte{[]byte("a")},
	})
	require.NoError(t, err)

	resp, err := http.Post(server.URL+"/v1/jobs/"+string(handle.ID())+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	snap, ok := sched.Job(handle.ID())
	require.True(t, ok)
	assert.Equal(t, types.JobCancelled, snap.State)
}

func TestMetricsEndpoint(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	server := httptest.NewServer(NewHandler(deps))
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventFeedDeliversMembershipEvents(t *testing.T) {
	deps, registry, _ := newTestDeps(t)
	server := httptest.NewServer(NewHandler(deps))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + server.URL[len("http"):] + "/v1/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// Give the handler a moment to register its subscriptions before
	// the event fires.
	time.Sleep(50 * time.Millisecond)

	peer := types.NewNodeID()
	registry.AddJoining(types.Announcement{
		NodeID:          peer,
		Hostname:        "other",
		Addr:            "192.168.1.11:50001",
		ProtocolVersion: types.ProtocolVersion,
	})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg EventMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "membership", msg.Source)
	assert.Equal(t, string(membership.EventJoining), msg.Type)
	require.NotNil(t, msg.Peer)
	assert.Equal(t, peer, msg.Peer.NodeID)
}
