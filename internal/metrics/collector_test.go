package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)


func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector("test", logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.announcementsSent)
	assert.NotNil(t, collector.peers)
	assert.NotNil(t, collector.framesSent)
	assert.NotNil(t, collector.tasksDispatched)
	assert.NotNil(t, collector.workerExecutions)
	assert.NotNil(t, collector.httpRequestsTotal)
}

func TestCollector_DiscoveryInstruments(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector("test", logger)

	collector.RecordAnnouncementSent()
	collector.RecordAnnouncementReceived("processed")
	collector.RecordAnnouncementReceived("version_mismatch")
	collector.RecordHandshake("ok")

	assert.InDelta(t, 1, testutil.ToFloat64(collector.announcementsSent), 0.001)
	assert.Greater(t, testutil.CollectAndCount(collector.announcementsReceived), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.handshakes), 0)
}

func TestCollector_MembershipInstruments(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector("test", logger)

	collector.SetPeers("alive", 3)
	collector.RecordPeerTransition("alive", "suspect")
	collector.RecordPeerEviction()

	assert.InDelta(t, 3, testutil.ToFloat64(collector.peers.WithLabelValues("alive")), 0.001)
	assert.Greater(t, testutil.CollectAndCount(collector.peerTransitions), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(collector.peerEvictions), 0.001)
}

func TestCollector_TransportInstruments(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector("test", logger)

	collector.RecordFrameSent("dispatch", 512)
	collector.RecordFrameReceived("result", 128)
	collector.RecordDialFailure()
	collector.AddOpenConns(1)
	collector.AddOpenConns(-1)

	assert.Greater(t, testutil.CollectAndCount(collector.framesSent), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.framesReceived), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(collector.openConns), 0.001)
}

func TestCollector_SchedulerInstruments(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector("test", logger)

	collector.RecordTaskDispatched("wordcount")
	collector.RecordTaskFinished("wordcount", "done", 2)
	collector.RecordTaskReassigned("deadline")
	collector.SetTasksRunning(4)
	collector.RecordJobFinished("done", 3*time.Second)

	assert.Greater(t, testutil.CollectAndCount(collector.tasksDispatched), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.tasksFinished), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(collector.tasksRunning), 0.001)
	assert.Greater(t, testutil.CollectAndCount(collector.jobsFinished), 0)
}

func TestCollector_WorkerInstruments(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector("test", logger)

	collector.RecordWorkerExecution("wordcount", "ok", 120*time.Millisecond)
	collector.RecordWorkerRefusal("no_capacity")

	assert.Greater(t, testutil.CollectAndCount(collector.workerExecutions), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.workerRefusals), 0)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector("test", logger)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordFrameSent("dispatch", 100)
			collector.RecordTaskDispatched("wordcount")
			collector.RecordHTTPRequest("GET", "/v1/peers", 200, 5*time.Millisecond)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Greater(t, testutil.CollectAndCount(collector.framesSent), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.tasksDispatched), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.httpRequestsTotal), 0)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{99, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.code), "code %d", tt.code)
	}
}
