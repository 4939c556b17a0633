// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every Prometheus instrument the node exports. One
// collector is created per node; instruments register on the node's
// own registry under the given namespace, so embedded and test setups
// can run several nodes in one process.
type Collector struct {
	// Discovery metrics
	announcementsSent     prometheus.Counter
	announcementsReceived *prometheus.CounterVec
	handshakes            *prometheus.CounterVec

	// Membership metrics
	peers           *prometheus.GaugeVec
	peerTransitions *prometheus.CounterVec
	peerEvictions   prometheus.Counter

	// Transport metrics
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	frameBytes     *prometheus.HistogramVec
	dialFailures   prometheus.Counter
	openConns      prometheus.Gauge

	// Scheduler metrics
	tasksDispatched *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec
	tasksReassigned *prometheus.CounterVec
	tasksRunning    prometheus.Gauge
	jobsFinished    *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	attemptsPerTask prometheus.Histogram

	// Worker metrics
	workerExecutions *prometheus.CounterVec
	workerDuration   *prometheus.HistogramVec
	workerRefusals   *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewCollector creates a registry and registers the instrument set,
// including the standard Go runtime and process collectors.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// Discovery metrics
	c.announcementsSent = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_sent_total",
			Help:      "Total number of presence broadcasts sent",
		},
	)

	c.announcementsReceived = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_received_total",
			Help:      "Total number of presence broadcasts received",
		},
		[]string{"result"}, // processed, own, version_mismatch, rate_limited, malformed
	)

	c.handshakes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total number of confirm handshakes attempted",
		},
		[]string{"outcome"}, // ok, failed
	)

	// Membership metrics
	c.peers = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Known peers by liveness state",
		},
		[]string{"state"},
	)

	c.peerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_transitions_total",
			Help:      "Total number of peer liveness transitions",
		},
		[]string{"from", "to"},
	)

	c.peerEvictions = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_evictions_total",
			Help:      "Total number of dead peer records evicted",
		},
	)

	// Transport metrics
	c.framesSent = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of frames written to peers",
		},
		[]string{"type"},
	)

	c.framesReceived = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of frames read from peers",
		},
		[]string{"type"},
	)

	c.frameBytes = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_bytes",
			Help:      "Frame payload sizes in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		},
		[]string{"direction"}, // sent, received
	)

	c.dialFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Total number of failed peer dials",
		},
	)

	c.openConns = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Currently open peer connections",
		},
	)

	// Scheduler metrics
	c.tasksDispatched = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Total number of task dispatches",
		},
		[]string{"handler"},
	)

	c.tasksFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks reaching a terminal state",
		},
		[]string{"handler", "state"}, // done, failed
	)

	c.tasksReassigned = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_reassigned_total",
			Help:      "Total number of tasks sent back to pending",
		},
		[]string{"reason"}, // deadline, peer_dead, refused, failed
	)

	c.tasksRunning = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Tasks currently assigned or running",
		},
	)

	c.jobsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs reaching a terminal state",
		},
		[]string{"state"}, // done, failed, cancelled
	)

	c.jobDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job wall time from submit to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"state"},
	)

	c.attemptsPerTask = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempts_per_task",
			Help:      "Attempts consumed by tasks reaching a terminal state",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
	)

	// Worker metrics
	c.workerExecutions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_executions_total",
			Help:      "Total number of task executions on this node",
		},
		[]string{"handler", "status"}, // ok, error, cancelled
	)

	c.workerDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_execution_duration_seconds",
			Help:      "Handler execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"handler"},
	)

	c.workerRefusals = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_refusals_total",
			Help:      "Total number of dispatches this node refused",
		},
		[]string{"reason"}, // busy, no_handler, no_capacity
	)

	// HTTP metrics
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordAnnouncementSent counts one outbound broadcast.
func (c *Collector) RecordAnnouncementSent() {
	c.announcementsSent.Inc()
}

// RecordAnnouncementReceived counts one inbound broadcast by result.
func (c *Collector) RecordAnnouncementReceived(result string) {
	c.announcementsReceived.WithLabelValues(result).Inc()
}

// RecordHandshake counts one confirm handshake.
func (c *Collector) RecordHandshake(outcome string) {
	c.handshakes.WithLabelValues(outcome).Inc()
}

// SetPeers sets the peer gauge for one liveness state.
func (c *Collector) SetPeers(state string, n int) {
	c.peers.WithLabelValues(state).Set(float64(n))
}

// RecordPeerTransition counts one liveness transition.
func (c *Collector) RecordPeerTransition(from, to string) {
	c.peerTransitions.WithLabelValues(from, to).Inc()
}

// RecordPeerEviction counts one evicted record.
func (c *Collector) RecordPeerEviction() {
	c.peerEvictions.Inc()
}

// RecordFrameSent counts one outbound frame.
func (c *Collector) RecordFrameSent(msgType string, bytes int) {
	c.framesSent.WithLabelValues(msgType).Inc()
	c.frameBytes.WithLabelValues("sent").Observe(float64(bytes))
}

// RecordFrameReceived counts one inbound frame.
func (c *Collector) RecordFrameReceived(msgType string, bytes int) {
	c.framesReceived.WithLabelValues(msgType).Inc()
	c.frameBytes.WithLabelValues("received").Observe(float64(bytes))
}

// RecordDialFailure counts one failed peer dial.
func (c *Collector) RecordDialFailure() {
	c.dialFailures.Inc()
}

// AddOpenConns moves the open connection gauge by delta.
func (c *Collector) AddOpenConns(delta int) {
	c.openConns.Add(float64(delta))
}

// RecordTaskDispatched counts one dispatch.
func (c *Collector) RecordTaskDispatched(handler string) {
	c.tasksDispatched.WithLabelValues(handler).Inc()
}

// RecordTaskFinished counts a task reaching a terminal state.
func (c *Collector) RecordTaskFinished(handler, state string, attempts int) {
	c.tasksFinished.WithLabelValues(handler, state).Inc()
	c.attemptsPerTask.Observe(float64(attempts))
}

// RecordTaskReassigned counts a task sent back to pending.
func (c *Collector) RecordTaskReassigned(reason string) {
	c.tasksReassigned.WithLabelValues(reason).Inc()
}

// SetTasksRunning sets the in-flight task gauge.
func (c *Collector) SetTasksRunning(n int) {
	c.tasksRunning.Set(float64(n))
}

// RecordJobFinished counts a finished job with its wall time.
func (c *Collector) RecordJobFinished(state string, duration time.Duration) {
	c.jobsFinished.WithLabelValues(state).Inc()
	c.jobDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordWorkerExecution counts one local handler run.
func (c *Collector) RecordWorkerExecution(handler, status string, duration time.Duration) {
	c.workerExecutions.WithLabelValues(handler, status).Inc()
	c.workerDuration.WithLabelValues(handler).Observe(duration.Seconds())
}

// RecordWorkerRefusal counts one refused dispatch.
func (c *Collector) RecordWorkerRefusal(reason string) {
	c.workerRefusals.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest records one status API request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Registry returns the node's Prometheus registry for the /metrics
// endpoint.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// statusCode collapses an HTTP status into its class.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
