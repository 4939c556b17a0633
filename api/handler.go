package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/intrascale/intrascale/discovery"
	"github.com/intrascale/intrascale/internal/metrics"
	"github.com/intrascale/intrascale/membership"
	"github.com/intrascale/intrascale/scheduler"
	"github.com/intrascale/intrascale/types"
)

// NodeInfo is the slice of the node the handlers need. The node
// package implements it; the interface keeps api from importing node.
type NodeInfo interface {
	ID() types.NodeID
	Hostname() string
	Addr() string
	StartedAt() time.Time
	DiscoveryState() discovery.State
	Self() *types.PeerRecord
	Submit(ctx context.Context, spec scheduler.JobSpec) (*scheduler.JobHandle, error)
}

// Deps carries the subsystems the handlers read from.
type Deps struct {
	Node      NodeInfo
	Registry  *membership.Registry
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

type handler struct {
	node      NodeInfo
	registry  *membership.Registry
	scheduler *scheduler.Scheduler
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewHandler builds the status API router.
func NewHandler(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{
		node:      deps.Node,
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
		metrics:   deps.Metrics,
		logger:    logger.With(zap.String("component", "api")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/node", h.handleNode)
	mux.HandleFunc("GET /v1/peers", h.handlePeers)
	mux.HandleFunc("GET /v1/jobs", h.handleJobs)
	mux.HandleFunc("POST /v1/jobs", h.handleSubmit)
	mux.HandleFunc("GET /v1/jobs/{id}", h.handleJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /v1/events", h.handleEvents)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			deps.Metrics.Registry(), promhttp.HandlerOpts{},
		))
	}
	return h.instrument(mux)
}

// instrument records request counts and latency per route pattern.
func (h *handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		if h.metrics != nil {
			path := r.Pattern
			if path == "" {
				path = "unmatched"
			}
			h.metrics.RecordHTTPRequest(r.Method, path, rec.status, time.Since(start))
		}
	})
}

func (h *handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"node_id":   h.node.ID(),
		"timestamp": time.Now(),
	})
}

func (h *handler) handleNode(w http.ResponseWriter, r *http.Request) {
	started := h.node.StartedAt()
	WriteSuccess(w, NodeStatus{
		NodeID:        h.node.ID(),
		Hostname:      h.node.Hostname(),
		Addr:          h.node.Addr(),
		Discovery:     string(h.node.DiscoveryState()),
		StartedAt:     started,
		UptimeSeconds: time.Since(started).Seconds(),
		Peers:         h.registry.Len(),
		Jobs:          len(h.scheduler.Jobs()),
	})
}

func (h *handler) handlePeers(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, PeerList{
		Self:  h.node.Self(),
		Peers: h.registry.List(),
	})
}

func (h *handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.scheduler.Jobs())
}

func (h *handler) handleJob(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(r.PathValue("id"))
	snap, ok := h.scheduler.Job(id)
	if !ok {
		WriteErrorMessage(w, types.ErrJobUnknown, "no such job", h.logger)
		return
	}
	WriteSuccess(w, snap)
}

func (h *handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req JobSubmitRequest
	if !decodeJSONBody(w, r, &req, h.logger) {
		return
	}

	spec := scheduler.JobSpec{
		Handler:     req.Handler,
		Inputs:      req.Inputs,
		Hint:        req.Hint,
		Timeout:     time.Duration(req.TimeoutSeconds * float64(time.Second)),
		MaxAttempts: req.MaxAttempts,
	}
	handle, err := h.node.Submit(r.Context(), spec)
	if err != nil {
		if typed, ok := types.AsError(err); ok {
			WriteError(w, typed, h.logger)
		} else {
			WriteError(w, types.NewError(errInvalidRequest, "submission rejected").WithCause(err), h.logger)
		}
		return
	}

	h.logger.Info("job submitted over http",
		zap.String("job", string(handle.ID())),
		zap.String("handler", req.Handler),
		zap.Int("tasks", len(req.Inputs)),
		zap.Bool("wait", req.Wait),
	)

	if !req.Wait {
		WriteJSON(w, http.StatusAccepted, Response{
			Success:   true,
			Data:      JobSubmitResponse{JobID: handle.ID(), State: types.JobRunning},
			Timestamp: time.Now(),
		})
		return
	}

	result, err := handle.Wait(r.Context())
	if err != nil {
		if typed, ok := types.AsError(err); ok {
			WriteError(w, typed, h.logger)
		} else {
			WriteError(w, types.NewError(types.ErrJobFailed, "job failed").WithCause(err), h.logger)
		}
		return
	}
	state := types.JobDone
	if snap, ok := h.scheduler.Job(handle.ID()); ok {
		state = snap.State
	}
	WriteSuccess(w, JobSubmitResponse{JobID: handle.ID(), State: state, Result: result})
}

func (h *handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(r.PathValue("id"))
	if err := h.scheduler.Cancel(id); err != nil {
		if typed, ok := types.AsError(err); ok {
			WriteError(w, typed, h.logger)
		} else {
			WriteError(w, types.NewError(types.ErrJobUnknown, "no such job").WithCause(err), h.logger)
		}
		return
	}
	WriteSuccess(w, map[string]string{"job_id": string(id), "state": string(types.JobCancelled)})
}
