// Package node is the coordinator: it wires discovery, membership,
// capacity sampling, transport, the scheduler and the worker executor
// into one runnable Intrascale node. Every node is simultaneously a
// potential submitter and a potential worker.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/intrascale/intrascale/api"
	"github.com/intrascale/intrascale/capacity"
	"github.com/intrascale/intrascale/config"
	"github.com/intrascale/intrascale/discovery"
	"github.com/intrascale/intrascale/internal/metrics"
	"github.com/intrascale/intrascale/internal/netutil"
	"github.com/intrascale/intrascale/internal/server"
	"github.com/intrascale/intrascale/membership"
	"github.com/intrascale/intrascale/scheduler"
	"github.com/intrascale/intrascale/transport"
	"github.com/intrascale/intrascale/types"
	"github.com/intrascale/intrascale/worker"
)

// Node is one Intrascale process.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	id       types.NodeID
	hostname string

	sampler   *capacity.Sampler
	registry  *membership.Registry
	sched     *scheduler.Scheduler
	executor  Executor
	discovery *discovery.Service
	listener  *transport.Listener
	cache     *transport.Cache
	metrics   *metrics.Collector
	http      *server.Manager

	// advertiseAddr is the transport address peers should dial,
	// resolved once the listener is bound.
	advertiseAddr string

	startedAt time.Time
}

// Executor is the worker-side surface the node needs; satisfied by
// *worker.Executor.
type Executor interface {
	HandleDispatch(ctx context.Context, d types.TaskDispatch, reply worker.ReplyFunc)
	HandleCancel(c types.TaskCancel)
	Close()
}

var _ Executor = (*worker.Executor)(nil)

// New assembles a node from configuration. The worker executor is
// attached separately via SetExecutor so callers can register their
// handlers first; a node without an executor refuses dispatched work.
func New(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	hostname := cfg.Node.Hostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("detect hostname: %w", err)
		}
		hostname = h
	}

	n := &Node{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "node")),
		id:       types.NewNodeID(),
		hostname: hostname,
	}

	n.metrics = metrics.NewCollector("intrascale", logger)
	n.sampler = capacity.NewSampler(cfg.Capacity, logger)
	n.registry = membership.NewRegistry(cfg.Membership, n.metrics, logger)

	tcfg := transport.Config{
		MaxFrameBytes: cfg.Transport.MaxFrameBytes,
		DialTimeout:   cfg.Transport.DialTimeout,
		WriteTimeout:  cfg.Transport.WriteTimeout,
		IdleTimeout:   cfg.Transport.IdleTimeout,
	}

	listener, err := transport.Listen(
		net.JoinHostPort(cfg.Transport.BindAddr, strconv.Itoa(cfg.Transport.Port)),
		tcfg, n.metrics, logger,
	)
	if err != nil {
		return nil, err
	}
	n.listener = listener

	// Replies to our own dispatches arrive on the outbound connection,
	// so dialed connections get the same reader loop as accepted ones.
	n.cache = transport.NewCache(tcfg, n.metrics, logger, func(conn *transport.Conn) {
		go n.readLoop(context.Background(), conn, false)
	})

	if err := n.resolveAdvertiseAddr(); err != nil {
		listener.Close()
		n.cache.Close()
		return nil, err
	}

	n.sched = scheduler.New(
		cfg.Scheduler, n.id, n.selfRecord, n.registry, n.cache, n.metrics, logger,
	)
	n.registry.OnPeerDead(n.sched.OnPeerDead)

	n.discovery = discovery.NewService(
		cfg.Discovery, n.id, n.announcement, n.registry, n, n.metrics, logger,
	)

	n.logger.Info("node assembled",
		zap.String("node_id", string(n.id)),
		zap.String("hostname", hostname),
		zap.String("advertise_addr", n.advertiseAddr),
	)
	return n, nil
}

// SetExecutor attaches the worker-side executor. Must be called before
// Run on nodes that should execute tasks.
func (n *Node) SetExecutor(e Executor) {
	n.executor = e
}

// ID returns this node's process identity.
func (n *Node) ID() types.NodeID { return n.id }

// Hostname returns this node's advertised host name.
func (n *Node) Hostname() string { return n.hostname }

// Addr returns the transport address peers dial.
func (n *Node) Addr() string { return n.advertiseAddr }

// Sampler exposes the capacity sampler, for wiring a worker executor.
func (n *Node) Sampler() *capacity.Sampler { return n.sampler }

// Metrics exposes the node's instrument set.
func (n *Node) Metrics() *metrics.Collector { return n.metrics }

// Registry exposes the membership view, primarily for the status API.
func (n *Node) Registry() *membership.Registry { return n.registry }

// Scheduler exposes job bookkeeping, primarily for the status API.
func (n *Node) Scheduler() *scheduler.Scheduler { return n.sched }

// Submit hands a job to the scheduler. This is the local submission
// interface consumed by the CLI/API layer.
func (n *Node) Submit(ctx context.Context, spec scheduler.JobSpec) (*scheduler.JobHandle, error) {
	return n.sched.Submit(ctx, spec)
}

// Run starts every subsystem and blocks until ctx ends or a subsystem
// fails fatally. Shutdown is graceful: loops stop, open jobs resolve
// with ErrClosed, sockets close.
func (n *Node) Run(ctx context.Context) error {
	n.startedAt = time.Now()
	g, ctx := errgroup.WithContext(ctx)

	n.registry.Start()
	defer n.registry.Stop()

	n.sched.Start(ctx)
	defer n.sched.Stop()

	g.Go(func() error {
		err := n.listener.Serve(ctx, func(conn *transport.Conn) {
			n.readLoop(ctx, conn, true)
		})
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("transport listener: %w", err)
		}
		return nil
	})

	if n.cfg.Discovery.Enabled {
		if err := n.discovery.Start(ctx); err != nil {
			n.listener.Close()
			return fmt.Errorf("start discovery: %w", err)
		}
		defer n.discovery.Stop()
	}

	if n.cfg.HTTP.Port > 0 {
		handler := api.NewHandler(api.Deps{
			Node:      n,
			Registry:  n.registry,
			Scheduler: n.sched,
			Metrics:   n.metrics,
			Logger:    n.logger,
		})
		n.http = server.NewManager(handler, server.Config{
			Addr:            fmt.Sprintf(":%d", n.cfg.HTTP.Port),
			ReadTimeout:     n.cfg.HTTP.ReadTimeout,
			WriteTimeout:    0, // the event feed holds connections open
			IdleTimeout:     2 * n.cfg.HTTP.ReadTimeout,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: n.cfg.HTTP.ShutdownTimeout,
		}, n.logger)
		if err := n.http.Start(); err != nil {
			n.listener.Close()
			return fmt.Errorf("start status server: %w", err)
		}
		defer n.http.Shutdown(context.Background())
	}

	defer n.cache.Close()
	if n.executor != nil {
		defer n.executor.Close()
	}

	n.logger.Info("node running",
		zap.String("node_id", string(n.id)),
		zap.String("transport_addr", n.listener.Addr()),
		zap.Bool("discovery", n.cfg.Discovery.Enabled),
	)

	<-ctx.Done()
	n.listener.Close()
	err := g.Wait()
	n.logger.Info("node stopped")
	return err
}

// StartedAt reports when Run began, for the status API.
func (n *Node) StartedAt() time.Time { return n.startedAt }

// DiscoveryState reports the discovery lifecycle phase.
func (n *Node) DiscoveryState() discovery.State { return n.discovery.State() }

// announcement builds the presence message broadcast by discovery,
// carrying a fresh capacity snapshot.
func (n *Node) announcement(ctx context.Context) (types.Announcement, error) {
	snap, err := n.sampler.Snapshot(ctx)
	if err != nil {
		return types.Announcement{}, err
	}
	return types.Announcement{
		NodeID:          n.id,
		Hostname:        n.hostname,
		Addr:            n.advertiseAddr,
		ProtocolVersion: types.ProtocolVersion,
		Capacity:        snap,
		Timestamp:       time.Now(),
	}, nil
}

// selfRecord presents the local node as a scheduling candidate, so a
// lone node still executes its own jobs. Dispatch to self travels the
// same transport path as dispatch to any peer.
func (n *Node) selfRecord() *types.PeerRecord {
	if n.executor == nil {
		return nil
	}
	snap, err := n.sampler.Snapshot(context.Background())
	if err != nil {
		return nil
	}
	now := time.Now()
	return &types.PeerRecord{
		NodeID:        n.id,
		Hostname:      n.hostname,
		Addr:          n.advertiseAddr,
		State:         types.PeerAlive,
		Capacity:      snap,
		LastHeartbeat: now,
	}
}

// Self renders the local node as a peer record for the status API.
// Unlike selfRecord it never returns nil: submit-only nodes still show
// themselves in the peer table.
func (n *Node) Self() *types.PeerRecord {
	rec := &types.PeerRecord{
		NodeID:        n.id,
		Hostname:      n.hostname,
		Addr:          n.advertiseAddr,
		State:         types.PeerAlive,
		LastHeartbeat: time.Now(),
	}
	if snap, err := n.sampler.Snapshot(context.Background()); err == nil {
		rec.Capacity = snap
	}
	return rec
}

// Confirm implements discovery.Confirmer: a short-lived connection
// carries our announcement over and the peer's back.
func (n *Node) Confirm(ctx context.Context, addr string, own types.Announcement) (types.Announcement, error) {
	tcfg := transport.Config{
		MaxFrameBytes: n.cfg.Transport.MaxFrameBytes,
		DialTimeout:   n.cfg.Transport.DialTimeout,
		WriteTimeout:  n.cfg.Transport.WriteTimeout,
	}
	conn, err := transport.Dial(ctx, addr, tcfg, n.metrics)
	if err != nil {
		return types.Announcement{}, err
	}
	defer conn.Close()

	env, err := types.NewEnvelope(types.MsgConfirm, n.id, own)
	if err != nil {
		return types.Announcement{}, err
	}
	if err := conn.Send(ctx, env); err != nil {
		return types.Announcement{}, err
	}

	reply, err := conn.Receive(ctx)
	if err != nil {
		return types.Announcement{}, err
	}
	if reply.Type != types.MsgConfirm {
		return types.Announcement{}, fmt.Errorf("unexpected %s reply to confirm", reply.Type)
	}
	var theirs types.Announcement
	if err := reply.Decode(&theirs); err != nil {
		return types.Announcement{}, err
	}
	return theirs, nil
}

// resolveAdvertiseAddr decides which address peers should dial:
// explicit configuration wins, then the detected LAN address with the
// listener's bound port.
func (n *Node) resolveAdvertiseAddr() error {
	bound := n.listener.Addr()
	_, port, err := net.SplitHostPort(bound)
	if err != nil {
		return fmt.Errorf("parse bound address %q: %w", bound, err)
	}

	if configured := n.cfg.Node.AdvertiseAddr; configured != "" {
		if _, _, err := net.SplitHostPort(configured); err == nil {
			n.advertiseAddr = configured
		} else {
			n.advertiseAddr = net.JoinHostPort(configured, port)
		}
		return nil
	}

	ip, err := netutil.LocalIP()
	if err != nil {
		return err
	}
	n.advertiseAddr = net.JoinHostPort(ip.String(), port)
	return nil
}
