// Package discovery finds peers on the local network. Each node
// periodically broadcasts a presence announcement over UDP and listens
// for the announcements of others; a newly seen peer is verified with
// a direct TCP confirm handshake before it becomes schedulable.
//
// Announcements double as heartbeats and carry the sender's latest
// capacity snapshot, so membership liveness and capacity hints ride
// the same datagram.
package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/intrascale/intrascale/config"
	"github.com/intrascale/intrascale/internal/metrics"
	"github.com/intrascale/intrascale/internal/netutil"
	"github.com/intrascale/intrascale/membership"
	"github.com/intrascale/intrascale/types"
)

// State is the discovery service's lifecycle phase.
type State string

const (
	// StateInit means the service exists but has no open sockets.
	StateInit State = "init"
	// StateAnnouncing means sockets are open and the first broadcast
	// has not completed yet.
	StateAnnouncing State = "announcing"
	// StateActive is the steady state: announcing and listening until
	// shutdown.
	StateActive State = "active"
)

// AnnounceFunc builds the node's current announcement, including a
// fresh capacity snapshot, right before each broadcast.
type AnnounceFunc func(ctx context.Context) (types.Announcement, error)

// Confirmer performs the unicast confirm handshake with a newly
// discovered peer: it delivers our announcement and returns the
// peer's. The node implements this over the TCP transport.
type Confirmer interface {
	Confirm(ctx context.Context, addr string, own types.Announcement) (types.Announcement, error)
}

// Service is the announce/listen loop pair of one node.
type Service struct {
	cfg       config.DiscoveryConfig
	selfID    types.NodeID
	announce  AnnounceFunc
	registry  *membership.Registry
	confirmer Confirmer
	metrics   *metrics.Collector
	logger    *zap.Logger
	limiter   *rate.Limiter

	sender   *netutil.Announcer
	receiver *netutil.Listener

	mu    sync.RWMutex
	state State

	// confirming dedupes concurrent handshakes to the same peer.
	confirming sync.Map

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a discovery service in the INIT state.
func NewService(
	cfg config.DiscoveryConfig,
	selfID types.NodeID,
	announce AnnounceFunc,
	registry *membership.Registry,
	confirmer Confirmer,
	m *metrics.Collector,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		selfID:    selfID,
		announce:  announce,
		registry:  registry,
		confirmer: confirmer,
		metrics:   m,
		logger:    logger.With(zap.String("component", "discovery")),
		limiter:   rate.NewLimiter(rate.Limit(cfg.InboundRate), cfg.InboundBurst),
		state:     StateInit,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start opens the UDP sockets and launches the announce and listen
// loops. The service announces indefinitely until Stop.
func (s *Service) Start(ctx context.Context) error {
	sender, err := netutil.NewAnnouncer(s.cfg.BroadcastAddr, s.cfg.Port)
	if err != nil {
		return err
	}
	receiver, err := netutil.NewListener(s.cfg.BroadcastAddr, s.cfg.Port)
	if err != nil {
		sender.Close()
		return err
	}
	s.sender = sender
	s.receiver = receiver
	s.setState(StateAnnouncing)

	s.logger.Info("discovery started",
		zap.String("broadcast_addr", s.cfg.BroadcastAddr),
		zap.Int("port", s.cfg.Port),
		zap.Duration("interval", s.cfg.Interval),
	)

	s.wg.Add(2)
	go s.announceLoop(ctx)
	go s.listenLoop(ctx)
	return nil
}

// Stop closes the sockets and waits for the loops to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.sender != nil {
			s.sender.Close()
		}
		if s.receiver != nil {
			s.receiver.Close()
		}
		s.wg.Wait()
		s.setState(StateInit)
	})
}

func (s *Service) announceLoop(ctx context.Context) {
	defer s.wg.Done()

	// Announce immediately so peers learn about us without waiting a
	// full interval, then on the ticker.
	s.broadcastOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastOnce(ctx)
		}
	}
}

func (s *Service) broadcastOnce(ctx context.Context) {
	ann, err := s.announce(ctx)
	if err != nil {
		s.logger.Warn("building announcement failed", zap.Error(err))
		return
	}

	env, err := types.NewEnvelope(types.MsgAnnounce, s.selfID, ann)
	if err != nil {
		s.logger.Error("encoding announcement failed", zap.Error(err))
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("encoding announcement failed", zap.Error(err))
		return
	}

	if err := s.sender.Send(payload); err != nil {
		s.logger.Warn("broadcast failed", zap.Error(err))
		return
	}

	if s.metrics != nil {
		s.metrics.RecordAnnouncementSent()
	}
	if s.State() == StateAnnouncing {
		s.setState(StateActive)
	}
}

func (s *Service) listenLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, 64<<10)
	for {
		n, from, err := s.receiver.Read(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("discovery read failed", zap.Error(err))
			continue
		}

		if !s.limiter.Allow() {
			s.record("rate_limited")
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			s.record("malformed")
			s.logger.Debug("malformed datagram",
				zap.String("from", from.String()), zap.Error(err))
			continue
		}
		if env.Type != types.MsgAnnounce && env.Type != types.MsgHeartbeat {
			s.record("malformed")
			continue
		}

		var ann types.Announcement
		if err := env.Decode(&ann); err != nil {
			s.record("malformed")
			continue
		}

		s.HandleAnnouncement(ctx, ann)
	}
}

// HandleAnnouncement applies one presence message, whether it arrived
// as a broadcast, a directed heartbeat, or a confirm handshake.
func (s *Service) HandleAnnouncement(ctx context.Context, ann types.Announcement) {
	// Our own broadcasts loop back on most networks.
	if ann.NodeID == s.selfID {
		s.record("own")
		return
	}

	// Incompatible peers are invisible, not erroneous.
	if ann.ProtocolVersion != types.ProtocolVersion {
		s.record("version_mismatch")
		s.logger.Debug("dropping incompatible peer",
			zap.String("peer", ann.NodeID.Short()),
			zap.Int("their_version", ann.ProtocolVersion),
			zap.Int("our_version", types.ProtocolVersion),
		)
		return
	}

	s.record("processed")

	capacity := ann.Capacity
	if err := s.registry.MarkHeartbeat(ann.NodeID, &capacity); err == nil {
		// Known peer, liveness refreshed. A record still in JOINING has
		// a failed handshake behind it; every fresh announcement retries
		// until the peer becomes reachable.
		if rec, ok := s.registry.Get(ann.NodeID); ok && rec.State == types.PeerJoining {
			s.startConfirm(ctx, ann)
		}
		return
	}

	if s.registry.AddJoining(ann) {
		s.startConfirm(ctx, ann)
	}
}

func (s *Service) startConfirm(ctx context.Context, ann types.Announcement) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.confirm(ctx, ann)
	}()
}

// HandleConfirm applies the announcement carried by an inbound confirm
// handshake. The TCP connection it arrived on already proves the peer
// is reachable, so an unknown peer is admitted and promoted without a
// handshake of our own. Returns false when the peer must be ignored
// (self traffic, incompatible protocol).
func (s *Service) HandleConfirm(ann types.Announcement) bool {
	if ann.NodeID == s.selfID {
		return false
	}
	if ann.ProtocolVersion != types.ProtocolVersion {
		s.record("version_mismatch")
		return false
	}

	capacity := ann.Capacity
	if err := s.registry.MarkHeartbeat(ann.NodeID, &capacity); err != nil {
		s.registry.AddJoining(ann)
	}
	s.registry.Promote(ann.NodeID)
	return true
}

// confirm verifies a JOINING peer is directly reachable before it is
// promoted to ALIVE. A failed handshake leaves the record JOINING: the
// peer's next announcement retries it, and the membership sweep reaps
// records that stop announcing.
func (s *Service) confirm(ctx context.Context, ann types.Announcement) {
	if _, loaded := s.confirming.LoadOrStore(ann.NodeID, struct{}{}); loaded {
		return
	}
	defer s.confirming.Delete(ann.NodeID)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
	defer cancel()

	own, err := s.announce(ctx)
	if err != nil {
		s.logger.Warn("building handshake announcement failed", zap.Error(err))
		return
	}

	theirs, err := s.confirmer.Confirm(ctx, ann.Addr, own)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordHandshake("failed")
		}
		s.logger.Warn("confirm handshake failed",
			zap.String("peer", ann.NodeID.Short()),
			zap.String("addr", ann.Addr),
			zap.Error(err),
		)
		return
	}

	if theirs.NodeID != ann.NodeID {
		if s.metrics != nil {
			s.metrics.RecordHandshake("failed")
		}
		s.logger.Warn("confirm handshake returned a different identity",
			zap.String("announced", ann.NodeID.Short()),
			zap.String("confirmed", theirs.NodeID.Short()),
		)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordHandshake("ok")
	}
	s.registry.Promote(ann.NodeID)
}

func (s *Service) record(result string) {
	if s.metrics != nil {
		s.metrics.RecordAnnouncementReceived(result)
	}
}
