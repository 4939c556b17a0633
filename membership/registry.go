// Package membership maintains the local node's view of the cluster:
// one PeerRecord per known peer, moved through the JOINING → ALIVE →
// SUSPECT → DEAD liveness tiers by heartbeats and a periodic sweep.
//
// Tiers absorb transient network jitter: a merely slow peer becomes
// SUSPECT and is excluded from new assignments, but its tasks are not
// reassigned until it is declared DEAD. DEAD records linger for a
// grace period so late packets are recognized and ignored rather than
// mistaken for a rejoin.
package membership

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/intrascale/intrascale/config"
	"github.com/intrascale/intrascale/internal/metrics"
	"github.com/intrascale/intrascale/types"
)

// EventType classifies a membership change.
type EventType string

const (
	EventJoining EventType = "joining"
	EventAlive   EventType = "alive"
	EventSuspect EventType = "suspect"
	EventDead    EventType = "dead"
	EventEvicted EventType = "evicted"
)

// Event is one membership change, delivered to subscribers.
type Event struct {
	Type EventType         `json:"type"`
	Peer *types.PeerRecord `json:"peer"`
}

// Registry is the authoritative peer table. All liveness mutation goes
// through it; the sweep loop is the only writer of state transitions,
// while message handlers only refresh heartbeats and capacity.
type Registry struct {
	cfg     config.MembershipConfig
	metrics *metrics.Collector
	logger  *zap.Logger

	mu    sync.RWMutex
	peers map[types.NodeID]*types.PeerRecord

	// onPeerDead runs outside the registry lock when a peer is
	// declared DEAD, so the scheduler can reassign its tasks.
	onPeerDead func(types.NodeID)

	subMu  sync.Mutex
	subs   map[int]chan Event
	subSeq int

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry. Collector may be nil in tests.
func NewRegistry(cfg config.MembershipConfig, m *metrics.Collector, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(zap.String("component", "membership")),
		peers:   make(map[types.NodeID]*types.PeerRecord),
		subs:    make(map[int]chan Event),
		done:    make(chan struct{}),
	}
}

// OnPeerDead registers the dead-peer callback. Must be called before
// Start.
func (r *Registry) OnPeerDead(fn func(types.NodeID)) {
	r.onPeerDead = fn
}

// Start launches the sweep loop.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop terminates the sweep loop and closes subscriber channels.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		r.subMu.Lock()
		for id, ch := range r.subs {
			close(ch)
			delete(r.subs, id)
		}
		r.subMu.Unlock()
	})
}

// AddJoining records a newly announced peer in the JOINING state. If
// the NodeID is already known the call is a no-op and returns false:
// duplicate announcements refresh liveness, never identity.
func (r *Registry) AddJoining(ann types.Announcement) bool {
	r.mu.Lock()
	if _, exists := r.peers[ann.NodeID]; exists {
		r.mu.Unlock()
		return false
	}
	now := time.Now()
	rec := &types.PeerRecord{
		NodeID:          ann.NodeID,
		Hostname:        ann.Hostname,
		Addr:            ann.Addr,
		ProtocolVersion: ann.ProtocolVersion,
		Capacity:        ann.Capacity,
		State:           types.PeerJoining,
		LastHeartbeat:   now,
		JoinedAt:        now,
	}
	r.peers[ann.NodeID] = rec
	r.mu.Unlock()

	r.logger.Info("peer joining",
		zap.String("peer", ann.NodeID.Short()),
		zap.String("addr", ann.Addr),
		zap.String("hostname", ann.Hostname),
	)
	r.publish(Event{Type: EventJoining, Peer: rec.Clone()})
	r.updateGauges()
	return true
}

// Promote moves a JOINING peer to ALIVE after its confirm handshake
// succeeded. Promoting an unknown or DEAD peer is ignored.
func (r *Registry) Promote(id types.NodeID) {
	r.mu.Lock()
	rec, ok := r.peers[id]
	if !ok || rec.State != types.PeerJoining {
		r.mu.Unlock()
		return
	}
	rec.State = types.PeerAlive
	rec.LastHeartbeat = time.Now()
	snapshot := rec.Clone()
	r.mu.Unlock()

	r.logger.Info("peer alive", zap.String("peer", id.Short()))
	if r.metrics != nil {
		r.metrics.RecordPeerTransition(string(types.PeerJoining), string(types.PeerAlive))
	}
	r.publish(Event{Type: EventAlive, Peer: snapshot})
	r.updateGauges()
}

// MarkHeartbeat refreshes a peer's liveness and optionally its
// capacity snapshot. A SUSPECT peer heard from again recovers to
// ALIVE; a DEAD-but-not-evicted peer stays DEAD, so stragglers from a
// declared-dead process cannot resurrect it (it must re-announce with
// a fresh NodeID after eviction).
func (r *Registry) MarkHeartbeat(id types.NodeID, capacity *types.CapacitySnapshot) error {
	r.mu.Lock()
	rec, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return types.ErrPeerUnknown
	}
	if rec.State == types.PeerDead {
		r.mu.Unlock()
		return nil
	}

	rec.LastHeartbeat = time.Now()
	if capacity != nil {
		rec.Capacity = *capacity
	}

	recovered := rec.State == types.PeerSuspect
	if recovered {
		rec.State = types.PeerAlive
	}
	snapshot := rec.Clone()
	r.mu.Unlock()

	if recovered {
		r.logger.Info("peer recovered", zap.String("peer", id.Short()))
		if r.metrics != nil {
			r.metrics.RecordPeerTransition(string(types.PeerSuspect), string(types.PeerAlive))
		}
		r.publish(Event{Type: EventAlive, Peer: snapshot})
		r.updateGauges()
	}
	return nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id types.NodeID) (*types.PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// ListAlive returns copies of every ALIVE peer, sorted by NodeID so
// that schedulers iterating the list behave deterministically.
func (r *Registry) ListAlive() []*types.PeerRecord {
	return r.list(func(rec *types.PeerRecord) bool {
		return rec.State == types.PeerAlive
	})
}

// List returns copies of every known peer regardless of state.
func (r *Registry) List() []*types.PeerRecord {
	return r.list(func(*types.PeerRecord) bool { return true })
}

func (r *Registry) list(keep func(*types.PeerRecord) bool) []*types.PeerRecord {
	r.mu.RLock()
	out := make([]*types.PeerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Subscribe returns a channel of membership events and a cancel
// function. Slow subscribers lose events rather than block the
// registry.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.subSeq
	r.subSeq++
	ch := make(chan Event, 64)
	r.subs[id] = ch

	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (r *Registry) publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

// Sweep applies the liveness thresholds once, relative to now. It is
// exported so tests can drive transitions without waiting on timers.
func (r *Registry) Sweep(now time.Time) {
	var (
		suspects []*types.PeerRecord
		deaths   []*types.PeerRecord
		evicted  []*types.PeerRecord
	)

	r.mu.Lock()
	for id, rec := range r.peers {
		age := now.Sub(rec.LastHeartbeat)
		switch rec.State {
		case types.PeerJoining:
			// A peer that never confirmed is quietly forgotten; it
			// never reached ALIVE, so no tasks can reference it.
			if age > r.cfg.DeadAfter {
				delete(r.peers, id)
				evicted = append(evicted, rec.Clone())
			}
		case types.PeerAlive:
			if age > r.cfg.SuspectAfter {
				rec.State = types.PeerSuspect
				suspects = append(suspects, rec.Clone())
			}
		case types.PeerSuspect:
			if age > r.cfg.DeadAfter {
				rec.State = types.PeerDead
				deaths = append(deaths, rec.Clone())
			}
		case types.PeerDead:
			if age > r.cfg.EvictAfter {
				delete(r.peers, id)
				evicted = append(evicted, rec.Clone())
			}
		}
	}
	r.mu.Unlock()

	for _, rec := range suspects {
		r.logger.Warn("peer suspect", zap.String("peer", rec.NodeID.Short()))
		if r.metrics != nil {
			r.metrics.RecordPeerTransition(string(types.PeerAlive), string(types.PeerSuspect))
		}
		r.publish(Event{Type: EventSuspect, Peer: rec})
	}
	for _, rec := range deaths {
		r.logger.Warn("peer dead", zap.String("peer", rec.NodeID.Short()))
		if r.metrics != nil {
			r.metrics.RecordPeerTransition(string(types.PeerSuspect), string(types.PeerDead))
		}
		r.publish(Event{Type: EventDead, Peer: rec})
		if r.onPeerDead != nil {
			r.onPeerDead(rec.NodeID)
		}
	}
	for _, rec := range evicted {
		r.logger.Info("peer evicted", zap.String("peer", rec.NodeID.Short()))
		if r.metrics != nil {
			r.metrics.RecordPeerEviction()
		}
		r.publish(Event{Type: EventEvicted, Peer: rec})
	}

	if len(suspects)+len(deaths)+len(evicted) > 0 {
		r.updateGauges()
	}
}

func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}
	counts := map[types.PeerState]int{
		types.PeerJoining: 0,
		types.PeerAlive:   0,
		types.PeerSuspect: 0,
		types.PeerDead:    0,
	}
	r.mu.RLock()
	for _, rec := range r.peers {
		counts[rec.State]++
	}
	r.mu.RUnlock()
	for state, n := range counts {
		r.metrics.SetPeers(string(state), n)
	}
}
