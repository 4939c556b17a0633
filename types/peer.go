package types

import "time"

// PeerState is the liveness tier of a peer as seen by the local node.
type PeerState string

const (
	// PeerJoining means the peer announced itself but the confirm
	// handshake has not completed yet.
	PeerJoining PeerState = "joining"
	// PeerAlive means the peer is confirmed and heartbeating.
	PeerAlive PeerState = "alive"
	// PeerSuspect means heartbeats have been missing for longer than
	// the suspect threshold; the peer keeps its record but is excluded
	// from new assignments.
	PeerSuspect PeerState = "suspect"
	// PeerDead means the peer exceeded the dead threshold. Its record
	// lingers for a grace period so late packets can be recognized and
	// ignored rather than treated as a rejoin.
	PeerDead PeerState = "dead"
)

// CapacitySnapshot is a point-in-time reading of a node's spare hardware.
// Snapshots are immutable values: a fresh advertisement replaces the old
// snapshot wholesale, fields are never patched individually. Figures are
// advisory and may be up to one advertisement interval stale.
type CapacitySnapshot struct {
	// CPUCores is the number of logical cores.
	CPUCores int `json:"cpu_cores"`
	// CPUIdlePercent is the unused fraction of total CPU, 0-100.
	CPUIdlePercent float64 `json:"cpu_idle_percent"`
	// MemoryTotalBytes is total physical memory.
	MemoryTotalBytes uint64 `json:"memory_total_bytes"`
	// MemoryFreeBytes is memory available for new work.
	MemoryFreeBytes uint64 `json:"memory_free_bytes"`
	// DiskTotalBytes is the size of the volume the node runs from.
	DiskTotalBytes uint64 `json:"disk_total_bytes"`
	// DiskFreeBytes is free space on that volume.
	DiskFreeBytes uint64 `json:"disk_free_bytes"`
	// GPU reports whether an accelerator was detected.
	GPU bool `json:"gpu"`
	// GPUKind names the detected accelerator, empty when GPU is false.
	GPUKind string `json:"gpu_kind,omitempty"`
	// OS is the operating system, as reported by the runtime.
	OS string `json:"os"`
	// Arch is the CPU architecture.
	Arch string `json:"arch"`
	// CPUModel is the CPU model string when the platform exposes one.
	CPUModel string `json:"cpu_model,omitempty"`
	// SampledAt is when the reading was taken.
	SampledAt time.Time `json:"sampled_at"`
}

// CanFit reports whether this snapshot plausibly satisfies a hint.
// It is a best-effort check; the authoritative answer is the worker's
// accept-or-refuse decision at dispatch time.
func (c CapacitySnapshot) CanFit(h ResourceHint) bool {
	if h.CPUCores > 0 && c.CPUCores < h.CPUCores {
		return false
	}
	if h.MemoryBytes > 0 && c.MemoryFreeBytes < h.MemoryBytes {
		return false
	}
	if h.NeedsAccelerator && !c.GPU {
		return false
	}
	return true
}

// ResourceHint declares what a task expects to need. Hints steer
// placement; they are never enforced as hard reservations.
type ResourceHint struct {
	// CPUCores is the minimum logical core count, 0 means any.
	CPUCores int `json:"cpu_cores,omitempty"`
	// MemoryBytes is the minimum free memory, 0 means any.
	MemoryBytes uint64 `json:"memory_bytes,omitempty"`
	// NeedsAccelerator restricts placement to GPU-bearing nodes.
	NeedsAccelerator bool `json:"needs_accelerator,omitempty"`
}

// Zero reports whether the hint places no constraints at all.
func (h ResourceHint) Zero() bool {
	return h.CPUCores == 0 && h.MemoryBytes == 0 && !h.NeedsAccelerator
}

// PeerRecord is the local node's view of one remote peer. Records are
// owned by the membership registry; all mutation goes through it.
type PeerRecord struct {
	// NodeID is the peer's process identity.
	NodeID NodeID `json:"node_id"`
	// Hostname is the peer's self-reported host name.
	Hostname string `json:"hostname"`
	// Addr is the peer's framed-TCP listener in host:port form.
	Addr string `json:"addr"`
	// ProtocolVersion is the wire version the peer speaks.
	ProtocolVersion int `json:"protocol_version"`
	// Capacity is the peer's most recent advertisement.
	Capacity CapacitySnapshot `json:"capacity"`
	// State is the current liveness tier.
	State PeerState `json:"state"`
	// LastHeartbeat is when the peer was last heard from.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// JoinedAt is when the peer was first seen.
	JoinedAt time.Time `json:"joined_at"`
}

// Clone returns an independent copy safe to hand outside the registry.
func (p *PeerRecord) Clone() *PeerRecord {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Schedulable reports whether the peer may receive new assignments.
func (p *PeerRecord) Schedulable() bool {
	return p != nil && p.State == PeerAlive
}
