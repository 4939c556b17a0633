package scheduler

import (
	"github.com/intrascale/intrascale/types"
)

// headroomScore ranks a candidate by how much spare hardware it would
// keep after taking a task with the given hint. CPU headroom counts in
// idle cores, memory headroom in GiB, so one idle core and one spare
// GiB weigh about the same.
func headroomScore(c types.CapacitySnapshot, h types.ResourceHint) float64 {
	idleCores := c.CPUIdlePercent / 100 * float64(c.CPUCores)
	cpuHeadroom := idleCores - float64(h.CPUCores)

	const gib = float64(1 << 30)
	memHeadroom := (float64(c.MemoryFreeBytes) - float64(h.MemoryBytes)) / gib

	return cpuHeadroom + memHeadroom
}

// pickPeer selects the destination for one pending task: the
// capacity-weighted best fit among the candidates, with NodeID lexical
// order breaking ties so repeated passes over equal clusters are
// deterministic. It returns nil when no candidate fits, which leaves
// the task pending for the next pass.
func pickPeer(
	hint types.ResourceHint,
	candidates []*types.PeerRecord,
	inFlight map[types.NodeID]int,
	maxInFlight int,
) *types.PeerRecord {
	var (
		best      *types.PeerRecord
		bestScore float64
	)
	for _, cand := range candidates {
		if !cand.Schedulable() {
			continue
		}
		if maxInFlight > 0 && inFlight[cand.NodeID] >= maxInFlight {
			continue
		}
		if !cand.Capacity.CanFit(hint) {
			continue
		}

		score := headroomScore(cand.Capacity, hint)
		switch {
		case best == nil:
			best, bestScore = cand, score
		case score > bestScore:
			best, bestScore = cand, score
		case score == bestScore && cand.NodeID < best.NodeID:
			best = cand
		}
	}
	return best
}
