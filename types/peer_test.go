package types

import (
	"sort"
	"testing"
	"time"
)

func TestCapacitySnapshot_CanFit(t *testing.T) {
	t.Parallel()

	snap := CapacitySnapshot{
		CPUCores:        4,
		MemoryFreeBytes: 2 << 30,
		GPU:             false,
	}

	tests := []struct {
		name string
		hint ResourceHint
		want bool
	}{
		{"zero hint always fits", ResourceHint{}, true},
		{"cpu within bounds", ResourceHint{CPUCores: 4}, true},
		{"cpu too demanding", ResourceHint{CPUCores: 8}, false},
		{"memory within bounds", ResourceHint{MemoryBytes: 1 << 30}, true},
		{"memory too demanding", ResourceHint{MemoryBytes: 4 << 30}, false},
		{"accelerator missing", ResourceHint{NeedsAccelerator: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snap.CanFit(tt.hint); got != tt.want {
				t.Fatalf("CanFit(%+v) = %v, want %v", tt.hint, got, tt.want)
			}
		})
	}
}

func TestPeerRecord_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	orig := &PeerRecord{
		NodeID:        NodeID("n1"),
		State:         PeerAlive,
		LastHeartbeat: time.Now(),
	}
	cp := orig.Clone()
	cp.State = PeerDead

	if orig.State != PeerAlive {
		t.Fatalf("mutating clone leaked into original")
	}
}

func TestPeerRecord_Schedulable(t *testing.T) {
	t.Parallel()

	for state, want := range map[PeerState]bool{
		PeerJoining: false,
		PeerAlive:   true,
		PeerSuspect: false,
		PeerDead:    false,
	} {
		p := &PeerRecord{State: state}
		if got := p.Schedulable(); got != want {
			t.Fatalf("Schedulable(%s) = %v, want %v", state, got, want)
		}
	}
	var nilRec *PeerRecord
	if nilRec.Schedulable() {
		t.Fatalf("nil record must not be schedulable")
	}
}

func TestNewTaskID_LexicalOrderMatchesIndex(t *testing.T) {
	t.Parallel()

	job := NewJobID()
	ids := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		ids = append(ids, string(NewTaskID(job, i)))
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("task IDs not lexically ordered by index: %v", ids)
	}
}

func TestTaskState_Terminal(t *testing.T) {
	t.Parallel()

	for state, want := range map[TaskState]bool{
		TaskPending:  false,
		TaskAssigned: false,
		TaskRunning:  false,
		TaskDone:     true,
		TaskFailed:   true,
	} {
		if got := state.Terminal(); got != want {
			t.Fatalf("Terminal(%s) = %v, want %v", state, got, want)
		}
	}
}
