package replayloop

import (
	"sync"

	"github.com/lumenlabs/validator-core/internal/coretypes"
)

// LeaderScheduleOracle is the external leader-schedule collaborator
//: `slot_leader_at`, `next_leader_slot`, `set_root`,
// `set_max_schedules`.
type LeaderScheduleOracle interface {
	SlotLeaderAt(slot coretypes.Slot, parent coretypes.BlockId, hasParent bool) (coretypes.PublicKey, bool)
	NextLeaderSlot(pubkey coretypes.PublicKey, fromSlot coretypes.Slot) (coretypes.Slot, bool)
	SetRoot(slot coretypes.Slot)
	SetMaxSchedules(n int)
}

// StaticLeaderSchedule is a fixed slot->leader assignment, a simple fixture
// for tests and single-node development clusters.
type StaticLeaderSchedule struct {
	mu           sync.RWMutex
	leaderBySlot map[coretypes.Slot]coretypes.PublicKey
	root         coretypes.Slot
	maxSchedules int
}

// NewStaticLeaderSchedule creates a schedule from an explicit slot->leader
// map.
func NewStaticLeaderSchedule(leaderBySlot map[coretypes.Slot]coretypes.PublicKey) *StaticLeaderSchedule {
	cp := make(map[coretypes.Slot]coretypes.PublicKey, len(leaderBySlot))
	for k, v := range leaderBySlot {
		cp[k] = v
	}
	return &StaticLeaderSchedule{leaderBySlot: cp}
}

func (s *StaticLeaderSchedule) SlotLeaderAt(slot coretypes.Slot, _ coretypes.BlockId, _ bool) (coretypes.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.leaderBySlot[slot]
	return pk, ok
}

func (s *StaticLeaderSchedule) NextLeaderSlot(pubkey coretypes.PublicKey, fromSlot coretypes.Slot) (coretypes.Slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best := coretypes.Slot(0)
	found := false
	for slot, pk := range s.leaderBySlot {
		if pk != pubkey || slot <= fromSlot {
			continue
		}
		if !found || slot < best {
			best = slot
			found = true
		}
	}
	return best, found
}

func (s *StaticLeaderSchedule) SetRoot(slot coretypes.Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = slot
}

func (s *StaticLeaderSchedule) SetMaxSchedules(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSchedules = n
}
