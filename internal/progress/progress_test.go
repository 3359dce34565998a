package progress

import (
	"testing"

	"github.com/lumenlabs/validator-core/internal/coretypes"
)

func pk(b byte) coretypes.PublicKey {
	var p coretypes.PublicKey
	p[0] = b
	return p
}

func TestNewForkProgressNotLeader(t *testing.T) {
	fp := NewForkProgress(coretypes.ZeroHash, 0, false, nil, 0, 0)
	if fp.PropagatedStats.IsLeaderSlot {
		t.Fatalf("expected non-leader slot")
	}
	if fp.PropagatedStats.IsPropagated {
		t.Fatalf("non-leader slot should not start propagated")
	}
}

func TestNewForkProgressLeaderBelowThreshold(t *testing.T) {
	info := &ValidatorStakeInfo{VoteAccount: pk(1), Stake: 10, TotalEpochStake: 100}
	fp := NewForkProgress(coretypes.ZeroHash, 0, false, info, 0, 0)
	if !fp.PropagatedStats.IsLeaderSlot {
		t.Fatalf("expected leader slot")
	}
	if fp.PropagatedStats.IsPropagated {
		t.Fatalf("10%% stake should not cross SuperminorityThreshold")
	}
}

func TestNewForkProgressLeaderAboveThreshold(t *testing.T) {
	info := &ValidatorStakeInfo{VoteAccount: pk(1), Stake: 40, TotalEpochStake: 100}
	fp := NewForkProgress(coretypes.ZeroHash, 0, false, info, 0, 0)
	if !fp.PropagatedStats.IsPropagated {
		t.Fatalf("40%% stake should cross SuperminorityThreshold")
	}
}

func TestNewForkProgressZeroEpochStakeVacuouslyPropagated(t *testing.T) {
	info := &ValidatorStakeInfo{VoteAccount: pk(1), Stake: 0, TotalEpochStake: 0}
	fp := NewForkProgress(coretypes.ZeroHash, 0, false, info, 0, 0)
	if !fp.PropagatedStats.IsPropagated {
		t.Fatalf("zero total epoch stake should be vacuously propagated")
	}
}

func TestPropagatedStatsAddVotePubkeyDedup(t *testing.T) {
	ps := newPropagatedStats()
	if !ps.AddVotePubkey(pk(1), 50) {
		t.Fatalf("first add should report new")
	}
	if ps.AddVotePubkey(pk(1), 50) {
		t.Fatalf("duplicate add should report not-new")
	}
	if ps.PropagatedValidatorsStake != 50 {
		t.Fatalf("stake should only be counted once, got %d", ps.PropagatedValidatorsStake)
	}
}

func TestProgressMapHandleNewRootPrunesUnreachable(t *testing.T) {
	pm := NewProgressMap()
	pm.Insert(5, NewForkProgress(coretypes.ZeroHash, 0, false, nil, 0, 0))
	pm.Insert(6, NewForkProgress(coretypes.ZeroHash, 0, false, nil, 0, 0))
	pm.Insert(7, NewForkProgress(coretypes.ZeroHash, 0, false, nil, 0, 0))

	pm.HandleNewRoot(map[coretypes.Slot]struct{}{6: {}, 7: {}})

	if pm.Get(5) != nil {
		t.Fatalf("slot 5 should have been pruned")
	}
	if pm.Get(6) == nil || pm.Get(7) == nil {
		t.Fatalf("live slots should survive pruning")
	}
}

func TestProgressMapIsPropagatedVacuousWithoutPrevLeaderSlot(t *testing.T) {
	pm := NewProgressMap()
	pm.Insert(10, NewForkProgress(coretypes.ZeroHash, 0, false, nil, 0, 0))
	if !pm.IsPropagated(10) {
		t.Fatalf("slot with no prev leader slot should be vacuously propagated")
	}
}

func TestProgressMapIsPropagatedFollowsLeaderChain(t *testing.T) {
	pm := NewProgressMap()
	leaderInfo := &ValidatorStakeInfo{VoteAccount: pk(1), Stake: 10, TotalEpochStake: 100}
	leaderFp := NewForkProgress(coretypes.ZeroHash, 0, false, leaderInfo, 0, 0)
	pm.Insert(4, leaderFp)
	pm.Insert(5, NewForkProgress(coretypes.ZeroHash, 4, true, nil, 0, 0))

	if pm.IsPropagated(5) {
		t.Fatalf("slot 5 should inherit leader slot 4's unpropagated state")
	}

	pm.GetPropagatedStats(4).AddVotePubkey(pk(2), 60)
	pm.GetPropagatedStats(4).IsPropagated = pm.GetPropagatedStats(4).IsSuperminorityPropagated()

	if !pm.IsPropagated(5) {
		t.Fatalf("slot 5 should become propagated once leader slot 4 crosses threshold")
	}
}

func TestProgressMapSupermajorityConfirmedMonotone(t *testing.T) {
	pm := NewProgressMap()
	pm.Insert(1, NewForkProgress(coretypes.ZeroHash, 0, false, nil, 0, 0))
	pm.SetSupermajorityConfirmedSlot(1)

	confirmed, ok := pm.IsSupermajorityConfirmed(1)
	if !ok || !confirmed {
		t.Fatalf("expected slot 1 confirmed, got confirmed=%v ok=%v", confirmed, ok)
	}
}

func TestProgressMapGetLatestLeaderSlotPanicsOnUntracked(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic for untracked slot")
		}
	}()
	pm := NewProgressMap()
	pm.GetLatestLeaderSlot(99)
}

func TestReplayStatsAccumulate(t *testing.T) {
	var total ReplayStats
	total.Accumulate(ReplayStats{ReplayElapsedNanos: 100, NumEntries: 3})
	total.Accumulate(ReplayStats{ReplayElapsedNanos: 50, NumEntries: 2})
	if total.ReplayElapsedNanos != 150 || total.NumEntries != 5 {
		t.Fatalf("unexpected accumulated stats: %+v", total)
	}
}
