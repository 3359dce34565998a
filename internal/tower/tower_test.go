package tower

import (
	"testing"

	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/progress"
)

func TestRecordBankVoteTracksLastVotedSlot(t *testing.T) {
	tw := New()
	tw.RecordBankVote(1)
	tw.RecordBankVote(2)

	last, ok := tw.LastVotedSlot()
	if !ok || last != 2 {
		t.Fatalf("expected last voted slot 2, got %d ok=%v", last, ok)
	}
}

func TestRecordBankVoteExpiresLockedOutAncestors(t *testing.T) {
	tw := New()
	// Vote 1 has confirmation_count 1, lockout span 2^1 = 2 slots, so it is
	// still active for votes at slot <= 3 but expires by slot 4.
	tw.RecordBankVote(1)
	tw.RecordBankVote(4)

	if tw.HasVoted(1) {
		t.Fatalf("expected vote at slot 1 to have expired off the stack")
	}
}

func TestDoubleLockoutsIncreasesConfirmationCount(t *testing.T) {
	tw := New()
	tw.RecordBankVote(1)
	tw.RecordBankVote(2)
	tw.RecordBankVote(3)

	votes := tw.Votes()
	if len(votes) == 0 {
		t.Fatalf("expected votes remaining on stack")
	}
	if votes[0].ConfirmationCount < 2 {
		t.Fatalf("expected oldest vote's confirmation count to have doubled at least once, got %d", votes[0].ConfirmationCount)
	}
}

func TestRecordBankVoteProducesRootWhenStackFull(t *testing.T) {
	tw := New()
	var lastRoot coretypes.Slot
	var gotRoot bool
	for slot := coretypes.Slot(1); slot <= MaxLockoutHistory+1; slot++ {
		r, ok := tw.RecordBankVote(slot)
		if ok {
			lastRoot = r
			gotRoot = true
		}
	}
	if !gotRoot {
		t.Fatalf("expected a root once the stack exceeded MaxLockoutHistory")
	}
	if lastRoot != 1 {
		t.Fatalf("expected the oldest vote (slot 1) to become root, got %d", lastRoot)
	}
}

func noAncestors(_, _ coretypes.Slot) bool { return false }

func TestIsLockedOutTrueForDivergentRecentVote(t *testing.T) {
	tw := New()
	tw.RecordBankVote(1) // lockout span 2, covers up to slot 3

	if !tw.IsLockedOut(2, noAncestors) {
		t.Fatalf("expected slot 2 to be locked out by vote at slot 1")
	}
}

func TestIsLockedOutFalseForAncestor(t *testing.T) {
	tw := New()
	tw.RecordBankVote(1)

	isAncestor := func(ancestor, slot coretypes.Slot) bool {
		return ancestor == 1 && slot == 2
	}
	if tw.IsLockedOut(2, isAncestor) {
		t.Fatalf("expected no lockout when candidate descends from the locked vote")
	}
}

func TestCheckVoteStakeThresholdVacuousWhenStackShallow(t *testing.T) {
	tw := New()
	tw.RecordBankVote(1)
	if !tw.CheckVoteStakeThreshold(progress.VotedStakes{}, 100) {
		t.Fatalf("expected vacuous pass when stack is shallower than VoteThresholdDepth")
	}
}

func TestCheckVoteStakeThresholdEnforcedAtDepth(t *testing.T) {
	tw := New()
	for slot := coretypes.Slot(1); slot <= VoteThresholdDepth; slot++ {
		tw.RecordBankVote(slot)
	}
	votedStakes := progress.VotedStakes{1: 50}
	if tw.CheckVoteStakeThreshold(votedStakes, 100) {
		t.Fatalf("expected threshold failure at 50%% stake (below 2/3)")
	}

	votedStakes[1] = 70
	if !tw.CheckVoteStakeThreshold(votedStakes, 100) {
		t.Fatalf("expected threshold pass at 70%% stake")
	}
}

func TestCheckSwitchThresholdSameFork(t *testing.T) {
	tw := New()
	tw.RecordBankVote(5)

	// The candidate at slot 6 extends the voted fork {0..5}.
	onVotedFork := func(slot coretypes.Slot) bool { return slot <= 6 }
	decision := tw.CheckSwitchThreshold(6, onVotedFork, nil, nil, 100, 0, false)
	if decision.Kind != SameFork {
		t.Fatalf("expected SameFork, got %v", decision.Kind)
	}
	if !decision.CanVote() {
		t.Fatalf("SameFork should permit voting")
	}
}

func TestCheckSwitchThresholdPassesAboveThreshold(t *testing.T) {
	tw := New()
	tw.RecordBankVote(1) // last voted slot = 1, fork A

	onVotedFork := func(slot coretypes.Slot) bool { return slot == 1 }
	latestVotes := map[coretypes.PublicKey]coretypes.Slot{pk(2): 9}
	stakeOf := map[coretypes.PublicKey]uint64{pk(2): 50}

	decision := tw.CheckSwitchThreshold(9, onVotedFork, latestVotes, stakeOf, 100, 0, false)
	if decision.Kind != SwitchProof {
		t.Fatalf("expected SwitchProof at 50%% > 38%%, got %v", decision.Kind)
	}
	if !decision.CanVote() {
		t.Fatalf("SwitchProof should permit voting")
	}
}

func TestCheckSwitchThresholdFailsBelowThreshold(t *testing.T) {
	tw := New()
	tw.RecordBankVote(1)

	onVotedFork := func(slot coretypes.Slot) bool { return slot == 1 }
	latestVotes := map[coretypes.PublicKey]coretypes.Slot{pk(2): 9}
	stakeOf := map[coretypes.PublicKey]uint64{pk(2): 20}

	decision := tw.CheckSwitchThreshold(9, onVotedFork, latestVotes, stakeOf, 100, 0, false)
	if decision.Kind != FailedSwitchThreshold {
		t.Fatalf("expected FailedSwitchThreshold at 20%% < 38%%, got %v", decision.Kind)
	}
	if decision.CanVote() {
		t.Fatalf("FailedSwitchThreshold must not permit voting")
	}
}

func TestCheckSwitchThresholdDuplicateRollback(t *testing.T) {
	tw := New()
	tw.RecordBankVote(1)

	onVotedFork := func(slot coretypes.Slot) bool { return slot == 1 }
	decision := tw.CheckSwitchThreshold(9, onVotedFork, nil, nil, 100, 4, true)
	if decision.Kind != FailedSwitchDuplicateRollback {
		t.Fatalf("expected FailedSwitchDuplicateRollback, got %v", decision.Kind)
	}
	if decision.DuplicateRollbackAncestor != 4 {
		t.Fatalf("expected rollback ancestor 4, got %d", decision.DuplicateRollbackAncestor)
	}
	if decision.CanVote() {
		t.Fatalf("duplicate rollback must not permit voting")
	}
}

func pk(b byte) coretypes.PublicKey {
	var p coretypes.PublicKey
	p[0] = b
	return p
}
