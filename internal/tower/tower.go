// Package tower implements the per-validator voting state machine: an ordered
// stack of (slot, lockout) pairs
// obeying the doubling-lockout rule, the vote-stake threshold check, and
// the switch-fork threshold check that gates jumping to a different fork.
package tower

import (
	"errors"

	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/progress"
	"github.com/lumenlabs/validator-core/internal/stakemath"
)

const (
	// MaxLockoutHistory bounds the vote stack; once full, the oldest vote is
	// popped off and becomes the new root.
	MaxLockoutHistory = 31

	// InitialLockout is the base of the doubling-lockout exponent: a vote at
	// confirmation depth d locks out challengers for InitialLockout^d slots.
	InitialLockout = 2

	// VoteThresholdDepth is how far back in the stack check_vote_stake_threshold
	// looks: the vote VoteThresholdDepth positions from the top (index
	// len-VoteThresholdDepth) must have this validator's fork backed by
	// VoteThresholdSize stake.
	VoteThresholdDepth = 8

	// VoteThresholdSize is the stake fraction required at VoteThresholdDepth
	// for a vote to be considered safely cast. The ratio form feeds
	// stakemath so the comparison stays exact at the boundary.
	VoteThresholdSize                        = 2.0 / 3.0
	VoteThresholdSizeNum, VoteThresholdSizeDen = 2, 3

	// SwitchForkThreshold is the stake fraction, voted on a fork divergent
	// from the current one, required to permit switching.
	SwitchForkThreshold                          = 0.38
	SwitchForkThresholdNum, SwitchForkThresholdDen = 19, 50

	// DuplicateLivenessThreshold and DuplicateThreshold are the duplicate-fork
	// stake fractions. No code in this core reads them: CheckSwitchThreshold's
	// duplicate-rollback case fails the switch without weighing stake.
	DuplicateLivenessThreshold = 0.1
	DuplicateThreshold         = 1 - SwitchForkThreshold - DuplicateLivenessThreshold
)

// ErrEmptyTower is returned by operations that require at least one vote
// recorded (LastVotedSlot, LastVote) when the stack is empty.
var ErrEmptyTower = errors.New("tower: no votes recorded")

// Lockout is a single (slot, confirmation-count) entry in the vote stack.
type Lockout struct {
	Slot              coretypes.Slot
	ConfirmationCount uint32
}

// lockoutSpanFor returns the number of slots a vote at confirmationCount
// locks out challengers for: InitialLockout^confirmationCount.
func lockoutSpanFor(confirmationCount uint32) uint64 {
	span := uint64(1)
	for i := uint32(0); i < confirmationCount; i++ {
		span *= InitialLockout
	}
	return span
}

// lockoutSpan returns the number of slots this entry locks out challengers
// for: InitialLockout^ConfirmationCount.
func (l Lockout) lockoutSpan() uint64 {
	return lockoutSpanFor(l.ConfirmationCount)
}

// lastLockedOutSlot is the last slot this vote still covers.
func (l Lockout) lastLockedOutSlot() coretypes.Slot {
	return l.Slot + coretypes.Slot(l.lockoutSpan())
}

// LockoutExpirationSlot returns the last slot a vote cast at slot with
// confirmationCount still covers, the same doubling-lockout arithmetic
// RecordBankVote/IsLockedOut use internally. Exported for callers outside
// this package (fork-stats computation) that need to derive a lockout
// interval's expiration from another validator's published vote state.
func LockoutExpirationSlot(slot coretypes.Slot, confirmationCount uint32) coretypes.Slot {
	return slot + coretypes.Slot(lockoutSpanFor(confirmationCount))
}

func (l Lockout) isLockedOutAtSlot(slot coretypes.Slot) bool {
	return l.lastLockedOutSlot() >= slot
}

// SwitchForkDecisionKind classifies the outcome of CheckSwitchThreshold.
type SwitchForkDecisionKind int

const (
	SameFork SwitchForkDecisionKind = iota
	SwitchProof
	FailedSwitchThreshold
	FailedSwitchDuplicateRollback
)

// SwitchForkDecision is the result of asking the tower whether voting on a
// candidate slot requires (and can satisfy) a fork switch.
type SwitchForkDecision struct {
	Kind SwitchForkDecisionKind

	// SwitchProofStake/TotalStake are populated for SwitchProof and
	// FailedSwitchThreshold, recording the stake observed on the divergent
	// fork and the total stake it was measured against.
	SwitchProofStake uint64
	TotalStake       uint64

	// DuplicateRollbackAncestor is populated for FailedSwitchDuplicateRollback:
	// the unconfirmed-duplicate ancestor that blocks the switch.
	DuplicateRollbackAncestor coretypes.Slot
}

// CanVote reports whether this decision permits casting a vote on the
// candidate slot.
func (d SwitchForkDecision) CanVote() bool {
	return d.Kind == SameFork || d.Kind == SwitchProof
}

// Tower is the single-writer, durably-persisted voting state machine.
// The replay loop is its only caller; no internal locking is needed since
// the control thread owns it exclusively.
type Tower struct {
	votes []Lockout

	root    coretypes.Slot
	hasRoot bool

	lastVoteTxBlockhash coretypes.BlockHash
	hasLastVoteTxHash   bool

	lastVoteRefreshMillis int64
}

// New creates an empty Tower with no root.
func New() *Tower {
	return &Tower{}
}

// NewWithRoot creates a Tower already rooted at root, used when resuming
// from a persisted snapshot or warm-up scan.
func NewWithRoot(root coretypes.Slot) *Tower {
	return &Tower{root: root, hasRoot: true}
}

// LastVotedSlot returns the most recently recorded vote slot.
func (t *Tower) LastVotedSlot() (coretypes.Slot, bool) {
	if len(t.votes) == 0 {
		return 0, false
	}
	return t.votes[len(t.votes)-1].Slot, true
}

// LastVote returns the most recently recorded vote entry.
func (t *Tower) LastVote() (Lockout, error) {
	if len(t.votes) == 0 {
		return Lockout{}, ErrEmptyTower
	}
	return t.votes[len(t.votes)-1], nil
}

// Root returns the tower's current root, if one has been set.
func (t *Tower) Root() (coretypes.Slot, bool) {
	return t.root, t.hasRoot
}

// HasVoted reports whether slot appears anywhere in the current vote
// stack.
func (t *Tower) HasVoted(slot coretypes.Slot) bool {
	for _, v := range t.votes {
		if v.Slot == slot {
			return true
		}
	}
	return false
}

// IsRecent reports whether slot is not older than the tower can still
// reason about: true when the stack is empty (nothing to compare against)
// or slot is at or after the last vote.
func (t *Tower) IsRecent(slot coretypes.Slot) bool {
	last, ok := t.LastVotedSlot()
	if !ok {
		return true
	}
	return slot >= last
}

// IsLockedOut reports whether voting for candidate is forbidden by an
// existing lockout: some recorded vote V is locked out at candidate's
// slot, and V's slot is neither candidate itself nor an ancestor of
// candidate (isAncestor reports
// whether `ancestor` is an ancestor of `slot` on the fork under
// consideration).
func (t *Tower) IsLockedOut(candidate coretypes.Slot, isAncestor func(ancestor, slot coretypes.Slot) bool) bool {
	if len(t.votes) == 0 {
		return false
	}
	for _, v := range t.votes {
		if v.Slot == candidate || isAncestor(v.Slot, candidate) {
			continue
		}
		if v.isLockedOutAtSlot(candidate) {
			return true
		}
	}
	return false
}

// popExpiredVotes removes votes from the top of the stack whose lockout no
// longer covers nextVoteSlot.
func (t *Tower) popExpiredVotes(nextVoteSlot coretypes.Slot) {
	for len(t.votes) > 0 {
		top := t.votes[len(t.votes)-1]
		if top.isLockedOutAtSlot(nextVoteSlot) {
			break
		}
		t.votes = t.votes[:len(t.votes)-1]
	}
}

// doubleLockouts increases a vote's confirmation count whenever enough
// newer votes have accumulated above it in the stack (the doubling-lockout
// rule): a vote at stack index i gains a confirmation once the stack depth
// exceeds i + its current confirmation count.
func (t *Tower) doubleLockouts() {
	depth := len(t.votes)
	for i := range t.votes {
		if depth > i+int(t.votes[i].ConfirmationCount) {
			t.votes[i].ConfirmationCount++
		}
	}
}

// RecordBankVote pushes a new vote for slot onto the stack, expiring
// superseded votes and applying the doubling-lockout rule. If the stack
// was at MaxLockoutHistory capacity, the oldest vote is popped off and
// returned as the new root.
func (t *Tower) RecordBankVote(slot coretypes.Slot) (newRoot coretypes.Slot, hasNewRoot bool) {
	t.popExpiredVotes(slot)

	if len(t.votes) == MaxLockoutHistory {
		rooted := t.votes[0]
		t.votes = t.votes[1:]
		t.root = rooted.Slot
		t.hasRoot = true
		newRoot, hasNewRoot = rooted.Slot, true
	}

	t.votes = append(t.votes, Lockout{Slot: slot, ConfirmationCount: 1})
	t.doubleLockouts()
	return newRoot, hasNewRoot
}

// CheckVoteStakeThreshold evaluates whether the vote at VoteThresholdDepth
// positions back from the top of the stack (if the stack is at least that
// deep) is backed by at least VoteThresholdSize of totalStake, per
// votedStakes (mapping ancestor slot to the stake whose latest vote has
// that slot as an ancestor). A stack shallower than VoteThresholdDepth has
// nothing to check yet and passes vacuously.
func (t *Tower) CheckVoteStakeThreshold(votedStakes progress.VotedStakes, totalStake uint64) bool {
	if len(t.votes) < VoteThresholdDepth {
		return true
	}
	thresholdVote := t.votes[len(t.votes)-VoteThresholdDepth]
	if totalStake == 0 {
		return true
	}
	stake := votedStakes[thresholdVote.Slot]
	return stakemath.AtLeast(stake, totalStake, VoteThresholdSizeNum, VoteThresholdSizeDen)
}

// CheckSwitchThreshold decides whether voting on switchSlot (a candidate
// outside the validator's current fork) is permitted. isOnVotedFork reports
// whether a given slot lies on the fork carrying the last vote — an
// ancestor of the voted slot, the voted slot itself, or a descendant of it;
// latestVotes maps each other validator's pubkey to the slot of its most
// recent vote; unconfirmedDuplicateAncestor optionally names an
// unconfirmed-duplicate ancestor of switchSlot that forces a rollback
// decision instead of a stake count.
func (t *Tower) CheckSwitchThreshold(
	switchSlot coretypes.Slot,
	isOnVotedFork func(slot coretypes.Slot) bool,
	latestVotes map[coretypes.PublicKey]coretypes.Slot,
	stakeOf map[coretypes.PublicKey]uint64,
	totalStake uint64,
	unconfirmedDuplicateAncestor coretypes.Slot,
	hasUnconfirmedDuplicateAncestor bool,
) SwitchForkDecision {
	lastVoted, hasLastVoted := t.LastVotedSlot()
	if !hasLastVoted || switchSlot == lastVoted || isOnVotedFork(switchSlot) {
		return SwitchForkDecision{Kind: SameFork}
	}

	if hasUnconfirmedDuplicateAncestor {
		return SwitchForkDecision{Kind: FailedSwitchDuplicateRollback, DuplicateRollbackAncestor: unconfirmedDuplicateAncestor}
	}

	var divergentStake uint64
	for pubkey, votedSlot := range latestVotes {
		if votedSlot == lastVoted || isOnVotedFork(votedSlot) {
			continue
		}
		divergentStake += stakeOf[pubkey]
	}

	if totalStake == 0 {
		return SwitchForkDecision{Kind: SwitchProof, SwitchProofStake: divergentStake, TotalStake: totalStake}
	}
	if stakemath.Exceeds(divergentStake, totalStake, SwitchForkThresholdNum, SwitchForkThresholdDen) {
		return SwitchForkDecision{Kind: SwitchProof, SwitchProofStake: divergentStake, TotalStake: totalStake}
	}
	return SwitchForkDecision{Kind: FailedSwitchThreshold, SwitchProofStake: divergentStake, TotalStake: totalStake}
}

// LastVoteTxBlockhash returns the recent blockhash embedded in the last
// transmitted vote transaction, used by the replay loop's vote-refresh
// check.
func (t *Tower) LastVoteTxBlockhash() (coretypes.BlockHash, bool) {
	return t.lastVoteTxBlockhash, t.hasLastVoteTxHash
}

// RefreshLastVoteTxBlockhash records a fresh recent blockhash for the
// (unchanged) last vote content, and the wall-clock time of the refresh in
// unix millis, so MAX_VOTE_REFRESH_INTERVAL_MILLIS can be enforced by the
// caller.
func (t *Tower) RefreshLastVoteTxBlockhash(hash coretypes.BlockHash, nowMillis int64) {
	t.lastVoteTxBlockhash = hash
	t.hasLastVoteTxHash = true
	t.lastVoteRefreshMillis = nowMillis
}

// LastVoteRefreshMillis returns the unix-millis timestamp of the last vote
// refresh, or 0 if none has happened yet.
func (t *Tower) LastVoteRefreshMillis() int64 {
	return t.lastVoteRefreshMillis
}

// Votes returns a copy of the current vote stack, oldest first.
func (t *Tower) Votes() []Lockout {
	out := make([]Lockout, len(t.votes))
	copy(out, t.votes)
	return out
}
