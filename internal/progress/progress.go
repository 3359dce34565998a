// Package progress implements the ProgressMap: per-slot replay and
// propagation bookkeeping for every active or frozen non-rooted block. It
// is single-writer — the replay loop owns all
// mutation — so the RWMutex here guards read-only query access from other
// goroutines (metrics exposition, RPC) rather than concurrent writers.
package progress

import (
	"sync"

	"github.com/lumenlabs/validator-core/internal/bank"
	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/stakemath"
)

// SuperminorityThreshold is the stake fraction (of total epoch stake) a
// leader slot's propagated validators must exceed for the slot to be
// considered propagated through the cluster. The ratio form
// feeds stakemath for an exact comparison.
const (
	SuperminorityThreshold                              = 1.0 / 3.0
	SuperminorityThresholdNum, SuperminorityThresholdDen = 1, 3
)

// ReplayProgress is the cursor of consumed entries within a slot, plus the
// last-entry hash needed to resume PoH chaining across EntriesSince calls.
type ReplayProgress struct {
	NumShreds     uint64
	NumEntries    uint64
	NumTxs        uint64
	LastEntry     coretypes.BlockHash
	TickHashCount uint64 // hashes accumulated since the last tick boundary, carried across ConfirmSlot calls
}

// ReplayStats accumulates opaque replay timings for a slot, folded in pass by
// pass via Accumulate.
type ReplayStats struct {
	ReplayElapsedNanos  int64
	ExecuteBatchesNanos int64
	NumEntries          uint64
	NumTxs              uint64
	NumShreds           uint64
}

// Accumulate folds one confirm_slot pass's timings into the running total,
// mirroring ReplaySlotStats's Add-assign behavior in the reference
// implementation.
func (r *ReplayStats) Accumulate(other ReplayStats) {
	r.ReplayElapsedNanos += other.ReplayElapsedNanos
	r.ExecuteBatchesNanos += other.ExecuteBatchesNanos
	r.NumEntries += other.NumEntries
	r.NumTxs += other.NumTxs
	r.NumShreds += other.NumShreds
}

// VotedStakes maps a slot that appears in some validator's lockout stack to
// the total stake that has voted for it.
type VotedStakes map[coretypes.Slot]uint64

// LockoutInterval is one (votedSlot, voterPubkey) pair whose lockout expires
// at a given slot; ForkStats indexes these by expiration slot so fork choice
// can look up which locked-out votes still cover a candidate fork.
type LockoutInterval struct {
	VotedSlot coretypes.Slot
	Voter     coretypes.PublicKey
}

// ForkStats holds the fork-choice-relevant statistics computed for a single
// slot. Computed is set once
// compute_bank_stats has run for this slot; later passes are cheap updates.
type ForkStats struct {
	Weight                  uint64
	ForkWeight              uint64
	TotalStake              uint64
	BlockHeight             uint64
	HasVoted                bool
	IsRecent                bool
	IsEmpty                 bool
	VoteThreshold           bool
	IsLockedOut             bool
	VotedStakes             VotedStakes
	IsSupermajorityConfirmed bool
	Computed                bool
	LockoutIntervals        map[coretypes.Slot][]LockoutInterval
	BankHash                coretypes.BlockHash
	HasBankHash             bool
	MyLatestLandedVote      coretypes.Slot
	HasMyLatestLandedVote   bool
}

// PropagatedStats tracks how much of the validator set has observed a
// leader slot, used to decide whether it is safe to keep building on top of
// it.
type PropagatedStats struct {
	PropagatedValidators      map[coretypes.PublicKey]struct{}
	PropagatedNodeIds         map[coretypes.PublicKey]struct{}
	PropagatedValidatorsStake uint64
	IsPropagated              bool
	IsLeaderSlot              bool
	PrevLeaderSlot            coretypes.Slot
	HasPrevLeaderSlot         bool
	TotalEpochStake           uint64
}

// AddVotePubkey merges in one more validator's stake-weighted vote for this
// leader slot's propagation, returning true if it was new.
func (p *PropagatedStats) AddVotePubkey(votePubkey coretypes.PublicKey, stake uint64) bool {
	if _, ok := p.PropagatedValidators[votePubkey]; ok {
		return false
	}
	p.PropagatedValidators[votePubkey] = struct{}{}
	p.PropagatedValidatorsStake += stake
	return true
}

// AddNodePubkey merges in one more node identity's vote accounts, deriving
// their stakes from the bank's epoch vote-account set.
func (p *PropagatedStats) AddNodePubkey(nodePubkey coretypes.PublicKey, b bank.Bank) {
	if _, ok := p.PropagatedNodeIds[nodePubkey]; ok {
		return
	}
	p.PropagatedNodeIds[nodePubkey] = struct{}{}
	for _, va := range b.EpochVoteAccounts(b.Epoch()) {
		if va.NodePubkey == nodePubkey {
			p.AddVotePubkey(va.Pubkey, va.Stake)
		}
	}
}

// IsSuperminorityPropagated reports whether the propagated stake crosses
// SuperminorityThreshold of the total epoch stake,
// vacuously true when the epoch has no recorded stake yet.
func (p *PropagatedStats) IsSuperminorityPropagated() bool {
	if p.TotalEpochStake == 0 {
		return true
	}
	return stakemath.Exceeds(p.PropagatedValidatorsStake, p.TotalEpochStake, SuperminorityThresholdNum, SuperminorityThresholdDen)
}

func newPropagatedStats() PropagatedStats {
	return PropagatedStats{
		PropagatedValidators: make(map[coretypes.PublicKey]struct{}),
		PropagatedNodeIds:    make(map[coretypes.PublicKey]struct{}),
	}
}

// ValidatorStakeInfo is the stake context passed to NewForkProgress when the
// replaying validator is itself the leader of the new slot.
type ValidatorStakeInfo struct {
	VoteAccount     coretypes.PublicKey
	Stake           uint64
	TotalEpochStake uint64
}

// ForkProgress is the per-slot replay and propagation state tracked for
// every non-rooted block. NumBlocksOnFork and
// NumDroppedBlocksOnFork only count blocks replayed since the current
// process start, not all of history.
type ForkProgress struct {
	IsDead               bool
	ForkStats            ForkStats
	PropagatedStats      PropagatedStats
	ReplayStats          ReplayStats
	ReplayProgress       ReplayProgress
	NumBlocksOnFork      uint64
	NumDroppedBlocksOnFork uint64
}

// NewForkProgress creates a fresh ForkProgress for a just-inserted slot.
// stakeInfo is non-nil only when the replaying validator is the leader of
// this slot, in which case the slot starts out already self-propagated to
// its own stake.
func NewForkProgress(lastEntry coretypes.BlockHash, prevLeaderSlot coretypes.Slot, hasPrevLeaderSlot bool, stakeInfo *ValidatorStakeInfo, numBlocksOnFork, numDroppedBlocksOnFork uint64) *ForkProgress {
	ps := newPropagatedStats()
	ps.PrevLeaderSlot = prevLeaderSlot
	ps.HasPrevLeaderSlot = hasPrevLeaderSlot

	if stakeInfo != nil {
		ps.IsLeaderSlot = true
		ps.TotalEpochStake = stakeInfo.TotalEpochStake
		ps.PropagatedValidatorsStake = stakeInfo.Stake
		ps.PropagatedValidators[stakeInfo.VoteAccount] = struct{}{}
		ps.IsPropagated = ps.IsSuperminorityPropagated()
	}

	return &ForkProgress{
		ForkStats: ForkStats{
			VotedStakes:      make(VotedStakes),
			LockoutIntervals: make(map[coretypes.Slot][]LockoutInterval),
		},
		PropagatedStats: ps,
		ReplayProgress: ReplayProgress{
			LastEntry: lastEntry,
		},
		NumBlocksOnFork:        numBlocksOnFork,
		NumDroppedBlocksOnFork: numDroppedBlocksOnFork,
	}
}

// NewForkProgressFromBank derives stake context from b directly: if b's
// collector is validatorIdentity, the new slot is this validator's own
// leader slot and starts self-propagated.
func NewForkProgressFromBank(b bank.Bank, validatorIdentity, validatorVoteAccount coretypes.PublicKey, prevLeaderSlot coretypes.Slot, hasPrevLeaderSlot bool, numBlocksOnFork, numDroppedBlocksOnFork uint64) *ForkProgress {
	var stakeInfo *ValidatorStakeInfo
	if b.CollectorId() == validatorIdentity {
		stake := uint64(0)
		for _, va := range b.EpochVoteAccounts(b.Epoch()) {
			if va.Pubkey == validatorVoteAccount {
				stake = va.Stake
				break
			}
		}
		stakeInfo = &ValidatorStakeInfo{
			VoteAccount:     validatorVoteAccount,
			Stake:           stake,
			TotalEpochStake: b.TotalEpochStake(),
		}
	}
	return NewForkProgress(b.LastBlockhash(), prevLeaderSlot, hasPrevLeaderSlot, stakeInfo, numBlocksOnFork, numDroppedBlocksOnFork)
}

// ProgressMap is the single-writer slot → ForkProgress registry. The replay
// loop is the only writer; Snapshot and the query methods
// below are safe to call concurrently from metrics/RPC goroutines.
type ProgressMap struct {
	mu sync.RWMutex
	m  map[coretypes.Slot]*ForkProgress
}

// NewProgressMap creates an empty ProgressMap.
func NewProgressMap() *ProgressMap {
	return &ProgressMap{m: make(map[coretypes.Slot]*ForkProgress)}
}

// Insert records fp under slot, replacing any existing entry.
func (p *ProgressMap) Insert(slot coretypes.Slot, fp *ForkProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[slot] = fp
}

// Get returns the ForkProgress for slot, or nil if absent.
func (p *ProgressMap) Get(slot coretypes.Slot) *ForkProgress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.m[slot]
}

// Remove deletes slot's entry, used when pruning dropped forks.
func (p *ProgressMap) Remove(slot coretypes.Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, slot)
}

// Len returns the number of tracked slots.
func (p *ProgressMap) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.m)
}

// GetForkStats returns a copy of slot's ForkStats and whether it exists.
func (p *ProgressMap) GetForkStats(slot coretypes.Slot) (ForkStats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fp, ok := p.m[slot]
	if !ok {
		return ForkStats{}, false
	}
	return fp.ForkStats, true
}

// MutateForkStats calls fn with a pointer to slot's ForkStats under the
// write lock, for in-place updates from compute_bank_stats. Returns false
// if slot is untracked.
func (p *ProgressMap) MutateForkStats(slot coretypes.Slot, fn func(*ForkStats)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fp, ok := p.m[slot]
	if !ok {
		return false
	}
	fn(&fp.ForkStats)
	return true
}

// GetPropagatedStats returns a pointer to slot's PropagatedStats for
// in-place mutation; callers must hold no other lock on p while using it,
// since the pointer escapes the RLock's scope only to read/write maps that
// are not otherwise mutated concurrently (single-writer invariant).
func (p *ProgressMap) GetPropagatedStats(slot coretypes.Slot) *PropagatedStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fp, ok := p.m[slot]
	if !ok {
		return nil
	}
	return &fp.PropagatedStats
}

// IsDead reports whether slot is marked dead, and whether it exists at all.
func (p *ProgressMap) IsDead(slot coretypes.Slot) (dead, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fp, ok := p.m[slot]
	if !ok {
		return false, false
	}
	return fp.IsDead, true
}

// MarkDead sets slot's IsDead flag.
func (p *ProgressMap) MarkDead(slot coretypes.Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fp, ok := p.m[slot]; ok {
		fp.IsDead = true
	}
}

// GetHash returns slot's computed bank hash, if fork stats have been
// computed and a hash recorded.
func (p *ProgressMap) GetHash(slot coretypes.Slot) (coretypes.BlockHash, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fp, ok := p.m[slot]
	if !ok || !fp.ForkStats.HasBankHash {
		return coretypes.BlockHash{}, false
	}
	return fp.ForkStats.BankHash, true
}

// GetLatestLeaderSlot returns the closest leader slot at-or-below slot: slot
// itself if it is a leader slot, else its prev_leader_slot chain pointer.
// Panics if slot is untracked: every frozen bank is required to have a
// progress entry.
func (p *ProgressMap) GetLatestLeaderSlot(slot coretypes.Slot) (coretypes.Slot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fp, ok := p.m[slot]
	if !ok {
		panic("progress: GetLatestLeaderSlot called on untracked slot, violates I1")
	}
	if fp.PropagatedStats.IsLeaderSlot {
		return slot, true
	}
	return fp.PropagatedStats.PrevLeaderSlot, fp.PropagatedStats.HasPrevLeaderSlot
}

// IsPropagated reports whether slot's latest leader slot has propagated
// Absence of a prev_leader_slot, or a leader slot no
// longer tracked (already rooted), is vacuously propagated.
func (p *ProgressMap) IsPropagated(slot coretypes.Slot) bool {
	leaderSlot, ok := p.GetLatestLeaderSlot(slot)
	if !ok {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	fp, ok := p.m[leaderSlot]
	if !ok {
		return true
	}
	return fp.PropagatedStats.IsPropagated
}

// MyLatestLandedVote returns the most recent vote this validator has seen
// land on-chain as of slot.
func (p *ProgressMap) MyLatestLandedVote(slot coretypes.Slot) (coretypes.Slot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fp, ok := p.m[slot]
	if !ok {
		return 0, false
	}
	return fp.ForkStats.MyLatestLandedVote, fp.ForkStats.HasMyLatestLandedVote
}

// SetSupermajorityConfirmedSlot marks slot as supermajority-confirmed. Per
// this flag is monotone; callers never clear it.
func (p *ProgressMap) SetSupermajorityConfirmedSlot(slot coretypes.Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fp, ok := p.m[slot]; ok {
		fp.ForkStats.IsSupermajorityConfirmed = true
	}
}

// IsSupermajorityConfirmed reports slot's confirmation flag, and whether
// slot is tracked at all.
func (p *ProgressMap) IsSupermajorityConfirmed(slot coretypes.Slot) (confirmed, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fp, ok := p.m[slot]
	if !ok {
		return false, false
	}
	return fp.ForkStats.IsSupermajorityConfirmed, true
}

// GetBankPrevLeaderSlot resolves the leader-slot chain pointer for a bank's
// parent, used when constructing a new ForkProgress for a freshly extended
// fork.
func (p *ProgressMap) GetBankPrevLeaderSlot(parentSlot coretypes.Slot) (coretypes.Slot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fp, ok := p.m[parentSlot]
	if !ok {
		return 0, false
	}
	if fp.PropagatedStats.IsLeaderSlot {
		return parentSlot, true
	}
	return fp.PropagatedStats.PrevLeaderSlot, fp.PropagatedStats.HasPrevLeaderSlot
}

// HandleNewRoot prunes every tracked slot not in liveSlots, the set of
// slots still reachable from bank forks after a root advance.
func (p *ProgressMap) HandleNewRoot(liveSlots map[coretypes.Slot]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for slot := range p.m {
		if _, ok := liveSlots[slot]; !ok {
			delete(p.m, slot)
		}
	}
}

// Slots returns a snapshot of every tracked slot, unordered.
func (p *ProgressMap) Slots() []coretypes.Slot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]coretypes.Slot, 0, len(p.m))
	for s := range p.m {
		out = append(out, s)
	}
	return out
}
