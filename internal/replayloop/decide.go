package replayloop

import (
	"context"
	"fmt"
	"time"

	"github.com/lumenlabs/validator-core/internal/config"
	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/tower"
)

// chooseVoteOrReset implements step 8: decide whether to cast a vote on
// heaviest, and which block block-production should reset to
// (heaviestOnVotedFork is used only as the reset target when the switch
// threshold fails).
func (l *Loop) chooseVoteOrReset(heaviest, heaviestOnVotedFork coretypes.BlockId, hasHeaviestOnVotedFork bool) (tower.SwitchForkDecision, bool, coretypes.BlockId) {
	candidate := heaviest
	decision := tower.SwitchForkDecision{Kind: tower.SameFork}

	lastVotedSlot, hasLastVotedSlot := l.tower.LastVotedSlot()
	if hasLastVotedSlot && heaviest.Slot != lastVotedSlot && !l.forks.IsAncestorSlot(lastVotedSlot, heaviest) {
		dupAncestor, hasDupAncestor := l.unconfirmedDuplicateAncestor(heaviest)
		decision = l.tower.CheckSwitchThreshold(
			heaviest.Slot,
			l.onVotedForkPredicate(lastVotedSlot),
			l.latestVoteSlotsByPubkey(),
			l.stakeByPubkey(heaviest),
			l.totalStakeAt(heaviest),
			dupAncestor,
			hasDupAncestor,
		)
	}

	switch decision.Kind {
	case tower.FailedSwitchThreshold:
		// Not safe to switch; hold block production on the voted fork until
		// the threshold clears.
		l.log.Debug("vote suppressed: switch threshold not met",
			"slot", uint64(heaviest.Slot), "switch_stake", decision.SwitchProofStake, "total_stake", decision.TotalStake)
		reset := heaviest
		if hasHeaviestOnVotedFork {
			reset = heaviestOnVotedFork
		}
		return decision, false, reset
	case tower.FailedSwitchDuplicateRollback:
		// Unconfirmed-duplicate branches need active probing by honest
		// validators: reset to the heaviest itself, still without voting.
		l.log.Debug("vote suppressed: unconfirmed duplicate ancestor",
			"slot", uint64(heaviest.Slot), "ancestor", uint64(decision.DuplicateRollbackAncestor))
		return decision, false, heaviest
	}

	resetBlock := candidate
	fp := l.progressMap.Get(candidate.Slot)
	if fp == nil {
		return decision, false, resetBlock
	}
	if l.tower.HasVoted(candidate.Slot) || !l.tower.IsRecent(candidate.Slot) {
		return decision, false, resetBlock
	}
	isAncestor := func(ancestor, _ coretypes.Slot) bool {
		return l.forks.IsAncestorSlot(ancestor, candidate)
	}
	if l.tower.IsLockedOut(candidate.Slot, isAncestor) {
		l.log.Debug("vote suppressed: locked out", "slot", uint64(candidate.Slot))
		return decision, false, resetBlock
	}
	if !l.tower.CheckVoteStakeThreshold(fp.ForkStats.VotedStakes, fp.ForkStats.TotalStake) {
		l.log.Debug("vote suppressed: stake threshold not met", "slot", uint64(candidate.Slot))
		return decision, false, resetBlock
	}
	if !fp.PropagatedStats.IsLeaderSlot && !l.progressMap.IsPropagated(candidate.Slot) {
		l.log.Debug("vote suppressed: propagation unconfirmed", "slot", uint64(candidate.Slot))
		return decision, false, resetBlock
	}
	return decision, true, resetBlock
}

// onVotedForkPredicate builds the tower's isOnVotedFork callback: a slot
// lies on the voted fork when it is the last-voted slot, one of its
// ancestors, or a descendant of it observed in the latest-votes set.
func (l *Loop) onVotedForkPredicate(lastVotedSlot coretypes.Slot) func(coretypes.Slot) bool {
	lastVotedID, hasLastVotedID := l.blockIdAtSlot(lastVotedSlot)
	votesBySlot := make(map[coretypes.Slot]coretypes.BlockId)
	for _, id := range l.latestVotes.All() {
		votesBySlot[id.Slot] = id
	}
	return func(slot coretypes.Slot) bool {
		if slot == lastVotedSlot {
			return true
		}
		if hasLastVotedID && l.forks.IsAncestorSlot(slot, lastVotedID) {
			return true
		}
		if id, ok := votesBySlot[slot]; ok {
			return l.forks.IsAncestorSlot(lastVotedSlot, id)
		}
		return false
	}
}

// blockIdAtSlot resolves a slot to its locally-computed BlockId, if fork
// stats have recorded a bank hash for it.
func (l *Loop) blockIdAtSlot(slot coretypes.Slot) (coretypes.BlockId, bool) {
	if hash, ok := l.progressMap.GetHash(slot); ok {
		return coretypes.BlockId{Slot: slot, Hash: hash}, true
	}
	return coretypes.BlockId{}, false
}

func (l *Loop) latestVoteSlotsByPubkey() map[coretypes.PublicKey]coretypes.Slot {
	out := make(map[coretypes.PublicKey]coretypes.Slot)
	for pk, id := range l.latestVotes.All() {
		out[pk] = id.Slot
	}
	return out
}

func (l *Loop) stakeByPubkey(at coretypes.BlockId) map[coretypes.PublicKey]uint64 {
	out := make(map[coretypes.PublicKey]uint64)
	b, ok := l.forks.Get(at)
	if !ok {
		return out
	}
	for _, va := range b.VoteAccounts() {
		out[va.Pubkey] = va.Stake
	}
	return out
}

func (l *Loop) totalStakeAt(at coretypes.BlockId) uint64 {
	b, ok := l.forks.Get(at)
	if !ok {
		return 0
	}
	return b.TotalEpochStake()
}

// unconfirmedDuplicateAncestor reports the nearest ancestor of at (at
// included) that is tracked as a duplicate but not yet duplicate-confirmed,
// feeding Tower.CheckSwitchThreshold's rollback case.
func (l *Loop) unconfirmedDuplicateAncestor(at coretypes.BlockId) (coretypes.Slot, bool) {
	chain := append(l.forks.Ancestors(at), at)
	for i := len(chain) - 1; i >= 0; i-- {
		ancestor := chain[i]
		if !l.duplicateTracker.Contains(ancestor.Slot) {
			continue
		}
		if _, confirmed := l.gossipConfirmed.Get(ancestor.Slot); confirmed {
			continue
		}
		return ancestor.Slot, true
	}
	return 0, false
}

// castVote implements step 9: record in Tower, durably persist it (fatal on
// failure), advance the root on a new-root report, update commitment, and
// broadcast the vote transaction.
func (l *Loop) castVote(candidate coretypes.BlockId, decision tower.SwitchForkDecision) error {
	newRoot, hasNewRoot := l.tower.RecordBankVote(candidate.Slot)

	if err := l.deps.TowerStore.Save(l.tower); err != nil {
		return newFatalError(FatalReasonTowerPersistenceFailed, err)
	}

	if hasNewRoot {
		l.advanceRoot(newRoot)
	}

	b, ok := l.forks.Get(candidate)
	if !ok {
		return fmt.Errorf("replayloop: no bank tracked for voted candidate %s", candidate)
	}
	trySend(l.deps.CommitmentSenderCh, CommitmentUpdate{Bank: candidate, Root: l.forks.Root().Slot, TotalStake: b.TotalEpochStake()})

	tx, err := l.buildVoteTransaction(candidate, b.LastBlockhash(), decision)
	if err != nil {
		l.log.Warn("vote transaction construction aborted", "slot", uint64(candidate.Slot), "err", err)
		return nil
	}
	if err := l.deps.ClusterInfo.PushVote([]coretypes.Slot{candidate.Slot}, tx); err != nil {
		l.log.Warn("push_vote failed", "err", err)
	}
	if !l.sigRing.Contains(tx.VoterSig) {
		l.sigRing.Push(tx.VoterSig)
	}
	l.tower.RefreshLastVoteTxBlockhash(tx.RecentBlockhash, time.Now().UnixMilli())
	l.mets.Counter("replay_votes_cast_total").Inc()
	return nil
}

// advanceRoot implements "Root advancement".
func (l *Loop) advanceRoot(newRoot coretypes.Slot) {
	newRootHash, hasHash := l.progressMap.GetHash(newRoot)
	if !hasHash {
		return
	}
	newRootID := coretypes.BlockId{Slot: newRoot, Hash: newRootHash}

	rooted := l.forks.SetRoot(newRootID)
	l.mets.Gauge("replay_root_slot").Set(int64(newRoot))
	l.deps.LeaderSchedule.SetRoot(newRoot)
	if err := l.deps.Store.SetRoots(rooted); err != nil {
		panic(fmt.Sprintf("replayloop: set_roots failed while root advancement was required: %v", err))
	}
	if err := l.fc.SetRoot(newRootID); err != nil {
		l.log.Error("fork-choice set_root failed", "root", uint64(newRoot), "err", err)
	}

	live := make(map[coretypes.Slot]struct{})
	for _, s := range l.forks.Frozen() {
		live[s.Slot] = struct{}{}
	}
	for _, s := range l.forks.Active() {
		live[s.Slot] = struct{}{}
	}
	l.progressMap.HandleNewRoot(live)
	l.duplicateTracker.Prune(newRoot)
	l.gossipConfirmed.Prune(newRoot)
	l.unfrozenVotes.Prune(newRoot)

	if !l.hasVoteBeenRooted {
		l.hasVoteBeenRooted = true
		l.sigRing.MarkRooted()
	}

	for _, ch := range l.deps.LatestRootSendersCh {
		trySend(ch, newRoot)
	}
	trySend(l.deps.BankNotificationCh, BankNotification{Kind: BankNotificationRoot, ID: newRootID})
}

// resetBlockProduction implements step 10's reset half: reset
// block-production to resetBlock, only if the last reset differs by PoH
// hash.
func (l *Loop) resetBlockProduction(resetBlock coretypes.BlockId) {
	if l.deps.BlockProduction == nil {
		return
	}
	if l.hasLastResetBlockhash && l.lastResetBlockhash == resetBlock.Hash {
		return
	}
	l.deps.BlockProduction.Reset(resetBlock, resetBlock.Hash)
	l.hasLastResetBlockhash = true
	l.lastResetBlockhash = resetBlock.Hash
}

// detectPartition implements step 10's detection half.
func (l *Loop) detectPartition(heaviest coretypes.BlockId) {
	lastVotedSlot, hasLastVotedSlot := l.tower.LastVotedSlot()
	if !hasLastVotedSlot {
		return
	}
	ancestors := BuildAncestorSets(l.forks, []coretypes.BlockId{heaviest})
	partitioned := IsPartitionDetected(ancestors, lastVotedSlot, heaviest.Slot)
	if partitioned {
		l.log.Warn("PARTITION DETECTED", "last_voted_slot", uint64(lastVotedSlot), "heaviest_slot", uint64(heaviest.Slot))
		l.mets.Counter("replay_partition_detected_total").Inc()
	}
}

// maybeStartLeaderSlot implements step 11.
func (l *Loop) maybeStartLeaderSlot(resetBlock coretypes.BlockId) {
	if l.deps.BlockProduction == nil || l.deps.BlockProduction.HasActiveBlock() {
		return
	}
	if l.cfg.WaitForVoteToStartLeader && !l.hasVoteBeenRooted {
		return
	}
	var identity coretypes.PublicKey
	if l.deps.ClusterInfo != nil {
		identity = l.deps.ClusterInfo.Identity()
	}
	nextSlot, hasNextSlot := l.deps.LeaderSchedule.NextLeaderSlot(identity, resetBlock.Slot)
	if !hasNextSlot {
		return
	}

	parentLeaderSlot, hasParentLeaderSlot := l.progressMap.GetBankPrevLeaderSlot(resetBlock.Slot)
	// A leader slot already pruned below the root is vacuously propagated.
	propagated := !hasParentLeaderSlot ||
		l.progressMap.Get(parentLeaderSlot) == nil ||
		l.progressMap.IsPropagated(parentLeaderSlot)
	withinSkipWindow := l.hasLastLeaderSlot && nextSlot < l.lastLeaderSlot+config.NumConsecutiveLeaderSlots

	if !propagated && !withinSkipWindow {
		if ShouldRetransmit(resetBlock.Slot, &l.lastRetransmitSlot) {
			trySend(l.deps.RetransmitSlotsCh, resetBlock.Slot)
		}
		return
	}

	l.deps.BlockProduction.StartLeaderSlot(nextSlot, resetBlock)
	l.lastLeaderSlot = nextSlot
	l.hasLastLeaderSlot = true
}

// waitForNewData implements step 12: a 100ms-timeout wait on the "new data
// available" signal.
func (l *Loop) waitForNewData(ctx context.Context) {
	timer := time.NewTimer(config.NewDataWaitTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-l.deps.LedgerSignalCh:
	}
}
