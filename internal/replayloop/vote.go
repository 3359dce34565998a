package replayloop

import (
	"fmt"
	"time"

	"github.com/lumenlabs/validator-core/internal/bank"
	"github.com/lumenlabs/validator-core/internal/config"
	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/progress"
	"github.com/lumenlabs/validator-core/internal/stakemath"
	"github.com/lumenlabs/validator-core/internal/tower"
	"github.com/lumenlabs/validator-core/internal/voteauth"
)

// ingestGossipDuplicateConfirmed implements step 3.
func (l *Loop) ingestGossipDuplicateConfirmed() {
	root := l.forks.Root().Slot
	var batch GossipDuplicateConfirmedBatch
	for {
		select {
		case b, ok := <-l.deps.GossipDuplicateConfirmedSlotsCh:
			if !ok {
				return
			}
			batch = b
		default:
			return
		}
		for _, entry := range batch {
			if entry.Slot < root {
				continue
			}
			if _, err := l.gossipConfirmed.Insert(entry.Slot, entry.Hash); err != nil {
				l.log.Error("cross-block invariant violation: mismatched duplicate-confirmed hash", "slot", uint64(entry.Slot), "err", err)
				continue
			}
			bankHash, hasHash := l.progressMap.GetHash(entry.Slot)
			_ = CheckSlotAgreesWithCluster(entry.Slot, root, bankHash, hasHash, l.duplicateTracker, l.gossipConfirmed, l.progressMap, l.fc, DuplicateConfirmed)
		}
	}
}

// ingestGossipVerifiedVoteHashes implements step 4.
func (l *Loop) ingestGossipVerifiedVoteHashes() {
	for {
		select {
		case v, ok := <-l.deps.GossipVerifiedVoteHashCh:
			if !ok {
				return
			}
			isFrozen := l.fc.ContainsBlock(coretypes.BlockId{Slot: v.Slot, Hash: v.Hash})
			l.unfrozenVotes.AddVote(v.Pubkey, v.Slot, v.Hash, isFrozen, l.latestVotes)
		default:
			return
		}
	}
}

// detectDuplicates implements step 5: unless block production currently
// holds a block, drain the duplicate channel.
func (l *Loop) detectDuplicates() {
	if l.deps.BlockProduction != nil && l.deps.BlockProduction.HasActiveBlock() {
		return
	}
	root := l.forks.Root().Slot
	for {
		select {
		case slot, ok := <-l.deps.DuplicateSlotsCh:
			if !ok {
				return
			}
			if slot < root {
				continue
			}
			bankHash, hasHash := l.progressMap.GetHash(slot)
			_ = CheckSlotAgreesWithCluster(slot, root, bankHash, hasHash, l.duplicateTracker, l.gossipConfirmed, l.progressMap, l.fc, Duplicate)
		default:
			return
		}
	}
}

// stakeForPubkey looks up pubkey's stake in b's vote-account set.
func stakeForPubkey(accounts []bank.VoteAccount, pubkey coretypes.PublicKey) uint64 {
	for _, va := range accounts {
		if va.Pubkey == pubkey {
			return va.Stake
		}
	}
	return 0
}

// collectVoteLockouts walks every vote account's full on-chain lockout
// stack and maps each ancestor slot of id that some voter's stack covers to
// the cumulative stake backing it, the slot each vote's lockout expires at,
// and this validator's own most recently landed vote. Unlike votedStake (this
// validator's fork-choice weight
// contribution, derived from gossip-observed unfrozen votes), this walks
// the bank's frozen, on-chain vote-account state.
func (l *Loop) collectVoteLockouts(id coretypes.BlockId, accounts []bank.VoteAccount, myVoteAccount coretypes.PublicKey) (votedStakes progress.VotedStakes, lockoutIntervals map[coretypes.Slot][]progress.LockoutInterval, myLatestLandedVote coretypes.Slot, hasMyLatestLandedVote bool) {
	votedStakes = make(progress.VotedStakes)
	lockoutIntervals = make(map[coretypes.Slot][]progress.LockoutInterval)

	for _, va := range accounts {
		for _, v := range va.VoteState.Votes {
			expiration := tower.LockoutExpirationSlot(v.Slot, v.ConfirmationCount)
			lockoutIntervals[expiration] = append(lockoutIntervals[expiration], progress.LockoutInterval{
				VotedSlot: v.Slot,
				Voter:     va.Pubkey,
			})
			if v.Slot == id.Slot || l.forks.IsAncestorSlot(v.Slot, id) {
				votedStakes[v.Slot] += va.Stake
			}
		}
		if va.Pubkey == myVoteAccount {
			if last, ok := va.VoteState.LastVotedSlot(); ok {
				myLatestLandedVote, hasMyLatestLandedVote = last, true
			}
		}
	}
	return
}

// computeBankStats implements step 6: compute_bank_stats, then confirm
// forks. Propagation status and fork-choice vote weight are both applied
// before the next ascending slot is processed.
func (l *Loop) computeBankStats() {
	frozen := l.forks.Frozen()
	votes := l.latestVotes.All()

	for _, id := range frozen {
		if fp := l.progressMap.Get(id.Slot); fp == nil || fp.ForkStats.Computed {
			continue
		}
		b, ok := l.forks.Get(id)
		if !ok {
			continue
		}

		accounts := b.VoteAccounts()

		var votedStake uint64
		for pubkey, voteID := range votes {
			if !l.forks.IsAncestorSlot(id.Slot, voteID) {
				continue
			}
			votedStake += stakeForPubkey(accounts, pubkey)
		}

		votedStakes, lockoutIntervals, myLatestLandedVote, hasMyLatestLandedVote := l.collectVoteLockouts(id, accounts, l.deps.VoteAccountPubkey)

		total := b.TotalEpochStake()
		blockHeight := uint64(len(l.forks.Ancestors(id)))
		hasVoted := l.tower.HasVoted(id.Slot)
		isRecent := l.tower.IsRecent(id.Slot)
		voteThreshold := l.tower.CheckVoteStakeThreshold(votedStakes, total)
		isLockedOut := l.tower.IsLockedOut(id.Slot, func(ancestor, _ coretypes.Slot) bool {
			return l.forks.IsAncestorSlot(ancestor, id)
		})
		l.progressMap.MutateForkStats(id.Slot, func(fs *progress.ForkStats) {
			fs.VotedStakes = votedStakes
			fs.LockoutIntervals = lockoutIntervals
			fs.MyLatestLandedVote = myLatestLandedVote
			fs.HasMyLatestLandedVote = hasMyLatestLandedVote
			fs.TotalStake = total
			fs.BankHash = id.Hash
			fs.HasBankHash = true
			fs.BlockHeight = blockHeight
			fs.HasVoted = hasVoted
			fs.IsRecent = isRecent
			fs.VoteThreshold = voteThreshold
			fs.IsLockedOut = isLockedOut
			fs.Computed = true
			fs.IsEmpty = !b.IsComplete()
		})
		l.fc.AddVotedStake(id, votedStake)
		l.updatePropagationStatus(id, accounts)

		if confirmed, known := l.progressMap.IsSupermajorityConfirmed(id.Slot); known && !confirmed && total > 0 {
			if stakemath.Exceeds(votedStake, total, tower.VoteThresholdSizeNum, tower.VoteThresholdSizeDen) {
				l.progressMap.SetSupermajorityConfirmedSlot(id.Slot)
				bankHash, hasHash := l.progressMap.GetHash(id.Slot)
				_ = CheckSlotAgreesWithCluster(id.Slot, l.forks.Root().Slot, bankHash, hasHash, l.duplicateTracker, l.gossipConfirmed, l.progressMap, l.fc, DuplicateConfirmed)
			}
		}

		if id.Slot < l.deps.Store.MaxRoot() {
			l.maybeAdvanceSupermajorityRoot(id)
		}
	}
}

// maybeAdvanceSupermajorityRoot implements the warm-up root scan: while replaying
// below the block store's known maximum root, scan the just-replayed
// block's vote accounts and advance the in-memory root to the greatest
// slot a supermajority of stake already roots.
func (l *Loop) maybeAdvanceSupermajorityRoot(id coretypes.BlockId) {
	b, ok := l.forks.Get(id)
	if !ok {
		return
	}
	var accounts []VoteAccountRoot
	for _, va := range b.VoteAccounts() {
		if va.VoteState.HasRoot {
			accounts = append(accounts, VoteAccountRoot{Root: va.VoteState.RootSlot, Stake: va.Stake})
		}
	}
	currentRoot := l.forks.Root().Slot
	newRoot, ok := SupermajorityRootFromVoteAccounts(accounts, b.TotalEpochStake(), currentRoot)
	if !ok || newRoot <= currentRoot {
		return
	}
	// Only advance onto a slot this validator has itself replayed; the hash
	// check also confirms it descends from the current root (anything
	// tracked with computed stats is reachable from it).
	if _, hasHash := l.progressMap.GetHash(newRoot); !hasHash {
		return
	}
	l.advanceRoot(newRoot)
}

// updatePropagationStatus merges this slot's newly observed voters into its
// latest leader slot's propagation stats and, once the superminority
// threshold is crossed, back-propagates the propagated flag along the
// prev_leader_slot chain until an already-propagated ancestor.
func (l *Loop) updatePropagationStatus(id coretypes.BlockId, accounts []bank.VoteAccount) {
	if l.progressMap.IsPropagated(id.Slot) {
		return
	}
	leaderSlot, ok := l.progressMap.GetLatestLeaderSlot(id.Slot)
	if !ok {
		return
	}
	ps := l.progressMap.GetPropagatedStats(leaderSlot)
	if ps == nil || ps.IsPropagated {
		return
	}

	// A voter whose latest observed vote sits at or beyond this slot on the
	// same fork has necessarily observed the leader slot.
	for pk, voteID := range l.latestVotes.All() {
		if voteID.Slot >= id.Slot && l.forks.IsAncestorSlot(id.Slot, voteID) {
			ps.AddVotePubkey(pk, stakeForPubkey(accounts, pk))
		}
	}
	if !ps.IsSuperminorityPropagated() {
		return
	}

	// A propagated descendant transitively propagates every leader ancestor.
	for {
		ps.IsPropagated = true
		if !ps.HasPrevLeaderSlot {
			return
		}
		ps = l.progressMap.GetPropagatedStats(ps.PrevLeaderSlot)
		if ps == nil || ps.IsPropagated {
			return
		}
	}
}

// maybeRefreshVote implements the "Vote refresh" rule: rebuild and
// retransmit the last vote transaction with a fresh recent blockhash when it
// has gone stale and has not yet landed.
func (l *Loop) maybeRefreshVote(heaviestOnVotedFork coretypes.BlockId, hasHeaviestOnVotedFork bool) {
	if !hasHeaviestOnVotedFork {
		return
	}
	lastVotedSlot, hasLastVotedSlot := l.tower.LastVotedSlot()
	if !hasLastVotedSlot {
		return
	}
	landed, hasLanded := l.progressMap.MyLatestLandedVote(heaviestOnVotedFork.Slot)
	if hasLanded && landed >= lastVotedSlot {
		return
	}
	if heaviestOnVotedFork.Slot < lastVotedSlot || heaviestOnVotedFork.Slot-lastVotedSlot <= coretypes.Slot(config.MaxProcessingAge) {
		return
	}
	nowMillis := time.Now().UnixMilli()
	if nowMillis-l.tower.LastVoteRefreshMillis() < config.MaxVoteRefreshInterval.Milliseconds() {
		return
	}

	heaviestBank, ok := l.forks.Get(heaviestOnVotedFork)
	if !ok {
		return
	}
	lastHash, hasHash := l.progressMap.GetHash(lastVotedSlot)
	if !hasHash {
		return
	}
	tx, err := l.buildVoteTransaction(coretypes.BlockId{Slot: lastVotedSlot, Hash: lastHash}, heaviestBank.LastBlockhash(), tower.SwitchForkDecision{Kind: tower.SameFork})
	if err != nil {
		l.log.Warn("vote refresh: failed to build transaction", "err", err)
		return
	}
	if err := l.deps.ClusterInfo.RefreshVote(tx, lastVotedSlot); err != nil {
		l.log.Warn("vote refresh: failed to push", "err", err)
		return
	}
	l.tower.RefreshLastVoteTxBlockhash(heaviestBank.LastBlockhash(), nowMillis)
}

// buildVoteTransaction implements "Vote transaction construction".
func (l *Loop) buildVoteTransaction(candidate coretypes.BlockId, recentBlockhash coretypes.BlockHash, decision tower.SwitchForkDecision) (voteauth.VoteTransaction, error) {
	kp := l.deps.VoteKeypairs
	if len(kp.AuthorizedVoters) == 0 {
		return voteauth.VoteTransaction{}, voteauth.ErrNoAuthorizedVoters
	}
	if _, ok := l.forks.Get(candidate); !ok {
		return voteauth.VoteTransaction{}, fmt.Errorf("replayloop: no bank tracked for vote candidate %s", candidate)
	}
	voter, err := voteauth.ResolveAuthorizedVoter(kp, l.deps.VoteAccountPubkey)
	if err != nil {
		return voteauth.VoteTransaction{}, err
	}
	return voteauth.Build(kp, voter, candidate, recentBlockhash, decision)
}
