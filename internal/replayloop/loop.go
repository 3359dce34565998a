package replayloop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lumenlabs/validator-core/internal/bank"
	"github.com/lumenlabs/validator-core/internal/config"
	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/forkchoice"
	"github.com/lumenlabs/validator-core/internal/log"
	"github.com/lumenlabs/validator-core/internal/metrics"
	"github.com/lumenlabs/validator-core/internal/progress"
	"github.com/lumenlabs/validator-core/internal/replay"
	"github.com/lumenlabs/validator-core/internal/tower"
	"github.com/lumenlabs/validator-core/internal/voteauth"
)

// ErrNoValidForksFound is a startup failure: the loop could not
// select any fork on its first pass.
var ErrNoValidForksFound = errors.New("replayloop: no valid forks found")

// Loop is the control thread: the single owner of the ProgressMap, Tower,
// fork-choice, duplicate/gossip trackers, and the voted-signature ring.
// Every exported method that mutates loop state is meant to be called from
// one goroutine only; concurrent callers must serialize externally.
type Loop struct {
	deps Dependencies
	cfg  config.ReplayConfig
	log  *log.Logger
	mets *metrics.Registry

	replayer    *replay.Replayer
	progressMap *progress.ProgressMap
	fc          *forkchoice.ForkChoice
	forks       *BankForks
	tower       *tower.Tower

	duplicateTracker DuplicateSlotsTracker
	gossipConfirmed  GossipDuplicateConfirmedSlots
	unfrozenVotes    *UnfrozenGossipVerifiedVoteHashes
	latestVotes      *LatestValidatorVotesForFrozenBanks

	sigRing           *voteauth.SignatureRing
	hasVoteBeenRooted bool

	lastRetransmitSlot    coretypes.Slot
	hasLastResetBlockhash bool
	lastResetBlockhash    coretypes.BlockHash
	lastLeaderSlot        coretypes.Slot
	hasLastLeaderSlot     bool

	// seenValidFork latches true the first time SelectForks succeeds, so
	// only the loop's very first unsuccessful fork selection (before any
	// fork has ever been chosen) is treated as the fatal NoValidForksFound
	// startup condition rather than a routine empty pass.
	seenValidFork bool

	// exitFlag is the shared atomic scope-guard flag. Run sets it on the way out,
	// however it returns.
	exitFlag atomic.Bool
}

// New constructs a Loop rooted at rootBank, ready for its first RunOnce.
func New(deps Dependencies, cfg config.ReplayConfig, logger *log.Logger, mets *metrics.Registry, root coretypes.BlockId, rootBank bank.Bank, tw *tower.Tower) *Loop {
	if logger == nil {
		logger = log.Default()
	}
	if mets == nil {
		mets = metrics.DefaultRegistry
	}
	fc := forkchoice.New(root)
	pm := progress.NewProgressMap()
	var identity coretypes.PublicKey
	if deps.ClusterInfo != nil {
		identity = deps.ClusterInfo.Identity()
	}
	pm.Insert(root.Slot, progress.NewForkProgressFromBank(rootBank, identity, deps.VoteAccountPubkey, 0, false, 0, 0))
	return &Loop{
		deps:             deps,
		cfg:              cfg,
		log:              logger.Module("replayloop"),
		mets:             mets,
		replayer:         replay.New(deps.Store, logger.Module("replay"), mets),
		progressMap:      pm,
		fc:               fc,
		forks:            NewBankForks(root, rootBank),
		tower:            tw,
		duplicateTracker: NewDuplicateSlotsTracker(),
		gossipConfirmed:  NewGossipDuplicateConfirmedSlots(),
		unfrozenVotes:    NewUnfrozenGossipVerifiedVoteHashes(),
		latestVotes:      NewLatestValidatorVotesForFrozenBanks(),
		sigRing:          &voteauth.SignatureRing{},
	}
}

// RequestExit flips the shared exit flag, the signal Run's loop checks at
// the top of every iteration.
func (l *Loop) RequestExit() {
	l.exitFlag.Store(true)
}

// Run iterates RunOnce until the exit flag is set, recovering the scope
// guard's exit-on-panic guarantee.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer l.exitFlag.Store(true)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("replayloop: panic in control thread: %v", r)
		}
	}()

	for !l.exitFlag.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if runErr := l.RunOnce(ctx); runErr != nil {
			return runErr
		}
	}
	return nil
}

// RunOnce executes exactly one pass of the replay tick, accumulating
// per-phase timings into internal/metrics.
func (l *Loop) RunOnce(ctx context.Context) error {
	start := time.Now()
	l.extendForks()
	l.mets.Histogram("replay_timing_generate_new_forks_nanos").Observe(time.Since(start).Nanoseconds())

	start = time.Now()
	didComplete, err := l.replay(ctx)
	l.mets.Histogram("replay_timing_replay_nanos").Observe(time.Since(start).Nanoseconds())
	if err != nil {
		return err
	}

	l.ingestGossipDuplicateConfirmed()
	l.ingestGossipVerifiedVoteHashes()
	l.detectDuplicates()

	start = time.Now()
	l.computeBankStats()
	l.mets.Histogram("replay_timing_compute_stats_nanos").Observe(time.Since(start).Nanoseconds())

	lastVotedSlot, hasLastVotedSlot := l.tower.LastVotedSlot()
	start = time.Now()
	heaviest, heaviestOnVotedFork, hasHeaviestOnVotedFork, ok := l.fc.SelectForks(lastVotedSlot, hasLastVotedSlot)
	l.mets.Histogram("replay_timing_select_forks_nanos").Observe(time.Since(start).Nanoseconds())

	if !ok {
		if !l.seenValidFork {
			return newFatalError(FatalReasonNoValidForksFound, ErrNoValidForksFound)
		}
	} else {
		l.seenValidFork = true
		l.maybeRefreshVote(heaviestOnVotedFork, hasHeaviestOnVotedFork)

		start = time.Now()
		decision, selected, resetBlock := l.chooseVoteOrReset(heaviest, heaviestOnVotedFork, hasHeaviestOnVotedFork)
		l.mets.Histogram("replay_timing_select_vote_nanos").Observe(time.Since(start).Nanoseconds())

		if selected {
			start = time.Now()
			voteErr := l.castVote(resetBlock, decision)
			l.mets.Histogram("replay_timing_cast_vote_nanos").Observe(time.Since(start).Nanoseconds())
			if voteErr != nil {
				return voteErr
			}
		}

		start = time.Now()
		l.resetBlockProduction(resetBlock)
		l.mets.Histogram("replay_timing_reset_poh_nanos").Observe(time.Since(start).Nanoseconds())

		l.detectPartition(heaviest)
		l.maybeStartLeaderSlot(resetBlock)
	}

	if !didComplete {
		l.waitForNewData(ctx)
	}
	return nil
}

// extendForks implements step 1: for every frozen block, ask the block
// store for its children, create a bank per new child, and insert progress
// and propagation-stats entries.
func (l *Loop) extendForks() {
	frozen := l.forks.Frozen()
	if len(frozen) == 0 {
		return
	}
	parentSlots := make([]coretypes.Slot, len(frozen))
	for i, id := range frozen {
		parentSlots[i] = id.Slot
	}
	children := l.deps.Store.SlotsSince(parentSlots)

	for _, parentID := range frozen {
		for _, childSlot := range children[parentID.Slot] {
			parentBank, ok := l.forks.Get(parentID)
			if !ok {
				continue
			}
			leaderPubkey, hasLeader := l.deps.LeaderSchedule.SlotLeaderAt(childSlot, parentID, true)
			if !hasLeader {
				l.log.Warn("no scheduled leader for child slot, skipping", "slot", uint64(childSlot))
				continue
			}
			childBank, err := l.deps.BankFactory.NewBank(parentBank, childSlot)
			if err != nil {
				l.log.Error("failed to create child bank", "slot", uint64(childSlot), "err", err)
				continue
			}
			// Active (unfrozen) blocks are tracked under a placeholder
			// zero-hash BlockId until freeze assigns the real hash; see
			// BankForks.Rekey.
			childID := coretypes.BlockId{Slot: childSlot, Hash: coretypes.ZeroHash}
			if _, already := l.forks.Get(childID); already {
				continue
			}
			if l.progressMap.Get(childSlot) != nil {
				continue
			}
			l.forks.Insert(childID, parentID, childBank)

			prevLeaderSlot, hasPrevLeaderSlot := l.progressMap.GetBankPrevLeaderSlot(parentID.Slot)
			var identity coretypes.PublicKey
			if l.deps.ClusterInfo != nil {
				identity = l.deps.ClusterInfo.Identity()
			}
			fp := progress.NewForkProgressFromBank(childBank, identity, l.deps.VoteAccountPubkey, prevLeaderSlot, hasPrevLeaderSlot, 0, 0)
			l.progressMap.Insert(childSlot, fp)

			if hasPrevLeaderSlot {
				if target := l.progressMap.GetPropagatedStats(prevLeaderSlot); target != nil {
					target.AddNodePubkey(leaderPubkey, childBank)
				}
			}
		}
	}
}

// replay implements step 2, advancing every active block one
// pass and freezing those that complete.
func (l *Loop) replay(ctx context.Context) (bool, error) {
	var active []replay.ActiveBank
	for _, id := range l.forks.Active() {
		b, ok := l.forks.Get(id)
		if !ok {
			continue
		}
		fp := l.progressMap.Get(id.Slot)
		if fp == nil {
			continue
		}
		if dead, known := l.progressMap.IsDead(id.Slot); known && dead {
			continue
		}
		active = append(active, replay.ActiveBank{Bank: b, ReplayProgress: &fp.ReplayProgress, ReplayStats: &fp.ReplayStats})
	}
	if len(active) == 0 {
		return false, nil
	}

	return l.replayer.ReplayActiveBlocks(ctx, active, l.progressMap, l.fc, l, replay.ProcessEntriesOptions{Randomize: true})
}

// NotifyFrozen implements replay.DuplicateNotifier: a block has just
// frozen, so fork-choice already knows its leaf and any parked
// gossip-verified vote hashes for this exact (slot, hash) can be absorbed.
func (l *Loop) NotifyFrozen(id coretypes.BlockId) {
	l.forks.Rekey(coretypes.BlockId{Slot: id.Slot, Hash: coretypes.ZeroHash}, id)
	l.unfrozenVotes.DrainForSlotHash(id.Slot, id.Hash, l.latestVotes)
	_ = CheckSlotAgreesWithCluster(id.Slot, l.forks.Root().Slot, id.Hash, true, l.duplicateTracker, l.gossipConfirmed, l.progressMap, l.fc, Frozen)
	trySend(l.deps.BankNotificationCh, BankNotification{Kind: BankNotificationFrozen, ID: id})
	trySend(l.deps.RewardsRecorderCh, id)
	trySend(l.deps.TransactionStatusCh, id)
	trySend(l.deps.CostUpdateCh, id.Slot)
}

// NotifyDead implements replay.DuplicateNotifier: slot died during replay.
// A dead slot is contained locally; the loop never aborts on one.
func (l *Loop) NotifyDead(id coretypes.BlockId) {
	trySend(l.deps.ClusterSlotsUpdateCh, id.Slot)
}
