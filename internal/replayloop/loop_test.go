package replayloop

import (
	"context"
	"testing"

	"github.com/lumenlabs/validator-core/internal/bank"
	"github.com/lumenlabs/validator-core/internal/blockstore"
	"github.com/lumenlabs/validator-core/internal/config"
	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/metrics"
	"github.com/lumenlabs/validator-core/internal/progress"
	"github.com/lumenlabs/validator-core/internal/tower"
	"github.com/lumenlabs/validator-core/internal/voteauth"
)

// stubBankFactory creates a one-tick StubBank descending from parent,
// enough for processEntries to complete a block from a single tick entry.
type stubBankFactory struct{}

func (stubBankFactory) NewBank(parent bank.Bank, slot coretypes.Slot) (bank.Bank, error) {
	parentHash, _ := parent.Hash()
	return bank.NewStubBank(slot, parent.Slot(), parentHash, 1), nil
}

func tickEntry(b byte) bank.Entry {
	var h coretypes.BlockHash
	h[0] = b
	return bank.Entry{IsTick: true, TickHash: h, NumHashes: 1}
}

func newTestLoop(t *testing.T, store *blockstore.MemStore, leaders map[coretypes.Slot]coretypes.PublicKey) (*Loop, *fakeClusterInfo) {
	t.Helper()
	rootBank := bank.NewStubBank(0, 0, coretypes.ZeroHash, 1)
	rootBank.Freeze(coretypes.ZeroHash)
	rootHash, err := rootBank.Hash()
	if err != nil {
		t.Fatalf("root bank hash: %v", err)
	}
	root := coretypes.BlockId{Slot: 0, Hash: rootHash}

	identity := pubkeyFor("self")
	cluster := &fakeClusterInfo{identity: identity}
	signer := &fakeSigner{pk: identity}

	towerStore, err := tower.OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = towerStore.Close() })

	deps := Dependencies{
		Store:             store,
		BankFactory:       stubBankFactory{},
		LeaderSchedule:    NewStaticLeaderSchedule(leaders),
		ClusterInfo:       cluster,
		TowerStore:        towerStore,
		VoteKeypairs:      voteauth.Keypairs{Identity: signer, AuthorizedVoters: map[coretypes.PublicKey]voteauth.Signer{identity: signer}},
		VoteAccountPubkey: identity,
		BlockProduction:   NewNoopBlockProductionClock(),
	}
	cfg := config.DefaultConfig()
	mets := metrics.NewRegistry()
	l := New(deps, cfg, testLogger(), mets, root, rootBank, tower.New())
	return l, cluster
}

func TestRunOnceReplaysAndFreezesChildBlocks(t *testing.T) {
	store := blockstore.NewMemStore()
	store.AddChild(0, 1)
	store.WriteEntries(1, tickEntry(0x01))
	store.SetSlotFull(1, true)

	leaders := map[coretypes.Slot]coretypes.PublicKey{1: pubkeyFor("self"), 2: pubkeyFor("self")}
	l, _ := newTestLoop(t, store, leaders)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce #%d: %v", i, err)
		}
	}

	frozen := l.forks.Frozen()
	foundSlot1 := false
	for _, id := range frozen {
		if id.Slot == 1 {
			foundSlot1 = true
			if id.Hash == coretypes.ZeroHash {
				t.Fatalf("expected slot 1 to have been rekeyed off the placeholder hash")
			}
		}
	}
	if !foundSlot1 {
		t.Fatalf("expected slot 1 to have replayed and frozen, frozen=%v", frozen)
	}
	if fp := l.progressMap.Get(1); fp == nil {
		t.Fatalf("expected progress entry for slot 1")
	}
}

// TestRunOnceContainsDeadSlot: a slot whose
// entry stream overruns its tick budget dies, but stays tracked in the
// progress map rather than being removed (containment, not excision).
func TestRunOnceContainsDeadSlot(t *testing.T) {
	store := blockstore.NewMemStore()
	store.AddChild(0, 1)
	// Two ticks against a one-tick budget: ErrTooManyTicks, slot 1 dies.
	store.WriteEntries(1, tickEntry(0x01), tickEntry(0x02))

	leaders := map[coretypes.Slot]coretypes.PublicKey{1: pubkeyFor("self")}
	l, _ := newTestLoop(t, store, leaders)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce #%d: %v", i, err)
		}
	}

	dead, known := l.progressMap.IsDead(1)
	if !known || !dead {
		t.Fatalf("expected slot 1 marked dead, known=%v dead=%v", known, dead)
	}
	if fp := l.progressMap.Get(1); fp == nil {
		t.Fatalf("dead slot must remain tracked in the progress map, not removed")
	}
}

// TestChooseVoteOrResetSwitchFailureKeepsVotedFork: too little stake on
// the divergent heaviest fork suppresses the vote and resets block
// production to the voted fork's tip, not the heaviest.
func TestChooseVoteOrResetSwitchFailureKeepsVotedFork(t *testing.T) {
	store := blockstore.NewMemStore()
	l, _ := newTestLoop(t, store, nil)
	root := l.forks.Root()

	peer := pubkeyFor("peer")
	self := pubkeyFor("self")
	accounts := map[coretypes.PublicKey]bank.VoteAccount{
		peer: {Pubkey: peer, NodePubkey: peer, Stake: 20},
		self: {Pubkey: self, NodePubkey: self, Stake: 80},
	}

	oneID := coretypes.BlockId{Slot: 1, Hash: hashFor(1)}
	twoID := coretypes.BlockId{Slot: 2, Hash: hashFor(2)}
	l.forks.Insert(oneID, root, bank.NewStubBank(1, 0, root.Hash, 1).WithEpochStake(0, 100, accounts))
	l.forks.Insert(twoID, root, bank.NewStubBank(2, 0, root.Hash, 1).WithEpochStake(0, 100, accounts))
	l.progressMap.Insert(1, progress.NewForkProgress(coretypes.ZeroHash, 0, false, nil, 0, 0))
	l.progressMap.Insert(2, progress.NewForkProgress(coretypes.ZeroHash, 0, false, nil, 0, 0))

	l.tower.RecordBankVote(1)
	l.latestVotes.CheckAddVote(peer, 2, twoID.Hash) // 20% of stake on the divergent fork, below 38%

	decision, selected, reset := l.chooseVoteOrReset(twoID, oneID, true)
	if decision.Kind != tower.FailedSwitchThreshold {
		t.Fatalf("expected FailedSwitchThreshold, got %v", decision.Kind)
	}
	if selected {
		t.Fatalf("a failed switch must suppress the vote")
	}
	if reset != oneID {
		t.Fatalf("expected reset to the voted fork's tip %v, got %v", oneID, reset)
	}
}

// TestUpdatePropagationStatusBackPropagates: observed voter stake crossing
// the superminority threshold marks the leader slot, and thereby its
// descendants, propagated.
func TestUpdatePropagationStatusBackPropagates(t *testing.T) {
	store := blockstore.NewMemStore()
	l, _ := newTestLoop(t, store, nil)
	root := l.forks.Root()

	peer := pubkeyFor("peer")
	accounts := []bank.VoteAccount{{Pubkey: peer, NodePubkey: peer, Stake: 30}}

	fourID := coretypes.BlockId{Slot: 4, Hash: hashFor(4)}
	fiveID := coretypes.BlockId{Slot: 5, Hash: hashFor(5)}
	l.forks.Insert(fourID, root, bank.NewStubBank(4, 0, root.Hash, 1))
	l.forks.Insert(fiveID, fourID, bank.NewStubBank(5, 4, fourID.Hash, 1))

	leaderInfo := &progress.ValidatorStakeInfo{VoteAccount: pubkeyFor("self"), Stake: 10, TotalEpochStake: 100}
	l.progressMap.Insert(4, progress.NewForkProgress(coretypes.ZeroHash, 0, false, leaderInfo, 0, 0))
	l.progressMap.Insert(5, progress.NewForkProgress(coretypes.ZeroHash, 4, true, nil, 0, 0))

	if l.progressMap.IsPropagated(5) {
		t.Fatalf("slot 5 must start unpropagated: its leader slot holds only 10%% stake")
	}

	l.latestVotes.CheckAddVote(peer, 5, fiveID.Hash)
	l.updatePropagationStatus(fiveID, accounts)

	if !l.progressMap.IsPropagated(4) {
		t.Fatalf("leader slot 4 should be propagated at 40%% of epoch stake")
	}
	if !l.progressMap.IsPropagated(5) {
		t.Fatalf("slot 5 should follow its leader slot's propagation")
	}
}

func TestDetectPartitionIncrementsMetric(t *testing.T) {
	store := blockstore.NewMemStore()
	l, _ := newTestLoop(t, store, nil)

	// Simulate having last voted on slot 9, an orphan the current tree
	// knows nothing about, while heaviest sits on a disjoint fork at slot 3.
	l.tower.RecordBankVote(9)

	heaviest := coretypes.BlockId{Slot: 3, Hash: hashFor(3)}
	l.forks.Insert(heaviest, l.forks.Root(), bank.NewStubBank(3, 0, l.forks.Root().Hash, 1))

	before := l.mets.Counter("replay_partition_detected_total").Value()
	l.detectPartition(heaviest)
	after := l.mets.Counter("replay_partition_detected_total").Value()
	if after != before+1 {
		t.Fatalf("expected partition counter to increment, before=%d after=%d", before, after)
	}

	// Once the last vote advances onto an ancestor of heaviest, detection
	// must clear.
	l.tower.RecordBankVote(0)
	l.detectPartition(heaviest)
	cleared := l.mets.Counter("replay_partition_detected_total").Value()
	if cleared != after {
		t.Fatalf("expected no further increment once last vote is an ancestor of heaviest")
	}
}
