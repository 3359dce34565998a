package main

import (
	"context"
	"encoding/binary"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/lumenlabs/validator-core/internal/bank"
	"github.com/lumenlabs/validator-core/internal/blockstore"
	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/log"
	"github.com/lumenlabs/validator-core/internal/replayloop"
)

// devnetCluster is the single-node development cluster this binary drives
// the replay loop against: an in-memory block store standing in for the
// real ledger, a leader schedule that assigns every slot to this
// validator's own identity, and a bank factory producing StubBank
// instances.
type devnetCluster struct {
	store         *blockstore.MemStore
	leaders       *replayloop.StaticLeaderSchedule
	bankFactory   *devnetBankFactory
	genesis       bank.Bank
	genesisID     coretypes.BlockId
	ticksPerSlot  uint64
	maxDevnetSlot coretypes.Slot
}

// devnetBankFactory creates StubBank children that share one fixed
// epoch/vote-account snapshot, the simplest stake distribution that
// exercises fork-choice weighting and tower thresholds end to end.
type devnetBankFactory struct {
	identity     coretypes.PublicKey
	ticksPerSlot uint64
	epoch        coretypes.Epoch
	totalStake   uint64
	accounts     map[coretypes.PublicKey]bank.VoteAccount
}

func (f *devnetBankFactory) NewBank(parent bank.Bank, slot coretypes.Slot) (bank.Bank, error) {
	parentHash, err := parent.Hash()
	if err != nil {
		return nil, err
	}
	b := bank.NewStubBank(slot, parent.Slot(), parentHash, f.ticksPerSlot).
		WithCollector(f.identity).
		WithEpochStake(f.epoch, f.totalStake, f.accounts)
	return b, nil
}

// newDevnetCluster builds the genesis bank and backing fixtures for a
// validator with identity as both the sole leader and (numPeers+1)-way
// stake holder.
func newDevnetCluster(identity coretypes.PublicKey, voteAccount coretypes.PublicKey, ticksPerSlot uint64, numPeers int, maxDevnetSlot coretypes.Slot) *devnetCluster {
	accounts := map[coretypes.PublicKey]bank.VoteAccount{
		voteAccount: {Pubkey: voteAccount, NodePubkey: identity, Stake: 100},
	}
	totalStake := uint64(100)
	for i := 0; i < numPeers; i++ {
		peer := syntheticPubkey(uint64(i + 1))
		accounts[peer] = bank.VoteAccount{Pubkey: peer, NodePubkey: peer, Stake: 100}
		totalStake += 100
	}

	genesis := bank.NewStubBank(0, 0, coretypes.ZeroHash, 0).
		WithCollector(identity).
		WithEpochStake(0, totalStake, accounts)
	genesis.Freeze(coretypes.ZeroHash)
	genesisHash, _ := genesis.Hash()
	genesisID := coretypes.BlockId{Slot: 0, Hash: genesisHash}

	leaderBySlot := make(map[coretypes.Slot]coretypes.PublicKey, maxDevnetSlot)
	for s := coretypes.Slot(1); s <= maxDevnetSlot; s++ {
		leaderBySlot[s] = identity
	}

	return &devnetCluster{
		store:   blockstore.NewMemStore(),
		leaders: replayloop.NewStaticLeaderSchedule(leaderBySlot),
		bankFactory: &devnetBankFactory{
			identity:     identity,
			ticksPerSlot: ticksPerSlot,
			epoch:        0,
			totalStake:   totalStake,
			accounts:     accounts,
		},
		genesis:       genesis,
		genesisID:     genesisID,
		ticksPerSlot:  ticksPerSlot,
		maxDevnetSlot: maxDevnetSlot,
	}
}

// syntheticPubkey derives a deterministic, distinguishable placeholder
// identity for a stubbed devnet peer validator.
func syntheticPubkey(i uint64) coretypes.PublicKey {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], i)
	digest := ethcrypto.Keccak256(buf[:])
	var pk coretypes.PublicKey
	copy(pk[:], digest)
	return pk
}

// runProducer appends PoH tick entries to the block store at a fixed
// cadence and registers each new slot as a child of its predecessor,
// standing in for the real leader-path block producer. It exits when ctx is
// cancelled or maxDevnetSlot is reached.
func (c *devnetCluster) runProducer(ctx context.Context, logger *log.Logger, tickInterval time.Duration) {
	lg := logger.Module("devnet-producer")
	slot := coretypes.Slot(1)
	registered := false
	var tickHash coretypes.BlockHash
	var ticksWritten uint64

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if slot > c.maxDevnetSlot {
			return
		}
		if !registered {
			c.store.AddChild(slot-1, slot)
			registered = true
			ticksWritten = 0
		}
		seed := make([]byte, 16)
		binary.BigEndian.PutUint64(seed[0:8], uint64(slot))
		binary.BigEndian.PutUint64(seed[8:16], ticksWritten)
		tickHash = ethcrypto.Keccak256Hash(seed)
		c.store.WriteEntries(slot, bank.Entry{IsTick: true, TickHash: tickHash, NumHashes: 1})
		ticksWritten++
		lg.Debug("produced tick", "slot", uint64(slot), "tick", ticksWritten)
		if ticksWritten >= c.ticksPerSlot {
			c.store.SetSlotFull(slot, true)
			slot++
			registered = false
		}
	}
}
