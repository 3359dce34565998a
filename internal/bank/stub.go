package bank

import (
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/lumenlabs/validator-core/internal/coretypes"
)

// StubBank is an in-memory Bank used by replay-core tests. It is not a
// production execution engine: ProcessTransactions only validates that
// account keys within one batch do not collide (mirroring the lock-acquire
// semantics process_entries relies on), and Freeze derives a hash
// deterministically from slot + parent hash + tick height so tests can
// assert on specific digests.
type StubBank struct {
	mu sync.Mutex

	slot          coretypes.Slot
	parentSlot    coretypes.Slot
	parentHash    coretypes.BlockHash
	hash          coretypes.BlockHash
	frozen        bool
	complete      bool
	tickHeight    uint64
	maxTickHeight uint64
	hashesPerTick uint64
	lastBlockhash coretypes.BlockHash
	collector     coretypes.PublicKey
	epoch         coretypes.Epoch
	totalStake    uint64
	voteAccounts  map[coretypes.PublicKey]VoteAccount
}

// NewStubBank creates a StubBank descending from (parentSlot, parentHash) at
// slot, with maxTickHeight ticks required to complete.
func NewStubBank(slot, parentSlot coretypes.Slot, parentHash coretypes.BlockHash, maxTickHeight uint64) *StubBank {
	return &StubBank{
		slot:          slot,
		parentSlot:    parentSlot,
		parentHash:    parentHash,
		lastBlockhash: parentHash,
		maxTickHeight: maxTickHeight,
		hashesPerTick: 1,
		voteAccounts:  make(map[coretypes.PublicKey]VoteAccount),
	}
}

// WithCollector sets the leader identity that produced this block.
func (b *StubBank) WithCollector(pk coretypes.PublicKey) *StubBank {
	b.collector = pk
	return b
}

// WithEpochStake sets the epoch, total epoch stake, and vote accounts
// visible to fork-stats computation.
func (b *StubBank) WithEpochStake(epoch coretypes.Epoch, total uint64, accounts map[coretypes.PublicKey]VoteAccount) *StubBank {
	b.epoch = epoch
	b.totalStake = total
	b.voteAccounts = accounts
	return b
}

func (b *StubBank) Slot() coretypes.Slot       { return b.slot }
func (b *StubBank) ParentSlot() coretypes.Slot { return b.parentSlot }
func (b *StubBank) ParentHash() coretypes.BlockHash { return b.parentHash }

func (b *StubBank) Hash() (coretypes.BlockHash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.frozen {
		return coretypes.BlockHash{}, ErrNotFrozen
	}
	return b.hash, nil
}

func (b *StubBank) IsFrozen() bool { b.mu.Lock(); defer b.mu.Unlock(); return b.frozen }

// IsComplete reports whether the bank has consumed its full tick budget,
// which precedes (and is independent of) freezing.
func (b *StubBank) IsComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete || b.tickHeight >= b.maxTickHeight
}

func (b *StubBank) LastBlockhash() coretypes.BlockHash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastBlockhash
}

func (b *StubBank) TickHeight() uint64 { b.mu.Lock(); defer b.mu.Unlock(); return b.tickHeight }
func (b *StubBank) MaxTickHeight() uint64 { return b.maxTickHeight }
func (b *StubBank) HashesPerTick() uint64  { return b.hashesPerTick }
func (b *StubBank) CollectorId() coretypes.PublicKey { return b.collector }
func (b *StubBank) Epoch() coretypes.Epoch           { return b.epoch }
func (b *StubBank) TotalEpochStake() uint64          { return b.totalStake }

func (b *StubBank) EpochVoteAccounts(epoch coretypes.Epoch) map[coretypes.PublicKey]VoteAccount {
	b.mu.Lock()
	defer b.mu.Unlock()
	if epoch != b.epoch {
		return nil
	}
	out := make(map[coretypes.PublicKey]VoteAccount, len(b.voteAccounts))
	for k, v := range b.voteAccounts {
		out[k] = v
	}
	return out
}

func (b *StubBank) VoteAccounts() []VoteAccount {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]VoteAccount, 0, len(b.voteAccounts))
	for _, v := range b.voteAccounts {
		out = append(out, v)
	}
	return out
}

// Freeze marks the block complete and stable, computing its hash from the
// slot, parent hash, and final tick height. Subsequent calls are no-ops.
func (b *StubBank) Freeze(_ coretypes.BlockHash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return
	}
	b.complete = b.tickHeight >= b.maxTickHeight
	payload := fmt.Sprintf("slot=%d parent=%s ticks=%d", b.slot, b.parentHash.Hex(), b.tickHeight)
	b.hash = ethcrypto.Keccak256Hash([]byte(payload))
	b.frozen = true
}

// RegisterTick advances the PoH tick height and records the new chain tip.
func (b *StubBank) RegisterTick(hash coretypes.BlockHash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickHeight++
	b.lastBlockhash = hash
}

// ProcessTransactions validates that the batch's account keys do not
// self-conflict; it performs no real execution and leaves the chain tip
// (advanced only by RegisterTick) unchanged.
func (b *StubBank) ProcessTransactions(batch []Transaction) error {
	seen := make(map[string]bool)
	for _, tx := range batch {
		for _, key := range tx.AccountKeys {
			k := string(key)
			if seen[k] {
				return fmt.Errorf("stub bank: account %x locked twice in one batch", key)
			}
			seen[k] = true
		}
	}
	return nil
}
