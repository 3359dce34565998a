// Package bank defines the external "bank" (block) contract the replay core
// depends on. The real bank — transaction execution, state
// commitment, PoH tick registration — lives outside this repository; this
// package only narrows it to what the replayer, fork choice, and tower need,
// and provides a StubBank for tests.
package bank

import (
	"errors"

	"github.com/lumenlabs/validator-core/internal/coretypes"
)

// ErrNotFrozen is returned by Hash() when called before Freeze().
var ErrNotFrozen = errors.New("bank: block is not frozen")

// VoteAccount is a vote account's stake and latest on-chain vote state, as
// observed from a bank's epoch vote-account set.
type VoteAccount struct {
	Pubkey    coretypes.PublicKey
	NodePubkey coretypes.PublicKey // the validator identity that owns this vote account
	Stake     uint64
	VoteState VoteState
}

// VoteState is the on-chain record of a validator's vote stack, as read out
// of a vote account (not the local Tower — this is what OTHER validators
// have published).
type VoteState struct {
	Votes    []LockoutVote
	RootSlot coretypes.Slot
	HasRoot  bool
}

// LockoutVote is a single (slot, confirmation-count) entry in a vote stack.
type LockoutVote struct {
	Slot             coretypes.Slot
	ConfirmationCount uint32
}

// LastVotedSlot returns the most recent voted slot, or (0, false) if the
// vote stack is empty.
func (v VoteState) LastVotedSlot() (coretypes.Slot, bool) {
	if len(v.Votes) == 0 {
		return 0, false
	}
	return v.Votes[len(v.Votes)-1].Slot, true
}

// Entry is one replayable unit within a block: either a PoH tick or a batch
// of transactions.
type Entry struct {
	IsTick       bool
	TickHash     coretypes.BlockHash // valid when IsTick
	NumHashes    uint64              // PoH hashes chained since the previous entry
	Transactions []Transaction       // valid when !IsTick
}

// Transaction is opaque to the replay core beyond the account keys it locks;
// execution semantics belong to the external bank/state engine.
type Transaction struct {
	Signature  [64]byte
	AccountKeys [][]byte
}

// Bank is the capability set the replay core needs from a candidate block.
// Implementations are externally owned; the core only holds a reference.
type Bank interface {
	Slot() coretypes.Slot
	ParentSlot() coretypes.Slot
	ParentHash() coretypes.BlockHash
	Hash() (coretypes.BlockHash, error) // only valid once frozen
	IsFrozen() bool
	IsComplete() bool
	LastBlockhash() coretypes.BlockHash
	TickHeight() uint64
	MaxTickHeight() uint64
	HashesPerTick() uint64
	CollectorId() coretypes.PublicKey
	Epoch() coretypes.Epoch
	TotalEpochStake() uint64
	EpochVoteAccounts(epoch coretypes.Epoch) map[coretypes.PublicKey]VoteAccount
	VoteAccounts() []VoteAccount

	Freeze(hash coretypes.BlockHash)
	RegisterTick(hash coretypes.BlockHash)
	ProcessTransactions(batch []Transaction) error
}
