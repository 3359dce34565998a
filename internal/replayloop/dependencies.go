package replayloop

import (
	"github.com/lumenlabs/validator-core/internal/bank"
	"github.com/lumenlabs/validator-core/internal/blockstore"
	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/tower"
	"github.com/lumenlabs/validator-core/internal/voteauth"
)

// GossipDuplicateConfirmedBatch is one cluster-confirmation signal: a batch
// of (slot, hash) pairs the gossip-vote listener has determined are
// duplicate-confirmed.
type GossipDuplicateConfirmedBatch []GossipDuplicateConfirmedSlot

// GossipDuplicateConfirmedSlot is a single duplicate-confirmation signal.
type GossipDuplicateConfirmedSlot struct {
	Slot coretypes.Slot
	Hash coretypes.BlockHash
}

// GossipVerifiedVoteHash is a single gossip-observed vote for (slot, hash)
// by pubkey.
type GossipVerifiedVoteHash struct {
	Pubkey coretypes.PublicKey
	Slot   coretypes.Slot
	Hash   coretypes.BlockHash
}

// BankNotification mirrors the outbound "bank notification" sender: Frozen
// fires from the replayer's freeze path, Root fires from root
// advancement.
type BankNotification struct {
	Kind BankNotificationKind
	ID   coretypes.BlockId
}

// BankNotificationKind classifies a BankNotification.
type BankNotificationKind int

const (
	BankNotificationFrozen BankNotificationKind = iota
	BankNotificationRoot
)

// CommitmentUpdate is the single aggregation datum sent to the commitment
// service each time a vote is cast.
type CommitmentUpdate struct {
	Bank       coretypes.BlockId
	Root       coretypes.Slot
	TotalStake uint64
}

// ClusterInfo is the narrow cluster-info collaborator:
// identity key plus the three vote-transmission primitives.
type ClusterInfo interface {
	Identity() coretypes.PublicKey
	SendVote(tx voteauth.VoteTransaction, to coretypes.PublicKey) error
	PushVote(slots []coretypes.Slot, tx voteauth.VoteTransaction) error
	RefreshVote(tx voteauth.VoteTransaction, slot coretypes.Slot) error
}

// BankFactory creates a child bank descending from parent at slot, the
// narrow slice of the bank/state engine's "creates a bank from a parent at
// a slot" contract.
type BankFactory interface {
	NewBank(parent bank.Bank, slot coretypes.Slot) (bank.Bank, error)
}

// BlockProductionClock is the external "are we currently producing a block"
// collaborator. The replay core only
// ever resets or queries it; building a leader's own entries happens
// entirely outside this core.
type BlockProductionClock interface {
	HasActiveBlock() bool
	Reset(resetBlock coretypes.BlockId, resetBlockhash coretypes.BlockHash)
	StartLeaderSlot(slot coretypes.Slot, parent coretypes.BlockId)
}

// Dependencies gathers every external collaborator the replay loop talks
// to into one constructor argument rather than a long parameter list.
type Dependencies struct {
	Store           blockstore.Store
	BankFactory     BankFactory
	LeaderSchedule  LeaderScheduleOracle
	ClusterInfo     ClusterInfo
	TowerStore      *tower.Store
	VoteKeypairs    voteauth.Keypairs
	VoteAccountPubkey coretypes.PublicKey
	BlockProduction BlockProductionClock

	// Inbound, single-consumer (control thread) channels.
	GossipDuplicateConfirmedSlotsCh <-chan GossipDuplicateConfirmedBatch
	GossipVerifiedVoteHashCh        <-chan GossipVerifiedVoteHash
	DuplicateSlotsCh                <-chan coretypes.Slot
	DuplicateSlotsResetCh           <-chan coretypes.Slot // reserved; reset path not wired
	LedgerSignalCh                  <-chan bool

	// Outbound senders. A nil channel is a valid "no subscriber" and every
	// send is attempted non-blocking; a send to a full or absent channel is
	// dropped without logging.
	CommitmentSenderCh  chan<- CommitmentUpdate
	RetransmitSlotsCh   chan<- coretypes.Slot
	ClusterSlotsUpdateCh chan<- coretypes.Slot
	CostUpdateCh        chan<- coretypes.Slot
	RewardsRecorderCh   chan<- coretypes.BlockId
	BankNotificationCh  chan<- BankNotification
	TransactionStatusCh chan<- coretypes.BlockId
	LatestRootSendersCh []chan<- coretypes.Slot
}

// trySend performs a non-blocking send to a possibly-nil channel and
// reports whether it was delivered; a failed send is not logged.
func trySend[T any](ch chan<- T, v T) bool {
	if ch == nil {
		return false
	}
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}
