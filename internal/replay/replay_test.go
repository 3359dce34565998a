package replay

import (
	"context"
	"testing"

	"github.com/lumenlabs/validator-core/internal/bank"
	"github.com/lumenlabs/validator-core/internal/blockstore"
	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/forkchoice"
	"github.com/lumenlabs/validator-core/internal/log"
	"github.com/lumenlabs/validator-core/internal/progress"
)

func testLogger() *log.Logger {
	return log.New(1 << 10) // a high slog.Level value silences output in tests
}

func txWithKeys(keys ...string) bank.Transaction {
	var accountKeys [][]byte
	for _, k := range keys {
		accountKeys = append(accountKeys, []byte(k))
	}
	return bank.Transaction{AccountKeys: accountKeys}
}

func tickEntry(b byte) bank.Entry {
	var h coretypes.BlockHash
	h[0] = b
	return bank.Entry{IsTick: true, TickHash: h, NumHashes: 1}
}

func txEntry(txs ...bank.Transaction) bank.Entry {
	return bank.Entry{Transactions: txs}
}

func TestConfirmSlotCompletesSimpleBlock(t *testing.T) {
	store := blockstore.NewMemStore()
	slot := coretypes.Slot(1)
	store.WriteEntries(slot,
		txEntry(txWithKeys("a")),
		tickEntry(0x01),
	)
	store.SetSlotFull(slot, true)

	b := bank.NewStubBank(slot, 0, coretypes.ZeroHash, 1)
	r := New(store, testLogger(), nil)
	rp := &progress.ReplayProgress{}

	completed, err := r.ConfirmSlot(context.Background(), b, rp, ProcessEntriesOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !completed {
		t.Fatalf("expected block to complete after reaching tick budget")
	}
	if rp.NumTxs != 1 {
		t.Fatalf("expected 1 tx processed, got %d", rp.NumTxs)
	}
}

func TestConfirmSlotTooManyTicks(t *testing.T) {
	store := blockstore.NewMemStore()
	slot := coretypes.Slot(1)
	store.WriteEntries(slot, tickEntry(0x01), tickEntry(0x02))

	b := bank.NewStubBank(slot, 0, coretypes.ZeroHash, 1)
	r := New(store, testLogger(), nil)
	rp := &progress.ReplayProgress{}

	_, err := r.ConfirmSlot(context.Background(), b, rp, ProcessEntriesOptions{})
	if err == nil {
		t.Fatalf("expected an error for exceeding max tick height")
	}
}

func TestConfirmSlotSelfConflictingBatch(t *testing.T) {
	store := blockstore.NewMemStore()
	slot := coretypes.Slot(1)
	store.WriteEntries(slot, txEntry(txWithKeys("a"), txWithKeys("a")))

	b := bank.NewStubBank(slot, 0, coretypes.ZeroHash, 1)
	r := New(store, testLogger(), nil)
	rp := &progress.ReplayProgress{}

	_, err := r.ConfirmSlot(context.Background(), b, rp, ProcessEntriesOptions{})
	if err == nil {
		t.Fatalf("expected self-conflicting batch to be reported")
	}
}

func TestProcessEntriesFlushesBeforeConflictingBatch(t *testing.T) {
	b := bank.NewStubBank(1, 0, coretypes.ZeroHash, 5)
	entries := []bank.Entry{
		txEntry(txWithKeys("a")),
		txEntry(txWithKeys("a")), // conflicts with the first batch, forces a flush
	}
	if err := processEntries(context.Background(), b, entries, ProcessEntriesOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type stubNotifier struct {
	frozen []coretypes.BlockId
	dead   []coretypes.BlockId
}

func (s *stubNotifier) NotifyFrozen(id coretypes.BlockId) { s.frozen = append(s.frozen, id) }
func (s *stubNotifier) NotifyDead(id coretypes.BlockId)   { s.dead = append(s.dead, id) }

func TestReplayActiveBlocksFreezesAndInsertsLeaf(t *testing.T) {
	store := blockstore.NewMemStore()
	root := coretypes.BlockId{Slot: 0, Hash: coretypes.ZeroHash}
	fc := forkchoice.New(root)

	b := bank.NewStubBank(1, 0, coretypes.ZeroHash, 1)
	store.WriteEntries(1, tickEntry(0x01))
	store.SetSlotFull(1, true)

	pm := progress.NewProgressMap()
	pm.Insert(1, progress.NewForkProgress(coretypes.ZeroHash, 0, false, nil, 0, 0))

	r := New(store, testLogger(), nil)
	notifier := &stubNotifier{}

	active := []ActiveBank{{Bank: b, ReplayProgress: &progress.ReplayProgress{}}}
	didComplete, err := r.ReplayActiveBlocks(context.Background(), active, pm, fc, notifier, ProcessEntriesOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !didComplete {
		t.Fatalf("expected at least one block to complete")
	}
	if len(notifier.frozen) != 1 {
		t.Fatalf("expected one frozen notification, got %d", len(notifier.frozen))
	}
	if !fc.ContainsBlock(notifier.frozen[0]) {
		t.Fatalf("expected frozen block to be inserted into fork choice")
	}
}

func TestReplayActiveBlocksMarksDeadOnFatalError(t *testing.T) {
	store := blockstore.NewMemStore()
	root := coretypes.BlockId{Slot: 0, Hash: coretypes.ZeroHash}
	fc := forkchoice.New(root)

	b := bank.NewStubBank(1, 0, coretypes.ZeroHash, 1)
	store.WriteEntries(1, tickEntry(0x01), tickEntry(0x02)) // too many ticks

	pm := progress.NewProgressMap()
	pm.Insert(1, progress.NewForkProgress(coretypes.ZeroHash, 0, false, nil, 0, 0))

	r := New(store, testLogger(), nil)
	notifier := &stubNotifier{}

	active := []ActiveBank{{Bank: b, ReplayProgress: &progress.ReplayProgress{}}}
	_, err := r.ReplayActiveBlocks(context.Background(), active, pm, fc, notifier, ProcessEntriesOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dead, ok := pm.IsDead(1)
	if !ok || !dead {
		t.Fatalf("expected slot 1 marked dead in progress map")
	}
	if !store.IsDead(1) {
		t.Fatalf("expected slot 1 marked dead in block store")
	}
	if len(notifier.dead) != 1 {
		t.Fatalf("expected one dead notification, got %d", len(notifier.dead))
	}
}
