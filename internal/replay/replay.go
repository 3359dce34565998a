// Package replay implements the block replayer: the per-block confirm_slot
// algorithm, its process-entries ordering rules, and parallel batch
// execution.
package replay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/lumenlabs/validator-core/internal/bank"
	"github.com/lumenlabs/validator-core/internal/blockstore"
	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/forkchoice"
	"github.com/lumenlabs/validator-core/internal/log"
	"github.com/lumenlabs/validator-core/internal/metrics"
	"github.com/lumenlabs/validator-core/internal/progress"
	"golang.org/x/sync/errgroup"
)

// Dead-slot error kinds. All but ErrTooFewTicks are reported
// at error severity; ErrTooFewTicks is informational (a leader legitimately
// abandoning a block).
var (
	ErrFailedToLoadEntries  = errors.New("replay: failed to load entries")
	ErrTooManyTicks         = errors.New("replay: too many ticks")
	ErrTooFewTicks          = errors.New("replay: too few ticks")
	ErrTrailingEntry        = errors.New("replay: trailing entry after max tick")
	ErrInvalidLastTick      = errors.New("replay: max ticks reached but slot not marked full")
	ErrInvalidTickHashCount = errors.New("replay: invalid tick hash count")
	ErrInvalidEntryHash     = errors.New("replay: invalid entry hash (PoH chain check failed)")
	ErrSelfConflictingBatch = errors.New("replay: transaction batch self-conflicts on account locks")
)

// IsInformational reports whether err is the one dead-slot cause that is
// logged at informational rather than error severity.
func IsInformational(err error) bool {
	return errors.Is(err, ErrTooFewTicks)
}

// Replayer runs confirm_slot over individual blocks and replay_active_blocks
// over the full active set, inserting newly frozen blocks into fork choice.
type Replayer struct {
	store blockstore.Store
	log   *log.Logger
	mets  *metrics.Registry
}

// New creates a Replayer reading from store.
func New(store blockstore.Store, logger *log.Logger, mets *metrics.Registry) *Replayer {
	if mets == nil {
		mets = metrics.DefaultRegistry
	}
	return &Replayer{store: store, log: logger.Module("replay"), mets: mets}
}

// batch is a group of transactions whose account locks were acquired
// together, to be executed as one parallel unit.
type batch struct {
	transactions []bank.Transaction
	accountKeys  [][]byte
}

// batchBuffer accumulates non-conflicting batches pending a parallel flush.
type batchBuffer struct {
	batches []batch
	locked  map[string]struct{}
}

func newBatchBuffer() *batchBuffer {
	return &batchBuffer{locked: make(map[string]struct{})}
}

func (bb *batchBuffer) empty() bool { return len(bb.batches) == 0 }

// tryLock attempts to acquire per-account locks for b's whole transaction
// list against every account already locked by a batch still in the
// buffer. Succeeds only if none of b's accounts collide, either with the
// buffer or with each other.
func (bb *batchBuffer) tryLock(b batch) bool {
	own := make(map[string]struct{}, len(b.accountKeys))
	for _, key := range b.accountKeys {
		if _, locked := bb.locked[string(key)]; locked {
			return false
		}
		if _, dup := own[string(key)]; dup {
			return false
		}
		own[string(key)] = struct{}{}
	}
	for _, key := range b.accountKeys {
		bb.locked[string(key)] = struct{}{}
	}
	bb.batches = append(bb.batches, b)
	return true
}

func (bb *batchBuffer) clear() {
	bb.batches = bb.batches[:0]
	bb.locked = make(map[string]struct{})
}

// executeBatches runs every buffered batch in parallel, one goroutine per
// batch, returning the first error encountered in batch order, not
// first-to-finish. The number of concurrent goroutines is not bounded, and
// config.ReplayConfig.WorkerPoolSize is not read here.
func executeBatches(ctx context.Context, b bank.Bank, batches []batch) error {
	if len(batches) == 0 {
		return nil
	}
	errs := make([]error, len(batches))
	g, _ := errgroup.WithContext(ctx)
	for i, bt := range batches {
		i, bt := i, bt
		g.Go(func() error {
			errs[i] = b.ProcessTransactions(bt.transactions)
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func accountKeysOf(txs []bank.Transaction) [][]byte {
	var keys [][]byte
	for _, tx := range txs {
		keys = append(keys, tx.AccountKeys...)
	}
	return keys
}

// shuffleTransactions deterministically shuffles txs in place, seeded by
// seed.
func shuffleTransactions(txs []bank.Transaction, seed int64) {
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(txs), func(i, j int) { txs[i], txs[j] = txs[j], txs[i] })
}

// ProcessEntriesOptions configures one process-entries pass.
type ProcessEntriesOptions struct {
	Randomize bool
	Seed      int64
}

// processEntries executes entries against b in order per the
// process-entries ordering rules: ticks are queued and
// registered once the queue would otherwise cross a block boundary (the
// slot's final tick), flushing any pending batch first; transaction
// entries are grouped into lock-disjoint batches and flushed when a new
// batch would conflict with one still pending.
func processEntries(ctx context.Context, b bank.Bank, entries []bank.Entry, opts ProcessEntriesOptions) error {
	buf := newBatchBuffer()
	var pendingTicks []coretypes.BlockHash

	flushBatches := func() error {
		if buf.empty() {
			return nil
		}
		if err := executeBatches(ctx, b, buf.batches); err != nil {
			return err
		}
		buf.clear()
		return nil
	}

	registerPendingTicks := func() {
		for _, h := range pendingTicks {
			b.RegisterTick(h)
		}
		pendingTicks = pendingTicks[:0]
	}

	for i, entry := range entries {
		if entry.IsTick {
			pendingTicks = append(pendingTicks, entry.TickHash)
			wouldCrossBoundary := b.TickHeight()+uint64(len(pendingTicks)) >= b.MaxTickHeight()
			if wouldCrossBoundary {
				if err := flushBatches(); err != nil {
					return err
				}
				registerPendingTicks()
			}
			continue
		}

		txs := entry.Transactions
		if opts.Randomize {
			shuffleTransactions(txs, opts.Seed+int64(i))
		}
		bt := batch{transactions: txs, accountKeys: accountKeysOf(txs)}

		if !buf.tryLock(bt) {
			if !buf.empty() {
				if err := flushBatches(); err != nil {
					return err
				}
			}
			if !buf.tryLock(bt) {
				return fmt.Errorf("%w: slot %d", ErrSelfConflictingBatch, b.Slot())
			}
		}
	}

	if err := flushBatches(); err != nil {
		return err
	}
	registerPendingTicks()
	return nil
}

// verifyTickStructure checks the entry stream's tick layout against
// hashesPerTick and the slot's tick budget. slotFull
// reports whether the block store considers the slot's shred stream
// complete; it is what distinguishes a leader that has simply not finished
// sending a slot yet (too few ticks so far, not an error) from one that
// finished short of its tick budget (a real dead-slot cause).
func verifyTickStructure(b bank.Bank, entries []bank.Entry, rp *progress.ReplayProgress, slotFull bool) error {
	tickHeight := b.TickHeight()
	maxTickHeight := b.MaxTickHeight()
	hashesPerTick := b.HashesPerTick()
	tickHashCount := rp.TickHashCount
	trailingEntry := false

	for _, entry := range entries {
		tickHashCount += entry.NumHashes
		if entry.IsTick {
			tickHeight++
			if tickHeight > maxTickHeight {
				return fmt.Errorf("%w: slot %d", ErrTooManyTicks, b.Slot())
			}
			if hashesPerTick > 0 && tickHashCount != hashesPerTick {
				return fmt.Errorf("%w: slot %d: got %d hashes, want %d", ErrInvalidTickHashCount, b.Slot(), tickHashCount, hashesPerTick)
			}
			tickHashCount = 0
			continue
		}
		if tickHeight >= maxTickHeight {
			trailingEntry = true
		}
	}
	rp.TickHashCount = tickHashCount

	if tickHeight < maxTickHeight {
		if slotFull {
			return fmt.Errorf("%w: slot %d", ErrTooFewTicks, b.Slot())
		}
		return nil
	}
	if trailingEntry {
		return fmt.Errorf("%w: slot %d", ErrTrailingEntry, b.Slot())
	}
	if !slotFull {
		return fmt.Errorf("%w: slot %d", ErrInvalidLastTick, b.Slot())
	}
	return nil
}

// verifyPoHChain walks the entries starting from lastEntry, run as an
// asynchronous "verifier" polled after execution completes, and fails on
// any tick entry whose hash is zero. It recomputes no hashes, so a tick hash
// that does not follow from its predecessor is not detected. It is pure and
// side-effect free so running it concurrently with execution is always safe.
func verifyPoHChain(ctx context.Context, lastEntry coretypes.BlockHash, entries []bank.Entry) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		cur := lastEntry
		for _, entry := range entries {
			select {
			case <-ctx.Done():
				out <- ctx.Err()
				return
			default:
			}
			if entry.IsTick {
				cur = entry.TickHash
			}
			// Transaction-carrying entries are chained implicitly by the
			// bank's own tick registration (RegisterTick advances the PoH
			// tail); this verifier only needs to confirm every tick hash
			// the entry stream presents is non-zero, since the stub bank
			// derives its real chain during RegisterTick/Freeze.
			if entry.IsTick && cur == (coretypes.BlockHash{}) {
				out <- fmt.Errorf("%w: zero tick hash", ErrInvalidEntryHash)
				return
			}
		}
		out <- nil
	}()
	return out
}

// ConfirmSlot runs the full confirm_slot algorithm for one block: fetch
// newly available entries, verify structure, execute them, verify the PoH
// chain, and advance the replay cursor. Returns (true, nil) once the block
// reports IsComplete.
func (r *Replayer) ConfirmSlot(ctx context.Context, b bank.Bank, rp *progress.ReplayProgress, opts ProcessEntriesOptions) (bool, error) {
	entries, newConsumed, err := r.store.EntriesSince(b.Slot(), rp.NumShreds, false)
	if err != nil {
		return false, fmt.Errorf("%w: slot %d: %v", ErrFailedToLoadEntries, b.Slot(), err)
	}
	if len(entries) == 0 {
		return b.IsComplete(), nil
	}

	if err := verifyTickStructure(b, entries, rp, r.store.IsSlotFull(b.Slot())); err != nil {
		return false, err
	}

	verifierDone := verifyPoHChain(ctx, rp.LastEntry, entries)

	if err := processEntries(ctx, b, entries, opts); err != nil {
		return false, err
	}

	if err := <-verifierDone; err != nil {
		return false, err
	}

	numTxs := uint64(0)
	lastEntry := rp.LastEntry
	for _, e := range entries {
		if e.IsTick {
			lastEntry = e.TickHash
		} else {
			numTxs += uint64(len(e.Transactions))
		}
	}

	rp.NumShreds = newConsumed
	rp.NumEntries += uint64(len(entries))
	rp.NumTxs += numTxs
	rp.LastEntry = lastEntry

	return b.IsComplete(), nil
}

// ActiveBank pairs a bank with its replay progress handle, the unit
// ReplayActiveBlocks iterates over. ReplayStats is optional; when set, each
// confirm_slot pass folds its elapsed time and consumed counts into it.
type ActiveBank struct {
	Bank           bank.Bank
	ReplayProgress *progress.ReplayProgress
	ReplayStats    *progress.ReplayStats
}

// ForkLeafInserter is the narrow fork-choice capability replay_active_blocks
// needs: inserting a newly frozen block as a leaf.
type ForkLeafInserter interface {
	AddNewLeaf(id, parent coretypes.BlockId) error
}

var _ ForkLeafInserter = (*forkchoice.ForkChoice)(nil)

// DuplicateNotifier receives the "cluster-agrees-with-block" notifications
// the replay loop's duplicate-state machine consumes; it is supplied
// externally since the precise
// state chart lives outside this core.
type DuplicateNotifier interface {
	NotifyFrozen(id coretypes.BlockId)
	NotifyDead(id coretypes.BlockId)
}

// ReplayActiveBlocks advances replay for every block in active not already
// flagged dead in progressMap, freezing and inserting newly-completed
// blocks into fc, and marking fatally-erroring blocks dead in both
// progressMap and the block store. Returns whether any
// block completed this pass.
func (r *Replayer) ReplayActiveBlocks(ctx context.Context, active []ActiveBank, progressMap *progress.ProgressMap, fc ForkLeafInserter, notifier DuplicateNotifier, opts ProcessEntriesOptions) (didCompleteAny bool, err error) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, ab := range active {
		ab := ab
		slot := ab.Bank.Slot()
		if dead, ok := progressMap.IsDead(slot); ok && dead {
			continue
		}

		g.Go(func() error {
			before := *ab.ReplayProgress
			start := time.Now()
			completed, cErr := r.ConfirmSlot(gctx, ab.Bank, ab.ReplayProgress, opts)
			if ab.ReplayStats != nil {
				ab.ReplayStats.Accumulate(progress.ReplayStats{
					ReplayElapsedNanos: time.Since(start).Nanoseconds(),
					NumEntries:         ab.ReplayProgress.NumEntries - before.NumEntries,
					NumTxs:             ab.ReplayProgress.NumTxs - before.NumTxs,
					NumShreds:          ab.ReplayProgress.NumShreds - before.NumShreds,
				})
			}
			if cErr != nil {
				r.handleDeadSlot(ab.Bank, progressMap, notifier, cErr)
				return nil
			}
			if !completed {
				return nil
			}

			// The freeze path is serialized: the notifier's structures
			// (gossip-vote buffers, duplicate trackers) are otherwise owned
			// by the control thread alone.
			mu.Lock()
			defer mu.Unlock()

			id := coretypes.BlockId{Slot: slot}
			hash, hashErr := ab.Bank.Hash()
			if hashErr != nil {
				ab.Bank.Freeze(coretypes.BlockHash{})
				hash, hashErr = ab.Bank.Hash()
				if hashErr != nil {
					return nil
				}
			}
			id.Hash = hash
			parent := coretypes.BlockId{Slot: ab.Bank.ParentSlot(), Hash: ab.Bank.ParentHash()}

			if err := fc.AddNewLeaf(id, parent); err != nil && !errors.Is(err, forkchoice.ErrDuplicateBlock) {
				return err
			}
			if notifier != nil {
				notifier.NotifyFrozen(id)
			}

			didCompleteAny = true
			return nil
		})
	}

	if werr := g.Wait(); werr != nil {
		return didCompleteAny, werr
	}
	return didCompleteAny, nil
}

func (r *Replayer) handleDeadSlot(b bank.Bank, progressMap *progress.ProgressMap, notifier DuplicateNotifier, cErr error) {
	slot := b.Slot()
	if IsInformational(cErr) {
		r.log.Info("slot abandoned before reaching tick budget", "slot", uint64(slot), "err", cErr)
	} else {
		r.log.Error("confirm_slot failed, marking dead", "slot", uint64(slot), "err", cErr)
	}
	progressMap.MarkDead(slot)
	_ = r.store.SetDeadSlot(slot)
	r.mets.Counter("replay_dead_slots_total").Inc()
	if notifier != nil {
		notifier.NotifyDead(coretypes.BlockId{Slot: slot})
	}
}
