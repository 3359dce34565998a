// Package blockstore narrows the append-only block store to the
// operations the replay core actually calls. The real store — on-disk
// layout, shred reassembly, compaction — is an external collaborator and out
// of scope here; this package only fixes the contract
// and provides an in-memory fixture used by tests.
package blockstore

import (
	"sync"

	"github.com/lumenlabs/validator-core/internal/bank"
	"github.com/lumenlabs/validator-core/internal/coretypes"
)

// Store is the block store contract.
type Store interface {
	// SlotsSince returns, for each slot in slots, the slots that have a
	// parent meta entry referencing it (i.e. its children).
	SlotsSince(slots []coretypes.Slot) map[coretypes.Slot][]coretypes.Slot

	// EntriesSince returns newly available entries for slot beyond
	// numConsumed, and the new consumed count. allowDead controls whether
	// entries for a slot already marked dead are still returned (used by
	// duplicate-confirm replay).
	EntriesSince(slot coretypes.Slot, numConsumed uint64, allowDead bool) ([]bank.Entry, uint64, error)

	// SetRoots marks every slot in the list as rooted, in order.
	SetRoots(slots []coretypes.Slot) error

	// SetDeadSlot marks a slot dead.
	SetDeadSlot(slot coretypes.Slot) error

	IsRoot(slot coretypes.Slot) bool
	IsDead(slot coretypes.Slot) bool
	MaxRoot() coretypes.Slot
	IsPrimaryAccess() bool

	// IsSlotFull reports whether every shred expected for slot has been
	// received, i.e. the entry stream returned by EntriesSince is complete
	// and no further entries for slot will ever arrive.
	IsSlotFull(slot coretypes.Slot) bool
}

// MemStore is an in-memory Store fixture for tests. It is keyed by parent
// slot so SlotsSince is O(children) rather than a full scan.
type MemStore struct {
	mu sync.Mutex

	childrenOf map[coretypes.Slot][]coretypes.Slot
	entries    map[coretypes.Slot][]bank.Entry
	dead       map[coretypes.Slot]bool
	roots      map[coretypes.Slot]bool
	full       map[coretypes.Slot]bool
	maxRoot    coretypes.Slot
	primary    bool
}

// NewMemStore creates an empty in-memory store that reports itself as
// holding primary (read-write) access.
func NewMemStore() *MemStore {
	return &MemStore{
		childrenOf: make(map[coretypes.Slot][]coretypes.Slot),
		entries:    make(map[coretypes.Slot][]bank.Entry),
		dead:       make(map[coretypes.Slot]bool),
		roots:      make(map[coretypes.Slot]bool),
		full:       make(map[coretypes.Slot]bool),
		primary:    true,
	}
}

// SetSlotFull marks slot as having received all of its shreds, the test
// fixture equivalent of the blockstore's own shred-completion tracking.
func (m *MemStore) SetSlotFull(slot coretypes.Slot, full bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.full[slot] = full
}

// AddChild registers that childSlot descends from parentSlot, for
// SlotsSince to surface.
func (m *MemStore) AddChild(parentSlot, childSlot coretypes.Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.childrenOf[parentSlot] = append(m.childrenOf[parentSlot], childSlot)
}

// WriteEntries appends entries to a slot's available entry stream.
func (m *MemStore) WriteEntries(slot coretypes.Slot, entries...bank.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[slot] = append(m.entries[slot], entries...)
}

func (m *MemStore) SlotsSince(slots []coretypes.Slot) map[coretypes.Slot][]coretypes.Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[coretypes.Slot][]coretypes.Slot, len(slots))
	for _, s := range slots {
		if kids, ok := m.childrenOf[s]; ok && len(kids) > 0 {
			cp := make([]coretypes.Slot, len(kids))
			copy(cp, kids)
			out[s] = cp
		}
	}
	return out
}

func (m *MemStore) EntriesSince(slot coretypes.Slot, numConsumed uint64, allowDead bool) ([]bank.Entry, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead[slot] && !allowDead {
		return nil, numConsumed, nil
	}
	all := m.entries[slot]
	if numConsumed >= uint64(len(all)) {
		return nil, numConsumed, nil
	}
	fresh := all[numConsumed:]
	return fresh, uint64(len(all)), nil
}

func (m *MemStore) SetRoots(slots []coretypes.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range slots {
		m.roots[s] = true
		if s > m.maxRoot {
			m.maxRoot = s
		}
	}
	return nil
}

func (m *MemStore) SetDeadSlot(slot coretypes.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead[slot] = true
	return nil
}

func (m *MemStore) IsRoot(slot coretypes.Slot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roots[slot]
}

func (m *MemStore) IsDead(slot coretypes.Slot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dead[slot]
}

func (m *MemStore) MaxRoot() coretypes.Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxRoot
}

func (m *MemStore) IsPrimaryAccess() bool { return m.primary }

func (m *MemStore) IsSlotFull(slot coretypes.Slot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.full[slot]
}
