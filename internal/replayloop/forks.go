package replayloop

import (
	"sync"

	"github.com/lumenlabs/validator-core/internal/bank"
	"github.com/lumenlabs/validator-core/internal/coretypes"
)

// BankForks is the shared, reference-counted block tree. It tracks every
// active/frozen non-rooted block plus the
// current root, and answers the ancestor queries the tower's IsLockedOut
// and the replay loop's partition detection need.
type BankForks struct {
	mu      sync.RWMutex
	root    coretypes.BlockId
	banks   map[coretypes.BlockId]bank.Bank
	parents map[coretypes.BlockId]coretypes.BlockId
}

// NewBankForks creates a BankForks rooted at root.
func NewBankForks(root coretypes.BlockId, rootBank bank.Bank) *BankForks {
	bf := &BankForks{
		root:    root,
		banks:   make(map[coretypes.BlockId]bank.Bank),
		parents: make(map[coretypes.BlockId]coretypes.BlockId),
	}
	bf.banks[root] = rootBank
	return bf
}

// Insert registers b under id with parent as its ancestor link.
func (bf *BankForks) Insert(id, parent coretypes.BlockId, b bank.Bank) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.banks[id] = b
	bf.parents[id] = parent
}

// Get returns the bank registered under id.
func (bf *BankForks) Get(id coretypes.BlockId) (bank.Bank, bool) {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	b, ok := bf.banks[id]
	return b, ok
}

// Root returns the current committed root BlockId.
func (bf *BankForks) Root() coretypes.BlockId {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.root
}

// Frozen returns every bank currently tracked that reports itself frozen,
// the set compute_bank_stats iterates in ascending-slot order.
func (bf *BankForks) Frozen() []coretypes.BlockId {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	out := make([]coretypes.BlockId, 0, len(bf.banks))
	for id, b := range bf.banks {
		if b.IsFrozen() {
			out = append(out, id)
		}
	}
	sortBlockIdsBySlot(out)
	return out
}

// Active returns every bank currently tracked that is not yet frozen, the
// set the replayer advances each tick.
func (bf *BankForks) Active() []coretypes.BlockId {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	out := make([]coretypes.BlockId, 0, len(bf.banks))
	for id, b := range bf.banks {
		if !b.IsFrozen() {
			out = append(out, id)
		}
	}
	sortBlockIdsBySlot(out)
	return out
}

func sortBlockIdsBySlot(ids []coretypes.BlockId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Slot < ids[j-1].Slot; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// Ancestors returns id's ancestor chain from its immediate parent up to and
// including the root, in root-to-parent (ascending) order.
func (bf *BankForks) Ancestors(id coretypes.BlockId) []coretypes.BlockId {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	var chain []coretypes.BlockId
	cur := id
	for {
		parent, ok := bf.parents[cur]
		if !ok {
			break
		}
		chain = append([]coretypes.BlockId{parent}, chain...)
		if parent == bf.root {
			break
		}
		cur = parent
	}
	return chain
}

// IsAncestor reports whether ancestor is id itself or appears in id's
// ancestor chain.
func (bf *BankForks) IsAncestor(ancestor, id coretypes.BlockId) bool {
	if ancestor == id {
		return true
	}
	for _, a := range bf.Ancestors(id) {
		if a == ancestor {
			return true
		}
	}
	return false
}

// IsAncestorSlot reports whether a block at slot s lies on id's ancestor
// chain (or is id's own slot), used by Tower.IsLockedOut's isAncestor
// callback which only has a slot, not a full BlockId, to compare against.
func (bf *BankForks) IsAncestorSlot(s coretypes.Slot, id coretypes.BlockId) bool {
	if id.Slot == s {
		return true
	}
	for _, a := range bf.Ancestors(id) {
		if a.Slot == s {
			return true
		}
	}
	return false
}

// SetRoot squashes the tree at newRoot: every bank not a descendant of
// newRoot is dropped, and the full ancestor chain from the previous root up
// to and including newRoot is returned (ascending order) for the caller to
// persist as newly-rooted slots.
func (bf *BankForks) SetRoot(newRoot coretypes.BlockId) []coretypes.Slot {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	var rooted []coretypes.Slot
	cur := newRoot
	for {
		rooted = append([]coretypes.Slot{cur.Slot}, rooted...)
		parent, ok := bf.parents[cur]
		if !ok || cur == bf.root {
			break
		}
		cur = parent
	}

	keep := make(map[coretypes.BlockId]struct{})
	bf.collectDescendants(newRoot, keep)

	for id := range bf.banks {
		if _, ok := keep[id]; !ok {
			delete(bf.banks, id)
			delete(bf.parents, id)
		}
	}
	delete(bf.parents, newRoot)
	bf.root = newRoot
	return rooted
}

// Rekey renames a tracked bank from oldID to newID, preserving its parent
// link and re-pointing any child whose recorded parent was oldID. Used once
// a block's real hash becomes known at freeze time; until then, active
// (unfrozen) blocks are tracked under a BlockId with a zero hash.
func (bf *BankForks) Rekey(oldID, newID coretypes.BlockId) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	b, ok := bf.banks[oldID]
	if !ok || oldID == newID {
		return
	}
	parent := bf.parents[oldID]
	delete(bf.banks, oldID)
	delete(bf.parents, oldID)
	bf.banks[newID] = b
	bf.parents[newID] = parent
	for child, p := range bf.parents {
		if p == oldID {
			bf.parents[child] = newID
		}
	}
	if bf.root == oldID {
		bf.root = newID
	}
}

func (bf *BankForks) collectDescendants(id coretypes.BlockId, keep map[coretypes.BlockId]struct{}) {
	keep[id] = struct{}{}
	for candidate, parent := range bf.parents {
		if parent == id {
			if _, already := keep[candidate]; !already {
				bf.collectDescendants(candidate, keep)
			}
		}
	}
}
