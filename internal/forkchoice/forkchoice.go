// Package forkchoice implements HeaviestSubtreeForkChoice: a rooted tree
// of blocks, keyed by BlockId, used to select the heaviest votable leaf
// and the heaviest leaf on the validator's last-voted fork.
package forkchoice

import (
	"errors"
	"sync"

	"github.com/lumenlabs/validator-core/internal/coretypes"
)

var (
	// ErrUnknownParent is returned by AddNewLeaf when the parent BlockId has
	// not been inserted yet.
	ErrUnknownParent = errors.New("forkchoice: unknown parent block")
	// ErrDuplicateBlock is returned by AddNewLeaf when the BlockId already
	// exists in the tree.
	ErrDuplicateBlock = errors.New("forkchoice: duplicate block")
	// ErrUnknownBlock is returned by operations that require an existing
	// node (SetRoot, MarkForkValid/Invalid) given an untracked BlockId.
	ErrUnknownBlock = errors.New("forkchoice: unknown block")
)

// forkInfo is one node in the fork-choice tree.
type forkInfo struct {
	id       coretypes.BlockId
	parent   coretypes.BlockId
	hasParent bool
	children map[coretypes.BlockId]struct{}

	stakeVotedFor     uint64 // stake of votes landed directly on this block
	stakeVotedSubtree uint64 // stakeVotedFor + sum of children's stakeVotedSubtree

	// isDuplicateUnconfirmed is set by MarkForkInvalid on a block and all of
	// its descendants, and inherited by new leaves, so descendants of an
	// invalid block are excluded from selection too.
	isDuplicateUnconfirmed bool
}

// ForkChoice is the single-writer HeaviestSubtreeForkChoice store. The
// control thread is the only writer; the RWMutex here
// protects read-only callers (metrics, RPC) rather than concurrent writers.
type ForkChoice struct {
	mu sync.RWMutex

	root  coretypes.BlockId
	nodes map[coretypes.BlockId]*forkInfo
}

// New creates a ForkChoice rooted at root. root has no parent and is
// assumed already frozen and valid.
func New(root coretypes.BlockId) *ForkChoice {
	fc := &ForkChoice{
		root:  root,
		nodes: make(map[coretypes.BlockId]*forkInfo),
	}
	fc.nodes[root] = &forkInfo{id: root, children: make(map[coretypes.BlockId]struct{})}
	return fc
}

// AddNewLeaf inserts a new leaf descending from parent. Returns
// ErrUnknownParent if parent is not tracked, ErrDuplicateBlock if id
// already exists. A leaf inherits its parent's duplicate-unconfirmed flag,
// since a block built on an unconfirmed-duplicate ancestor is itself
// excluded from selection until the ancestor duplicate-confirms.
func (fc *ForkChoice) AddNewLeaf(id, parent coretypes.BlockId) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if _, exists := fc.nodes[id]; exists {
		return ErrDuplicateBlock
	}
	parentInfo, ok := fc.nodes[parent]
	if !ok {
		return ErrUnknownParent
	}
	parentInfo.children[id] = struct{}{}
	fc.nodes[id] = &forkInfo{
		id:                     id,
		parent:                 parent,
		hasParent:              true,
		children:               make(map[coretypes.BlockId]struct{}),
		isDuplicateUnconfirmed: parentInfo.isDuplicateUnconfirmed,
	}
	return nil
}

// ContainsBlock reports whether id is tracked in the tree.
func (fc *ForkChoice) ContainsBlock(id coretypes.BlockId) bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	_, ok := fc.nodes[id]
	return ok
}

// Root returns the tree's current committed root.
func (fc *ForkChoice) Root() coretypes.BlockId {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.root
}

// StakeVotedFor returns the stake that has voted directly for id.
func (fc *ForkChoice) StakeVotedFor(id coretypes.BlockId) (uint64, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	n, ok := fc.nodes[id]
	if !ok {
		return 0, false
	}
	return n.stakeVotedFor, true
}

// StakeVotedSubtree returns the total stake voted for id and all of its
// descendants.
func (fc *ForkChoice) StakeVotedSubtree(id coretypes.BlockId) (uint64, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	n, ok := fc.nodes[id]
	if !ok {
		return 0, false
	}
	return n.stakeVotedSubtree, true
}

// AddVotedStake adds delta stake to id's direct vote weight and propagates
// it up the ancestor chain into every ancestor's subtree total, maintaining
// the subtree-sum rule. Unknown ids are a no-op (a vote for a block not
// yet replayed).
func (fc *ForkChoice) AddVotedStake(id coretypes.BlockId, delta uint64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	n, ok := fc.nodes[id]
	if !ok {
		return
	}
	n.stakeVotedFor += delta
	cur := n
	for {
		cur.stakeVotedSubtree += delta
		if !cur.hasParent {
			return
		}
		parent, ok := fc.nodes[cur.parent]
		if !ok {
			return
		}
		cur = parent
	}
}

// MarkForkInvalid marks id and every descendant currently in the tree as
// duplicate-unconfirmed, excluding them from selection.
func (fc *ForkChoice) MarkForkInvalid(id coretypes.BlockId) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	n, ok := fc.nodes[id]
	if !ok {
		return ErrUnknownBlock
	}
	fc.setDuplicateFlag(n, true)
	return nil
}

// MarkForkValid clears the duplicate-unconfirmed flag on id and every
// descendant.
func (fc *ForkChoice) MarkForkValid(id coretypes.BlockId) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	n, ok := fc.nodes[id]
	if !ok {
		return ErrUnknownBlock
	}
	fc.setDuplicateFlag(n, false)
	return nil
}

func (fc *ForkChoice) setDuplicateFlag(n *forkInfo, val bool) {
	n.isDuplicateUnconfirmed = val
	for child := range n.children {
		if childNode, ok := fc.nodes[child]; ok {
			fc.setDuplicateFlag(childNode, val)
		}
	}
}

// IsCandidate reports whether id is currently eligible for selection: it
// exists and is not flagged as an unconfirmed duplicate.
func (fc *ForkChoice) IsCandidate(id coretypes.BlockId) bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	n, ok := fc.nodes[id]
	return ok && !n.isDuplicateUnconfirmed
}

// SetRoot prunes every node outside newRoot's subtree and makes newRoot the
// new tree root. Returns ErrUnknownBlock if newRoot
// is not tracked.
func (fc *ForkChoice) SetRoot(newRoot coretypes.BlockId) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if _, ok := fc.nodes[newRoot]; !ok {
		return ErrUnknownBlock
	}

	keep := make(map[coretypes.BlockId]struct{})
	fc.collectDescendants(newRoot, keep)

	for id := range fc.nodes {
		if _, ok := keep[id]; !ok {
			delete(fc.nodes, id)
		}
	}
	if n, ok := fc.nodes[newRoot]; ok {
		n.hasParent = false
		n.parent = coretypes.BlockId{}
	}
	fc.root = newRoot
	return nil
}

func (fc *ForkChoice) collectDescendants(id coretypes.BlockId, keep map[coretypes.BlockId]struct{}) {
	keep[id] = struct{}{}
	n, ok := fc.nodes[id]
	if !ok {
		return
	}
	for child := range n.children {
		fc.collectDescendants(child, keep)
	}
}

// leaves returns every tracked node with no surviving children, in
// deterministic (ascending BlockId) order so selection is reproducible. A
// child flagged duplicate-unconfirmed does not count, so the closest
// candidate ancestor of an excluded subtree is itself a leaf.
func (fc *ForkChoice) leaves() []coretypes.BlockId {
	out := make([]coretypes.BlockId, 0, len(fc.nodes))
	for id, n := range fc.nodes {
		leaf := true
		for child := range n.children {
			if c, ok := fc.nodes[child]; ok && !c.isDuplicateUnconfirmed {
				leaf = false
				break
			}
		}
		if leaf {
			out = append(out, id)
		}
	}
	sortBlockIds(out)
	return out
}

func sortBlockIds(ids []coretypes.BlockId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && blockIdLess(ids[j], ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func blockIdLess(a, b coretypes.BlockId) bool {
	if a.Slot != b.Slot {
		return a.Slot < b.Slot
	}
	return a.Hash.Hex() < b.Hash.Hex()
}

// SelectForks returns the heaviest candidate leaf and, if lastVotedSlot has a surviving
// candidate descendant, the heaviest such descendant leaf
// heaviest_on_voted_fork. ok is false if no candidate leaf
// exists at all (every leaf unconfirmed-duplicate or the tree is empty).
func (fc *ForkChoice) SelectForks(lastVotedSlot coretypes.Slot, hasLastVotedSlot bool) (heaviest coretypes.BlockId, heaviestOnVotedFork coretypes.BlockId, hasHeaviestOnVotedFork bool, ok bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	var bestWeight uint64
	found := false
	for _, leaf := range fc.leaves() {
		n := fc.nodes[leaf]
		if n.isDuplicateUnconfirmed {
			continue
		}
		w := n.stakeVotedSubtree
		if !found || w > bestWeight || (w == bestWeight && leaf.Slot < heaviest.Slot) {
			heaviest = leaf
			bestWeight = w
			found = true
		}
	}
	if !found {
		return coretypes.BlockId{}, coretypes.BlockId{}, false, false
	}

	if hasLastVotedSlot {
		var bestOnForkWeight uint64
		for _, leaf := range fc.leaves() {
			n := fc.nodes[leaf]
			if n.isDuplicateUnconfirmed {
				continue
			}
			if !fc.isDescendantOfSlotLocked(leaf, lastVotedSlot) {
				continue
			}
			w := n.stakeVotedSubtree
			if !hasHeaviestOnVotedFork || w > bestOnForkWeight || (w == bestOnForkWeight && leaf.Slot < heaviestOnVotedFork.Slot) {
				heaviestOnVotedFork = leaf
				bestOnForkWeight = w
				hasHeaviestOnVotedFork = true
			}
		}
	}

	return heaviest, heaviestOnVotedFork, hasHeaviestOnVotedFork, true
}

// isDescendantOfSlotLocked reports whether id descends from (or equals) a
// node at the given slot, walking the ancestor chain. Must be called with
// at least a read lock held.
func (fc *ForkChoice) isDescendantOfSlotLocked(id coretypes.BlockId, slot coretypes.Slot) bool {
	cur, ok := fc.nodes[id]
	for ok {
		if cur.id.Slot == slot {
			return true
		}
		if !cur.hasParent {
			return false
		}
		cur, ok = fc.nodes[cur.parent]
	}
	return false
}

// IsDescendant reports whether descendant descends from (or equals)
// ancestor, for partition detection.
func (fc *ForkChoice) IsDescendant(descendant, ancestor coretypes.BlockId) bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	cur, ok := fc.nodes[descendant]
	for ok {
		if cur.id == ancestor {
			return true
		}
		if !cur.hasParent {
			return false
		}
		cur, ok = fc.nodes[cur.parent]
	}
	return false
}

// BlockCount returns the number of tracked nodes.
func (fc *ForkChoice) BlockCount() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return len(fc.nodes)
}
