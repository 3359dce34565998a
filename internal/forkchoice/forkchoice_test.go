package forkchoice

import (
	"testing"

	"github.com/lumenlabs/validator-core/internal/coretypes"
)

func testHash(b byte) coretypes.BlockHash {
	var h coretypes.BlockHash
	h[0] = b
	return h
}

func blockId(slot uint64, b byte) coretypes.BlockId {
	return coretypes.BlockId{Slot: coretypes.Slot(slot), Hash: testHash(b)}
}

func TestAddNewLeaf(t *testing.T) {
	root := blockId(0, 0x00)
	fc := New(root)

	child := blockId(1, 0x01)
	if err := fc.AddNewLeaf(child, root); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fc.ContainsBlock(child) {
		t.Fatalf("expected child to be tracked")
	}
	if fc.BlockCount() != 2 {
		t.Fatalf("expected 2 blocks, got %d", fc.BlockCount())
	}
}

func TestAddNewLeafDuplicate(t *testing.T) {
	root := blockId(0, 0x00)
	fc := New(root)
	child := blockId(1, 0x01)
	_ = fc.AddNewLeaf(child, root)

	if err := fc.AddNewLeaf(child, root); err != ErrDuplicateBlock {
		t.Fatalf("expected ErrDuplicateBlock, got %v", err)
	}
}

func TestAddNewLeafUnknownParent(t *testing.T) {
	root := blockId(0, 0x00)
	fc := New(root)
	unknownParent := blockId(5, 0x05)
	child := blockId(6, 0x06)

	if err := fc.AddNewLeaf(child, unknownParent); err != ErrUnknownParent {
		t.Fatalf("expected ErrUnknownParent, got %v", err)
	}
}

// buildChain builds a single-fork chain 0 -> 1 -> 2 -> ... -> n.
func buildChain(t *testing.T, n int) (*ForkChoice, []coretypes.BlockId) {
	t.Helper()
	ids := make([]coretypes.BlockId, n+1)
	ids[0] = blockId(0, 0x00)
	fc := New(ids[0])
	for i := 1; i <= n; i++ {
		ids[i] = blockId(uint64(i), byte(i))
		if err := fc.AddNewLeaf(ids[i], ids[i-1]); err != nil {
			t.Fatalf("add leaf %d: %v", i, err)
		}
	}
	return fc, ids
}

func TestSelectForksSingleForkHeaviestIsTip(t *testing.T) {
	fc, ids := buildChain(t, 6)
	fc.AddVotedStake(ids[6], 100)

	heaviest, _, _, ok := fc.SelectForks(0, false)
	if !ok {
		t.Fatalf("expected a candidate")
	}
	if heaviest != ids[6] {
		t.Fatalf("expected heaviest = slot 6, got slot %d", heaviest.Slot)
	}
}

func TestSelectForksTieBreaksLowerSlot(t *testing.T) {
	// Two leaves off the same root, equal stake: the lower slot wins.
	root := blockId(0, 0x00)
	fc := New(root)
	left := blockId(1, 0x01)
	right := blockId(2, 0x02)
	_ = fc.AddNewLeaf(left, root)
	_ = fc.AddNewLeaf(right, root)

	fc.AddVotedStake(left, 50)
	fc.AddVotedStake(right, 50)

	heaviest, _, _, ok := fc.SelectForks(0, false)
	if !ok {
		t.Fatalf("expected a candidate")
	}
	if heaviest != left {
		t.Fatalf("expected tie broken toward lower slot (left, slot 1), got slot %d", heaviest.Slot)
	}
}

func TestSelectForksHeaviestOnVotedFork(t *testing.T) {
	// 0 -> 1 -> {2, 3} ; last voted slot is 1, heaviest overall differs from
	// heaviest on voted fork only when an unrelated heavier branch exists.
	root := blockId(0, 0x00)
	fc := New(root)
	one := blockId(1, 0x01)
	two := blockId(2, 0x02)
	three := blockId(3, 0x03)
	_ = fc.AddNewLeaf(one, root)
	_ = fc.AddNewLeaf(two, one)
	_ = fc.AddNewLeaf(three, one)

	fc.AddVotedStake(two, 10)
	fc.AddVotedStake(three, 90)

	heaviest, onFork, hasOnFork, ok := fc.SelectForks(1, true)
	if !ok || !hasOnFork {
		t.Fatalf("expected both heaviest and heaviest-on-voted-fork")
	}
	if heaviest != three {
		t.Fatalf("expected heaviest = slot 3, got slot %d", heaviest.Slot)
	}
	if onFork != three {
		t.Fatalf("expected heaviest-on-voted-fork = slot 3, got slot %d", onFork.Slot)
	}
}

func TestSelectForksExcludesUnconfirmedDuplicate(t *testing.T) {
	fc, ids := buildChain(t, 3)
	fc.AddVotedStake(ids[3], 100)

	if err := fc.MarkForkInvalid(ids[3]); err != nil {
		t.Fatalf("mark invalid: %v", err)
	}

	heaviest, _, _, ok := fc.SelectForks(0, false)
	if !ok {
		t.Fatalf("expected fallback candidate once tip is excluded")
	}
	if heaviest != ids[2] {
		t.Fatalf("expected heaviest to fall back to slot 2, got slot %d", heaviest.Slot)
	}
}

func TestSelectForksDuplicateConfirmReentersTree(t *testing.T) {
	fc, ids := buildChain(t, 3)
	fc.AddVotedStake(ids[3], 100)
	_ = fc.MarkForkInvalid(ids[3])
	_ = fc.MarkForkValid(ids[3])

	heaviest, _, _, ok := fc.SelectForks(0, false)
	if !ok {
		t.Fatalf("expected a candidate")
	}
	if heaviest != ids[3] {
		t.Fatalf("expected slot 3 to re-enter selection after MarkForkValid, got slot %d", heaviest.Slot)
	}
}

func TestStakeVotedSubtreePropagatesToRoot(t *testing.T) {
	fc, ids := buildChain(t, 3)
	fc.AddVotedStake(ids[3], 30)

	for i := 0; i <= 3; i++ {
		w, ok := fc.StakeVotedSubtree(ids[i])
		if !ok {
			t.Fatalf("slot %d: expected node to exist", i)
		}
		if w != 30 {
			t.Fatalf("slot %d: expected subtree stake 30, got %d (invariant I5)", i, w)
		}
	}
}

func TestSetRootPrunesOutsideSubtree(t *testing.T) {
	// 0 -> 1 -> {2, 3}; SetRoot(2) should drop 0, 1 and 3 but keep 2.
	root := blockId(0, 0x00)
	fc := New(root)
	one := blockId(1, 0x01)
	two := blockId(2, 0x02)
	three := blockId(3, 0x03)
	_ = fc.AddNewLeaf(one, root)
	_ = fc.AddNewLeaf(two, one)
	_ = fc.AddNewLeaf(three, one)

	if err := fc.SetRoot(two); err != nil {
		t.Fatalf("set root: %v", err)
	}
	if fc.ContainsBlock(three) || fc.ContainsBlock(root) {
		t.Fatalf("expected slots 0 and 3 pruned after SetRoot(2)")
	}
	if !fc.ContainsBlock(two) {
		t.Fatalf("expected new root slot 2 to survive")
	}
	if fc.Root() != two {
		t.Fatalf("expected root to be updated to slot 2")
	}
}

func TestIsDescendant(t *testing.T) {
	fc, ids := buildChain(t, 4)
	if !fc.IsDescendant(ids[4], ids[1]) {
		t.Fatalf("slot 4 should descend from slot 1")
	}
	if fc.IsDescendant(ids[1], ids[4]) {
		t.Fatalf("slot 1 should not descend from slot 4")
	}
}
