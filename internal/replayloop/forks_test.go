package replayloop

import (
	"testing"

	"github.com/lumenlabs/validator-core/internal/bank"
	"github.com/lumenlabs/validator-core/internal/coretypes"
)

func TestBankForksInsertGetAncestors(t *testing.T) {
	root := coretypes.BlockId{Slot: 0}
	rootBank := bank.NewStubBank(0, 0, coretypes.ZeroHash, 1)
	bf := NewBankForks(root, rootBank)

	one := coretypes.BlockId{Slot: 1, Hash: hashFor(1)}
	two := coretypes.BlockId{Slot: 2, Hash: hashFor(2)}
	bf.Insert(one, root, bank.NewStubBank(1, 0, coretypes.ZeroHash, 1))
	bf.Insert(two, one, bank.NewStubBank(2, 1, one.Hash, 1))

	if _, ok := bf.Get(two); !ok {
		t.Fatalf("expected slot 2 tracked")
	}
	ancestors := bf.Ancestors(two)
	if len(ancestors) != 2 || ancestors[0] != root || ancestors[1] != one {
		t.Fatalf("expected ancestors [root, one], got %v", ancestors)
	}
	if !bf.IsAncestorSlot(0, two) || !bf.IsAncestorSlot(1, two) {
		t.Fatalf("expected slots 0 and 1 to be ancestors of slot 2")
	}
	if bf.IsAncestorSlot(2, one) {
		t.Fatalf("slot 2 must not be an ancestor of slot 1")
	}
}

func TestBankForksRekeyPreservesLinksAndRoot(t *testing.T) {
	root := coretypes.BlockId{Slot: 0}
	bf := NewBankForks(root, bank.NewStubBank(0, 0, coretypes.ZeroHash, 1))

	placeholder := coretypes.BlockId{Slot: 1, Hash: coretypes.ZeroHash}
	bf.Insert(placeholder, root, bank.NewStubBank(1, 0, coretypes.ZeroHash, 1))
	child := coretypes.BlockId{Slot: 2, Hash: hashFor(2)}
	bf.Insert(child, placeholder, bank.NewStubBank(2, 1, coretypes.ZeroHash, 1))

	real := coretypes.BlockId{Slot: 1, Hash: hashFor(1)}
	bf.Rekey(placeholder, real)

	if _, ok := bf.Get(placeholder); ok {
		t.Fatalf("placeholder key must no longer resolve after rekey")
	}
	if _, ok := bf.Get(real); !ok {
		t.Fatalf("real key must resolve after rekey")
	}
	ancestors := bf.Ancestors(child)
	if len(ancestors) != 2 || ancestors[1] != real {
		t.Fatalf("child's parent link must follow the rekey, got %v", ancestors)
	}
}

func TestBankForksRekeyUpdatesRootPointer(t *testing.T) {
	placeholder := coretypes.BlockId{Slot: 0, Hash: coretypes.ZeroHash}
	bf := NewBankForks(placeholder, bank.NewStubBank(0, 0, coretypes.ZeroHash, 1))
	real := coretypes.BlockId{Slot: 0, Hash: hashFor(0)}
	bf.Rekey(placeholder, real)
	if bf.Root() != real {
		t.Fatalf("expected root to follow rekey, got %v", bf.Root())
	}
}

func TestBankForksSetRootSquashes(t *testing.T) {
	root := coretypes.BlockId{Slot: 0}
	bf := NewBankForks(root, bank.NewStubBank(0, 0, coretypes.ZeroHash, 1))

	one := coretypes.BlockId{Slot: 1, Hash: hashFor(1)}
	twoA := coretypes.BlockId{Slot: 2, Hash: hashFor(2)}
	twoB := coretypes.BlockId{Slot: 2, Hash: hashFor(20)} // sibling fork at same slot
	bf.Insert(one, root, bank.NewStubBank(1, 0, coretypes.ZeroHash, 1))
	bf.Insert(twoA, one, bank.NewStubBank(2, 1, one.Hash, 1))
	bf.Insert(twoB, root, bank.NewStubBank(2, 0, coretypes.ZeroHash, 1))

	rooted := bf.SetRoot(one)
	if len(rooted) != 2 || rooted[0] != 0 || rooted[1] != 1 {
		t.Fatalf("expected rooted slots [0, 1], got %v", rooted)
	}
	if _, ok := bf.Get(twoB); ok {
		t.Fatalf("sibling fork twoB must be pruned once one becomes root")
	}
	if _, ok := bf.Get(twoA); !ok {
		t.Fatalf("descendant twoA must survive squashing")
	}
	if bf.Root() != one {
		t.Fatalf("expected new root %v, got %v", one, bf.Root())
	}
}
