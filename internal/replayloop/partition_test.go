package replayloop

import (
	"testing"

	"github.com/lumenlabs/validator-core/internal/coretypes"
)

func TestIsPartitionDetected(t *testing.T) {
	ancestors := AncestorSets{
		3: {0: {}, 1: {}, 2: {}},
	}

	if IsPartitionDetected(ancestors, 3, 3) {
		t.Fatalf("last_voted == heaviest must never be a partition")
	}
	if IsPartitionDetected(ancestors, 2, 3) {
		t.Fatalf("last_voted is an ancestor of heaviest: not a partition")
	}
	if !IsPartitionDetected(ancestors, 5, 3) {
		t.Fatalf("last_voted 5 is not in heaviest's ancestor set: expected a partition")
	}
	if IsPartitionDetected(ancestors, 5, 9) {
		t.Fatalf("heaviest has no recorded ancestor set: defaults to not partitioned")
	}
}

func TestBuildAncestorSets(t *testing.T) {
	root := coretypes.BlockId{Slot: 0}
	bf := NewBankForks(root, nil)
	one := coretypes.BlockId{Slot: 1, Hash: hashFor(1)}
	two := coretypes.BlockId{Slot: 2, Hash: hashFor(2)}
	bf.Insert(one, root, nil)
	bf.Insert(two, one, nil)

	sets := BuildAncestorSets(bf, []coretypes.BlockId{two})
	if _, ok := sets[2][0]; !ok {
		t.Fatalf("expected slot 0 in slot 2's ancestor set")
	}
	if _, ok := sets[2][1]; !ok {
		t.Fatalf("expected slot 1 in slot 2's ancestor set")
	}
	if _, ok := sets[2][2]; ok {
		t.Fatalf("slot 2 must not be its own ancestor")
	}
}

func TestShouldRetransmit(t *testing.T) {
	var last coretypes.Slot = 10

	if ShouldRetransmit(11, &last) {
		t.Fatalf("slot 11 is within the consecutive-leader-slot window of 10")
	}
	if last != 10 {
		t.Fatalf("last must be unchanged when should_retransmit is false")
	}

	if !ShouldRetransmit(14, &last) {
		t.Fatalf("slot 14 >= last+4: expected retransmit")
	}
	if last != 14 {
		t.Fatalf("last must advance to 14")
	}

	if !ShouldRetransmit(5, &last) {
		t.Fatalf("slot 5 < last: expected retransmit (rewind)")
	}
	if last != 5 {
		t.Fatalf("last must rewind to 5")
	}
}
