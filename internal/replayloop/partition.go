package replayloop

import "github.com/lumenlabs/validator-core/internal/coretypes"

// AncestorSets maps a slot to the set of its ancestor slots.
type AncestorSets map[coretypes.Slot]map[coretypes.Slot]struct{}

// IsPartitionDetected reports whether the validator's last vote sits on a
// fork disjoint from the heaviest candidate: lastVoted differs from
// heaviest and is not among heaviest's ancestors. The absent-ancestor case
// (heaviest has no entry in ancestors at all) defaults to "not partitioned"
// rather than treating every lastVoted as a non-ancestor.
func IsPartitionDetected(ancestors AncestorSets, lastVoted coretypes.Slot, heaviest coretypes.Slot) bool {
	if lastVoted == heaviest {
		return false
	}
	heaviestAncestors, ok := ancestors[heaviest]
	if !ok {
		return false
	}
	_, isAncestor := heaviestAncestors[lastVoted]
	return !isAncestor
}

// BuildAncestorSets derives an AncestorSets view from a BankForks, the glue
// between the abstract ancestors map and the concrete block tree.
func BuildAncestorSets(bf *BankForks, ids []coretypes.BlockId) AncestorSets {
	out := make(AncestorSets, len(ids))
	for _, id := range ids {
		set := make(map[coretypes.Slot]struct{})
		for _, a := range bf.Ancestors(id) {
			set[a.Slot] = struct{}{}
		}
		out[id.Slot] = set
	}
	return out
}

// ShouldRetransmit reports whether a retransmit should be signalled for
// pohSlot: true iff pohSlot rewound below last or moved a full
// consecutive-leader-slot window past it. On true it sets *last := pohSlot.
func ShouldRetransmit(pohSlot coretypes.Slot, last *coretypes.Slot) bool {
	const numConsecutiveLeaderSlots = 4
	if pohSlot < *last || pohSlot >= *last+numConsecutiveLeaderSlots {
		*last = pohSlot
		return true
	}
	return false
}
