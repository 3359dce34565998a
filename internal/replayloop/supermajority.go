package replayloop

import (
	"sort"

	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/stakemath"
	"github.com/lumenlabs/validator-core/internal/tower"
)

// VoteAccountRoot is one validator's most recently observed root slot and
// its stake, the input to supermajority-root scanning during warm-up.
type VoteAccountRoot struct {
	Root  coretypes.Slot
	Stake uint64
}

// SupermajorityRootFromVoteAccounts scans vote-account roots from the
// greatest slot down, accumulating stake, and returns the greatest root R
// whose cumulative stake (every root >= R) exceeds two thirds of
// totalStake. Returns (0, false) if no such R exists, or if the first
// qualifying root is below currentRoot; only slots are compared, ancestry
// is not checked.
func SupermajorityRootFromVoteAccounts(accounts []VoteAccountRoot, totalStake uint64, currentRoot coretypes.Slot) (coretypes.Slot, bool) {
	if totalStake == 0 || len(accounts) == 0 {
		return 0, false
	}

	sorted := make([]VoteAccountRoot, len(accounts))
	copy(sorted, accounts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Root > sorted[j].Root })

	var cumulative uint64
	for _, va := range sorted {
		cumulative += va.Stake
		if stakemath.Exceeds(cumulative, totalStake, tower.VoteThresholdSizeNum, tower.VoteThresholdSizeDen) {
			if va.Root < currentRoot {
				return 0, false
			}
			return va.Root, true
		}
	}
	return 0, false
}
