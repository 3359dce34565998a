package replayloop

import "fmt"

// FatalReason classifies a terminate-class condition the replay loop cannot
// recover from on its own. Run returns a FatalError wrapping
// one of these rather than calling os.Exit, leaving the decision to
// terminate the process to the node's lifecycle manager.
type FatalReason int

const (
	// FatalReasonUnknown is the zero value; never constructed deliberately.
	FatalReasonUnknown FatalReason = iota

	// FatalReasonTowerPersistenceFailed fires when the durable tower store
	// rejects a save, meaning the node can no longer prove it hasn't
	// equivocated a prior vote.
	FatalReasonTowerPersistenceFailed

	// FatalReasonRootBankMismatchedCapitalization fires when a rooted bank's
	// total capitalization disagrees with the value inherited from its
	// parent. No component in this core computes bank capitalization (that
	// check belongs to the external bank/state engine), so this reason is
	// never constructed; it is retained in the enum so callers can branch
	// on the full set of terminate-class conditions.
	FatalReasonRootBankMismatchedCapitalization

	// FatalReasonNoValidForksFound fires when SelectForks reports no valid
	// fork at all on the loop's first pass, before any fork has ever been
	// selected.
	FatalReasonNoValidForksFound
)

func (r FatalReason) String() string {
	switch r {
	case FatalReasonTowerPersistenceFailed:
		return "tower_persistence_failed"
	case FatalReasonRootBankMismatchedCapitalization:
		return "root_bank_mismatched_capitalization"
	case FatalReasonNoValidForksFound:
		return "no_valid_forks_found"
	default:
		return "unknown"
	}
}

// FatalError wraps a terminate-class error with the Reason that classifies
// it, so callers above the replay loop can branch on Reason instead of
// string-matching error text.
type FatalError struct {
	Reason FatalReason
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("replayloop: fatal (%s): %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func newFatalError(reason FatalReason, err error) *FatalError {
	return &FatalError{Reason: reason, Err: err}
}
