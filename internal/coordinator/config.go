package coordinator

import "txflow/internal/core/tx"

// SyncMode controls when the coordinator activates the flow-local
// synchronization set.
type SyncMode int

const (
	// SyncAlways activates synchronization for every scope, including
	// empty scopes without a physical transaction (SUPPORTS,
	// NOT_SUPPORTED, NEVER without an outer transaction).
	SyncAlways SyncMode = iota

	// SyncOnActualTransaction activates synchronization only for scopes
	// backed by a physical transaction.
	SyncOnActualTransaction

	// SyncNever disables synchronization entirely.
	SyncNever
)

func (m SyncMode) String() string {
	switch m {
	case SyncAlways:
		return "always"
	case SyncOnActualTransaction:
		return "on_actual_transaction"
	case SyncNever:
		return "never"
	default:
		return "unknown"
	}
}

// Config is the construction-time configuration of a Coordinator.
type Config struct {
	// SyncMode controls synchronization activation. Default SyncAlways.
	SyncMode SyncMode

	// DefaultTimeoutSeconds is applied when a Definition asks for the
	// manager default. TimeoutDefault means no timeout.
	DefaultTimeoutSeconds int

	// NestedAllowed permits PropagationNested. Default false.
	NestedAllowed bool

	// ValidateExistingTransaction enforces isolation and read-only
	// compatibility when joining an existing transaction.
	ValidateExistingTransaction bool

	// GlobalRollbackOnParticipationFailure makes a failing participant
	// mark the whole transaction rollback-only. Default true.
	GlobalRollbackOnParticipationFailure bool

	// FailEarlyOnGlobalRollbackOnly surfaces the unexpected-rollback
	// error from inner participating scopes instead of only from the
	// outermost one.
	FailEarlyOnGlobalRollbackOnly bool

	// RollbackOnCommitFailure drives a compensating rollback when the
	// physical commit fails.
	RollbackOnCommitFailure bool
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		SyncMode:                             SyncAlways,
		DefaultTimeoutSeconds:                tx.TimeoutDefault,
		NestedAllowed:                        false,
		ValidateExistingTransaction:          false,
		GlobalRollbackOnParticipationFailure: true,
		FailEarlyOnGlobalRollbackOnly:        false,
		RollbackOnCommitFailure:              false,
	}
}
