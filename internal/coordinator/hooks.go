package coordinator

import (
	"context"
	"errors"

	"txflow/internal/core/apperror"
	"txflow/internal/core/tx"
)

// Hooks is the capability record a resource manager supplies to the
// coordinator. GetTransaction, Begin, Commit and Rollback are mandatory;
// every other hook has a default matching a resource manager without the
// corresponding capability.
//
// The transaction object returned by GetTransaction is opaque to the
// coordinator: it is only ever handed back to other hooks, except for the
// optional tx.SmartTransaction, tx.Flushable and tx.SavepointManager
// capabilities, which are discovered via type assertion.
type Hooks struct {
	// GetTransaction returns the transaction object for the current
	// flow. It is called first on every coordinator entry and must also
	// work when no transaction is active (returning an object for which
	// IsExisting reports false).
	GetTransaction func(ctx context.Context) (any, error)

	// Begin starts a new physical transaction on txObject, applying the
	// definition's isolation, timeout and read-only settings.
	Begin func(ctx context.Context, txObject any, def *tx.Definition) error

	// Commit performs the physical commit of a new transaction.
	Commit func(ctx context.Context, status *Status) error

	// Rollback performs the physical rollback of a new transaction.
	Rollback func(ctx context.Context, status *Status) error

	// IsExisting reports whether txObject already participates in an
	// active transaction. Default: false.
	IsExisting func(txObject any) bool

	// UseSavepointForNested reports whether nested scopes use savepoints
	// within the outer transaction (true) or re-enter Begin on the same
	// transaction object (false). Default: true.
	UseSavepointForNested func() bool

	// Suspend detaches the bound resources of txObject from the flow and
	// returns them for later resumption. Default: fails with
	// SUSPENSION_NOT_SUPPORTED.
	Suspend func(ctx context.Context, txObject any) (any, error)

	// Resume reattaches previously suspended resources.
	// Default: fails with SUSPENSION_NOT_SUPPORTED.
	Resume func(ctx context.Context, txObject any, suspended any) error

	// SetRollbackOnly marks the underlying transaction rollback-only on
	// behalf of a participating scope. Default: fails, for managers that
	// cannot participate in existing transactions.
	SetRollbackOnly func(ctx context.Context, status *Status) error

	// ShouldCommitOnGlobalRollbackOnly reports whether Commit is still
	// attempted when the transaction is globally marked rollback-only.
	// Default: false.
	ShouldCommitOnGlobalRollbackOnly func() bool

	// PrepareForCommit runs before the before-commit synchronization
	// callbacks. Default: no-op.
	PrepareForCommit func(ctx context.Context, status *Status)

	// CleanupAfterCompletion releases resources held by txObject after
	// the scope completed, on every path. Default: no-op.
	CleanupAfterCompletion func(ctx context.Context, txObject any)

	// RegisterAfterCompletionWithExistingTransaction hands the
	// after-completion callbacks of a participating scope to the
	// manager of the still-running outer transaction. Default: invoke
	// them immediately with CompletionUnknown.
	RegisterAfterCompletionWithExistingTransaction func(ctx context.Context, txObject any, syncs []tx.Synchronization) error
}

var errMissingHook = errors.New("coordinator: hooks must provide GetTransaction, Begin, Commit and Rollback")

// validate checks the mandatory hooks and fills in defaults for the rest.
func (h Hooks) validate() (Hooks, error) {
	if h.GetTransaction == nil || h.Begin == nil || h.Commit == nil || h.Rollback == nil {
		return h, errMissingHook
	}
	if h.IsExisting == nil {
		h.IsExisting = func(any) bool { return false }
	}
	if h.UseSavepointForNested == nil {
		h.UseSavepointForNested = func() bool { return true }
	}
	if h.Suspend == nil {
		h.Suspend = func(context.Context, any) (any, error) {
			return nil, apperror.NewSuspensionNotSupported(
				"resource manager does not support transaction suspension")
		}
	}
	if h.Resume == nil {
		h.Resume = func(context.Context, any, any) error {
			return apperror.NewSuspensionNotSupported(
				"resource manager does not support transaction resumption")
		}
	}
	if h.SetRollbackOnly == nil {
		h.SetRollbackOnly = func(context.Context, *Status) error {
			return apperror.NewIllegalTransactionState(
				"resource manager does not support participating in existing transactions")
		}
	}
	if h.ShouldCommitOnGlobalRollbackOnly == nil {
		h.ShouldCommitOnGlobalRollbackOnly = func() bool { return false }
	}
	if h.PrepareForCommit == nil {
		h.PrepareForCommit = func(context.Context, *Status) {}
	}
	if h.CleanupAfterCompletion == nil {
		h.CleanupAfterCompletion = func(context.Context, any) {}
	}
	// RegisterAfterCompletionWithExistingTransaction stays nil here; the
	// coordinator falls back to invoking the callbacks immediately with
	// CompletionUnknown, which needs its logger.
	return h, nil
}
