package tx

import "context"

// SavepointManager creates and manages intra-transaction savepoints.
// Resource managers expose it on their transaction objects when the
// underlying resource supports partial rollback; the coordinator uses it
// to implement nested scopes.
type SavepointManager interface {
	// CreateSavepoint marks the current point in the transaction and
	// returns an opaque handle for it.
	CreateSavepoint(ctx context.Context) (any, error)

	// RollbackToSavepoint undoes all work since the given savepoint.
	// The savepoint stays valid and must still be released.
	RollbackToSavepoint(ctx context.Context, savepoint any) error

	// ReleaseSavepoint discards the given savepoint. The work done since
	// the savepoint is kept.
	ReleaseSavepoint(ctx context.Context, savepoint any) error
}
