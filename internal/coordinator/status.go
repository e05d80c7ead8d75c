package coordinator

import (
	"context"

	"txflow/internal/core/apperror"
	"txflow/internal/core/tx"
	"txflow/internal/flow"
	"txflow/pkg/logger"
)

// Status is the coordinator's tx.Status implementation. It records
// whether the scope started the physical transaction, whether it
// activated synchronization, a held savepoint for nested scopes, and the
// resources suspended on entry.
type Status struct {
	txObject           any
	newTransaction     bool
	newSynchronization bool
	readOnly           bool
	localRollbackOnly  bool
	completed          bool
	savepoint          any
	suspended          *suspendedResources
}

var _ tx.Status = (*Status)(nil)

func newStatus(ctx context.Context, txObject any, newTransaction, newSynchronization, readOnly bool, suspended *suspendedResources) *Status {
	return &Status{
		txObject:       txObject,
		newTransaction: newTransaction,
		// Only actually activate synchronization if none is active yet;
		// an inner joining scope keeps the outer scope's set.
		newSynchronization: newSynchronization && !flow.IsSynchronizationActive(ctx),
		readOnly:           readOnly,
		suspended:          suspended,
	}
}

// Transaction returns the opaque transaction object, or nil for an empty
// scope. Resource managers use it from within their hooks.
func (s *Status) Transaction() any {
	return s.txObject
}

// HasTransaction reports whether this scope is backed by a transaction
// object.
func (s *Status) HasTransaction() bool {
	return s.txObject != nil
}

// IsNewTransaction reports whether this scope is responsible for
// physically completing the underlying transaction.
func (s *Status) IsNewTransaction() bool {
	return s.HasTransaction() && s.newTransaction
}

// IsNewSynchronization reports whether this scope activated the flow's
// synchronization set.
func (s *Status) IsNewSynchronization() bool {
	return s.newSynchronization
}

// IsReadOnly reports the read-only hint of the definition that opened
// this scope.
func (s *Status) IsReadOnly() bool {
	return s.readOnly
}

// SetRollbackOnly marks this Status so the only possible outcome of the
// scope is a rollback.
func (s *Status) SetRollbackOnly() {
	s.localRollbackOnly = true
}

// IsLocalRollbackOnly reports the marker set via SetRollbackOnly, without
// consulting the underlying transaction.
func (s *Status) IsLocalRollbackOnly() bool {
	return s.localRollbackOnly
}

// IsGlobalRollbackOnly reports the rollback-only marker of the underlying
// transaction, when the transaction object exposes one.
func (s *Status) IsGlobalRollbackOnly() bool {
	if smart, ok := s.txObject.(tx.SmartTransaction); ok {
		return smart.IsRollbackOnly()
	}
	return false
}

// IsRollbackOnly reports whether the scope is marked rollback-only,
// locally or globally.
func (s *Status) IsRollbackOnly() bool {
	return s.localRollbackOnly || s.IsGlobalRollbackOnly()
}

// IsCompleted reports whether the scope already committed or rolled back.
func (s *Status) IsCompleted() bool {
	return s.completed
}

func (s *Status) setCompleted() {
	s.completed = true
}

// HasSavepoint reports whether this scope holds a savepoint, i.e. is a
// savepoint-based nested transaction.
func (s *Status) HasSavepoint() bool {
	return s.savepoint != nil
}

// Flush triggers Flush on all registered synchronizations and on the
// underlying transaction object if it supports flushing.
func (s *Status) Flush(ctx context.Context) {
	if flow.IsSynchronizationActive(ctx) {
		syncs, err := flow.Synchronizations(ctx)
		if err == nil {
			for _, sync := range syncs {
				sync.Flush()
			}
		}
	}
	if f, ok := s.txObject.(tx.Flushable); ok {
		f.Flush()
	}
}

// --- Savepoint delegation ---

// savepointManager resolves the savepoint capability of the underlying
// transaction object. Fails when the resource manager cannot do
// savepoints.
func (s *Status) savepointManager() (tx.SavepointManager, error) {
	if mgr, ok := s.txObject.(tx.SavepointManager); ok {
		return mgr, nil
	}
	return nil, apperror.NewNestedNotSupported(
		"transaction object does not support savepoints")
}

// CreateSavepoint marks the current point in the underlying transaction.
func (s *Status) CreateSavepoint(ctx context.Context) (any, error) {
	mgr, err := s.savepointManager()
	if err != nil {
		return nil, err
	}
	return mgr.CreateSavepoint(ctx)
}

// RollbackToSavepoint undoes all work since the given savepoint.
func (s *Status) RollbackToSavepoint(ctx context.Context, savepoint any) error {
	mgr, err := s.savepointManager()
	if err != nil {
		return err
	}
	return mgr.RollbackToSavepoint(ctx, savepoint)
}

// ReleaseSavepoint discards the given savepoint.
func (s *Status) ReleaseSavepoint(ctx context.Context, savepoint any) error {
	mgr, err := s.savepointManager()
	if err != nil {
		return err
	}
	return mgr.ReleaseSavepoint(ctx, savepoint)
}

// createAndHoldSavepoint creates a savepoint and keeps it on the Status
// for the nested-scope protocol.
func (s *Status) createAndHoldSavepoint(ctx context.Context) error {
	sp, err := s.CreateSavepoint(ctx)
	if err != nil {
		return err
	}
	s.savepoint = sp
	return nil
}

// rollbackToHeldSavepoint rolls back to and releases the held savepoint
// in one step, then clears it.
func (s *Status) rollbackToHeldSavepoint(ctx context.Context) error {
	if s.savepoint == nil {
		return apperror.NewIllegalTransactionState(
			"cannot roll back to savepoint: none held by this scope")
	}
	if err := s.RollbackToSavepoint(ctx, s.savepoint); err != nil {
		return err
	}
	if err := s.ReleaseSavepoint(ctx, s.savepoint); err != nil {
		logger.FromContext(ctx).Warnw("failed to release savepoint after rollback", "error", err)
	}
	s.savepoint = nil
	return nil
}

// releaseHeldSavepoint releases the held savepoint and clears it.
func (s *Status) releaseHeldSavepoint(ctx context.Context) error {
	if s.savepoint == nil {
		return apperror.NewIllegalTransactionState(
			"cannot release savepoint: none held by this scope")
	}
	if err := s.ReleaseSavepoint(ctx, s.savepoint); err != nil {
		return err
	}
	s.savepoint = nil
	return nil
}
