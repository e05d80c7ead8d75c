package coordinator

import (
	"context"

	"txflow/internal/core/apperror"
	"txflow/internal/core/tx"
)

// Rollback aborts the given scope: rolls back to a held savepoint, rolls
// back the physical transaction, or marks the outer transaction
// rollback-only when merely participating.
func (c *Coordinator) Rollback(ctx context.Context, status tx.Status) error {
	ctx, span := tracer.Start(ctx, "tx.rollback")
	defer span.End()

	s, err := asStatus(status)
	if err != nil {
		return err
	}
	if s.IsCompleted() {
		return apperror.NewIllegalTransactionState(
			"transaction already completed: commit or rollback called twice")
	}
	return c.processRollback(ctx, s, false)
}

// processRollback drives the rollback workflow. The unexpected flag marks
// a rollback that stands in for a requested commit; it surfaces as an
// UNEXPECTED_ROLLBACK error once the rollback work is done.
func (c *Coordinator) processRollback(ctx context.Context, s *Status, unexpected bool) error {
	defer c.cleanupAfterCompletion(ctx, s)

	unexpectedRollback := unexpected

	if err := c.triggerBeforeCompletion(ctx, s); err != nil {
		c.triggerAfterCompletion(ctx, s, tx.CompletionUnknown)
		return err
	}

	switch {
	case s.HasSavepoint():
		c.log(ctx).Debugw("rolling back to savepoint")
		if err := s.rollbackToHeldSavepoint(ctx); err != nil {
			c.triggerAfterCompletion(ctx, s, tx.CompletionUnknown)
			return apperror.NewTransactionSystem("failed to roll back to savepoint", err)
		}
		// A nested scope does not own the transaction: like a participant,
		// it only reports the rollback as unexpected under fail-early.
		if !c.cfg.FailEarlyOnGlobalRollbackOnly {
			unexpectedRollback = false
		}
	case s.IsNewTransaction():
		c.log(ctx).Debugw("rolling back transaction")
		if err := c.hooks.Rollback(ctx, s); err != nil {
			c.triggerAfterCompletion(ctx, s, tx.CompletionUnknown)
			return apperror.NewTransactionSystem("failed to roll back transaction", err)
		}
	default:
		// Participating in a larger transaction: leave the physical
		// rollback to the owning scope, optionally marking the
		// transaction so it cannot commit anymore.
		if s.HasTransaction() {
			if s.IsLocalRollbackOnly() || c.cfg.GlobalRollbackOnParticipationFailure {
				c.log(ctx).Debugw("marking existing transaction rollback-only after participation failure")
				if err := c.hooks.SetRollbackOnly(ctx, s); err != nil {
					c.triggerAfterCompletion(ctx, s, tx.CompletionUnknown)
					return apperror.NewTransactionSystem("failed to mark transaction rollback-only", err)
				}
			} else {
				c.log(ctx).Debugw("leaving rollback decision to outer transaction scope")
			}
		}
		// An inner scope's rollback is only unexpected for the caller
		// when fail-early reporting is on.
		if !c.cfg.FailEarlyOnGlobalRollbackOnly {
			unexpectedRollback = false
		}
	}

	c.triggerAfterCompletion(ctx, s, tx.CompletionRolledBack)

	if unexpectedRollback {
		return apperror.NewUnexpectedRollback(
			"transaction rolled back because it has been marked as rollback-only")
	}
	return nil
}
