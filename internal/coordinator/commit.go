package coordinator

import (
	"context"

	"txflow/internal/core/apperror"
	"txflow/internal/core/tx"
	"txflow/internal/flow"
)

// Commit completes the given scope. A scope marked rollback-only (locally
// or globally) is rolled back instead; in the global case the caller gets
// an UNEXPECTED_ROLLBACK error when this scope owns the transaction or
// fail-early is configured.
func (c *Coordinator) Commit(ctx context.Context, status tx.Status) error {
	ctx, span := tracer.Start(ctx, "tx.commit")
	defer span.End()

	s, err := asStatus(status)
	if err != nil {
		return err
	}
	if s.IsCompleted() {
		return apperror.NewIllegalTransactionState(
			"transaction already completed: commit or rollback called twice")
	}

	if s.IsLocalRollbackOnly() {
		c.log(ctx).Debugw("scope marked rollback-only locally, rolling back")
		return c.processRollback(ctx, s, false)
	}

	if !c.hooks.ShouldCommitOnGlobalRollbackOnly() && s.IsGlobalRollbackOnly() {
		c.log(ctx).Debugw("transaction marked rollback-only globally, rolling back")
		return c.processRollback(ctx, s, true)
	}

	return c.processCommit(ctx, s)
}

// processCommit drives the commit workflow: before-commit callbacks,
// savepoint release or physical commit, after-commit callbacks, and
// cleanup on every path.
func (c *Coordinator) processCommit(ctx context.Context, s *Status) (err error) {
	defer c.cleanupAfterCompletion(ctx, s)

	beforeCompletionInvoked := false
	unexpectedRollback := false

	c.hooks.PrepareForCommit(ctx, s)
	if err := c.triggerBeforeCommit(ctx, s); err != nil {
		return c.handleCommitCallbackFailure(ctx, s, err, beforeCompletionInvoked)
	}
	beforeCompletionInvoked = true
	if err := c.triggerBeforeCompletion(ctx, s); err != nil {
		return c.handleCommitCallbackFailure(ctx, s, err, beforeCompletionInvoked)
	}

	switch {
	case s.HasSavepoint():
		unexpectedRollback = s.IsGlobalRollbackOnly()
		if err := s.releaseHeldSavepoint(ctx); err != nil {
			return c.handleCommitResourceFailure(ctx, s,
				apperror.NewTransactionSystem("failed to release savepoint", err))
		}
	case s.IsNewTransaction():
		unexpectedRollback = s.IsGlobalRollbackOnly()
		if err := c.hooks.Commit(ctx, s); err != nil {
			if apperror.IsUnexpectedRollback(err) {
				c.triggerAfterCompletion(ctx, s, tx.CompletionRolledBack)
				return err
			}
			return c.handleCommitResourceFailure(ctx, s,
				apperror.NewTransactionSystem("failed to commit transaction", err))
		}
	case c.cfg.FailEarlyOnGlobalRollbackOnly:
		unexpectedRollback = s.IsGlobalRollbackOnly()
	}

	// A physical rollback happened under the covers while we were asked
	// to commit.
	if unexpectedRollback {
		err := apperror.NewUnexpectedRollback(
			"transaction silently rolled back because it has been marked as rollback-only")
		c.triggerAfterCompletion(ctx, s, tx.CompletionRolledBack)
		return err
	}

	afterCommitErr := c.triggerAfterCommit(ctx, s)
	c.triggerAfterCompletion(ctx, s, tx.CompletionCommitted)
	return afterCommitErr
}

// handleCommitCallbackFailure handles failures from user callbacks on the
// commit path: drive a compensating rollback and surface the original
// error.
func (c *Coordinator) handleCommitCallbackFailure(ctx context.Context, s *Status, cause error, beforeCompletionInvoked bool) error {
	if !beforeCompletionInvoked {
		if bcErr := c.triggerBeforeCompletion(ctx, s); bcErr != nil {
			c.log(ctx).Warnw("before-completion callback failed during commit failure handling", "error", bcErr)
		}
	}
	if err := c.rollbackOnCommitFailure(ctx, s, cause); err != nil {
		return err
	}
	return cause
}

// handleCommitResourceFailure handles a failing physical commit (or
// savepoint release): optionally drive a compensating rollback, otherwise
// report an unknown outcome.
func (c *Coordinator) handleCommitResourceFailure(ctx context.Context, s *Status, cause error) error {
	if c.cfg.RollbackOnCommitFailure {
		if err := c.rollbackOnCommitFailure(ctx, s, cause); err != nil {
			return err
		}
	} else {
		c.triggerAfterCompletion(ctx, s, tx.CompletionUnknown)
	}
	return cause
}

// rollbackOnCommitFailure performs the compensating rollback after a
// failed commit attempt. The commit failure remains the primary error; a
// rollback failure supersedes it because the resource is now in doubt.
func (c *Coordinator) rollbackOnCommitFailure(ctx context.Context, s *Status, cause error) error {
	rbErr := func() error {
		if s.IsNewTransaction() {
			return c.hooks.Rollback(ctx, s)
		}
		if s.HasTransaction() && c.cfg.GlobalRollbackOnParticipationFailure {
			return c.hooks.SetRollbackOnly(ctx, s)
		}
		return nil
	}()
	if rbErr != nil {
		c.log(ctx).Errorw("commit failed and compensating rollback also failed",
			"commit_error", cause, "rollback_error", rbErr)
		c.triggerAfterCompletion(ctx, s, tx.CompletionUnknown)
		return apperror.NewTransactionSystem("failed to roll back after commit failure", rbErr)
	}
	c.triggerAfterCompletion(ctx, s, tx.CompletionRolledBack)
	return nil
}

// --- Synchronization triggers ---

func (c *Coordinator) triggerBeforeCommit(ctx context.Context, s *Status) error {
	if !s.newSynchronization {
		return nil
	}
	syncs, err := flow.Synchronizations(ctx)
	if err != nil {
		return err
	}
	for _, sync := range syncs {
		if err := sync.BeforeCommit(s.readOnly); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) triggerBeforeCompletion(ctx context.Context, s *Status) error {
	if !s.newSynchronization {
		return nil
	}
	syncs, err := flow.Synchronizations(ctx)
	if err != nil {
		return err
	}
	for _, sync := range syncs {
		if err := sync.BeforeCompletion(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) triggerAfterCommit(ctx context.Context, s *Status) error {
	if !s.newSynchronization {
		return nil
	}
	syncs, err := flow.Synchronizations(ctx)
	if err != nil {
		return err
	}
	for _, sync := range syncs {
		if err := sync.AfterCommit(); err != nil {
			return err
		}
	}
	return nil
}

// triggerAfterCompletion fires AfterCompletion exactly once per Status.
// For a scope that merely participates in a still-running transaction the
// callbacks are handed to the resource manager, which fires them when the
// outer transaction completes; the default is to fire them immediately
// with an unknown outcome.
func (c *Coordinator) triggerAfterCompletion(ctx context.Context, s *Status, completion tx.CompletionStatus) {
	if !s.newSynchronization {
		return
	}
	syncs, err := flow.Synchronizations(ctx)
	if err != nil {
		c.log(ctx).Errorw("failed to snapshot synchronizations for after-completion", "error", err)
		return
	}
	if err := flow.ClearSynchronization(ctx); err != nil {
		c.log(ctx).Errorw("failed to deactivate synchronization", "error", err)
	}
	if !s.HasTransaction() || s.IsNewTransaction() {
		c.invokeAfterCompletion(ctx, syncs, completion)
		return
	}
	if len(syncs) == 0 {
		return
	}
	if register := c.hooks.RegisterAfterCompletionWithExistingTransaction; register != nil {
		if err := register(ctx, s.txObject, syncs); err != nil {
			c.log(ctx).Errorw("failed to register after-completion callbacks with existing transaction", "error", err)
			c.invokeAfterCompletion(ctx, syncs, tx.CompletionUnknown)
		}
		return
	}
	c.invokeAfterCompletion(ctx, syncs, tx.CompletionUnknown)
}

// invokeAfterCompletion fires AfterCompletion across the given snapshot.
// Callback failures are logged and swallowed: completion already happened
// and must be reported to every synchronization.
func (c *Coordinator) invokeAfterCompletion(ctx context.Context, syncs []tx.Synchronization, completion tx.CompletionStatus) {
	for _, sync := range syncs {
		if err := sync.AfterCompletion(completion); err != nil {
			c.log(ctx).Errorw("after-completion callback failed", "completion", completion.String(), "error", err)
		}
	}
}

// cleanupAfterCompletion marks the scope completed, releases manager
// resources for a new transaction, and restores any suspended scope. It
// runs on every commit and rollback path, including failures.
func (c *Coordinator) cleanupAfterCompletion(ctx context.Context, s *Status) {
	s.setCompleted()
	if s.newSynchronization {
		flow.Clear(ctx)
	}
	if s.IsNewTransaction() {
		c.hooks.CleanupAfterCompletion(ctx, s.txObject)
	}
	if s.suspended != nil {
		c.log(ctx).Debugw("resuming suspended transaction after completion")
		var resumeTx any
		if s.HasTransaction() {
			resumeTx = s.txObject
		}
		if err := c.resume(ctx, resumeTx, s.suspended); err != nil {
			c.log(ctx).Errorw("failed to resume suspended transaction", "error", err)
		}
		s.suspended = nil
	}
}
