package coordinator

import (
	"context"

	"txflow/internal/core/tx"
	"txflow/internal/flow"
)

// Execute runs fn within a transaction scope defined by def: the scope is
// established, fn runs, and the scope is committed, or rolled back when fn
// panics or returns an error for which the definition's rollback rules
// call for rollback (any error when no rule matches it).
// A panic is re-raised after the rollback completed.
//
// The context handed to fn carries the flow state and must be used for all
// transactional work inside fn.
func (c *Coordinator) Execute(ctx context.Context, def *tx.Definition, fn func(ctx context.Context) error) error {
	ctx = flow.NewContext(ctx)
	if def == nil {
		def = tx.NewDefinition()
	}

	status, err := c.GetTransaction(ctx, def)
	if err != nil {
		return err
	}

	panicking := true
	defer func() {
		// Roll back on panic so the resource is not left dangling, then
		// let the panic continue to the caller.
		if panicking && !status.IsCompleted() {
			if rbErr := c.Rollback(ctx, status); rbErr != nil {
				c.log(ctx).Errorw("rollback after panic failed", "error", rbErr)
			}
		}
	}()

	fnErr := fn(ctx)
	panicking = false

	if fnErr != nil {
		if def.ShouldRollbackOn(fnErr) {
			if rbErr := c.Rollback(ctx, status); rbErr != nil {
				c.log(ctx).Errorw("rollback failed", "error", rbErr, "original_error", fnErr)
			}
			return fnErr
		}
		// The error does not demand rollback; commit, then hand back the
		// commit failure if there is one, the application error otherwise.
		if commitErr := c.Commit(ctx, status); commitErr != nil {
			return commitErr
		}
		return fnErr
	}

	return c.Commit(ctx, status)
}
