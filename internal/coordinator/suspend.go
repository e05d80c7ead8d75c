package coordinator

import (
	"context"

	"txflow/internal/core/tx"
	"txflow/internal/flow"
)

// suspendedResources captures everything detached from the flow when a
// transaction is suspended: the manager's resources, the synchronization
// set, and the per-flow transaction attributes. It is owned by the Status
// that caused the suspension and drained exactly once on scope exit.
type suspendedResources struct {
	resources        any
	synchronizations []tx.Synchronization
	name             string
	readOnly         bool
	isolation        *tx.Isolation
	wasActive        bool
}

// suspend detaches the given transaction (may be nil for a
// synchronization-only suspension) and the flow's synchronization set.
// Returns nil when there is nothing to suspend.
func (c *Coordinator) suspend(ctx context.Context, txObject any) (*suspendedResources, error) {
	if flow.IsSynchronizationActive(ctx) {
		suspendedSyncs, err := c.suspendSynchronizations(ctx)
		if err != nil {
			return nil, err
		}
		var resources any
		if txObject != nil {
			resources, err = c.hooks.Suspend(ctx, txObject)
			if err != nil {
				// Put the synchronizations back; the scope was not entered.
				c.resumeSynchronizations(ctx, suspendedSyncs)
				return nil, err
			}
		}
		holder := &suspendedResources{
			resources:        resources,
			synchronizations: suspendedSyncs,
			name:             flow.TransactionName(ctx),
			readOnly:         flow.IsTransactionReadOnly(ctx),
			isolation:        flow.TransactionIsolation(ctx),
			wasActive:        flow.IsActualTransactionActive(ctx),
		}
		flow.SetTransactionName(ctx, "")
		flow.SetTransactionReadOnly(ctx, false)
		flow.SetTransactionIsolation(ctx, nil)
		flow.SetActualTransactionActive(ctx, false)
		return holder, nil
	}
	if txObject != nil {
		resources, err := c.hooks.Suspend(ctx, txObject)
		if err != nil {
			return nil, err
		}
		return &suspendedResources{resources: resources}, nil
	}
	// Neither transaction nor synchronization active.
	return nil, nil
}

// resume reverses suspend: reattaches the manager's resources, restores
// the flow attributes, and reactivates the suspended synchronizations.
func (c *Coordinator) resume(ctx context.Context, txObject any, holder *suspendedResources) error {
	if holder == nil {
		return nil
	}
	if holder.synchronizations != nil {
		flow.SetActualTransactionActive(ctx, holder.wasActive)
		flow.SetTransactionIsolation(ctx, holder.isolation)
		flow.SetTransactionReadOnly(ctx, holder.readOnly)
		flow.SetTransactionName(ctx, holder.name)
	}
	if holder.resources != nil {
		if err := c.hooks.Resume(ctx, txObject, holder.resources); err != nil {
			return err
		}
	}
	if holder.synchronizations != nil {
		c.resumeSynchronizations(ctx, holder.synchronizations)
	}
	return nil
}

// resumeAfterBeginFailure restores a suspended scope when Begin failed;
// the begin failure stays the primary error, a resume failure is logged
// against it.
func (c *Coordinator) resumeAfterBeginFailure(ctx context.Context, txObject any, holder *suspendedResources, beginErr error) {
	if err := c.resume(ctx, txObject, holder); err != nil {
		c.log(ctx).Errorw("failed to resume suspended transaction after begin failure",
			"resume_error", err, "begin_error", beginErr)
	}
}

// suspendSynchronizations calls Suspend on each registered synchronization
// in order and deactivates synchronization for the flow.
func (c *Coordinator) suspendSynchronizations(ctx context.Context) ([]tx.Synchronization, error) {
	syncs, err := flow.Synchronizations(ctx)
	if err != nil {
		return nil, err
	}
	for _, sync := range syncs {
		sync.Suspend()
	}
	if err := flow.ClearSynchronization(ctx); err != nil {
		return nil, err
	}
	return syncs, nil
}

// resumeSynchronizations reactivates synchronization for the flow and
// reattaches the given synchronizations in order.
func (c *Coordinator) resumeSynchronizations(ctx context.Context, syncs []tx.Synchronization) {
	if err := flow.InitSynchronization(ctx); err != nil {
		c.log(ctx).Errorw("failed to reactivate synchronization on resume", "error", err)
		return
	}
	for _, sync := range syncs {
		sync.Resume()
		if err := flow.RegisterSynchronization(ctx, sync); err != nil {
			c.log(ctx).Errorw("failed to re-register suspended synchronization", "error", err)
		}
	}
}
