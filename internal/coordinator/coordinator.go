// Package coordinator implements the transaction coordinator: the
// propagation state machine, the suspension/resumption protocol, the
// synchronization lifecycle, and the commit/rollback workflows. It talks
// to the underlying resource (database, queue, JTA) exclusively through
// the Hooks capability record.
package coordinator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"txflow/internal/core/apperror"
	"txflow/internal/core/tx"
	"txflow/internal/flow"
	"txflow/pkg/logger"
)

var tracer = otel.Tracer("txflow/coordinator")

// Compile-time check that Coordinator implements tx.Manager.
var _ tx.Manager = (*Coordinator)(nil)

// Coordinator drives transaction scopes against a resource manager
// supplied as a Hooks record. It is stateless apart from its
// configuration; all per-flow state lives in the flow registry.
type Coordinator struct {
	cfg   Config
	hooks Hooks
}

// New creates a Coordinator for the given resource-manager hooks.
func New(cfg Config, hooks Hooks) (*Coordinator, error) {
	validated, err := hooks.validate()
	if err != nil {
		return nil, err
	}
	return &Coordinator{cfg: cfg, hooks: validated}, nil
}

func (c *Coordinator) log(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx).WithComponent("coordinator")
}

// determineTimeout resolves the effective timeout for a definition.
func (c *Coordinator) determineTimeout(def *tx.Definition) int {
	if def.TimeoutSeconds != tx.TimeoutDefault {
		return def.TimeoutSeconds
	}
	return c.cfg.DefaultTimeoutSeconds
}

// GetTransaction establishes a transaction scope per the definition's
// propagation behavior and returns its Status handle.
func (c *Coordinator) GetTransaction(ctx context.Context, def *tx.Definition) (tx.Status, error) {
	ctx, span := tracer.Start(ctx, "tx.get_transaction")
	defer span.End()

	if def == nil {
		def = tx.NewDefinition()
	}
	span.SetAttributes(
		attribute.String("tx.propagation", def.Propagation.String()),
		attribute.String("tx.isolation", def.Isolation.String()),
		attribute.Bool("tx.read_only", def.ReadOnly),
	)

	txObject, err := c.hooks.GetTransaction(ctx)
	if err != nil {
		return nil, apperror.NewTransactionSystem("failed to obtain transaction object", err)
	}

	if c.hooks.IsExisting(txObject) {
		return c.handleExistingTransaction(ctx, def, txObject)
	}

	if def.TimeoutSeconds < tx.TimeoutDefault {
		return nil, apperror.NewInvalidTimeout(def.TimeoutSeconds)
	}

	switch def.Propagation {
	case tx.PropagationMandatory:
		return nil, apperror.NewIllegalTransactionState(
			"no existing transaction found for scope marked mandatory")

	case tx.PropagationRequired, tx.PropagationRequiresNew, tx.PropagationNested:
		// There is no transaction to suspend, but synchronization-only
		// state from an enclosing empty scope may still be active.
		suspended, err := c.suspend(ctx, nil)
		if err != nil {
			return nil, err
		}
		c.log(ctx).Debugw("starting new transaction", "propagation", def.Propagation.String(), "name", def.Name)
		status, err := c.startTransaction(ctx, def, txObject, suspended)
		if err != nil {
			c.resumeAfterBeginFailure(ctx, nil, suspended, err)
			return nil, err
		}
		return status, nil

	default:
		// Empty scope: no physical transaction.
		if def.Isolation != tx.IsolationDefault {
			c.log(ctx).Warnw("custom isolation level ignored for scope without physical transaction",
				"isolation", def.Isolation.String())
		}
		newSync := c.cfg.SyncMode == SyncAlways
		status := newStatus(ctx, nil, true, newSync, def.ReadOnly, nil)
		if err := c.prepareSynchronization(ctx, status, def); err != nil {
			return nil, err
		}
		return status, nil
	}
}

// startTransaction begins a new physical transaction and activates
// synchronization for it.
func (c *Coordinator) startTransaction(ctx context.Context, def *tx.Definition, txObject any, suspended *suspendedResources) (*Status, error) {
	newSync := c.cfg.SyncMode != SyncNever
	status := newStatus(ctx, txObject, true, newSync, def.ReadOnly, suspended)
	effective := *def
	effective.TimeoutSeconds = c.determineTimeout(def)
	if err := c.hooks.Begin(ctx, txObject, &effective); err != nil {
		return nil, apperror.NewTransactionSystem("failed to begin transaction", err)
	}
	if err := c.prepareSynchronization(ctx, status, def); err != nil {
		return nil, err
	}
	return status, nil
}

// handleExistingTransaction dispatches propagation for a flow that
// already runs inside a transaction.
func (c *Coordinator) handleExistingTransaction(ctx context.Context, def *tx.Definition, txObject any) (tx.Status, error) {
	switch def.Propagation {
	case tx.PropagationNever:
		return nil, apperror.NewIllegalTransactionState(
			"existing transaction found for scope marked never")

	case tx.PropagationNotSupported:
		c.log(ctx).Debugw("suspending current transaction for non-transactional scope")
		suspended, err := c.suspend(ctx, txObject)
		if err != nil {
			return nil, err
		}
		newSync := c.cfg.SyncMode == SyncAlways
		status := newStatus(ctx, nil, false, newSync, def.ReadOnly, suspended)
		if err := c.prepareSynchronization(ctx, status, def); err != nil {
			return nil, err
		}
		return status, nil

	case tx.PropagationRequiresNew:
		c.log(ctx).Debugw("suspending current transaction, starting new one", "name", def.Name)
		suspended, err := c.suspend(ctx, txObject)
		if err != nil {
			return nil, err
		}
		status, err := c.startTransaction(ctx, def, txObject, suspended)
		if err != nil {
			c.resumeAfterBeginFailure(ctx, txObject, suspended, err)
			return nil, err
		}
		return status, nil

	case tx.PropagationNested:
		if !c.cfg.NestedAllowed {
			return nil, apperror.NewNestedNotSupported(
				"nested scopes are disabled for this coordinator")
		}
		c.log(ctx).Debugw("creating nested scope in existing transaction")
		if c.hooks.UseSavepointForNested() {
			// Savepoint within the existing transaction: keep the outer
			// scope's synchronization, complete via savepoint.
			status := newStatus(ctx, txObject, false, false, def.ReadOnly, nil)
			if err := status.createAndHoldSavepoint(ctx); err != nil {
				return nil, err
			}
			return status, nil
		}
		// Nested through an inner begin/commit cycle on the same
		// transaction object, for managers with native nesting (JTA).
		return c.startTransaction(ctx, def, txObject, nil)

	default:
		// REQUIRED, SUPPORTS, MANDATORY: join the existing transaction.
		if c.cfg.ValidateExistingTransaction {
			if def.Isolation != tx.IsolationDefault {
				current := flow.TransactionIsolation(ctx)
				if current == nil || *current != def.Isolation {
					return nil, apperror.NewIllegalTransactionState(
						"participating scope requests incompatible isolation level").
						WithDetail("requested", def.Isolation.String())
				}
			}
			if !def.ReadOnly && flow.IsTransactionReadOnly(ctx) {
				return nil, apperror.NewIllegalTransactionState(
					"writable scope cannot participate in read-only transaction")
			}
		}
		c.log(ctx).Debugw("participating in existing transaction")
		newSync := c.cfg.SyncMode != SyncNever
		status := newStatus(ctx, txObject, false, newSync, def.ReadOnly, nil)
		if err := c.prepareSynchronization(ctx, status, def); err != nil {
			return nil, err
		}
		return status, nil
	}
}

// prepareSynchronization activates the flow's synchronization set and
// records the scope's attributes, when this Status owns synchronization.
func (c *Coordinator) prepareSynchronization(ctx context.Context, status *Status, def *tx.Definition) error {
	if !status.newSynchronization {
		return nil
	}
	flow.SetActualTransactionActive(ctx, status.HasTransaction())
	if def.Isolation != tx.IsolationDefault {
		isolation := def.Isolation
		flow.SetTransactionIsolation(ctx, &isolation)
	} else {
		flow.SetTransactionIsolation(ctx, nil)
	}
	flow.SetTransactionReadOnly(ctx, def.ReadOnly)
	flow.SetTransactionName(ctx, def.Name)
	return flow.InitSynchronization(ctx)
}

// asStatus narrows the public tx.Status back to the coordinator's own
// implementation; handles from other managers are rejected.
func asStatus(status tx.Status) (*Status, error) {
	s, ok := status.(*Status)
	if !ok || s == nil {
		return nil, apperror.NewIllegalTransactionState(
			"status was not produced by this coordinator")
	}
	return s, nil
}
