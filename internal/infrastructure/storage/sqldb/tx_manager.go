// Package sqldb provides a database/sql resource manager over sqlx, for
// drivers without a native pgx stack. Savepoint support depends on the
// underlying database dialect.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"txflow/internal/coordinator"
	"txflow/internal/core/tx"
	"txflow/internal/flow"
	"txflow/internal/resource"
)

func isoLevel(isolation tx.Isolation) sql.IsolationLevel {
	switch isolation {
	case tx.IsolationReadUncommitted:
		return sql.LevelReadUncommitted
	case tx.IsolationReadCommitted:
		return sql.LevelReadCommitted
	case tx.IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	case tx.IsolationSerializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

// TxHolder wraps an open sqlx transaction bound in the flow registry.
type TxHolder struct {
	resource.Holder

	tx *sqlx.Tx
}

// Tx returns the active sqlx transaction.
func (h *TxHolder) Tx() *sqlx.Tx {
	return h.tx
}

func (h *TxHolder) hasTransaction() bool {
	return h != nil && h.tx != nil
}

type sqlTransaction struct {
	holder    *TxHolder
	newHolder bool
}

func (t *sqlTransaction) IsRollbackOnly() bool {
	return t.holder != nil && t.holder.IsRollbackOnly()
}

func (t *sqlTransaction) CreateSavepoint(ctx context.Context) (any, error) {
	if !t.holder.hasTransaction() {
		return nil, fmt.Errorf("sqldb: no active transaction to create savepoint in")
	}
	name := "sp_" + uuid.New().String()[:8]
	if _, err := t.holder.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("create savepoint: %w", err)
	}
	return name, nil
}

func (t *sqlTransaction) RollbackToSavepoint(ctx context.Context, savepoint any) error {
	name, ok := savepoint.(string)
	if !ok || !t.holder.hasTransaction() {
		return fmt.Errorf("sqldb: invalid savepoint handle %v", savepoint)
	}
	if _, err := t.holder.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("rollback to savepoint: %w", err)
	}
	return nil
}

func (t *sqlTransaction) ReleaseSavepoint(ctx context.Context, savepoint any) error {
	name, ok := savepoint.(string)
	if !ok || !t.holder.hasTransaction() {
		return fmt.Errorf("sqldb: invalid savepoint handle %v", savepoint)
	}
	if _, err := t.holder.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// TxManager is the database/sql resource manager.
type TxManager struct {
	db *sqlx.DB
}

// NewTxManager creates a transaction manager over an sqlx database handle.
func NewTxManager(db *sqlx.DB) *TxManager {
	return &TxManager{db: db}
}

// NewCoordinator wires this manager's hooks into a coordinator.
func (m *TxManager) NewCoordinator(cfg coordinator.Config) (*coordinator.Coordinator, error) {
	return coordinator.New(cfg, m.Hooks())
}

// Hooks returns the capability record for the coordinator.
func (m *TxManager) Hooks() coordinator.Hooks {
	return coordinator.Hooks{
		GetTransaction:         m.getTransaction,
		Begin:                  m.begin,
		Commit:                 m.commit,
		Rollback:               m.rollback,
		IsExisting:             m.isExisting,
		Suspend:                m.suspend,
		Resume:                 m.resume,
		SetRollbackOnly:        m.setRollbackOnly,
		CleanupAfterCompletion: m.cleanupAfterCompletion,
	}
}

func (m *TxManager) getTransaction(ctx context.Context) (any, error) {
	holder, _ := flow.GetResource(ctx, m).(*TxHolder)
	return &sqlTransaction{holder: holder}, nil
}

func (m *TxManager) isExisting(txObject any) bool {
	return txObject.(*sqlTransaction).holder.hasTransaction()
}

func (m *TxManager) begin(ctx context.Context, txObject any, def *tx.Definition) error {
	t := txObject.(*sqlTransaction)

	sqlxTx, err := m.db.BeginTxx(ctx, &sql.TxOptions{
		Isolation: isoLevel(def.Isolation),
		ReadOnly:  def.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	holder := &TxHolder{tx: sqlxTx}
	holder.Requested()
	holder.SetSynchronizedWithTransaction(true)
	if def.TimeoutSeconds > 0 {
		holder.SetTimeoutSeconds(def.TimeoutSeconds)
	}

	if err := flow.BindResource(ctx, m, holder); err != nil {
		_ = sqlxTx.Rollback()
		return err
	}
	t.holder = holder
	t.newHolder = true
	return nil
}

func (m *TxManager) commit(_ context.Context, status *coordinator.Status) error {
	return status.Transaction().(*sqlTransaction).holder.tx.Commit()
}

func (m *TxManager) rollback(_ context.Context, status *coordinator.Status) error {
	return status.Transaction().(*sqlTransaction).holder.tx.Rollback()
}

func (m *TxManager) setRollbackOnly(_ context.Context, status *coordinator.Status) error {
	t := status.Transaction().(*sqlTransaction)
	if t.holder == nil {
		return fmt.Errorf("sqldb: no transaction holder to mark rollback-only")
	}
	t.holder.SetRollbackOnly()
	return nil
}

func (m *TxManager) suspend(ctx context.Context, txObject any) (any, error) {
	txObject.(*sqlTransaction).holder = nil
	return flow.UnbindResource(ctx, m)
}

func (m *TxManager) resume(ctx context.Context, _ any, suspended any) error {
	return flow.BindResource(ctx, m, suspended)
}

func (m *TxManager) cleanupAfterCompletion(ctx context.Context, txObject any) {
	t := txObject.(*sqlTransaction)
	if t.newHolder {
		flow.UnbindResourceIfPossible(ctx, m)
	}
	if t.holder != nil {
		t.holder.Released()
		t.holder.Clear()
		t.holder.tx = nil
	}
}

// Queryer returns the bound transaction for the flow, or the database
// handle when no transaction is active.
func (m *TxManager) Queryer(ctx context.Context) sqlx.ExtContext {
	if holder, ok := flow.GetResource(ctx, m).(*TxHolder); ok && holder.hasTransaction() {
		return holder.tx
	}
	return m.db
}
