package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"txflow/internal/coordinator"
	"txflow/internal/core/tx"
	"txflow/internal/flow"
	"txflow/internal/resource"
	"txflow/pkg/logger"
)

func isoLevel(isolation tx.Isolation) pgx.TxIsoLevel {
	switch isolation {
	case tx.IsolationReadUncommitted:
		return pgx.ReadUncommitted
	case tx.IsolationReadCommitted:
		return pgx.ReadCommitted
	case tx.IsolationRepeatableRead:
		return pgx.RepeatableRead
	case tx.IsolationSerializable:
		return pgx.Serializable
	default:
		// IsolationDefault: let the server decide.
		return ""
	}
}

func accessMode(readOnly bool) pgx.TxAccessMode {
	if readOnly {
		return pgx.ReadOnly
	}
	return pgx.ReadWrite
}

// ConnectionHolder wraps an acquired connection with an open transaction.
// It is bound in the flow registry under the TxManager while the
// transaction runs.
type ConnectionHolder struct {
	resource.Holder

	conn *pgxpool.Conn
	tx   pgx.Tx
}

// Tx returns the active pgx transaction.
func (h *ConnectionHolder) Tx() pgx.Tx {
	return h.tx
}

func (h *ConnectionHolder) hasTransaction() bool {
	return h != nil && h.tx != nil
}

// pgxTransaction is the opaque transaction object handed to the
// coordinator. The holder is nil until Begin runs or when suspended.
type pgxTransaction struct {
	holder    *ConnectionHolder
	newHolder bool
}

// IsRollbackOnly exposes the holder's global rollback-only marker to the
// coordinator.
func (t *pgxTransaction) IsRollbackOnly() bool {
	return t.holder != nil && t.holder.IsRollbackOnly()
}

// CreateSavepoint marks the current point in the transaction.
func (t *pgxTransaction) CreateSavepoint(ctx context.Context) (any, error) {
	if !t.holder.hasTransaction() {
		return nil, fmt.Errorf("postgres: no active transaction to create savepoint in")
	}
	name := "sp_" + uuid.New().String()[:8]
	if _, err := t.holder.tx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("create savepoint: %w", err)
	}
	return name, nil
}

// RollbackToSavepoint undoes all work since the given savepoint.
func (t *pgxTransaction) RollbackToSavepoint(ctx context.Context, savepoint any) error {
	name, ok := savepoint.(string)
	if !ok || !t.holder.hasTransaction() {
		return fmt.Errorf("postgres: invalid savepoint handle %v", savepoint)
	}
	if _, err := t.holder.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("rollback to savepoint: %w", err)
	}
	return nil
}

// ReleaseSavepoint discards the given savepoint.
func (t *pgxTransaction) ReleaseSavepoint(ctx context.Context, savepoint any) error {
	name, ok := savepoint.(string)
	if !ok || !t.holder.hasTransaction() {
		return fmt.Errorf("postgres: invalid savepoint handle %v", savepoint)
	}
	if _, err := t.holder.tx.Exec(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// TxManager is the PostgreSQL resource manager. It supplies the
// coordinator hooks that acquire a pooled connection, begin a pgx
// transaction with the requested isolation and access mode, and bind the
// connection holder into the flow registry.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager creates a new transaction manager.
func NewTxManager(pool *Pool) *TxManager {
	return &TxManager{pool: pool.Pool}
}

// NewTxManagerFromRawPool creates a new transaction manager from raw pgxpool.Pool.
func NewTxManagerFromRawPool(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
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
	holder, _ := flow.GetResource(ctx, m).(*ConnectionHolder)
	return &pgxTransaction{holder: holder}, nil
}

func (m *TxManager) isExisting(txObject any) bool {
	t := txObject.(*pgxTransaction)
	return t.holder.hasTransaction()
}

func (m *TxManager) begin(ctx context.Context, txObject any, def *tx.Definition) error {
	t := txObject.(*pgxTransaction)

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}

	pgxTx, err := conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   isoLevel(def.Isolation),
		AccessMode: accessMode(def.ReadOnly),
	})
	if err != nil {
		conn.Release()
		return fmt.Errorf("begin transaction: %w", err)
	}

	// Statement timeout mirrors the declarative transaction timeout on
	// the server side.
	if def.TimeoutSeconds > 0 {
		_, err = pgxTx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%ds'", def.TimeoutSeconds))
		if err != nil {
			_ = pgxTx.Rollback(ctx)
			conn.Release()
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	holder := &ConnectionHolder{conn: conn, tx: pgxTx}
	holder.Requested()
	holder.SetSynchronizedWithTransaction(true)
	if def.TimeoutSeconds > 0 {
		holder.SetTimeoutSeconds(def.TimeoutSeconds)
	}

	if err := flow.BindResource(ctx, m, holder); err != nil {
		_ = pgxTx.Rollback(ctx)
		conn.Release()
		return err
	}
	t.holder = holder
	t.newHolder = true
	return nil
}

func (m *TxManager) commit(ctx context.Context, status *coordinator.Status) error {
	t := status.Transaction().(*pgxTransaction)
	return t.holder.tx.Commit(ctx)
}

func (m *TxManager) rollback(ctx context.Context, status *coordinator.Status) error {
	t := status.Transaction().(*pgxTransaction)
	// Roll back on a background context so a cancelled request context
	// cannot keep the transaction open.
	return t.holder.tx.Rollback(context.WithoutCancel(ctx))
}

func (m *TxManager) setRollbackOnly(ctx context.Context, status *coordinator.Status) error {
	t := status.Transaction().(*pgxTransaction)
	if t.holder == nil {
		return fmt.Errorf("postgres: no connection holder to mark rollback-only")
	}
	t.holder.SetRollbackOnly()
	return nil
}

func (m *TxManager) suspend(ctx context.Context, txObject any) (any, error) {
	t := txObject.(*pgxTransaction)
	t.holder = nil
	return flow.UnbindResource(ctx, m)
}

func (m *TxManager) resume(ctx context.Context, _ any, suspended any) error {
	return flow.BindResource(ctx, m, suspended)
}

func (m *TxManager) cleanupAfterCompletion(ctx context.Context, txObject any) {
	t := txObject.(*pgxTransaction)
	if t.newHolder {
		flow.UnbindResourceIfPossible(ctx, m)
	}
	if t.holder != nil {
		t.holder.Released()
		if t.holder.conn != nil {
			t.holder.conn.Release()
		}
		t.holder.Clear()
		t.holder.tx = nil
	}
}

// --- Querier access for repositories ---

// Querier is the common query surface of a pool and a transaction, so
// repositories work both inside and outside transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetQuerier returns the bound transaction for the flow, or the pool when
// no transaction is active.
func (m *TxManager) GetQuerier(ctx context.Context) Querier {
	if holder, ok := flow.GetResource(ctx, m).(*ConnectionHolder); ok && holder.hasTransaction() {
		return holder.tx
	}
	return m.pool
}

// GetConnectionHolder returns the holder bound for the flow, or nil.
// Repositories use it to check the transaction deadline before long
// statements.
func (m *TxManager) GetConnectionHolder(ctx context.Context) *ConnectionHolder {
	holder, _ := flow.GetResource(ctx, m).(*ConnectionHolder)
	if holder != nil && holder.HasTimeout() {
		if _, err := holder.TimeToLiveMillis(); err != nil {
			logger.FromContext(ctx).Warnw("transaction deadline reached", "error", err)
		}
	}
	return holder
}
