package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txflow/internal/core/apperror"
	"txflow/internal/core/tx"
	"txflow/internal/flow"
)

// --- Mock resource manager ---

type mockPhys struct {
	id           int
	rollbackOnly bool
}

// mockTxObject supports savepoints and exposes the global rollback-only
// marker, like a relational resource manager would.
type mockTxObject struct {
	m    *mockManager
	phys *mockPhys

	savepointSeq int
}

func (o *mockTxObject) IsRollbackOnly() bool {
	return o.phys != nil && o.phys.rollbackOnly
}

func (o *mockTxObject) CreateSavepoint(_ context.Context) (any, error) {
	if o.m.savepointErr != nil {
		return nil, o.m.savepointErr
	}
	o.savepointSeq++
	name := fmt.Sprintf("s%d", o.savepointSeq)
	o.m.record("createSavepoint(" + name + ")")
	return name, nil
}

func (o *mockTxObject) RollbackToSavepoint(_ context.Context, sp any) error {
	o.m.record(fmt.Sprintf("rollbackToSavepoint(%v)", sp))
	return nil
}

func (o *mockTxObject) ReleaseSavepoint(_ context.Context, sp any) error {
	o.m.record(fmt.Sprintf("releaseSavepoint(%v)", sp))
	return nil
}

// plainTxObject has no savepoint capability.
type plainTxObject struct {
	phys *mockPhys
}

type mockManager struct {
	trace  []string
	phys   *mockPhys
	nextID int

	plainObjects bool // hand out objects without savepoint support

	beginErr     error
	commitErr    error
	rollbackErr  error
	savepointErr error
}

func (m *mockManager) record(event string) {
	m.trace = append(m.trace, event)
}

func (m *mockManager) physOf(txObject any) *mockPhys {
	switch o := txObject.(type) {
	case *mockTxObject:
		return o.phys
	case *plainTxObject:
		return o.phys
	default:
		return nil
	}
}

func (m *mockManager) hooks() Hooks {
	return Hooks{
		GetTransaction: func(context.Context) (any, error) {
			m.record("getTransaction")
			if m.plainObjects {
				return &plainTxObject{phys: m.phys}, nil
			}
			return &mockTxObject{m: m, phys: m.phys}, nil
		},
		IsExisting: func(txObject any) bool {
			return m.physOf(txObject) != nil
		},
		Begin: func(_ context.Context, txObject any, def *tx.Definition) error {
			if m.beginErr != nil {
				m.record("begin!error")
				return m.beginErr
			}
			m.nextID++
			m.phys = &mockPhys{id: m.nextID}
			switch o := txObject.(type) {
			case *mockTxObject:
				o.phys = m.phys
			case *plainTxObject:
				o.phys = m.phys
			}
			m.record(fmt.Sprintf("begin(tx%d)", m.phys.id))
			return nil
		},
		Commit: func(_ context.Context, status *Status) error {
			phys := m.physOf(status.Transaction())
			if m.commitErr != nil {
				m.record("commit!error")
				return m.commitErr
			}
			m.record(fmt.Sprintf("commit(tx%d)", phys.id))
			return nil
		},
		Rollback: func(_ context.Context, status *Status) error {
			phys := m.physOf(status.Transaction())
			if m.rollbackErr != nil {
				m.record("rollback!error")
				return m.rollbackErr
			}
			m.record(fmt.Sprintf("rollback(tx%d)", phys.id))
			return nil
		},
		SetRollbackOnly: func(_ context.Context, status *Status) error {
			phys := m.physOf(status.Transaction())
			phys.rollbackOnly = true
			m.record(fmt.Sprintf("setRollbackOnly(tx%d)", phys.id))
			return nil
		},
		Suspend: func(_ context.Context, txObject any) (any, error) {
			phys := m.physOf(txObject)
			m.record(fmt.Sprintf("suspend(tx%d)", phys.id))
			suspended := m.phys
			m.phys = nil
			if o, ok := txObject.(*mockTxObject); ok {
				o.phys = nil
			}
			return suspended, nil
		},
		Resume: func(_ context.Context, _ any, suspended any) error {
			phys := suspended.(*mockPhys)
			m.record(fmt.Sprintf("resume(tx%d)", phys.id))
			m.phys = phys
			return nil
		},
		PrepareForCommit: func(_ context.Context, _ *Status) {
			m.record("prepareForCommit")
		},
		CleanupAfterCompletion: func(_ context.Context, txObject any) {
			phys := m.physOf(txObject)
			if phys != nil {
				m.record(fmt.Sprintf("cleanup(tx%d)", phys.id))
				if m.phys == phys {
					m.phys = nil
				}
			} else {
				m.record("cleanup")
			}
		},
	}
}

// recSync records synchronization callbacks into the manager trace.
type recSync struct {
	m     *mockManager
	label string
	order int

	beforeCommitErr error
	afterCommitErr  error
}

func (s *recSync) Order() int { return s.order }

func (s *recSync) Suspend() { s.m.record(s.label + ".suspend") }
func (s *recSync) Resume()  { s.m.record(s.label + ".resume") }
func (s *recSync) Flush()   { s.m.record(s.label + ".flush") }

func (s *recSync) BeforeCommit(readOnly bool) error {
	s.m.record(fmt.Sprintf("%s.beforeCommit(%v)", s.label, readOnly))
	return s.beforeCommitErr
}

func (s *recSync) BeforeCompletion() error {
	s.m.record(s.label + ".beforeCompletion")
	return nil
}

func (s *recSync) AfterCommit() error {
	s.m.record(s.label + ".afterCommit")
	return s.afterCommitErr
}

func (s *recSync) AfterCompletion(status tx.CompletionStatus) error {
	s.m.record(fmt.Sprintf("%s.afterCompletion(%s)", s.label, status))
	return nil
}

func newTestCoordinator(t *testing.T, cfg Config, m *mockManager) *Coordinator {
	t.Helper()
	c, err := New(cfg, m.hooks())
	require.NoError(t, err)
	return c
}

func testContext() context.Context {
	return flow.NewContext(context.Background())
}

// --- Scenarios ---

func TestRequiredNoOuterCommit(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	status, err := c.GetTransaction(ctx, &tx.Definition{Propagation: tx.PropagationRequired, TimeoutSeconds: tx.TimeoutDefault})
	require.NoError(t, err)
	assert.True(t, status.IsNewTransaction())

	require.NoError(t, flow.RegisterSynchronization(ctx, &recSync{m: m, label: "sync"}))

	require.NoError(t, c.Commit(ctx, status))

	assert.Equal(t, []string{
		"getTransaction",
		"begin(tx1)",
		"prepareForCommit",
		"sync.beforeCommit(false)",
		"sync.beforeCompletion",
		"commit(tx1)",
		"sync.afterCommit",
		"sync.afterCompletion(committed)",
		"cleanup(tx1)",
	}, m.trace)

	assert.True(t, status.IsCompleted())
	assert.False(t, flow.IsSynchronizationActive(ctx))
	assert.Empty(t, flow.ResourceKeys(ctx))
}

func TestCommitTwiceFails(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	status, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, status))

	err = c.Commit(ctx, status)
	assert.True(t, apperror.IsIllegalTransactionState(err))

	err = c.Rollback(ctx, status)
	assert.True(t, apperror.IsIllegalTransactionState(err))
}

func TestInnerRequiredRollbackOnlyPoisonsOuterCommit(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	outer, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)

	inner, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)
	assert.False(t, inner.IsNewTransaction())

	inner.SetRollbackOnly()
	// Inner commit resolves to marking the shared transaction
	// rollback-only; the call itself succeeds.
	require.NoError(t, c.Commit(ctx, inner))
	assert.Contains(t, m.trace, "setRollbackOnly(tx1)")

	err = c.Commit(ctx, outer)
	assert.True(t, apperror.IsUnexpectedRollback(err))
	assert.Contains(t, m.trace, "rollback(tx1)")
	assert.NotContains(t, m.trace, "commit(tx1)")
}

func TestRequiresNewInsideRequired(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	outer, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, flow.RegisterSynchronization(ctx, &recSync{m: m, label: "outer"}))

	inner, err := c.GetTransaction(ctx, &tx.Definition{Propagation: tx.PropagationRequiresNew, TimeoutSeconds: tx.TimeoutDefault})
	require.NoError(t, err)
	assert.True(t, inner.IsNewTransaction())

	require.NoError(t, c.Commit(ctx, inner))
	require.NoError(t, c.Commit(ctx, outer))

	assert.Equal(t, []string{
		"getTransaction",
		"begin(tx1)",
		"getTransaction",
		"outer.suspend",
		"suspend(tx1)",
		"begin(tx2)",
		"prepareForCommit",
		"commit(tx2)",
		"cleanup(tx2)",
		"resume(tx1)",
		"outer.resume",
		"prepareForCommit",
		"outer.beforeCommit(false)",
		"outer.beforeCompletion",
		"commit(tx1)",
		"outer.afterCommit",
		"outer.afterCompletion(committed)",
		"cleanup(tx1)",
	}, m.trace)
}

func TestNestedWithSavepointInnerRollback(t *testing.T) {
	m := &mockManager{}
	cfg := DefaultConfig()
	cfg.NestedAllowed = true
	c := newTestCoordinator(t, cfg, m)
	ctx := testContext()

	outer, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, flow.RegisterSynchronization(ctx, &recSync{m: m, label: "outer"}))

	inner, err := c.GetTransaction(ctx, &tx.Definition{Propagation: tx.PropagationNested, TimeoutSeconds: tx.TimeoutDefault})
	require.NoError(t, err)
	assert.False(t, inner.IsNewTransaction())
	assert.True(t, inner.HasSavepoint())

	require.NoError(t, c.Rollback(ctx, inner))
	require.NoError(t, c.Commit(ctx, outer))

	assert.Equal(t, []string{
		"getTransaction",
		"begin(tx1)",
		"getTransaction",
		"createSavepoint(s1)",
		"rollbackToSavepoint(s1)",
		"releaseSavepoint(s1)",
		"prepareForCommit",
		"outer.beforeCommit(false)",
		"outer.beforeCompletion",
		"commit(tx1)",
		"outer.afterCommit",
		"outer.afterCompletion(committed)",
		"cleanup(tx1)",
	}, m.trace)
}

func TestNestedDisallowed(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	outer, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)

	_, err = c.GetTransaction(ctx, &tx.Definition{Propagation: tx.PropagationNested, TimeoutSeconds: tx.TimeoutDefault})
	assert.True(t, apperror.HasCode(err, apperror.CodeNestedNotSupported))

	require.NoError(t, c.Commit(ctx, outer))
}

func TestNestedWithoutSavepointSupport(t *testing.T) {
	m := &mockManager{plainObjects: true}
	cfg := DefaultConfig()
	cfg.NestedAllowed = true
	c := newTestCoordinator(t, cfg, m)
	ctx := testContext()

	outer, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)

	_, err = c.GetTransaction(ctx, &tx.Definition{Propagation: tx.PropagationNested, TimeoutSeconds: tx.TimeoutDefault})
	assert.True(t, apperror.HasCode(err, apperror.CodeNestedNotSupported))

	require.NoError(t, c.Rollback(ctx, outer))
}

func TestNeverWithOuterPresent(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	outer, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)

	_, err = c.GetTransaction(ctx, &tx.Definition{Propagation: tx.PropagationNever, TimeoutSeconds: tx.TimeoutDefault})
	assert.True(t, apperror.IsIllegalTransactionState(err))

	// The outer scope stays committable.
	require.NoError(t, c.Commit(ctx, outer))
	assert.Contains(t, m.trace, "commit(tx1)")
}

func TestMandatoryWithoutOuterFails(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	_, err := c.GetTransaction(ctx, &tx.Definition{Propagation: tx.PropagationMandatory, TimeoutSeconds: tx.TimeoutDefault})
	assert.True(t, apperror.IsIllegalTransactionState(err))
}

func TestNotSupportedSuspendsOuter(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	outer, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)

	inner, err := c.GetTransaction(ctx, &tx.Definition{Propagation: tx.PropagationNotSupported, TimeoutSeconds: tx.TimeoutDefault})
	require.NoError(t, err)
	assert.False(t, inner.IsNewTransaction())
	assert.False(t, flow.IsActualTransactionActive(ctx))

	require.NoError(t, c.Commit(ctx, inner))
	assert.True(t, flow.IsActualTransactionActive(ctx))
	require.NoError(t, c.Commit(ctx, outer))

	assert.Contains(t, m.trace, "suspend(tx1)")
	assert.Contains(t, m.trace, "resume(tx1)")
	assert.Contains(t, m.trace, "commit(tx1)")
}

func TestSupportsWithoutOuterIsEmptyScope(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	status, err := c.GetTransaction(ctx, &tx.Definition{Propagation: tx.PropagationSupports, TimeoutSeconds: tx.TimeoutDefault})
	require.NoError(t, err)
	assert.False(t, status.IsNewTransaction())
	assert.True(t, flow.IsSynchronizationActive(ctx))
	assert.False(t, flow.IsActualTransactionActive(ctx))

	require.NoError(t, c.Commit(ctx, status))
	assert.NotContains(t, m.trace, "begin(tx1)")
}

func TestInvalidTimeout(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	_, err := c.GetTransaction(ctx, &tx.Definition{TimeoutSeconds: -2})
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidTimeout))
}

func TestBeginFailureResumesSuspended(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	outer, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)

	m.beginErr = errors.New("connection refused")
	_, err = c.GetTransaction(ctx, &tx.Definition{Propagation: tx.PropagationRequiresNew, TimeoutSeconds: tx.TimeoutDefault})
	require.Error(t, err)
	assert.True(t, apperror.IsTransactionSystem(err))
	assert.Contains(t, m.trace, "resume(tx1)")

	m.beginErr = nil
	require.NoError(t, c.Commit(ctx, outer))
}

func TestValidateExistingTransaction(t *testing.T) {
	m := &mockManager{}
	cfg := DefaultConfig()
	cfg.ValidateExistingTransaction = true
	c := newTestCoordinator(t, cfg, m)
	ctx := testContext()

	outer, err := c.GetTransaction(ctx, &tx.Definition{
		Isolation:      tx.IsolationReadCommitted,
		ReadOnly:       true,
		TimeoutSeconds: tx.TimeoutDefault,
	})
	require.NoError(t, err)

	_, err = c.GetTransaction(ctx, &tx.Definition{
		Isolation:      tx.IsolationSerializable,
		ReadOnly:       true,
		TimeoutSeconds: tx.TimeoutDefault,
	})
	assert.True(t, apperror.IsIllegalTransactionState(err), "isolation mismatch must be rejected")

	_, err = c.GetTransaction(ctx, &tx.Definition{
		Isolation:      tx.IsolationReadCommitted,
		ReadOnly:       false,
		TimeoutSeconds: tx.TimeoutDefault,
	})
	assert.True(t, apperror.IsIllegalTransactionState(err), "writable scope in read-only tx must be rejected")

	require.NoError(t, c.Rollback(ctx, outer))
}

func TestGlobalRollbackOnlyCommitRollsBack(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	status, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)

	// Simulates a resource holder flipping the transaction after a
	// deadline pass.
	m.phys.rollbackOnly = true

	err = c.Commit(ctx, status)
	assert.True(t, apperror.IsUnexpectedRollback(err))
	assert.Contains(t, m.trace, "rollback(tx1)")
	assert.NotContains(t, m.trace, "commit(tx1)")
}

func TestFailEarlyOnGlobalRollbackOnly(t *testing.T) {
	m := &mockManager{}
	cfg := DefaultConfig()
	cfg.FailEarlyOnGlobalRollbackOnly = true
	c := newTestCoordinator(t, cfg, m)
	ctx := testContext()

	outer, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)

	inner1, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)
	inner1.SetRollbackOnly()
	// The scope that asked for the rollback gets a clean return; it
	// merely marks the shared transaction.
	require.NoError(t, c.Commit(ctx, inner1))

	// With fail-early, the next inner scope's commit already surfaces
	// the unexpected rollback instead of only the outermost one.
	inner2, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)
	err = c.Commit(ctx, inner2)
	assert.True(t, apperror.IsUnexpectedRollback(err))

	err = c.Commit(ctx, outer)
	assert.True(t, apperror.IsUnexpectedRollback(err))
}

func TestRollbackOnCommitFailure(t *testing.T) {
	m := &mockManager{commitErr: errors.New("disk full")}
	cfg := DefaultConfig()
	cfg.RollbackOnCommitFailure = true
	c := newTestCoordinator(t, cfg, m)
	ctx := testContext()

	status, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, flow.RegisterSynchronization(ctx, &recSync{m: m, label: "sync"}))

	err = c.Commit(ctx, status)
	assert.True(t, apperror.IsTransactionSystem(err))
	assert.Contains(t, m.trace, "rollback(tx1)")
	assert.Contains(t, m.trace, "sync.afterCompletion(rolled_back)")
}

func TestCommitFailureWithoutCompensatingRollback(t *testing.T) {
	m := &mockManager{commitErr: errors.New("disk full")}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	status, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, flow.RegisterSynchronization(ctx, &recSync{m: m, label: "sync"}))

	err = c.Commit(ctx, status)
	assert.True(t, apperror.IsTransactionSystem(err))
	assert.NotContains(t, m.trace, "rollback(tx1)")
	assert.Contains(t, m.trace, "sync.afterCompletion(unknown)")
	assert.Contains(t, m.trace, "cleanup(tx1)")
}

func TestBeforeCommitFailureDrivesRollback(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	status, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)
	cbErr := errors.New("validation failed")
	require.NoError(t, flow.RegisterSynchronization(ctx, &recSync{m: m, label: "sync", beforeCommitErr: cbErr}))

	err = c.Commit(ctx, status)
	assert.ErrorIs(t, err, cbErr)
	assert.Contains(t, m.trace, "sync.beforeCompletion", "beforeCompletion must still run")
	assert.Contains(t, m.trace, "rollback(tx1)")
	assert.NotContains(t, m.trace, "commit(tx1)")
	assert.Contains(t, m.trace, "cleanup(tx1)")
}

func TestAfterCommitFailurePropagatesButKeepsCommit(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	status, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)
	cbErr := errors.New("listener blew up")
	require.NoError(t, flow.RegisterSynchronization(ctx, &recSync{m: m, label: "sync", afterCommitErr: cbErr}))

	err = c.Commit(ctx, status)
	assert.ErrorIs(t, err, cbErr)
	assert.Contains(t, m.trace, "commit(tx1)")
	assert.Contains(t, m.trace, "sync.afterCompletion(committed)")
}

func TestSynchronizationOrdering(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	status, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, flow.RegisterSynchronization(ctx, &recSync{m: m, label: "late", order: 20}))
	require.NoError(t, flow.RegisterSynchronization(ctx, &recSync{m: m, label: "early", order: 10}))
	require.NoError(t, flow.RegisterSynchronization(ctx, &recSync{m: m, label: "mid", order: 15}))

	require.NoError(t, c.Commit(ctx, status))

	var beforeCommits []string
	for _, e := range m.trace {
		switch e {
		case "early.beforeCommit(false)", "mid.beforeCommit(false)", "late.beforeCommit(false)":
			beforeCommits = append(beforeCommits, e)
		}
	}
	assert.Equal(t, []string{
		"early.beforeCommit(false)",
		"mid.beforeCommit(false)",
		"late.beforeCommit(false)",
	}, beforeCommits)
}

func TestNoSynchronizationFromOuterFiresDuringInnerScope(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	outer, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, flow.RegisterSynchronization(ctx, &recSync{m: m, label: "outer"}))

	inner, err := c.GetTransaction(ctx, &tx.Definition{Propagation: tx.PropagationRequiresNew, TimeoutSeconds: tx.TimeoutDefault})
	require.NoError(t, err)

	mark := len(m.trace)
	require.NoError(t, c.Commit(ctx, inner))
	for _, e := range m.trace[mark:] {
		assert.NotContains(t, e, "outer.beforeCommit")
		assert.NotContains(t, e, "outer.afterCommit")
		assert.NotContains(t, e, "outer.afterCompletion")
	}

	require.NoError(t, c.Commit(ctx, outer))
	assert.Contains(t, m.trace, "outer.afterCompletion(committed)")
}

func TestRegistryRestoredAfterCompletion(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	key := "app-resource"
	require.NoError(t, flow.BindResource(ctx, key, "value"))

	status, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, status))

	assert.Equal(t, "value", flow.GetResource(ctx, key))
	assert.False(t, flow.IsSynchronizationActive(ctx))
	assert.Equal(t, "", flow.TransactionName(ctx))
	assert.False(t, flow.IsActualTransactionActive(ctx))
}

func TestStatusFromOtherManagerRejected(t *testing.T) {
	m := &mockManager{}
	c := newTestCoordinator(t, DefaultConfig(), m)
	ctx := testContext()

	err := c.Commit(ctx, fakeStatus{})
	assert.True(t, apperror.IsIllegalTransactionState(err))
}

type fakeStatus struct{ tx.Status }

func TestMissingMandatoryHooks(t *testing.T) {
	_, err := New(DefaultConfig(), Hooks{})
	assert.Error(t, err)
}

func TestSyncNeverKeepsSynchronizationInactive(t *testing.T) {
	m := &mockManager{}
	cfg := DefaultConfig()
	cfg.SyncMode = SyncNever
	c := newTestCoordinator(t, cfg, m)
	ctx := testContext()

	status, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)
	assert.False(t, flow.IsSynchronizationActive(ctx))
	assert.Error(t, flow.RegisterSynchronization(ctx, &recSync{m: m, label: "sync"}))

	require.NoError(t, c.Commit(ctx, status))
	assert.Contains(t, m.trace, "commit(tx1)")
}

func TestNestedWithoutSavepointBeginsOnSameTransaction(t *testing.T) {
	m := &mockManager{}
	cfg := DefaultConfig()
	cfg.NestedAllowed = true
	hooks := m.hooks()
	hooks.UseSavepointForNested = func() bool { return false }
	c, err := New(cfg, hooks)
	require.NoError(t, err)
	ctx := testContext()

	outer, err := c.GetTransaction(ctx, nil)
	require.NoError(t, err)

	inner, err := c.GetTransaction(ctx, &tx.Definition{Propagation: tx.PropagationNested, TimeoutSeconds: tx.TimeoutDefault})
	require.NoError(t, err)
	assert.True(t, inner.IsNewTransaction())

	// The outer transaction was not suspended for the nested begin.
	assert.NotContains(t, m.trace, "suspend(tx1)")
	assert.Contains(t, m.trace, "begin(tx2)")

	require.NoError(t, c.Commit(ctx, inner))
	require.NoError(t, c.Commit(ctx, outer))
}
