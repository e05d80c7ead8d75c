package tx

import "context"

// Status is the per-invocation handle for a transaction scope. It is
// created by Manager.GetTransaction and handed back to Commit or Rollback
// exactly once. A Status is owned by a single flow and is not safe for
// concurrent use.
type Status interface {
	SavepointManager

	// IsNewTransaction reports whether this scope started the physical
	// transaction and is therefore responsible for completing it. A
	// participating scope returns false.
	IsNewTransaction() bool

	// HasSavepoint reports whether this scope holds a savepoint, i.e.
	// is a savepoint-based nested transaction.
	HasSavepoint() bool

	// SetRollbackOnly marks the scope so the only possible outcome is a
	// rollback. For a participating scope this is the way to signal the
	// outer transaction that it must not commit.
	SetRollbackOnly()

	// IsRollbackOnly reports whether the scope is marked rollback-only,
	// either locally on this Status or globally on the underlying
	// transaction.
	IsRollbackOnly() bool

	// IsCompleted reports whether this scope already committed or
	// rolled back.
	IsCompleted() bool

	// Flush pushes pending state held by synchronizations and the
	// underlying transaction object to the resource.
	Flush(ctx context.Context)
}

// SmartTransaction is implemented by transaction objects that can report a
// global rollback-only marker. The coordinator consults it when deciding
// whether a commit request must turn into a rollback.
type SmartTransaction interface {
	IsRollbackOnly() bool
}

// Flushable is implemented by transaction objects that buffer state and
// can flush it on demand.
type Flushable interface {
	Flush()
}
