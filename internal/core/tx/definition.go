package tx

import "strings"

// Propagation declares how the requested scope relates to any transaction
// already active on the current flow.
type Propagation int

const (
	// PropagationRequired joins the current transaction, or starts a new
	// one if none exists. This is the default.
	PropagationRequired Propagation = iota

	// PropagationSupports joins the current transaction if one exists,
	// otherwise runs non-transactionally.
	PropagationSupports

	// PropagationMandatory joins the current transaction and fails if
	// none exists.
	PropagationMandatory

	// PropagationRequiresNew always starts a new transaction, suspending
	// the current one if it exists.
	PropagationRequiresNew

	// PropagationNotSupported runs non-transactionally, suspending the
	// current transaction if it exists.
	PropagationNotSupported

	// PropagationNever runs non-transactionally and fails if a
	// transaction exists.
	PropagationNever

	// PropagationNested runs within a nested scope (savepoint) of the
	// current transaction, or behaves like PropagationRequired if none
	// exists.
	PropagationNested
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "required"
	case PropagationSupports:
		return "supports"
	case PropagationMandatory:
		return "mandatory"
	case PropagationRequiresNew:
		return "requires_new"
	case PropagationNotSupported:
		return "not_supported"
	case PropagationNever:
		return "never"
	case PropagationNested:
		return "nested"
	default:
		return "unknown"
	}
}

// Isolation declares the isolation level requested from the resource manager.
type Isolation int

const (
	// IsolationDefault defers to the resource manager's default level.
	IsolationDefault Isolation = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

func (i Isolation) String() string {
	switch i {
	case IsolationDefault:
		return "default"
	case IsolationReadUncommitted:
		return "read_uncommitted"
	case IsolationReadCommitted:
		return "read_committed"
	case IsolationRepeatableRead:
		return "repeatable_read"
	case IsolationSerializable:
		return "serializable"
	default:
		return "unknown"
	}
}

// TimeoutDefault tells the coordinator to apply the manager's default timeout.
const TimeoutDefault = -1

// RollbackRule decides whether a given application error should cause
// rollback. Rules are consulted in order; the first rule that reports a
// match decides the verdict.
type RollbackRule func(err error) (rollback bool, matched bool)

// Definition describes the transactional semantics a caller wants.
// Immutable once handed to the coordinator. The zero value means
// REQUIRED propagation, default isolation, writable, and a timeout of 0
// seconds rather than the manager default; NewDefinition sets
// TimeoutSeconds to TimeoutDefault.
type Definition struct {
	Propagation    Propagation
	Isolation      Isolation
	TimeoutSeconds int
	ReadOnly       bool
	Name           string
	RollbackRules  []RollbackRule
}

// NewDefinition returns a Definition with framework defaults applied.
func NewDefinition() *Definition {
	return &Definition{TimeoutSeconds: TimeoutDefault}
}

// ShouldRollbackOn reports whether err warrants rollback under this
// definition. With no rules configured, any error rolls back.
func (d *Definition) ShouldRollbackOn(err error) bool {
	for _, rule := range d.RollbackRules {
		if verdict, ok := rule(err); ok {
			return verdict
		}
	}
	return true
}

// RollbackOnMessageContaining matches errors whose text contains any of the
// given fragments and requests rollback for them.
func RollbackOnMessageContaining(fragments ...string) RollbackRule {
	return func(err error) (bool, bool) {
		for _, f := range fragments {
			if strings.Contains(err.Error(), f) {
				return true, true
			}
		}
		return false, false
	}
}

// NoRollbackOnMessageContaining matches errors whose text contains any of
// the given fragments and vetoes rollback for them.
func NoRollbackOnMessageContaining(fragments ...string) RollbackRule {
	return func(err error) (bool, bool) {
		for _, f := range fragments {
			if strings.Contains(err.Error(), f) {
				return false, true
			}
		}
		return false, false
	}
}
