// Package flow holds per-flow transactional state: bound resources, the
// active synchronization set, and the attributes of the transaction the
// flow currently runs in.
//
// A flow is the unit along which transactional context propagates. It is
// established explicitly with NewContext; every context derived from that
// context shares the same flow state. Goroutines given an undecorated
// context are independent flows with no state at all.
package flow

import (
	"context"
	"fmt"
	"sort"

	"txflow/internal/core/tx"
)

type flowKey struct{}

// state is the mutable per-flow record. All coordinator calls for one flow
// run strictly sequentially, so no locking is needed.
type state struct {
	resources map[any]any

	// synchronizations is nil when synchronization is inactive for the
	// flow; an empty non-nil slice means active with no registrations.
	synchronizations []tx.Synchronization
	syncActive       bool

	name         string
	readOnly     bool
	isolation    *tx.Isolation
	actualActive bool
}

// NewContext installs fresh flow state on ctx. If ctx already carries flow
// state it is returned unchanged, so nesting is harmless.
func NewContext(ctx context.Context) context.Context {
	if _, ok := ctx.Value(flowKey{}).(*state); ok {
		return ctx
	}
	return context.WithValue(ctx, flowKey{}, &state{})
}

// HasFlow reports whether ctx carries flow state.
func HasFlow(ctx context.Context) bool {
	_, ok := ctx.Value(flowKey{}).(*state)
	return ok
}

func stateFrom(ctx context.Context) (*state, bool) {
	s, ok := ctx.Value(flowKey{}).(*state)
	return s, ok
}

// mustState returns the flow state or panics. A missing flow context is a
// programming error: the caller forgot flow.NewContext.
func mustState(ctx context.Context) *state {
	s, ok := stateFrom(ctx)
	if !ok {
		panic("flow: context does not carry flow state; wrap it with flow.NewContext first")
	}
	return s
}

// Voidable lets resource holders mark themselves stale. A void value
// behaves as absent on lookup and is lazily evicted.
type Voidable interface {
	IsVoid() bool
}

// KeyUnwrapper lets proxy wrappers expose the underlying factory they
// stand in for, so resources bound via the proxy and via the factory end
// up under the same key.
type KeyUnwrapper interface {
	UnwrapKey() any
}

func unwrapKey(key any) any {
	for {
		u, ok := key.(KeyUnwrapper)
		if !ok {
			return key
		}
		key = u.UnwrapKey()
	}
}

// --- Resources ---

// HasResource reports whether a non-void resource is bound to key.
func HasResource(ctx context.Context, key any) bool {
	s, ok := stateFrom(ctx)
	if !ok {
		return false
	}
	return s.lookup(unwrapKey(key)) != nil
}

// GetResource returns the resource bound to key, or nil. A holder whose
// void flag is set is evicted and reported as absent.
func GetResource(ctx context.Context, key any) any {
	s, ok := stateFrom(ctx)
	if !ok {
		return nil
	}
	return s.lookup(unwrapKey(key))
}

func (s *state) lookup(key any) any {
	value, ok := s.resources[key]
	if !ok {
		return nil
	}
	if v, ok := value.(Voidable); ok && v.IsVoid() {
		delete(s.resources, key)
		return nil
	}
	return value
}

// BindResource binds value to key for the current flow. Binding a key that
// already has a non-void value is an error; silent overwrite is forbidden.
func BindResource(ctx context.Context, key, value any) error {
	s := mustState(ctx)
	key = unwrapKey(key)
	if s.resources == nil {
		s.resources = make(map[any]any)
	}
	if existing, ok := s.resources[key]; ok {
		if v, ok := existing.(Voidable); !ok || !v.IsVoid() {
			return fmt.Errorf("flow: resource already bound for key %v", key)
		}
	}
	s.resources[key] = value
	return nil
}

// UnbindResource removes and returns the resource bound to key, failing if
// none is bound.
func UnbindResource(ctx context.Context, key any) (any, error) {
	s := mustState(ctx)
	value := s.doUnbind(unwrapKey(key))
	if value == nil {
		return nil, fmt.Errorf("flow: no resource bound for key %v", key)
	}
	return value, nil
}

// UnbindResourceIfPossible removes the resource bound to key, if any.
func UnbindResourceIfPossible(ctx context.Context, key any) any {
	s, ok := stateFrom(ctx)
	if !ok {
		return nil
	}
	return s.doUnbind(unwrapKey(key))
}

func (s *state) doUnbind(key any) any {
	value, ok := s.resources[key]
	if !ok {
		return nil
	}
	delete(s.resources, key)
	if v, ok := value.(Voidable); ok && v.IsVoid() {
		return nil
	}
	return value
}

// ResourceKeys returns the keys currently bound on the flow. Intended for
// diagnostics and tests.
func ResourceKeys(ctx context.Context) []any {
	s, ok := stateFrom(ctx)
	if !ok {
		return nil
	}
	keys := make([]any, 0, len(s.resources))
	for k := range s.resources {
		keys = append(keys, k)
	}
	return keys
}

// --- Synchronization set ---

// IsSynchronizationActive reports whether synchronization is active for
// the flow.
func IsSynchronizationActive(ctx context.Context) bool {
	s, ok := stateFrom(ctx)
	return ok && s.syncActive
}

// InitSynchronization activates synchronization for the flow. Fails if
// already active.
func InitSynchronization(ctx context.Context) error {
	s := mustState(ctx)
	if s.syncActive {
		return fmt.Errorf("flow: synchronization already active; cannot activate twice")
	}
	s.syncActive = true
	s.synchronizations = make([]tx.Synchronization, 0, 4)
	return nil
}

// ClearSynchronization deactivates synchronization and drops all
// registered callbacks. Fails if not active.
func ClearSynchronization(ctx context.Context) error {
	s := mustState(ctx)
	if !s.syncActive {
		return fmt.Errorf("flow: synchronization is not active; cannot deactivate")
	}
	s.syncActive = false
	s.synchronizations = nil
	return nil
}

// RegisterSynchronization appends a callback bundle to the active set.
// Requires synchronization to be active.
func RegisterSynchronization(ctx context.Context, sync tx.Synchronization) error {
	s := mustState(ctx)
	if !s.syncActive {
		return fmt.Errorf("flow: synchronization is not active; cannot register")
	}
	s.synchronizations = append(s.synchronizations, sync)
	return nil
}

// Synchronizations returns an order-sorted snapshot of the active set, so
// callbacks may register further synchronizations while the snapshot is
// being iterated. The sort is stable: entries without an explicit order
// compare equal and keep registration order, after all ordered entries.
func Synchronizations(ctx context.Context) ([]tx.Synchronization, error) {
	s := mustState(ctx)
	if !s.syncActive {
		return nil, fmt.Errorf("flow: synchronization is not active")
	}
	snapshot := make([]tx.Synchronization, len(s.synchronizations))
	copy(snapshot, s.synchronizations)
	sort.SliceStable(snapshot, func(i, j int) bool {
		return orderOf(snapshot[i]) < orderOf(snapshot[j])
	})
	return snapshot, nil
}

func orderOf(sync tx.Synchronization) int {
	if o, ok := sync.(tx.Ordered); ok {
		return o.Order()
	}
	return int(^uint(0) >> 1)
}

// --- Transaction attributes ---

// SetTransactionName records the name of the transaction the flow runs in.
func SetTransactionName(ctx context.Context, name string) {
	mustState(ctx).name = name
}

// TransactionName returns the recorded transaction name, if any.
func TransactionName(ctx context.Context) string {
	s, ok := stateFrom(ctx)
	if !ok {
		return ""
	}
	return s.name
}

// SetTransactionReadOnly records the read-only hint of the current scope.
func SetTransactionReadOnly(ctx context.Context, readOnly bool) {
	mustState(ctx).readOnly = readOnly
}

// IsTransactionReadOnly reports the read-only hint of the current scope.
func IsTransactionReadOnly(ctx context.Context) bool {
	s, ok := stateFrom(ctx)
	if !ok {
		return false
	}
	return s.readOnly
}

// SetTransactionIsolation records the isolation level of the current
// scope; nil means no explicit level.
func SetTransactionIsolation(ctx context.Context, isolation *tx.Isolation) {
	mustState(ctx).isolation = isolation
}

// TransactionIsolation returns the recorded isolation level, or nil.
func TransactionIsolation(ctx context.Context) *tx.Isolation {
	s, ok := stateFrom(ctx)
	if !ok {
		return nil
	}
	return s.isolation
}

// SetActualTransactionActive records whether a physical transaction is
// active on the flow (as opposed to an empty synchronization-only scope).
func SetActualTransactionActive(ctx context.Context, active bool) {
	mustState(ctx).actualActive = active
}

// IsActualTransactionActive reports whether a physical transaction is
// active on the flow.
func IsActualTransactionActive(ctx context.Context) bool {
	s, ok := stateFrom(ctx)
	if !ok {
		return false
	}
	return s.actualActive
}

// Clear resets synchronization and all per-flow transaction attributes.
// Bound resources are kept; they are managed by their owners.
func Clear(ctx context.Context) {
	s := mustState(ctx)
	s.syncActive = false
	s.synchronizations = nil
	s.name = ""
	s.readOnly = false
	s.isolation = nil
	s.actualActive = false
}
