// Package resource provides the base type for resource holders: wrappers
// around an acquired resource (a connection, a session) that a resource
// manager binds into the flow registry for the duration of a transaction.
package resource

import (
	"time"

	"txflow/internal/core/apperror"
)

// Holder carries the transactional bookkeeping shared by all resource
// holders: a synchronized-with-transaction marker, a local rollback-only
// flag, an optional deadline, and a reference count used for idle-cleanup
// decisions. Embed it in concrete holders.
type Holder struct {
	synchronizedWithTx bool
	rollbackOnly       bool
	deadline           time.Time
	refCount           int
	isVoid             bool
}

// SetSynchronizedWithTransaction marks the holder as managed by an active
// transaction.
func (h *Holder) SetSynchronizedWithTransaction(synchronized bool) {
	h.synchronizedWithTx = synchronized
}

// IsSynchronizedWithTransaction reports whether the holder is managed by
// an active transaction.
func (h *Holder) IsSynchronizedWithTransaction() bool {
	return h.synchronizedWithTx
}

// SetRollbackOnly marks the resource transaction as rollback-only.
func (h *Holder) SetRollbackOnly() {
	h.rollbackOnly = true
}

// IsRollbackOnly reports whether the resource transaction is marked
// rollback-only.
func (h *Holder) IsRollbackOnly() bool {
	return h.rollbackOnly
}

// SetTimeoutSeconds sets the holder deadline to now plus the given number
// of seconds.
func (h *Holder) SetTimeoutSeconds(seconds int) {
	h.SetTimeoutMillis(int64(seconds) * 1000)
}

// SetTimeoutMillis sets the holder deadline to now plus the given number
// of milliseconds.
func (h *Holder) SetTimeoutMillis(millis int64) {
	h.deadline = time.Now().Add(time.Duration(millis) * time.Millisecond)
}

// HasTimeout reports whether a deadline is set.
func (h *Holder) HasTimeout() bool {
	return !h.deadline.IsZero()
}

// Deadline returns the configured deadline; the zero time means none.
func (h *Holder) Deadline() time.Time {
	return h.deadline
}

// TimeToLiveSeconds returns the remaining time before the deadline,
// rounded up to whole seconds. Fails with a timeout error once the
// deadline passed, marking the holder rollback-only.
func (h *Holder) TimeToLiveSeconds() (int, error) {
	millis, err := h.TimeToLiveMillis()
	if err != nil {
		return 0, err
	}
	secs := int((millis + 999) / 1000)
	return secs, nil
}

// TimeToLiveMillis returns the remaining milliseconds before the deadline.
// Once the deadline passed, the holder flips itself rollback-only and the
// call fails with a timeout error.
func (h *Holder) TimeToLiveMillis() (int64, error) {
	if !h.HasTimeout() {
		return 0, apperror.NewIllegalTransactionState("no timeout configured for this resource holder")
	}
	millis := time.Until(h.deadline).Milliseconds()
	if millis <= 0 {
		h.SetRollbackOnly()
		return 0, apperror.NewTransactionTimedOut(h.deadline)
	}
	return millis, nil
}

// Requested increases the reference count, signalling that a new logical
// participant uses the held resource.
func (h *Holder) Requested() {
	h.refCount++
}

// Released decreases the reference count.
func (h *Holder) Released() {
	h.refCount--
}

// IsOpen reports whether any participant still uses the held resource.
func (h *Holder) IsOpen() bool {
	return h.refCount > 0
}

// Clear resets the transactional state but keeps the reference count, so
// an open holder can be reused for a follow-up transaction.
func (h *Holder) Clear() {
	h.synchronizedWithTx = false
	h.rollbackOnly = false
	h.deadline = time.Time{}
}

// Reset clears all state including the reference count.
func (h *Holder) Reset() {
	h.Clear()
	h.refCount = 0
}

// Unbound marks the holder as removed from the registry; subsequent
// registry lookups treat it as absent.
func (h *Holder) Unbound() {
	h.isVoid = true
}

// IsVoid reports whether the holder was unbound from the registry.
func (h *Holder) IsVoid() bool {
	return h.isVoid
}
