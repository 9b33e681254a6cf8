package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPatch rejects an update whose field patch is empty. Caller
	// programming error, surfaced synchronously at submit.
	ErrInvalidPatch = errors.New("invalid patch: update carries no fields")

	// ErrEntityLocked rejects a local edit touching fields of an entity
	// with an unresolved conflict.
	ErrEntityLocked = errors.New("entity locked pending conflict resolution")

	// ErrAuthentication marks an unrecoverable credential failure. Sync
	// pauses until re-authenticated externally.
	ErrAuthentication = errors.New("authentication rejected by remote")

	// ErrRetryExhausted marks a mutation's terminal failure after the
	// maximum attempt count.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrOffline refuses to start an exchange with no reachable route.
	ErrOffline = errors.New("no connectivity")

	// ErrExchangeInFlight guards the single-exchange rule.
	ErrExchangeInFlight = errors.New("an exchange is already in flight")

	// ErrTransient matches any TransientError via errors.Is.
	ErrTransient = errors.New("transient network error")

	// ErrConflictUnknown is returned when resolving a conflict ID that does
	// not exist.
	ErrConflictUnknown = errors.New("unknown conflict")

	// ErrConflictResolved rejects a second resolution of the same conflict.
	ErrConflictResolved = errors.New("conflict already resolved")

	// ErrIncompleteMerge rejects a merged resolution that leaves a
	// differing field undecided.
	ErrIncompleteMerge = errors.New("merged resolution must cover every differing field")
)

// TransientError wraps a recoverable transport failure (timeouts, refused
// connections, 5xx). Matched by errors.Is(err, ErrTransient).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// LockedError reports which fields of an entity are frozen by an unresolved
// conflict. Matched by errors.Is(err, ErrEntityLocked).
type LockedError struct {
	EntityID string
	Fields   []string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("entity %s locked pending conflict resolution (fields: %v)", e.EntityID, e.Fields)
}

func (e *LockedError) Is(target error) bool { return target == ErrEntityLocked }
