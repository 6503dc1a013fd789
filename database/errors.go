package database

import (
	"errors"
	"fmt"
)

// Code identifies a category of engine failure. The engine returns
// *Error values carrying one of these instead of relying on panics or
// sentinel errors scattered across packages, per the "explicit result
// types" redesign in the spec's Design Notes.
type Code int

const (
	// CodeUnknown is never returned by the engine; it is the zero value.
	CodeUnknown Code = iota
	CodeCorruptStore
	CodeCacheExhausted
	CodeStoreFull
	CodeIOError
	CodeLockTimeout
	CodeLockInterrupted
	CodeDeadlock
	CodeIllegalUpgrade
	CodeClosedIndex
	CodeClosedDatabase
	CodeLargeKey
	CodeLargeValue
	CodeUnpositionedCursor
	CodeInvalidArgument
)

func (c Code) String() string {
	switch c {
	case CodeCorruptStore:
		return "CorruptStore"
	case CodeCacheExhausted:
		return "CacheExhausted"
	case CodeStoreFull:
		return "StoreFull"
	case CodeIOError:
		return "IOError"
	case CodeLockTimeout:
		return "LockTimeout"
	case CodeLockInterrupted:
		return "LockInterrupted"
	case CodeDeadlock:
		return "Deadlock"
	case CodeIllegalUpgrade:
		return "IllegalUpgrade"
	case CodeClosedIndex:
		return "ClosedIndex"
	case CodeClosedDatabase:
		return "ClosedDatabase"
	case CodeLargeKey:
		return "LargeKey"
	case CodeLargeValue:
		return "LargeValue"
	case CodeUnpositionedCursor:
		return "UnpositionedCursor"
	case CodeInvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Error is the engine's single error type. Callers distinguish failure
// kinds with errors.Is against the Sentinel* values, or by inspecting
// Code directly.
type Error struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Code, so
// errors.Is(err, ErrCorruptStore) style checks work without exposing a
// sentinel per code.
func (e *Error) Is(target error) bool {
	var o *Error
	if errors.As(target, &o) {
		return o.Code == e.Code
	}
	return false
}

func newErr(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func wrapErr(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Cause: cause}
}

// Sentinel instances for errors.Is comparisons, one per Code.
var (
	ErrCorruptStore       = newErr(CodeCorruptStore, "corrupt store")
	ErrCacheExhausted     = newErr(CodeCacheExhausted, "cache exhausted")
	ErrStoreFull          = newErr(CodeStoreFull, "store full")
	ErrIOError            = newErr(CodeIOError, "i/o error")
	ErrLockTimeout        = newErr(CodeLockTimeout, "lock timeout")
	ErrLockInterrupted    = newErr(CodeLockInterrupted, "lock wait interrupted")
	ErrDeadlock           = newErr(CodeDeadlock, "deadlock detected")
	ErrIllegalUpgrade     = newErr(CodeIllegalUpgrade, "illegal lock upgrade")
	ErrClosedIndex        = newErr(CodeClosedIndex, "index is closed")
	ErrClosedDatabase     = newErr(CodeClosedDatabase, "database is closed")
	ErrLargeKey           = newErr(CodeLargeKey, "key exceeds maximum size")
	ErrLargeValue         = newErr(CodeLargeValue, "value exceeds maximum size")
	ErrUnpositionedCursor = newErr(CodeUnpositionedCursor, "cursor is not positioned")
	ErrInvalidArgument    = newErr(CodeInvalidArgument, "invalid argument")
)

// DeadlockError augments ErrDeadlock with the attachment names collected
// while walking the waits-for graph, per spec §4.4 seed scenario 4.
type DeadlockError struct {
	Err    *Error
	Owners []string
}

func (e *DeadlockError) Error() string { return e.Err.Error() }

func (e *DeadlockError) Unwrap() error { return e.Err }

func newDeadlockError(owners []string) *DeadlockError {
	return &DeadlockError{
		Err:    newErr(CodeDeadlock, fmt.Sprintf("deadlock detected, owners: %v", owners)),
		Owners: owners,
	}
}

// PanicCause is recorded on a Database when an inconsistent-node error
// forces a panic close (spec §7 propagation policy). Subsequent calls
// fail with ErrClosedDatabase wrapping this cause.
type PanicCause struct {
	*Error
	Root error
}
