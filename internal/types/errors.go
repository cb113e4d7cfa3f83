package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so that callers (and the HTTP layer) can
// decide how to react without parsing error strings.
type ErrorKind string

const (
	// KindValidation: missing or malformed input, rejected before touching state
	KindValidation ErrorKind = "validation"
	// KindNotFound: unknown task, artifact, snapshot or hypothesis id
	KindNotFound ErrorKind = "not_found"
	// KindStateConflict: operation illegal in the current state, or overlapping scope
	KindStateConflict ErrorKind = "state_conflict"
	// KindNotReady: handoff prepare on a reflection result not ready for promotion
	KindNotReady ErrorKind = "not_ready"
	// KindAccessDenied: path traversal, protected path or denied command
	KindAccessDenied ErrorKind = "access_denied"
	// KindTimeout: sandbox command or correlated call exceeded its budget
	KindTimeout ErrorKind = "timeout"
	// KindCircuitOpen: admission blocked by the circuit breaker
	KindCircuitOpen ErrorKind = "circuit_open"
	// KindPolicyLimit: admission blocked by daily/cooldown/concurrency limits
	KindPolicyLimit ErrorKind = "policy_limit"
	// KindSandboxFailure: container or runtime failure
	KindSandboxFailure ErrorKind = "sandbox_failure"
	// KindRollbackFailure: snapshot restore could not complete; the tree may be inconsistent
	KindRollbackFailure ErrorKind = "rollback_failure"
	// KindInternal: anything unexpected
	KindInternal ErrorKind = "internal"
)

// Error is the error type returned across package boundaries.
type Error struct {
	Kind    ErrorKind
	Op      string // operation that failed, e.g. "handoff.execute"
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// Sentinels for errors.Is checks.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrStateConflict   = &Error{Kind: KindStateConflict}
	ErrNotReady        = &Error{Kind: KindNotReady}
	ErrAccessDenied    = &Error{Kind: KindAccessDenied}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrCircuitOpen     = &Error{Kind: KindCircuitOpen}
	ErrPolicyLimit     = &Error{Kind: KindPolicyLimit}
	ErrSandboxFailure  = &Error{Kind: KindSandboxFailure}
	ErrRollbackFailure = &Error{Kind: KindRollbackFailure}
)

// Errorf builds a new *Error of the given kind.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil err returns nil.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsClientError reports whether err is an expected, client-facing condition
// that must not be retried.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindStateConflict, KindNotReady,
		KindAccessDenied, KindCircuitOpen, KindPolicyLimit:
		return true
	}
	return false
}
