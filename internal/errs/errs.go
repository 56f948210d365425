// Package errs defines the error taxonomy shared across the aggregation
// network: sentinel, wrappable errors following the same pattern as
// storage.ErrKeyNotFound in the teacher package this module was built
// from, generalized to the kinds named in the specification.
package errs

import "errors"

// Kind classifies an error for callers that need to branch on it (the
// façade, node state machines) without parsing error strings.
type Kind string

const (
	// PreconditionFailed: caller violated an API contract.
	PreconditionFailed Kind = "precondition_failed"
	// Transient: recoverable transport/store failure, retried internally;
	// surfaced only once retries are exhausted.
	Transient Kind = "transient"
	// InitTimeout: a coordinator failed to ack init within the init window.
	InitTimeout Kind = "init_timeout"
	// ThresholdNotMet: aligned participant set smaller than k at reveal.
	ThresholdNotMet Kind = "threshold_not_met"
	// DuplicateShare: a second share for the same (computation, contributor).
	DuplicateShare Kind = "duplicate_share"
	// LateShare: a share arriving after the deadline.
	LateShare Kind = "late_share"
	// UnknownComputation: message references an id unknown after the pending window.
	UnknownComputation Kind = "unknown_computation"
	// ShutdownInProgress: new work rejected during teardown.
	ShutdownInProgress Kind = "shutdown_in_progress"
	// Fatal: unrecoverable; the affected node terminates.
	Fatal Kind = "fatal"
	// Timeout: a caller-supplied wait (e.g. AwaitResult) elapsed.
	Timeout Kind = "timeout"
	// ComputationFailed: AwaitResult observed a terminal failed computation.
	ComputationFailed Kind = "computation_failed"
	// NetworkStartupFailed: a spawned node failed to become reachable in time.
	NetworkStartupFailed Kind = "network_startup_failed"
)

// Error is a classified, wrappable error. Use errors.Is against the
// Err* sentinel values below, or errors.As to recover the Kind and
// underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the same Kind, so callers can write
// errors.Is(err, errs.ErrThresholdNotMet) the same way they'd check
// errors.Is(err, storage.ErrKeyNotFound) in the teacher codebase.
func (e *Error) Is(target error) bool {
	var k *kindSentinel
	if errors.As(target, &k) {
		return e.Kind == k.kind
	}
	return false
}

type kindSentinel struct{ kind Kind }

func (k *kindSentinel) Error() string { return string(k.kind) }

// sentinel builds a comparable error value for a Kind so errors.Is works
// the way callers expect (errors.Is(err, errs.ErrPreconditionFailed)).
func sentinel(k Kind) error { return &kindSentinel{kind: k} }

var (
	ErrPreconditionFailed   = sentinel(PreconditionFailed)
	ErrTransient            = sentinel(Transient)
	ErrInitTimeout          = sentinel(InitTimeout)
	ErrThresholdNotMet      = sentinel(ThresholdNotMet)
	ErrDuplicateShare       = sentinel(DuplicateShare)
	ErrLateShare            = sentinel(LateShare)
	ErrUnknownComputation   = sentinel(UnknownComputation)
	ErrShutdownInProgress   = sentinel(ShutdownInProgress)
	ErrFatal                = sentinel(Fatal)
	ErrTimeout              = sentinel(Timeout)
	ErrComputationFailed    = sentinel(ComputationFailed)
	ErrNetworkStartupFailed = sentinel(NetworkStartupFailed)
)

// New constructs a classified error attributed to op, wrapping cause
// (which may be nil).
func New(kind Kind, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
