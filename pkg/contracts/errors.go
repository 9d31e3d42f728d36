package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies control-plane failures. Admission-gate kinds are
// surfaced to callers verbatim and recorded in the audit log.
type ErrorKind string

const (
	KindInvalidRequest         ErrorKind = "invalid_request"
	KindNotFound               ErrorKind = "not_found"
	KindStateMachineViolation  ErrorKind = "state_machine_violation"
	KindClearanceInsufficient  ErrorKind = "clearance_insufficient"
	KindSecurityThreat         ErrorKind = "security_threat"
	KindReputationInsufficient ErrorKind = "reputation_insufficient"
	KindFirebreakBlocked       ErrorKind = "firebreak_blocked"
	KindMaxDepthExceeded       ErrorKind = "max_depth_exceeded"
	KindLoopDetected           ErrorKind = "loop_detected"
	KindPermissionAttenuation  ErrorKind = "permission_attenuation_violation"
	KindStorageUnavailable     ErrorKind = "storage_unavailable"
	KindTimeout                ErrorKind = "timeout"
)

// Error is the typed control-plane error. It carries a machine-readable kind,
// a human-readable reason, and an optional remediation hint.
type Error struct {
	Kind        ErrorKind
	Reason      string
	Remediation string

	// ThreatType and Severity are set for KindSecurityThreat.
	ThreatType string
	Severity   string

	// Blocking lists the firebreak names for KindFirebreakBlocked.
	Blocking []string

	// Cycle lists the repeating agent IDs for KindLoopDetected.
	Cycle []string

	cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	if len(e.Blocking) > 0 {
		msg += " [" + strings.Join(e.Blocking, ", ") + "]"
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match against a bare *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// KindOf extracts the ErrorKind from err, or "" if err is not a typed Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// ErrInvalidRequest reports a malformed payload, missing field, or value out
// of range.
func ErrInvalidRequest(format string, args ...any) *Error {
	return newError(KindInvalidRequest, format, args...)
}

// ErrNotFound reports a missing contract, manifest, or parent contract.
func ErrNotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

// ErrStateMachine reports a forbidden status transition.
func ErrStateMachine(from, to ContractStatus) *Error {
	return newError(KindStateMachineViolation, "transition %s -> %s is not allowed", from, to)
}

// ErrClearanceInsufficient reports a classification-gate block.
func ErrClearanceInsufficient(agentID string, have, need TLPLevel) *Error {
	e := newError(KindClearanceInsufficient,
		"agent %s clearance %s does not dominate required %s", agentID, have, need)
	e.Remediation = "delegate to an agent with " + string(need) + " clearance or reclassify the task"
	return e
}

// ErrSecurityThreat reports a security-gate block.
func ErrSecurityThreat(threatType, severity, reason string) *Error {
	e := newError(KindSecurityThreat, "%s", reason)
	e.ThreatType = threatType
	e.Severity = severity
	return e
}

// ErrReputationInsufficient reports a reputation-gate block.
func ErrReputationInsufficient(agentID, reason string) *Error {
	e := newError(KindReputationInsufficient, "agent %s: %s", agentID, reason)
	e.Remediation = "build reputation with lower-stakes contracts first"
	return e
}

// ErrFirebreakBlocked reports a liability-firebreak block.
func ErrFirebreakBlocked(blocking []string, requiredAuthority string) *Error {
	e := newError(KindFirebreakBlocked,
		"delegation blocked by firebreaks; required authority: %s", requiredAuthority)
	e.Blocking = blocking
	e.Remediation = "request a manual override at authority level " + requiredAuthority
	return e
}

// ErrMaxDepthExceeded reports a chain-depth rejection.
func ErrMaxDepthExceeded(depth, max int) *Error {
	return newError(KindMaxDepthExceeded,
		"delegation depth %d exceeds max depth %d", depth, max)
}

// ErrLoopDetected reports a delegation cycle.
func ErrLoopDetected(cycle []string) *Error {
	e := newError(KindLoopDetected,
		"delegation loop detected: %s", strings.Join(cycle, " -> "))
	e.Cycle = cycle
	return e
}

// ErrPermissionAttenuation reports a child token widening its parent.
func ErrPermissionAttenuation(format string, args ...any) *Error {
	return newError(KindPermissionAttenuation, format, args...)
}

// ErrStorageUnavailable reports a persistence-layer failure.
func ErrStorageUnavailable(cause error) *Error {
	return newError(KindStorageUnavailable, "persistence layer unavailable").WithCause(cause)
}

// ErrTimeout reports a deadline exceeded.
func ErrTimeout(format string, args ...any) *Error {
	return newError(KindTimeout, format, args...)
}
