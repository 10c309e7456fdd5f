package testrun

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation is the sentinel behind every rejected command.
var ErrInvariantViolation = errors.New("testrun: invariant violation")

// ViolationKind classifies why a command was rejected.
type ViolationKind string

const (
	ViolationInvalidState    ViolationKind = "INVALID_STATE"
	ViolationNotActive       ViolationKind = "NOT_ACTIVE"
	ViolationPlanOverflow    ViolationKind = "PLAN_OVERFLOW"
	ViolationInvalidArgument ViolationKind = "INVALID_ARGUMENT"
)

// Result is returned by every TestRun command in place of a panic or error.
// The zero value is success.
type Result struct {
	kind   ViolationKind
	reason string
}

// Ok is the successful Result.
func Ok() Result { return Result{} }

// Violation builds a failed Result.
func Violation(kind ViolationKind, format string, args ...any) Result {
	return Result{kind: kind, reason: fmt.Sprintf(format, args...)}
}

func (r Result) OK() bool            { return r.kind == "" }
func (r Result) Kind() ViolationKind { return r.kind }
func (r Result) Reason() string      { return r.reason }

// Err converts a failed Result into an error wrapping ErrInvariantViolation, or nil.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrInvariantViolation, r.kind, r.reason)
}

func (r Result) String() string {
	if r.OK() {
		return "ok"
	}
	return string(r.kind) + ": " + r.reason
}
