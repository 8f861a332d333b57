package ruleengine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrVariableUnavailable marks missing data. It is not a failure: the
// variable simply has no value for this context.
var ErrVariableUnavailable = errors.New("variable unavailable")

// VariableResolutionError wraps a data-source or expression failure.
type VariableResolutionError struct {
	Key string
	Err error
}

func (e *VariableResolutionError) Error() string {
	return fmt.Sprintf("resolve variable %q: %v", e.Key, e.Err)
}

func (e *VariableResolutionError) Unwrap() error { return e.Err }

// CircularReferenceError is returned when formula variables reference each
// other in a cycle. Path lists the keys from the outermost variable to the
// repeated one.
type CircularReferenceError struct {
	Path []string
}

func (e *CircularReferenceError) Error() string {
	return fmt.Sprintf("circular variable reference: %s", strings.Join(e.Path, " -> "))
}

// ConditionTypeMismatchError is recorded when a comparison's operands cannot
// be compared with the requested operator.
type ConditionTypeMismatchError struct {
	Op    string
	Left  any
	Right any
}

func (e *ConditionTypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: cannot apply %s to %T and %T", e.Op, e.Left, e.Right)
}

// ActionExecutionError is returned when an action handler fails.
type ActionExecutionError struct {
	Index int
	Type  string
	Err   error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %d (%s) failed: %v", e.Index, e.Type, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// TimeoutError is recorded when a rule exceeds its per-rule budget. Its
// message is exactly "timeout".
type TimeoutError struct{}

func (TimeoutError) Error() string { return "timeout" }

// errDispatchCancelled is recorded for rules that were in flight when the
// caller cancelled the dispatch.
var errDispatchCancelled = errors.New("dispatch cancelled")
