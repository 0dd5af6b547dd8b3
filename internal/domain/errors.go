package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrPersistenceConflict is returned by the store when a recurrence key
	// already exists. Callers treat it as a duplicate, not a failure.
	ErrPersistenceConflict = errors.New("recurrence key already exists")
)

// InvalidRuleError is fatal for the schedule it belongs to only.
type InvalidRuleError struct {
	Field  string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid rule configuration: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &InvalidRuleError{Field: field, Reason: reason}
}

// ScopeResolutionError means a scope selector resolved to nothing.
type ScopeResolutionError struct {
	Scope  ScopeKind
	Reason string
}

func (e *ScopeResolutionError) Error() string {
	return fmt.Sprintf("scope %s: %s", e.Scope, e.Reason)
}

// ExternalTimeoutError wraps a deadline hit while talking to a collaborator.
type ExternalTimeoutError struct {
	Op  string
	Err error
}

func (e *ExternalTimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
}

func (e *ExternalTimeoutError) Unwrap() error { return e.Err }

// WrapTimeout converts a context deadline into an ExternalTimeoutError and
// wraps anything else with op.
func WrapTimeout(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExternalTimeoutError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorKind maps errors to a stable label used in run results and logs.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		ruleErr    *InvalidRuleError
		scopeErr   *ScopeResolutionError
		timeoutErr *ExternalTimeoutError
	)
	switch {
	case errors.As(err, &ruleErr):
		return "invalid_rule_configuration"
	case errors.As(err, &scopeErr):
		return "scope_resolution"
	case errors.As(err, &timeoutErr):
		return "external_timeout"
	case errors.Is(err, ErrPersistenceConflict):
		return "persistence_conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "unexpected"
}
