package corekit

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is. The first group's messages are
// the `errors` tags of the failure taxonomy; the last four are internal
// conditions of the upstream client and runtime.
var (
	ErrAuthRequired          = errors.New("auth_required")
	ErrQuotaExceeded         = errors.New("quota_exceeded")
	ErrConversationNotFound  = errors.New("conversation_not_found")
	ErrInvalidInput          = errors.New("invalid_input")
	ErrInputTooLarge         = errors.New("input_too_large")
	ErrTimeout               = errors.New("timeout")
	ErrCancelled             = errors.New("cancelled")
	ErrInternal              = errors.New("internal_error")
	ErrBudgetExceeded        = errors.New("budget_exceeded")
	ErrChairmanFailed        = errors.New("chairman_failed")
	ErrScopeViolation        = errors.New("scope_violation")
	ErrMaxRetriesExceeded    = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
	ErrAuthCooldownActive    = errors.New("auth cooldown active")
	ErrContextCanceled       = errors.New("context canceled")
)

// EngineError is a structured error carrying the operation and the
// underlying cause, grounded on FrameworkError: it supports
// Unwrap() so errors.Is/As keep working through wrapping layers.
type EngineError struct {
	Op      string // operation that failed, e.g. "jsonrole.call"
	Kind    string // coarse category, e.g. "budget", "schema", "upstream"
	ID      string // optional identifying detail (run id, model name, ...)
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewEngineError builds an EngineError.
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether an error represents a transient condition
// worth retrying (network/availability, not a validation or budget error).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCircuitBreakerOpen)
}

// IsTerminalClientError reports whether err should never be retried.
func IsTerminalClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInputTooLarge) ||
		errors.Is(err, ErrAuthRequired) || errors.Is(err, ErrQuotaExceeded)
}
