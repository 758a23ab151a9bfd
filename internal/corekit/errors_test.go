package corekit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineErrorUnwrap(t *testing.T) {
	cause := ErrTimeout
	e := NewEngineError("llmclient.call", "upstream", cause)

	assert.True(t, errors.Is(e, ErrTimeout))
	assert.Contains(t, e.Error(), "llmclient.call")
	assert.Contains(t, e.Error(), "timeout")
}

func TestEngineErrorWithID(t *testing.T) {
	e := &EngineError{Op: "jsonrole.call", Kind: "schema", ID: "reviewer", Err: ErrInvalidInput}
	assert.Equal(t, "jsonrole.call [reviewer]: invalid_input", e.Error())
}

func TestEngineErrorMessageOnly(t *testing.T) {
	e := &EngineError{Kind: "budget", Message: "max_total_cost_usd exceeded"}
	assert.Equal(t, "max_total_cost_usd exceeded", e.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrCircuitBreakerOpen))
	assert.False(t, IsRetryable(ErrInvalidInput))
	assert.False(t, IsRetryable(ErrBudgetExceeded))
}

func TestIsTerminalClientError(t *testing.T) {
	assert.True(t, IsTerminalClientError(ErrInvalidInput))
	assert.True(t, IsTerminalClientError(ErrInputTooLarge))
	assert.True(t, IsTerminalClientError(ErrAuthRequired))
	assert.True(t, IsTerminalClientError(ErrQuotaExceeded))
	assert.False(t, IsTerminalClientError(ErrTimeout))
}
