package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalErrorFormatting(t *testing.T) {
	err := TerminalNotFound(7)
	assert.Equal(t, "[TERMINAL_NOT_FOUND] terminal not found: 7", err.Error())
	assert.Equal(t, 7, err.Context["terminal_id"])
	assert.NotEmpty(t, err.Suggestion)

	cause := fmt.Errorf("exit status 2")
	wrapped := ExecutionFailed(cause, 3, "make")
	assert.Contains(t, wrapped.Error(), "exit status 2")
	assert.True(t, errors.Is(wrapped, cause))
}

func TestCodeHelpers(t *testing.T) {
	busy := TerminalBusy(1, "sleep 5")
	var err error = fmt.Errorf("dispatch: %w", busy)

	assert.True(t, Is(err, ErrCodeTerminalBusy))
	assert.False(t, Is(err, ErrCodeTerminalNotFound))
	assert.Equal(t, ErrCodeTerminalBusy, GetCode(err))
	assert.True(t, IsRetryable(err))

	plain := errors.New("boom")
	assert.Equal(t, ErrCodeInternal, GetCode(plain))
	assert.False(t, IsRetryable(plain))
}

func TestInternalError(t *testing.T) {
	cause := errors.New("nil pointer")
	err := InternalError(cause, "while rendering a tool result")

	assert.Equal(t, ErrCodeInternal, GetCode(err))
	assert.Equal(t, "while rendering a tool result", err.Details)
	assert.NotEmpty(t, err.Suggestion)
	assert.True(t, errors.Is(err, cause))
	assert.False(t, IsRetryable(err))
}
