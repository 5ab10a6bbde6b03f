// Package errors provides the standardized error type used across termpool.
// Every failure carries a stable code so callers (and MCP tool results) can
// branch on the category instead of matching message text.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents standardized error categories
type ErrorCode string

const (
	// Terminal errors
	ErrCodeTerminalNotFound ErrorCode = "TERMINAL_NOT_FOUND"
	ErrCodeTerminalBusy     ErrorCode = "TERMINAL_BUSY"

	// Host errors
	ErrCodeHostOpenFailed ErrorCode = "HOST_OPEN_FAILED"
	ErrCodeSessionClosed  ErrorCode = "SESSION_CLOSED"

	// Execution errors
	ErrCodeExecutionFailed   ErrorCode = "EXECUTION_FAILED"
	ErrCodeProcessAlreadyRun ErrorCode = "PROCESS_ALREADY_RUN"

	// History errors
	ErrCodeHistoryWriteFailed ErrorCode = "HISTORY_WRITE_FAILED"
	ErrCodeHistoryReadFailed  ErrorCode = "HISTORY_READ_FAILED"

	// Validation errors
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED_FIELD"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// TerminalError is the standardized error type for the application
type TerminalError struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Details    string         `json:"details,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Cause      error          `json:"-"`
	Retryable  bool           `json:"retryable"`
	Suggestion string         `json:"suggestion,omitempty"`
}

// Error implements the error interface
func (e *TerminalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with the underlying cause
func (e *TerminalError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *TerminalError) WithContext(key string, value any) *TerminalError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for the user
func (e *TerminalError) WithSuggestion(suggestion string) *TerminalError {
	e.Suggestion = suggestion
	return e
}

// WithDetails adds detailed information
func (e *TerminalError) WithDetails(details string) *TerminalError {
	e.Details = details
	return e
}

// New creates a new TerminalError
func New(code ErrorCode, message string) *TerminalError {
	return &TerminalError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(cause error, code ErrorCode, message string) *TerminalError {
	return &TerminalError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Is checks if the error matches the given error code
func Is(err error, code ErrorCode) bool {
	var termErr *TerminalError
	if errors.As(err, &termErr) {
		return termErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var termErr *TerminalError
	if errors.As(err, &termErr) {
		return termErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable checks if the error is retryable
func IsRetryable(err error) bool {
	var termErr *TerminalError
	if errors.As(err, &termErr) {
		return termErr.Retryable
	}
	return false
}

// --- Convenience constructors for common errors ---

// TerminalNotFound is returned when an id is not tracked by the manager or registry.
func TerminalNotFound(terminalID int) *TerminalError {
	return New(ErrCodeTerminalNotFound, fmt.Sprintf("terminal not found: %d", terminalID)).
		WithContext("terminal_id", terminalID).
		WithSuggestion("Use list_terminals or get_or_create_terminal to obtain a terminal id")
}

// TerminalBusy is returned when a command is dispatched onto a terminal that is still running one.
func TerminalBusy(terminalID int, lastCommand string) *TerminalError {
	err := New(ErrCodeTerminalBusy, fmt.Sprintf("terminal %d is busy", terminalID)).
		WithContext("terminal_id", terminalID).
		WithContext("last_command", lastCommand).
		WithSuggestion("Wait for the running command or call get_or_create_terminal for a free terminal")
	err.Retryable = true
	return err
}

// HostOpenFailed wraps a host provider failure to open a session.
func HostOpenFailed(cause error, workingDir string) *TerminalError {
	return Wrap(cause, ErrCodeHostOpenFailed, "host failed to open a terminal session").
		WithContext("working_dir", workingDir).
		WithSuggestion("Check that the working directory exists and a shell is available")
}

// SessionClosed reports a host session that was disposed while a command was in flight.
func SessionClosed(terminalID int) *TerminalError {
	return New(ErrCodeSessionClosed, "terminal session was closed by the host").
		WithContext("terminal_id", terminalID)
}

// ExecutionFailed wraps a host-reported execution failure.
func ExecutionFailed(cause error, terminalID int, command string) *TerminalError {
	return Wrap(cause, ErrCodeExecutionFailed, "command execution failed").
		WithContext("terminal_id", terminalID).
		WithContext("command", command)
}

// ProcessAlreadyRun reports a second Run on the same command process.
func ProcessAlreadyRun(processID string) *TerminalError {
	return New(ErrCodeProcessAlreadyRun, "command process can only be run once").
		WithContext("process_id", processID)
}

// HistoryWriteFailed creates a history write failure error
func HistoryWriteFailed(cause error, processID string) *TerminalError {
	return Wrap(cause, ErrCodeHistoryWriteFailed, "failed to journal command").
		WithContext("process_id", processID).
		WithSuggestion("Ensure the history data directory is writable")
}

// HistoryReadFailed creates a history read failure error
func HistoryReadFailed(cause error, operation string) *TerminalError {
	return Wrap(cause, ErrCodeHistoryReadFailed, fmt.Sprintf("history query failed: %s", operation)).
		WithContext("operation", operation)
}

// InvalidInput creates an invalid input error
func InvalidInput(field, reason string) *TerminalError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("invalid input for %s: %s", field, reason)).
		WithContext("field", field)
}

// MissingRequired creates a missing required field error
func MissingRequired(field string) *TerminalError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("required field missing: %s", field)).
		WithContext("field", field)
}

// InternalError creates an internal error
func InternalError(cause error, details string) *TerminalError {
	return Wrap(cause, ErrCodeInternal, "internal error occurred").
		WithDetails(details).
		WithSuggestion("Please report this issue if it persists")
}
