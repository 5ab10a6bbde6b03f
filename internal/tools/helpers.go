package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	termerr "github.com/rama-kairi/termpool/internal/errors"
)

// createJSONResult creates a JSON result for tool responses
func createJSONResult(data interface{}) *mcp.CallToolResult {
	resultJSON, _ := json.MarshalIndent(data, "", "  ")
	content := []mcp.Content{
		&mcp.TextContent{
			Text: string(resultJSON),
		},
	}

	return &mcp.CallToolResult{
		Content: content,
		IsError: false,
	}
}

// createErrorResult creates an error result for tool responses
func createErrorResult(message string) *mcp.CallToolResult {
	content := []mcp.Content{
		&mcp.TextContent{
			Text: fmt.Sprintf("Error: %s", message),
		},
	}

	return &mcp.CallToolResult{
		Content: content,
		IsError: true,
	}
}

// errorResultFor renders err for the caller, keeping the error code, details
// and suggestion so clients can branch on them. Errors without a code are
// reported as internal.
func errorResultFor(err error) *mcp.CallToolResult {
	var te *termerr.TerminalError
	if !errors.As(err, &te) {
		te = termerr.InternalError(err, "unexpected failure outside the terminal layer")
	}

	message := te.Error()
	if te.Details != "" {
		message += " (" + te.Details + ")"
	}
	if te.Suggestion != "" {
		message += ". " + te.Suggestion
	}
	return createErrorResult(message)
}

// clampTimeout turns a seconds argument into a wait duration.
func clampTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = DefaultWaitTimeout
	}
	if seconds > MaxWaitTimeout {
		seconds = MaxWaitTimeout
	}
	return time.Duration(seconds) * time.Second
}

// parseSince accepts an RFC 3339 timestamp or a Go duration meaning "that long ago".
func parseSince(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return time.Time{}, termerr.InvalidInput("since", "use RFC 3339 (2006-01-02T15:04:05Z) or a duration such as 90m")
	}
	return now.Add(-d), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
