package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rama-kairi/termpool/internal/history"
)

// SearchHistoryArgs represents arguments for search_command_history
type SearchHistoryArgs struct {
	TerminalID   int    `json:"terminal_id,omitempty" jsonschema:"description,Only commands run on this terminal."`
	Command      string `json:"command,omitempty" jsonschema:"description,Substring of the command line."`
	Output       string `json:"output,omitempty" jsonschema:"description,Substring of the recorded output."`
	Outcome      string `json:"outcome,omitempty" jsonschema:"description,completed errored or no_integration."`
	Since        string `json:"since,omitempty" jsonschema:"description,RFC 3339 timestamp or a duration such as 2h."`
	Limit        int    `json:"limit,omitempty" jsonschema:"description,Maximum results. Default 50 max 1000."`
	IncludeStats bool   `json:"include_stats,omitempty" jsonschema:"description,Also return journal totals."`
}

// HistoryEntry is one journalled command
type HistoryEntry struct {
	ProcessID  string `json:"process_id"`
	TerminalID int    `json:"terminal_id"`
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir"`
	Outcome    string `json:"outcome"`
	ExitCode   int    `json:"exit_code"`
	Structured bool   `json:"structured"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	Duration   string `json:"duration"`
}

// HistoryStats summarizes the journal
type HistoryStats struct {
	Total       int            `json:"total"`
	ByOutcome   map[string]int `json:"by_outcome"`
	Terminals   int            `json:"terminals"`
	AvgDuration string         `json:"avg_duration"`
}

// SearchHistoryResult represents the result of searching command history
type SearchHistoryResult struct {
	TotalFound int            `json:"total_found"`
	Results    []HistoryEntry `json:"results"`
	SearchTime string         `json:"search_time"`
	Stats      *HistoryStats  `json:"stats,omitempty"`
}

var validOutcomes = map[string]bool{
	"completed":      true,
	"errored":        true,
	"no_integration": true,
}

// SearchCommandHistory queries the command journal, newest first.
func (t *TerminalTools) SearchCommandHistory(ctx context.Context, req *mcp.CallToolRequest, args SearchHistoryArgs) (*mcp.CallToolResult, SearchHistoryResult, error) {
	if t.store == nil {
		return createErrorResult("command history is disabled. Set history.enable to record commands"), SearchHistoryResult{}, nil
	}
	if args.Outcome != "" && !validOutcomes[args.Outcome] {
		return createErrorResult(fmt.Sprintf("unknown outcome %q", args.Outcome)), SearchHistoryResult{}, nil
	}

	startTime := time.Now()
	since, err := parseSince(args.Since, startTime)
	if err != nil {
		return errorResultFor(err), SearchHistoryResult{}, nil
	}

	limit := args.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	entries, err := t.store.Search(ctx, history.Filter{
		TerminalID: args.TerminalID,
		Command:    args.Command,
		Output:     args.Output,
		Outcome:    args.Outcome,
		Since:      since,
		Limit:      limit,
	})
	if err != nil {
		t.logger.Error("Failed to search command history", err, map[string]interface{}{
			"command": args.Command,
			"outcome": args.Outcome,
		})
		return errorResultFor(err), SearchHistoryResult{}, nil
	}

	result := SearchHistoryResult{
		TotalFound: len(entries),
		Results:    make([]HistoryEntry, 0, len(entries)),
	}
	for _, e := range entries {
		result.Results = append(result.Results, HistoryEntry{
			ProcessID:  e.ProcessID,
			TerminalID: e.TerminalID,
			Command:    e.Command,
			WorkingDir: e.WorkingDir,
			Outcome:    e.Outcome,
			ExitCode:   e.ExitCode,
			Structured: e.Structured,
			Output:     e.Output,
			Error:      e.Error,
			StartedAt:  formatTime(e.StartedAt),
			Duration:   e.Duration.String(),
		})
	}

	if args.IncludeStats {
		stats, err := t.store.Stats(ctx)
		if err != nil {
			return errorResultFor(err), SearchHistoryResult{}, nil
		}
		result.Stats = &HistoryStats{
			Total:       stats.Total,
			ByOutcome:   stats.ByOutcome,
			Terminals:   stats.Terminals,
			AvgDuration: stats.AvgDuration.String(),
		}
	}

	result.SearchTime = time.Since(startTime).String()
	t.logger.Debug("Command history search completed", map[string]interface{}{
		"results_count": len(entries),
		"search_time":   result.SearchTime,
	})

	return createJSONResult(result), result, nil
}
