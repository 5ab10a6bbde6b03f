package tools

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rama-kairi/termpool/internal/history"
	"github.com/rama-kairi/termpool/internal/logger"
	"github.com/rama-kairi/termpool/internal/terminal"
)

// TerminalTools contains the MCP tools over the terminal manager and the
// command history journal.
type TerminalTools struct {
	manager *terminal.Manager
	store   *history.Store
	logger  *logger.Logger
}

// NewTerminalTools creates the tool set. store is nil when the journal is disabled.
func NewTerminalTools(manager *terminal.Manager, store *history.Store, log *logger.Logger) *TerminalTools {
	if log == nil {
		log = logger.Nop()
	}
	return &TerminalTools{
		manager: manager,
		store:   store,
		logger:  log.WithComponent("tools"),
	}
}

// GetOrCreateTerminalArgs represents arguments for get_or_create_terminal
type GetOrCreateTerminalArgs struct {
	WorkingDir string `json:"working_dir" jsonschema:"description,Directory the terminal must be positioned in. An idle terminal already there is reused."`
}

// GetOrCreateTerminalResult describes the terminal handed out
type GetOrCreateTerminalResult struct {
	TerminalID    int    `json:"terminal_id"`
	WorkingDir    string `json:"working_dir"`
	Cwd           string `json:"cwd,omitempty"`
	HasCapability bool   `json:"has_capability"`
	Busy          bool   `json:"busy"`
	CreatedAt     string `json:"created_at"`
}

// GetOrCreateTerminal returns an idle terminal in the requested directory,
// opening one when none fits.
func (t *TerminalTools) GetOrCreateTerminal(ctx context.Context, req *mcp.CallToolRequest, args GetOrCreateTerminalArgs) (*mcp.CallToolResult, GetOrCreateTerminalResult, error) {
	rec, err := t.manager.GetOrCreateSession(ctx, args.WorkingDir)
	if err != nil {
		t.logger.Error("get_or_create_terminal failed", err, map[string]interface{}{"working_dir": args.WorkingDir})
		return errorResultFor(err), GetOrCreateTerminalResult{}, nil
	}

	cwd, _ := rec.Handle.Cwd()
	result := GetOrCreateTerminalResult{
		TerminalID:    rec.ID,
		WorkingDir:    rec.WorkingDir,
		Cwd:           cwd,
		HasCapability: rec.Handle.HasCapability(),
		Busy:          rec.Busy(),
		CreatedAt:     formatTime(rec.CreatedAt),
	}
	return createJSONResult(result), result, nil
}

// RunCommandArgs represents arguments for run_command
type RunCommandArgs struct {
	TerminalID int    `json:"terminal_id" jsonschema:"description,Terminal returned by get_or_create_terminal or list_terminals."`
	Command    string `json:"command" jsonschema:"description,Command line to run in the terminal."`
	Wait       bool   `json:"wait,omitempty" jsonschema:"description,Block until the command settles or the timeout passes."`
	Timeout    int    `json:"timeout,omitempty" jsonschema:"description,Seconds to wait when wait is set. Default 60 max 300."`
}

// RunCommandResult represents the outcome of run_command
type RunCommandResult struct {
	ProcessID  string `json:"process_id"`
	TerminalID int    `json:"terminal_id"`
	Command    string `json:"command"`
	State      string `json:"state"`
	Settled    bool   `json:"settled"`
	Structured bool   `json:"structured"`
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output"`
	Hot        bool   `json:"hot"`
	Duration   string `json:"duration,omitempty"`
	Message    string `json:"message,omitempty"`
}

// RunCommand dispatches a command. Without wait it returns as soon as the
// command is accepted; output is collected later with get_terminal_output.
func (t *TerminalTools) RunCommand(ctx context.Context, req *mcp.CallToolRequest, args RunCommandArgs) (*mcp.CallToolResult, RunCommandResult, error) {
	rec, err := t.manager.GetSession(args.TerminalID)
	if err != nil {
		return errorResultFor(err), RunCommandResult{}, nil
	}

	exec, err := t.manager.RunCommand(ctx, rec, args.Command)
	if err != nil {
		t.logger.WithTerminal(args.TerminalID).Warn("run_command rejected", map[string]interface{}{
			"command": args.Command,
			"error":   err.Error(),
		})
		return errorResultFor(err), RunCommandResult{}, nil
	}

	result := RunCommandResult{
		ProcessID:  exec.ProcessID(),
		TerminalID: exec.TerminalID(),
		Command:    exec.Command(),
	}

	if !args.Wait {
		result.State = exec.State().String()
		result.Hot = exec.IsHot()
		result.Message = "Command dispatched. Use get_terminal_output to collect its output."
		return createJSONResult(result), result, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, clampTimeout(args.Timeout))
	defer cancel()

	res, err := exec.Wait(waitCtx)
	result.Output = exec.GetUnretrievedOutput()
	result.State = exec.State().String()
	result.Hot = exec.IsHot()

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		result.Message = "Still running. Use get_terminal_output or is_process_hot to follow it."
		return createJSONResult(result), result, nil
	case err != nil:
		return errorResultFor(err), result, nil
	}

	result.Settled = true
	result.Structured = res.Structured
	result.ExitCode = res.ExitCode
	result.Duration = res.Duration.Round(time.Millisecond).String()
	if !res.Structured {
		result.Message = "Terminal had no output capture. The command was sent without it and the terminal was retired."
	}
	return createJSONResult(result), result, nil
}

// ListTerminalsArgs represents arguments for list_terminals
type ListTerminalsArgs struct {
	Busy bool `json:"busy,omitempty" jsonschema:"description,List busy terminals instead of idle ones."`
}

// ListTerminalsResult represents the terminals matching the busy filter
type ListTerminalsResult struct {
	Terminals []terminal.TerminalInfo `json:"terminals"`
	Count     int                     `json:"count"`
	Busy      bool                    `json:"busy"`
}

// ListTerminals lists tracked terminals by busy state.
func (t *TerminalTools) ListTerminals(ctx context.Context, req *mcp.CallToolRequest, args ListTerminalsArgs) (*mcp.CallToolResult, ListTerminalsResult, error) {
	terminals := t.manager.GetTerminals(args.Busy)
	result := ListTerminalsResult{
		Terminals: terminals,
		Count:     len(terminals),
		Busy:      args.Busy,
	}
	return createJSONResult(result), result, nil
}

// TerminalIDArgs identifies a terminal
type TerminalIDArgs struct {
	TerminalID int `json:"terminal_id" jsonschema:"description,Terminal id."`
}

// TerminalOutputResult carries output not yet handed to the caller
type TerminalOutputResult struct {
	TerminalID int    `json:"terminal_id"`
	Output     string `json:"output"`
	Hot        bool   `json:"hot"`
}

// GetTerminalOutput drains output of the terminal's latest command. Each
// chunk is returned once; unknown terminals yield empty output.
func (t *TerminalTools) GetTerminalOutput(ctx context.Context, req *mcp.CallToolRequest, args TerminalIDArgs) (*mcp.CallToolResult, TerminalOutputResult, error) {
	result := TerminalOutputResult{
		TerminalID: args.TerminalID,
		Output:     t.manager.GetUnretrievedOutput(args.TerminalID),
		Hot:        t.manager.IsProcessHot(args.TerminalID),
	}
	return createJSONResult(result), result, nil
}

// ProcessHotResult reports recent output activity
type ProcessHotResult struct {
	TerminalID int    `json:"terminal_id"`
	Hot        bool   `json:"hot"`
	State      string `json:"state,omitempty"`
}

// IsProcessHot reports whether the terminal's latest command printed recently.
func (t *TerminalTools) IsProcessHot(ctx context.Context, req *mcp.CallToolRequest, args TerminalIDArgs) (*mcp.CallToolResult, ProcessHotResult, error) {
	result := ProcessHotResult{
		TerminalID: args.TerminalID,
		Hot:        t.manager.IsProcessHot(args.TerminalID),
	}
	if proc, ok := t.manager.Process(args.TerminalID); ok {
		result.State = proc.State().String()
	}
	return createJSONResult(result), result, nil
}
