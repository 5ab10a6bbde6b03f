package terminal

import (
	"context"
	"sync"
	"time"
)

// Result describes a finished invocation.
type Result struct {
	ProcessID  string        `json:"process_id"`
	TerminalID int           `json:"terminal_id"`
	Command    string        `json:"command"`
	ExitCode   int           `json:"exit_code"`
	Structured bool          `json:"structured"` // false when sent without capture
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Execution is the handle RunCommand returns: the live process's output
// operations together with an awaitable result.
type Execution struct {
	process *Process

	done   chan struct{}
	once   sync.Once
	result Result
	err    error
}

func newExecution(p *Process) *Execution {
	return &Execution{process: p, done: make(chan struct{})}
}

func (e *Execution) ProcessID() string { return e.process.ID }
func (e *Execution) TerminalID() int   { return e.process.TerminalID }
func (e *Execution) Command() string   { return e.process.Command }

// GetUnretrievedOutput drains the process's buffered output.
func (e *Execution) GetUnretrievedOutput() string {
	return e.process.GetUnretrievedOutput()
}

func (e *Execution) IsHot() bool {
	return e.process.IsHot()
}

func (e *Execution) State() State {
	return e.process.State()
}

// Done is closed once the result is available.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the invocation settles or ctx ends.
func (e *Execution) Wait(ctx context.Context) (Result, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (e *Execution) resolve(structured bool) {
	e.once.Do(func() {
		e.result = e.snapshot(structured)
		close(e.done)
	})
}

func (e *Execution) reject(err error) {
	e.once.Do(func() {
		e.result = e.snapshot(true)
		e.err = err
		close(e.done)
	})
}

func (e *Execution) snapshot(structured bool) Result {
	p := e.process
	return Result{
		ProcessID:  p.ID,
		TerminalID: p.TerminalID,
		Command:    p.Command,
		ExitCode:   p.ExitCode(),
		Structured: structured,
		StartedAt:  p.StartedAt(),
		Duration:   p.Duration(),
	}
}
