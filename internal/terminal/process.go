package terminal

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	termerr "github.com/rama-kairi/termpool/internal/errors"
	"github.com/rama-kairi/termpool/internal/host"
)

// State is the lifecycle position of a Process.
type State int

const (
	StateAwaitingCapability State = iota
	StateRunning
	StateCompleted
	StateErrored
	StateNoIntegration
)

func (s State) String() string {
	switch s {
	case StateAwaitingCapability:
		return "awaiting_capability"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateNoIntegration:
		return "no_integration"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateNoIntegration
}

// Timing holds the clocks a Process runs on.
type Timing struct {
	CapabilityTimeout time.Duration
	PollInterval      time.Duration
	QuietInterval     time.Duration
	TranscriptLimit   int
}

// DefaultTiming matches the defaults of config.SessionConfig.
func DefaultTiming() Timing {
	return Timing{
		CapabilityTimeout: 4 * time.Second,
		PollInterval:      100 * time.Millisecond,
		QuietInterval:     time.Second,
		TranscriptLimit:   64 * 1024,
	}
}

// processHooks are the signals a Process emits. They are called on the
// goroutine executing Run, in the order documented on Run, and never while
// the process lock is held.
type processHooks struct {
	completed     func(p *Process)
	continued     func(p *Process)
	errored       func(p *Process, err error)
	noIntegration func(p *Process)
	// dispatchFailed reports a failed best-effort send after NoIntegration.
	dispatchFailed func(p *Process, err error)
}

// Process is one command on one session.
type Process struct {
	ID         string
	TerminalID int
	Command    string

	timing Timing
	hooks  processHooks

	mu                    sync.Mutex
	state                 State
	started               bool
	capabilityWaitPending bool
	unretrieved           strings.Builder
	transcript            string
	isHot                 bool
	hotGen                uint64
	hotTimer              *time.Timer
	exitCode              int
	err                   error
	startedAt             time.Time
	finishedAt            time.Time
}

func newProcess(terminalID int, command string, timing Timing, hooks processHooks) *Process {
	return &Process{
		ID:                    uuid.New().String(),
		TerminalID:            terminalID,
		Command:               command,
		timing:                timing,
		hooks:                 hooks,
		state:                 StateAwaitingCapability,
		capabilityWaitPending: true,
	}
}

// Run drives the command on handle to a terminal state and blocks until then.
// It may be called once; later calls fail with PROCESS_ALREADY_RUN.
//
// Signals: completed then continued on success; errored on a host fault or
// when the session is closed mid-run; and, when capability never appears,
// the command is sent unstructured and completed, noIntegration, continued
// fire in that order, so the session is gone before waiters see the result.
func (p *Process) Run(ctx context.Context, handle host.Session) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return termerr.ProcessAlreadyRun(p.ID)
	}
	p.started = true
	p.startedAt = time.Now()
	p.mu.Unlock()

	if !handle.HasCapability() && !p.waitForCapability(ctx, handle) {
		p.finishWithoutIntegration(ctx, handle)
		return nil
	}

	p.mu.Lock()
	p.capabilityWaitPending = false
	p.state = StateRunning
	p.mu.Unlock()

	exitCode, err := p.execute(ctx, handle)
	if err != nil {
		p.finish(StateErrored, exitCode, err)
		if p.hooks.errored != nil {
			p.hooks.errored(p, err)
		}
		return err
	}

	p.finish(StateCompleted, exitCode, nil)
	p.signalCompletion()
	return nil
}

// waitForCapability polls until the handle reports capability or the
// timeout elapses. Closure of the session or ctx ends the wait early.
func (p *Process) waitForCapability(ctx context.Context, handle host.Session) bool {
	ticker := time.NewTicker(p.timing.PollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(p.timing.CapabilityTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ticker.C:
			if handle.HasCapability() {
				return true
			}
		case <-timeout.C:
			return handle.HasCapability()
		case <-handle.Done():
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (p *Process) finishWithoutIntegration(ctx context.Context, handle host.Session) {
	p.mu.Lock()
	p.capabilityWaitPending = false
	p.mu.Unlock()

	sendErr := handle.SendText(ctx, p.Command)

	p.finish(StateNoIntegration, 0, nil)
	if sendErr != nil && p.hooks.dispatchFailed != nil {
		p.hooks.dispatchFailed(p, sendErr)
	}
	// evict before continued releases anyone waiting on the result
	p.signalCompleted()
	if p.hooks.noIntegration != nil {
		p.hooks.noIntegration(p)
	}
	p.signalContinued()
}

func (p *Process) signalCompletion() {
	p.signalCompleted()
	p.signalContinued()
}

func (p *Process) signalCompleted() {
	if p.hooks.completed != nil {
		p.hooks.completed(p)
	}
}

func (p *Process) signalContinued() {
	if p.hooks.continued != nil {
		p.hooks.continued(p)
	}
}

type execResult struct {
	exitCode int
	err      error
}

// execute runs the command, giving up as soon as the session is closed.
func (p *Process) execute(ctx context.Context, handle host.Session) (int, error) {
	resultCh := make(chan execResult, 1)
	go func() {
		code, err := handle.Execute(ctx, p.Command, p.appendOutput)
		resultCh <- execResult{exitCode: code, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.exitCode, res.err
	case <-handle.Done():
		// a result that raced with the close still wins
		select {
		case res := <-resultCh:
			return res.exitCode, res.err
		default:
		}
		return -1, termerr.SessionClosed(p.TerminalID)
	}
}

func (p *Process) finish(state State, exitCode int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	p.exitCode = exitCode
	p.err = err
	p.finishedAt = time.Now()
}

// appendOutput receives a chunk from the host. Chunks outside Running are dropped.
func (p *Process) appendOutput(chunk string) {
	if chunk == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return
	}

	p.unretrieved.WriteString(chunk)
	p.transcript = truncateTail(p.transcript+chunk, p.timing.TranscriptLimit)

	p.isHot = true
	p.hotGen++
	gen := p.hotGen
	if p.hotTimer != nil {
		p.hotTimer.Stop()
	}
	p.hotTimer = time.AfterFunc(p.timing.QuietInterval, func() { p.cool(gen) })
}

// cool clears isHot unless output arrived after the timer was armed.
func (p *Process) cool(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hotGen == gen {
		p.isHot = false
	}
}

// GetUnretrievedOutput returns output received since the previous call and clears it.
func (p *Process) GetUnretrievedOutput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.unretrieved.String()
	p.unretrieved.Reset()
	return out
}

// IsHot reports whether output arrived within the last quiet interval.
func (p *Process) IsHot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isHot
}

// CapabilityWaitPending reports whether the process is still waiting to learn
// if the session supports capture.
func (p *Process) CapabilityWaitPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capabilityWaitPending
}

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Transcript returns everything the command printed, tail-truncated to the transcript limit.
func (p *Process) Transcript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transcript
}

func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Duration is the run time so far, or the total once finished.
func (p *Process) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		return 0
	}
	if p.finishedAt.IsZero() {
		return time.Since(p.startedAt)
	}
	return p.finishedAt.Sub(p.startedAt)
}

// truncateTail keeps the last limit bytes of s, marking the cut with "...".
func truncateTail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	if limit <= 3 {
		return s[runeStart(s, len(s)-limit):]
	}
	return "..." + s[runeStart(s, len(s)-limit+3):]
}

// runeStart moves i forward to the first byte of a rune so a cut never
// splits a multi-byte character.
func runeStart(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
