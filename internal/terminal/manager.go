package terminal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rama-kairi/termpool/internal/config"
	termerr "github.com/rama-kairi/termpool/internal/errors"
	"github.com/rama-kairi/termpool/internal/history"
	"github.com/rama-kairi/termpool/internal/host"
	"github.com/rama-kairi/termpool/internal/logger"
	"github.com/rama-kairi/termpool/internal/tracing"
)

const idlePollInterval = 50 * time.Millisecond

// failureOutputLimit bounds the output tail attached to an execution failure.
const failureOutputLimit = 512

// Journal persists finished invocations. *history.Store implements it.
type Journal interface {
	Record(ctx context.Context, e *history.Entry) error
}

// TerminalInfo is the public view of a tracked session.
type TerminalInfo struct {
	ID          int    `json:"id"`
	LastCommand string `json:"last_command"`
}

// Stats is a point-in-time count of the Manager's sessions.
type Stats struct {
	Tracked int `json:"tracked"`
	Busy    int `json:"busy"`
	Hot     int `json:"hot"`
}

// Manager selects sessions for commands, keeps at most one live command per
// session and drives the capability handshake. Busy flags and the execution
// table are written only from Manager methods and process hooks, all under mutex.
type Manager struct {
	registry         *Registry
	logger           *logger.Logger
	journal          Journal
	timing           Timing
	maxCommandLength int

	mutex       sync.Mutex
	tracked     map[int]struct{}
	processes   map[int]*Process
	unsubscribe func()
}

// NewManager creates a manager over registry. journal may be nil.
func NewManager(cfg *config.Config, registry *Registry, log *logger.Logger, journal Journal) *Manager {
	if log == nil {
		log = logger.Nop()
	}

	timing := DefaultTiming()
	maxCommandLength := 0
	if cfg != nil {
		timing = Timing{
			CapabilityTimeout: cfg.Session.CapabilityTimeout,
			PollInterval:      cfg.Session.CapabilityPollInterval,
			QuietInterval:     cfg.Session.HotQuietInterval,
			TranscriptLimit:   cfg.Session.TranscriptLimit,
		}
		maxCommandLength = cfg.Session.MaxCommandLength
	}

	m := &Manager{
		registry:         registry,
		logger:           log.WithComponent("manager"),
		journal:          journal,
		timing:           timing,
		maxCommandLength: maxCommandLength,
		tracked:          make(map[int]struct{}),
		processes:        make(map[int]*Process),
	}

	registry.OnDetach(m.forget)

	// Hosts may stall a command whose output nobody reads.
	if n, ok := registry.provider.(host.Notifier); ok {
		m.unsubscribe = n.SubscribeCommandStarted(func(e host.Execution) {
			e.Drain()
		})
	}

	return m
}

// GetOrCreateSession returns an idle, capable session already positioned in
// workingDir, or opens a new one. Either way the session becomes tracked.
func (m *Manager) GetOrCreateSession(ctx context.Context, workingDir string) (*Session, error) {
	if workingDir == "" {
		return nil, termerr.MissingRequired("working_dir")
	}

	for _, rec := range m.registry.ListSessions() {
		if rec.Busy() || !rec.Handle.HasCapability() {
			continue
		}
		cwd, ok := rec.Handle.Cwd()
		if !ok || !samePath(cwd, workingDir) {
			continue
		}

		m.track(rec.ID)
		m.logger.LogTerminalEvent("reused", rec.ID, map[string]interface{}{"working_dir": workingDir})
		return rec, nil
	}

	rec, err := m.registry.CreateSession(ctx, workingDir)
	if err != nil {
		return nil, err
	}
	m.track(rec.ID)
	return rec, nil
}

func (m *Manager) track(id int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	// the host may have detached it already
	if _, ok := m.registry.GetSession(id); !ok {
		return
	}
	m.tracked[id] = struct{}{}
}

// forget drops a session the host detached.
func (m *Manager) forget(id int) {
	m.mutex.Lock()
	_, tracked := m.tracked[id]
	delete(m.tracked, id)
	delete(m.processes, id)
	m.mutex.Unlock()

	if tracked {
		m.logger.LogTerminalEvent("forgotten", id)
	}
}

// RunCommand starts command on rec and returns at once. The command runs
// immediately when the session has capability, otherwise after a bounded wait
// for it; a session that never gains capability gets the command unstructured
// and is then evicted.
func (m *Manager) RunCommand(ctx context.Context, rec *Session, command string) (*Execution, error) {
	if rec == nil {
		return nil, termerr.InvalidInput("terminal", "session is required")
	}
	if command == "" {
		return nil, termerr.MissingRequired("command")
	}
	if m.maxCommandLength > 0 && len(command) > m.maxCommandLength {
		return nil, termerr.InvalidInput("command", fmt.Sprintf("longer than %d characters", m.maxCommandLength))
	}

	m.mutex.Lock()
	if _, ok := m.registry.GetSession(rec.ID); !ok {
		m.mutex.Unlock()
		return nil, termerr.TerminalNotFound(rec.ID)
	}
	if rec.Busy() {
		m.mutex.Unlock()
		return nil, termerr.TerminalBusy(rec.ID, rec.LastCommand())
	}

	var exec *Execution
	proc := newProcess(rec.ID, command, m.timing, m.hooksFor(rec, func() *Execution { return exec }))
	exec = newExecution(proc)

	rec.markBusy(command)
	m.tracked[rec.ID] = struct{}{}
	m.processes[rec.ID] = proc
	m.mutex.Unlock()

	// the command outlives the request that started it
	runCtx := context.WithoutCancel(ctx)
	runCtx, span := tracing.StartSpan(runCtx, "terminal.run_command", tracing.SpanKindInternal)
	span.WithAttributes(map[string]string{
		"command":     command,
		"working_dir": rec.WorkingDir,
		"process_id":  proc.ID,
	}).WithInt("terminal.id", rec.ID)

	m.logger.WithTerminal(rec.ID).Debug("Dispatching command", map[string]interface{}{
		"command":    command,
		"process_id": proc.ID,
		"capability": rec.Handle.HasCapability(),
	})

	go func() {
		err := proc.Run(runCtx, rec.Handle)
		m.settle(runCtx, rec, proc, err)
		tracing.EndSpan(span.WithAttributes(map[string]string{"outcome": proc.State().String()}), err)
	}()

	return exec, nil
}

// hooksFor binds a process's signals to Manager state for rec.
func (m *Manager) hooksFor(rec *Session, exec func() *Execution) processHooks {
	return processHooks{
		completed: func(p *Process) {
			m.mutex.Lock()
			defer m.mutex.Unlock()
			rec.markIdle()
		},
		continued: func(p *Process) {
			exec().resolve(p.State() == StateCompleted)
		},
		errored: func(p *Process, err error) {
			m.mutex.Lock()
			rec.markIdle()
			m.mutex.Unlock()
			failure := termerr.ExecutionFailed(err, rec.ID, p.Command)
			if out := p.Transcript(); out != "" {
				failure.WithDetails("last output: " + truncateTail(out, failureOutputLimit))
			}
			exec().reject(failure)
		},
		noIntegration: func(p *Process) {
			m.mutex.Lock()
			delete(m.tracked, rec.ID)
			if m.processes[rec.ID] == p {
				delete(m.processes, rec.ID)
			}
			m.mutex.Unlock()

			m.registry.RemoveSession(rec.ID)
			if err := rec.Handle.Close(); err != nil {
				m.logger.Error("Failed to close evicted session", err, map[string]interface{}{"terminal_id": rec.ID})
			}
			m.logger.Warn("Session has no output capture, evicted", map[string]interface{}{
				"terminal_id": rec.ID,
				"command":     p.Command,
			})
		},
		dispatchFailed: func(p *Process, err error) {
			m.logger.Error("Unstructured dispatch failed", err, map[string]interface{}{
				"terminal_id": rec.ID,
				"command":     p.Command,
			})
		},
	}
}

// settle logs and journals a process that reached a terminal state.
func (m *Manager) settle(ctx context.Context, rec *Session, proc *Process, runErr error) {
	state := proc.State()
	m.logger.LogCommand(rec.ID, proc.ID, proc.Command, proc.Duration(), state.String(), len(proc.Transcript()), runErr)

	if m.journal == nil {
		return
	}

	entry := &history.Entry{
		ProcessID:  proc.ID,
		TerminalID: rec.ID,
		Command:    proc.Command,
		WorkingDir: rec.WorkingDir,
		Outcome:    state.String(),
		ExitCode:   proc.ExitCode(),
		Structured: state != StateNoIntegration,
		Output:     proc.Transcript(),
		StartedAt:  proc.StartedAt(),
		Duration:   proc.Duration(),
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}

	if err := m.journal.Record(ctx, entry); err != nil {
		m.logger.Error("Failed to journal command", err, map[string]interface{}{
			"terminal_id": rec.ID,
			"process_id":  proc.ID,
		})
	}
}

// GetTerminals lists tracked sessions still in the Registry whose busy flag equals busy.
func (m *Manager) GetTerminals(busy bool) []TerminalInfo {
	m.mutex.Lock()
	ids := make([]int, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mutex.Unlock()
	sort.Ints(ids)

	terminals := make([]TerminalInfo, 0, len(ids))
	for _, id := range ids {
		rec, ok := m.registry.GetSession(id)
		if !ok || rec.Busy() != busy {
			continue
		}
		terminals = append(terminals, TerminalInfo{ID: id, LastCommand: rec.LastCommand()})
	}
	return terminals
}

// GetUnretrievedOutput drains the latest process of a tracked session. Unknown
// ids yield "".
func (m *Manager) GetUnretrievedOutput(id int) string {
	m.mutex.Lock()
	_, tracked := m.tracked[id]
	proc := m.processes[id]
	m.mutex.Unlock()

	if !tracked || proc == nil {
		return ""
	}
	return proc.GetUnretrievedOutput()
}

// IsProcessHot reports whether the session's latest process printed recently.
func (m *Manager) IsProcessHot(id int) bool {
	m.mutex.Lock()
	proc := m.processes[id]
	m.mutex.Unlock()

	if proc == nil {
		return false
	}
	return proc.IsHot()
}

// Process returns the latest process of session id.
func (m *Manager) Process(id int) (*Process, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	proc, ok := m.processes[id]
	return proc, ok
}

// GetSession looks up a live session by id, tracked or not.
func (m *Manager) GetSession(id int) (*Session, error) {
	rec, ok := m.registry.GetSession(id)
	if !ok {
		return nil, termerr.TerminalNotFound(id)
	}
	return rec, nil
}

// Stats counts tracked, busy and hot sessions.
func (m *Manager) Stats() Stats {
	m.mutex.Lock()
	ids := make([]int, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	procs := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.mutex.Unlock()

	stats := Stats{Tracked: len(ids)}
	for _, id := range ids {
		if rec, ok := m.registry.GetSession(id); ok && rec.Busy() {
			stats.Busy++
		}
	}
	for _, p := range procs {
		if p.IsHot() {
			stats.Hot++
		}
	}
	return stats
}

// DisposeAll forgets every tracked session and process and drops the host
// subscription. Registry records and host sessions are left alone.
func (m *Manager) DisposeAll() {
	m.mutex.Lock()
	m.tracked = make(map[int]struct{})
	m.processes = make(map[int]*Process)
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mutex.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.logger.Info("Disposed all tracked terminals")
}

// WaitIdle blocks until no tracked session is busy or ctx ends. Shutdown uses
// it to let running commands settle before host sessions are closed.
func (m *Manager) WaitIdle(ctx context.Context) bool {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		if m.Stats().Busy == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
