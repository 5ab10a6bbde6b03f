package terminal

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rama-kairi/termpool/internal/config"
	termerr "github.com/rama-kairi/termpool/internal/errors"
	"github.com/rama-kairi/termpool/internal/history"
	"github.com/rama-kairi/termpool/internal/host/hosttest"
	"github.com/rama-kairi/termpool/internal/logger"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Session.CapabilityTimeout = 150 * time.Millisecond
	cfg.Session.CapabilityPollInterval = 10 * time.Millisecond
	cfg.Session.HotQuietInterval = 50 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, provider *hosttest.Provider, journal Journal) (*Manager, *Registry) {
	t.Helper()
	reg := NewRegistry(provider, nil)
	m := NewManager(testConfig(), reg, nil, journal)
	t.Cleanup(func() {
		m.DisposeAll()
		reg.CloseAll()
	})
	return m, reg
}

func waitResult(t *testing.T, exec *Execution) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := exec.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "execution did not settle")
	return res, err
}

// memJournal collects entries in memory.
type memJournal struct {
	mu      sync.Mutex
	entries []*history.Entry
	err     error
}

func (j *memJournal) Record(_ context.Context, e *history.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return j.err
}

func (j *memJournal) list() []*history.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*history.Entry(nil), j.entries...)
}

func TestRunCommandCompletes(t *testing.T) {
	provider := hosttest.NewProvider(true)
	m, _ := newTestManager(t, provider, nil)
	ctx := context.Background()

	rec, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)

	exec, err := m.RunCommand(ctx, rec, "echo hi")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, exec.TerminalID())
	assert.NotEmpty(t, exec.ProcessID())

	res, err := waitResult(t, exec)
	require.NoError(t, err)
	assert.True(t, res.Structured)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "echo hi", res.Command)
	assert.Equal(t, rec.ID, res.TerminalID)

	assert.False(t, rec.Busy())
	assert.Equal(t, "echo hi", rec.LastCommand())
	assert.Equal(t, StateCompleted, exec.State())

	// output is drained exactly once, through either surface
	assert.Equal(t, "hi\n", m.GetUnretrievedOutput(rec.ID))
	assert.Empty(t, m.GetUnretrievedOutput(rec.ID))
	assert.Empty(t, exec.GetUnretrievedOutput())
}

func TestRunCommandBusyGuard(t *testing.T) {
	release := make(chan struct{})
	provider := hosttest.NewProvider(true)
	provider.OnOpen = func(s *hosttest.Session) { s.SetHandler(blockUntil(release, "working\n")) }
	m, _ := newTestManager(t, provider, nil)
	ctx := context.Background()

	rec, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)

	exec, err := m.RunCommand(ctx, rec, "npm run dev")
	require.NoError(t, err)
	assert.True(t, rec.Busy())

	_, err = m.RunCommand(ctx, rec, "ls")
	require.Error(t, err)
	assert.True(t, termerr.Is(err, termerr.ErrCodeTerminalBusy))
	assert.True(t, termerr.IsRetryable(err))

	assert.Equal(t, []TerminalInfo{{ID: rec.ID, LastCommand: "npm run dev"}}, m.GetTerminals(true))
	assert.Empty(t, m.GetTerminals(false))

	close(release)
	_, err = waitResult(t, exec)
	require.NoError(t, err)

	assert.Empty(t, m.GetTerminals(true))
	assert.Equal(t, []TerminalInfo{{ID: rec.ID, LastCommand: "npm run dev"}}, m.GetTerminals(false))
}

func TestRunCommandConcurrentDispatchOnOneSession(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	provider := hosttest.NewProvider(true)
	provider.OnOpen = func(s *hosttest.Session) { s.SetHandler(blockUntil(release)) }
	m, _ := newTestManager(t, provider, nil)

	rec, err := m.GetOrCreateSession(context.Background(), "/work")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.RunCommand(context.Background(), rec, "make"); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, m.Stats().Busy)
}

func TestRunCommandWaitsForLateCapability(t *testing.T) {
	provider := hosttest.NewProvider(false)
	provider.OnOpen = func(s *hosttest.Session) {
		time.AfterFunc(30*time.Millisecond, func() { s.SetCapability(s.WorkingDir) })
	}
	m, reg := newTestManager(t, provider, nil)
	ctx := context.Background()

	rec, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)

	exec, err := m.RunCommand(ctx, rec, "echo ready")
	require.NoError(t, err)

	res, err := waitResult(t, exec)
	require.NoError(t, err)
	assert.True(t, res.Structured)
	assert.Equal(t, "ready\n", exec.GetUnretrievedOutput())

	_, ok := reg.GetSession(rec.ID)
	assert.True(t, ok)
	assert.Empty(t, provider.Sessions()[0].Sent())
}

func TestRunCommandWithoutCapabilityEvictsSession(t *testing.T) {
	provider := hosttest.NewProvider(false)
	journal := &memJournal{}
	m, reg := newTestManager(t, provider, journal)
	ctx := context.Background()

	rec, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)

	exec, err := m.RunCommand(ctx, rec, "echo hi")
	require.NoError(t, err)
	assert.True(t, rec.Busy())

	res, err := waitResult(t, exec)
	require.NoError(t, err, "a missing capability is not a command failure")
	assert.False(t, res.Structured)
	assert.Equal(t, StateNoIntegration, exec.State())

	sess := provider.Sessions()[0]
	assert.Equal(t, []string{"echo hi"}, sess.Sent())
	assert.Empty(t, sess.Executed())

	// eviction has finished by the time the result resolves
	_, ok := reg.GetSession(rec.ID)
	assert.False(t, ok)
	assert.Positive(t, sess.CloseCalls())
	_, err = m.GetSession(rec.ID)
	assert.Error(t, err)

	assert.False(t, rec.Busy())
	assert.Empty(t, m.GetTerminals(true))
	assert.Empty(t, m.GetTerminals(false))
	assert.Empty(t, m.GetUnretrievedOutput(rec.ID))
	assert.False(t, m.IsProcessHot(rec.ID))

	assert.Eventually(t, func() bool { return len(journal.list()) == 1 }, time.Second, 5*time.Millisecond)
	entry := journal.list()[0]
	assert.Equal(t, "no_integration", entry.Outcome)
	assert.False(t, entry.Structured)

	// the evicted session is never offered again
	next, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, next.ID)
}

func TestRunCommandHostFailure(t *testing.T) {
	provider := hosttest.NewProvider(true)
	provider.OnOpen = func(s *hosttest.Session) {
		s.SetHandler(func(_ context.Context, _ string, emit func(string)) (int, error) {
			emit("compiling\n")
			return -1, errors.New("shell crashed")
		})
	}
	journal := &memJournal{}
	m, reg := newTestManager(t, provider, journal)
	ctx := context.Background()

	rec, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)

	exec, err := m.RunCommand(ctx, rec, "go build")
	require.NoError(t, err)

	_, err = waitResult(t, exec)
	require.Error(t, err)
	assert.True(t, termerr.Is(err, termerr.ErrCodeExecutionFailed))
	assert.Contains(t, err.Error(), "shell crashed")
	var failure *termerr.TerminalError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "last output: compiling\n", failure.Details)

	assert.False(t, rec.Busy())
	assert.Equal(t, StateErrored, exec.State())
	// the process stays in the table so trailing output can be read
	assert.Equal(t, "compiling\n", m.GetUnretrievedOutput(rec.ID))
	_, ok := reg.GetSession(rec.ID)
	assert.True(t, ok)

	assert.Eventually(t, func() bool { return len(journal.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "errored", journal.list()[0].Outcome)
	assert.Contains(t, journal.list()[0].Error, "shell crashed")
}

func TestRunCommandSessionClosedByHost(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	provider := hosttest.NewProvider(true)
	provider.OnOpen = func(s *hosttest.Session) { s.SetHandler(blockUntil(release, "up\n")) }
	m, reg := newTestManager(t, provider, nil)
	ctx := context.Background()

	rec, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)
	exec, err := m.RunCommand(ctx, rec, "serve")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return exec.State() == StateRunning }, time.Second, 5*time.Millisecond)
	require.NoError(t, provider.Sessions()[0].Close())

	_, err = waitResult(t, exec)
	require.Error(t, err)
	assert.True(t, termerr.Is(err, termerr.ErrCodeExecutionFailed))
	assert.False(t, rec.Busy())

	assert.Eventually(t, func() bool {
		_, ok := reg.GetSession(rec.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, m.GetTerminals(false))
}

func TestRunCommandValidation(t *testing.T) {
	provider := hosttest.NewProvider(true)
	m, reg := newTestManager(t, provider, nil)
	ctx := context.Background()

	rec, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)

	_, err = m.RunCommand(ctx, nil, "ls")
	assert.True(t, termerr.Is(err, termerr.ErrCodeInvalidInput))

	_, err = m.RunCommand(ctx, rec, "")
	assert.True(t, termerr.Is(err, termerr.ErrCodeMissingRequired))

	long := string(bytes.Repeat([]byte("x"), testConfig().Session.MaxCommandLength+1))
	_, err = m.RunCommand(ctx, rec, long)
	assert.True(t, termerr.Is(err, termerr.ErrCodeInvalidInput))

	reg.RemoveSession(rec.ID)
	_, err = m.RunCommand(ctx, rec, "ls")
	assert.True(t, termerr.Is(err, termerr.ErrCodeTerminalNotFound))
	assert.False(t, rec.Busy())
}

func TestGetOrCreateSessionReuse(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	dir := t.TempDir()
	provider := hosttest.NewProvider(true)
	m, _ := newTestManager(t, provider, nil)
	ctx := context.Background()

	first, err := m.GetOrCreateSession(ctx, dir)
	require.NoError(t, err)

	t.Run("idle capable matching cwd is reused", func(t *testing.T) {
		again, err := m.GetOrCreateSession(ctx, dir+string(filepath.Separator))
		require.NoError(t, err)
		assert.Same(t, first, again)
	})

	t.Run("different directory opens a new session", func(t *testing.T) {
		other, err := m.GetOrCreateSession(ctx, filepath.Join(dir, "sub"))
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, other.ID)
	})

	t.Run("busy session is not reused", func(t *testing.T) {
		provider.Sessions()[0].SetHandler(blockUntil(release))
		_, err := m.RunCommand(ctx, first, "sleep")
		require.NoError(t, err)

		again, err := m.GetOrCreateSession(ctx, dir)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, again.ID)
	})
}

func TestGetOrCreateSessionSkipsSessionsWithoutCapability(t *testing.T) {
	provider := hosttest.NewProvider(false)
	m, _ := newTestManager(t, provider, nil)
	ctx := context.Background()

	first, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)
	second, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestGetOrCreateSessionReusesUntrackedRegistrySession(t *testing.T) {
	provider := hosttest.NewProvider(true)
	reg := NewRegistry(provider, nil)
	t.Cleanup(func() { reg.CloseAll() })

	existing, err := reg.CreateSession(context.Background(), "/work")
	require.NoError(t, err)

	m := NewManager(testConfig(), reg, nil, nil)
	assert.Empty(t, m.GetTerminals(false))

	rec, err := m.GetOrCreateSession(context.Background(), "/work")
	require.NoError(t, err)
	assert.Same(t, existing, rec)
	assert.Equal(t, []TerminalInfo{{ID: existing.ID}}, m.GetTerminals(false))
}

func TestGetOrCreateSessionHostFailure(t *testing.T) {
	provider := hosttest.NewProvider(true)
	provider.OpenErr = errors.New("spawn failed")
	m, _ := newTestManager(t, provider, nil)

	_, err := m.GetOrCreateSession(context.Background(), "/work")
	require.Error(t, err)
	assert.True(t, termerr.Is(err, termerr.ErrCodeHostOpenFailed))
	assert.Empty(t, m.GetTerminals(false))

	_, err = m.GetOrCreateSession(context.Background(), "")
	assert.True(t, termerr.Is(err, termerr.ErrCodeMissingRequired))
}

func TestGetTerminalsOnlyListsTrackedSessions(t *testing.T) {
	provider := hosttest.NewProvider(true)
	m, reg := newTestManager(t, provider, nil)
	ctx := context.Background()

	_, err := reg.CreateSession(ctx, "/untracked")
	require.NoError(t, err)
	tracked, err := m.GetOrCreateSession(ctx, "/tracked")
	require.NoError(t, err)

	assert.Equal(t, []TerminalInfo{{ID: tracked.ID}}, m.GetTerminals(false))
}

func TestUnknownTerminalDefaults(t *testing.T) {
	m, _ := newTestManager(t, hosttest.NewProvider(true), nil)

	assert.Empty(t, m.GetUnretrievedOutput(99))
	assert.False(t, m.IsProcessHot(99))
	_, ok := m.Process(99)
	assert.False(t, ok)
}

func TestIsProcessHot(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	provider := hosttest.NewProvider(true)
	provider.OnOpen = func(s *hosttest.Session) { s.SetHandler(blockUntil(release, "building...\n")) }
	m, _ := newTestManager(t, provider, nil)
	ctx := context.Background()

	rec, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)
	_, err = m.RunCommand(ctx, rec, "make")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.IsProcessHot(rec.ID) }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, m.Stats().Hot)
	assert.Eventually(t, func() bool { return !m.IsProcessHot(rec.ID) }, time.Second, 5*time.Millisecond)
}

func TestDisposeAll(t *testing.T) {
	provider := hosttest.NewProvider(true)
	m, reg := newTestManager(t, provider, nil)
	ctx := context.Background()
	require.Equal(t, 1, provider.Subscribers())

	rec, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)
	exec, err := m.RunCommand(ctx, rec, "echo bye")
	require.NoError(t, err)
	_, err = waitResult(t, exec)
	require.NoError(t, err)

	m.DisposeAll()
	m.DisposeAll()

	assert.Zero(t, provider.Subscribers())
	assert.Empty(t, m.GetTerminals(false))
	assert.Empty(t, m.GetUnretrievedOutput(rec.ID))
	assert.Equal(t, Stats{}, m.Stats())

	// registry records and host sessions survive
	_, ok := reg.GetSession(rec.ID)
	assert.True(t, ok)
	assert.Zero(t, provider.Sessions()[0].CloseCalls())
}

func TestCommandStartedNotificationsAreDrained(t *testing.T) {
	provider := hosttest.NewProvider(true)
	m, _ := newTestManager(t, provider, nil)

	foreign := &hosttest.Execution{}
	provider.Publish(foreign)
	assert.Equal(t, 1, foreign.Drained())

	m.DisposeAll()
	provider.Publish(foreign)
	assert.Equal(t, 1, foreign.Drained())
}

func TestJournalRecordsCompletedCommand(t *testing.T) {
	provider := hosttest.NewProvider(true)
	journal := &memJournal{}
	m, _ := newTestManager(t, provider, journal)
	ctx := context.Background()

	rec, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)
	exec, err := m.RunCommand(ctx, rec, "echo logged")
	require.NoError(t, err)
	_, err = waitResult(t, exec)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(journal.list()) == 1 }, time.Second, 5*time.Millisecond)
	entry := journal.list()[0]
	assert.Equal(t, exec.ProcessID(), entry.ProcessID)
	assert.Equal(t, rec.ID, entry.TerminalID)
	assert.Equal(t, "/work", entry.WorkingDir)
	assert.Equal(t, "completed", entry.Outcome)
	assert.True(t, entry.Structured)
	assert.Equal(t, "logged\n", entry.Output)
}

func TestJournalFailureDoesNotReachCaller(t *testing.T) {
	var buf bytes.Buffer
	provider := hosttest.NewProvider(true)
	journal := &memJournal{err: errors.New("disk full")}
	reg := NewRegistry(provider, nil)
	m := NewManager(testConfig(), reg, logger.New(&buf, "error", "text", "test"), journal)
	t.Cleanup(func() { reg.CloseAll() })
	ctx := context.Background()

	rec, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)
	exec, err := m.RunCommand(ctx, rec, "echo x")
	require.NoError(t, err)

	_, err = waitResult(t, exec)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(journal.list()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSequentialCommandsReuseSession(t *testing.T) {
	provider := hosttest.NewProvider(true)
	m, _ := newTestManager(t, provider, nil)
	ctx := context.Background()

	var ids []int
	for _, cmd := range []string{"echo 1", "echo 2", "echo 3"} {
		rec, err := m.GetOrCreateSession(ctx, "/work")
		require.NoError(t, err)
		exec, err := m.RunCommand(ctx, rec, cmd)
		require.NoError(t, err)
		_, err = waitResult(t, exec)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	assert.Equal(t, []int{ids[0], ids[0], ids[0]}, ids)
	assert.Len(t, provider.Sessions(), 1)
	assert.Equal(t, []string{"echo 1", "echo 2", "echo 3"}, provider.Sessions()[0].Executed())
}

func TestWaitIdle(t *testing.T) {
	release := make(chan struct{})
	provider := hosttest.NewProvider(true)
	provider.OnOpen = func(s *hosttest.Session) { s.SetHandler(blockUntil(release)) }
	m, _ := newTestManager(t, provider, nil)
	ctx := context.Background()

	rec, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)
	_, err = m.RunCommand(ctx, rec, "sleep")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	assert.False(t, m.WaitIdle(short))

	close(release)
	long, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	assert.True(t, m.WaitIdle(long))
}

func TestGetSession(t *testing.T) {
	provider := hosttest.NewProvider(true)
	m, reg := newTestManager(t, provider, nil)

	rec, err := reg.CreateSession(context.Background(), "/a")
	require.NoError(t, err)

	got, err := m.GetSession(rec.ID)
	require.NoError(t, err)
	assert.Same(t, rec, got)

	_, err = m.GetSession(rec.ID + 1)
	require.Error(t, err)
	assert.True(t, termerr.Is(err, termerr.ErrCodeTerminalNotFound))
}

func TestHostDetachPrunesTrackedSession(t *testing.T) {
	provider := hosttest.NewProvider(true)
	m, _ := newTestManager(t, provider, nil)
	ctx := context.Background()

	rec, err := m.GetOrCreateSession(ctx, "/work")
	require.NoError(t, err)
	exec, err := m.RunCommand(ctx, rec, "echo hi")
	require.NoError(t, err)
	_, err = waitResult(t, exec)
	require.NoError(t, err)

	require.Equal(t, 1, m.Stats().Tracked)
	_, ok := m.Process(rec.ID)
	require.True(t, ok)

	require.NoError(t, provider.Sessions()[0].Close())

	require.Eventually(t, func() bool { return m.Stats().Tracked == 0 }, time.Second, 5*time.Millisecond)
	_, ok = m.Process(rec.ID)
	assert.False(t, ok)
	assert.Empty(t, m.GetTerminals(false))
	assert.Empty(t, m.GetUnretrievedOutput(rec.ID))
}

func TestTrackSkipsDetachedSession(t *testing.T) {
	provider := hosttest.NewProvider(true)
	m, reg := newTestManager(t, provider, nil)

	rec, err := reg.CreateSession(context.Background(), "/a")
	require.NoError(t, err)
	reg.RemoveSession(rec.ID)

	m.track(rec.ID)
	assert.Zero(t, m.Stats().Tracked)
}
