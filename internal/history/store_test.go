package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	termerr "github.com/rama-kairi/termpool/internal/errors"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenCreatesDatabase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, filepath.Join(dir, DBFile), store.Path())
	_, err = os.Stat(store.Path())
	assert.NoError(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, first.Record(context.Background(), &Entry{
		ProcessID: "p-1", TerminalID: 1, Command: "ls", Outcome: "completed", StartedAt: time.Now(),
	}))
	require.NoError(t, first.Close())

	second, err := Open(dir)
	require.NoError(t, err)
	defer second.Close()

	entries, err := second.Search(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordAndSearch(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	entries := []*Entry{
		{ProcessID: "p-1", TerminalID: 1, Command: "go build ./...", WorkingDir: "/src", Outcome: "completed",
			Structured: true, Output: "ok\n", StartedAt: base, Duration: 1500 * time.Millisecond},
		{ProcessID: "p-2", TerminalID: 1, Command: "go test ./...", WorkingDir: "/src", Outcome: "errored",
			ExitCode: -1, Structured: true, Error: "session closed", StartedAt: base.Add(time.Minute)},
		{ProcessID: "p-3", TerminalID: 2, Command: "npm install", WorkingDir: "/web", Outcome: "no_integration",
			StartedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		require.NoError(t, store.Record(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	t.Run("all newest first", func(t *testing.T) {
		got, err := store.Search(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "p-3", got[0].ProcessID)
		assert.Equal(t, "p-1", got[2].ProcessID)
		assert.Equal(t, 1500*time.Millisecond, got[2].Duration)
		assert.True(t, got[2].Structured)
		assert.False(t, got[0].Structured)
	})

	t.Run("by terminal", func(t *testing.T) {
		got, err := store.Search(ctx, Filter{TerminalID: 2})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "npm install", got[0].Command)
	})

	t.Run("by command substring", func(t *testing.T) {
		got, err := store.Search(ctx, Filter{Command: "go "})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("by output", func(t *testing.T) {
		got, err := store.Search(ctx, Filter{Output: "ok"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "p-1", got[0].ProcessID)
	})

	t.Run("by outcome", func(t *testing.T) {
		got, err := store.Search(ctx, Filter{Outcome: "errored"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "session closed", got[0].Error)
		assert.Equal(t, -1, got[0].ExitCode)
	})

	t.Run("since", func(t *testing.T) {
		got, err := store.Search(ctx, Filter{Since: base.Add(90 * time.Second)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "p-3", got[0].ProcessID)
	})

	t.Run("limit", func(t *testing.T) {
		got, err := store.Search(ctx, Filter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestStats(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	empty, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.AvgDuration)

	now := time.Now()
	require.NoError(t, store.Record(ctx, &Entry{ProcessID: "a", TerminalID: 1, Command: "a", Outcome: "completed", StartedAt: now, Duration: time.Second}))
	require.NoError(t, store.Record(ctx, &Entry{ProcessID: "b", TerminalID: 1, Command: "b", Outcome: "completed", StartedAt: now, Duration: 3 * time.Second}))
	require.NoError(t, store.Record(ctx, &Entry{ProcessID: "c", TerminalID: 2, Command: "c", Outcome: "errored", StartedAt: now}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Terminals)
	assert.Equal(t, 2, stats.ByOutcome["completed"])
	assert.Equal(t, 1, stats.ByOutcome["errored"])
	assert.Equal(t, (4 * time.Second / 3).Round(time.Millisecond), stats.AvgDuration.Round(time.Millisecond))
}

func TestRecordDuplicateID(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	e := &Entry{ID: "fixed", ProcessID: "p", TerminalID: 1, Command: "x", Outcome: "completed", StartedAt: time.Now()}
	require.NoError(t, store.Record(ctx, e))

	err := store.Record(ctx, e)
	require.Error(t, err)
	assert.Equal(t, termerr.ErrCodeHistoryWriteFailed, termerr.GetCode(err))
}

func TestSearchMatchesWildcardsLiterally(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, e := range []struct{ command, output string }{
		{"df -h", "disk 50% full"},
		{"df -h /data", "disk 500 blocks"},
		{"cat my_file", "a_b"},
		{"cat myxfile", "axb"},
		{`echo C:\tmp`, `C:\tmp`},
	} {
		require.NoError(t, store.Record(ctx, &Entry{
			ProcessID: fmt.Sprintf("p-%d", i), TerminalID: 1, Command: e.command,
			Output: e.output, Outcome: "completed", StartedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	tests := []struct {
		name     string
		filter   Filter
		expected []string
	}{
		{"percent", Filter{Output: "50%"}, []string{"df -h"}},
		{"underscore", Filter{Command: "my_file"}, []string{"cat my_file"}},
		{"underscore in output", Filter{Output: "a_b"}, []string{"cat my_file"}},
		{"backslash", Filter{Command: `C:\tmp`}, []string{`echo C:\tmp`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Search(ctx, tt.filter)
			require.NoError(t, err)
			commands := make([]string, 0, len(got))
			for _, e := range got {
				commands = append(commands, e.Command)
			}
			assert.Equal(t, tt.expected, commands)
		})
	}
}

func TestContainsPattern(t *testing.T) {
	assert.Equal(t, "%plain%", containsPattern("plain"))
	assert.Equal(t, `%50\%%`, containsPattern("50%"))
	assert.Equal(t, `%a\_b%`, containsPattern("a_b"))
	assert.Equal(t, `%C:\\tmp%`, containsPattern(`C:\tmp`))
}
