// Package history journals finished commands to SQLite and answers searches over them.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	termerr "github.com/rama-kairi/termpool/internal/errors"
)

// DBFile is the journal file name inside the data directory.
const DBFile = "termpool.db"

// Entry is one journalled command invocation.
type Entry struct {
	ID         string        `json:"id"`
	ProcessID  string        `json:"process_id"`
	TerminalID int           `json:"terminal_id"`
	Command    string        `json:"command"`
	WorkingDir string        `json:"working_dir"`
	Outcome    string        `json:"outcome"`
	ExitCode   int           `json:"exit_code"`
	Structured bool          `json:"structured"`
	Output     string        `json:"output"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Filter narrows Search. Zero values match everything.
type Filter struct {
	TerminalID int
	Command    string // substring
	Output     string // substring
	Outcome    string
	Since      time.Time
	Limit      int
}

// Stats summarizes the journal.
type Stats struct {
	Total       int            `json:"total"`
	ByOutcome   map[string]int `json:"by_outcome"`
	Terminals   int            `json:"terminals"`
	AvgDuration time.Duration  `json:"avg_duration"`
}

const defaultSearchLimit = 50

// Store is the SQLite-backed command journal.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates dataDir if needed, migrates the schema and opens the journal.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)
	if err := runMigrations(dbPath); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{conn: conn, path: dbPath}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Record inserts e, assigning an id when it has none.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	query := `
	INSERT INTO commands (id, process_id, terminal_id, command, working_dir, outcome,
		exit_code, structured, output, error, started_at, duration_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.conn.ExecContext(ctx, query, e.ID, e.ProcessID, e.TerminalID, e.Command, e.WorkingDir,
		e.Outcome, e.ExitCode, e.Structured, e.Output, e.Error, e.StartedAt.UTC(), e.Duration.Milliseconds())
	if err != nil {
		return termerr.HistoryWriteFailed(err, e.ProcessID)
	}
	return nil
}

// Search returns matching entries, newest first.
func (s *Store) Search(ctx context.Context, f Filter) ([]*Entry, error) {
	query := `
	SELECT id, process_id, terminal_id, command, working_dir, outcome, exit_code,
		structured, output, error, started_at, duration_ms
	FROM commands WHERE 1=1
	`

	var args []interface{}

	if f.TerminalID > 0 {
		query += " AND terminal_id = ?"
		args = append(args, f.TerminalID)
	}

	if f.Command != "" {
		query += ` AND command LIKE ? ESCAPE '\'`
		args = append(args, containsPattern(f.Command))
	}

	if f.Output != "" {
		query += ` AND output LIKE ? ESCAPE '\'`
		args = append(args, containsPattern(f.Output))
	}

	if f.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, f.Outcome)
	}

	if !f.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, f.Since.UTC())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, termerr.HistoryReadFailed(err, "search")
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var durationMs int64
		err := rows.Scan(&e.ID, &e.ProcessID, &e.TerminalID, &e.Command, &e.WorkingDir, &e.Outcome,
			&e.ExitCode, &e.Structured, &e.Output, &e.Error, &e.StartedAt, &durationMs)
		if err != nil {
			return nil, termerr.HistoryReadFailed(err, "search")
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, termerr.HistoryReadFailed(err, "search")
	}
	return entries, nil
}

// Stats aggregates the whole journal.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByOutcome: make(map[string]int)}

	var avg sql.NullFloat64
	row := s.conn.QueryRowContext(ctx, `
	SELECT COUNT(*), COUNT(DISTINCT terminal_id), AVG(duration_ms) FROM commands
	`)
	if err := row.Scan(&stats.Total, &stats.Terminals, &avg); err != nil {
		return nil, termerr.HistoryReadFailed(err, "stats")
	}
	if avg.Valid {
		stats.AvgDuration = time.Duration(avg.Float64 * float64(time.Millisecond))
	}

	rows, err := s.conn.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM commands GROUP BY outcome`)
	if err != nil {
		return nil, termerr.HistoryReadFailed(err, "stats")
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, termerr.HistoryReadFailed(err, "stats")
		}
		stats.ByOutcome[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, termerr.HistoryReadFailed(err, "stats")
	}
	return stats, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// containsPattern builds a LIKE pattern matching s literally anywhere.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}
