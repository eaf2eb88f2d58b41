// Package history persists one row per bounded run in a local SQLite file.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ppiankov/mcprun/internal/harness"
)

// Status constants for persisted runs.
const (
	StatusInProgress  = "in_progress"
	StatusFinished    = "finished"
	StatusInterrupted = "interrupted"
)

// maxDetail bounds the stored result or message text.
const maxDetail = 2000

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Entry is one recorded run. Kind is empty until the run finishes.
type Entry struct {
	ID          string
	Provider    string
	Task        string
	Status      string
	Kind        string
	Detail      string // result on success, message or limit otherwise
	ElapsedInit time.Duration
	ElapsedExec time.Duration
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Store wraps the history database.
type Store struct {
	db   *sql.DB
	path string
	pid  int // owner recorded on runs started through this store
}

// DefaultPath returns the default history database path.
func DefaultPath() string {
	return filepath.Join(".mcprun", "history.db")
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	provider     TEXT NOT NULL,
	task         TEXT NOT NULL,
	status       TEXT NOT NULL,
	kind         TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '',
	elapsed_init INTEGER NOT NULL DEFAULT 0,
	elapsed_exec INTEGER NOT NULL DEFAULT 0,
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL DEFAULT 0,
	pid          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS runs_started ON runs(started_at);
`

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure history: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history %s: %w", path, err)
	}
	// databases created before runs carried an owner pid
	if _, err := db.ExecContext(ctx, `ALTER TABLE runs ADD COLUMN pid INTEGER NOT NULL DEFAULT 0`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column") {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history %s: %w", path, err)
	}
	return &Store{db: db, path: path, pid: os.Getpid()}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Start records a run as in_progress and returns its new ID.
func (s *Store) Start(ctx context.Context, provider, task string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, provider, task, status, started_at, pid) VALUES (?, ?, ?, ?, ?, ?)`,
		id, provider, task, StatusInProgress, time.Now().UnixMilli(), s.pid)
	if err != nil {
		return "", fmt.Errorf("record start: %w", err)
	}
	return id, nil
}

// Finish stores the outcome of a run started with Start.
func (s *Store) Finish(ctx context.Context, id string, o harness.Outcome) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, kind = ?, detail = ?, elapsed_init = ?, elapsed_exec = ?, finished_at = ? WHERE id = ?`,
		StatusFinished, o.Kind.String(), truncate(describe(o)),
		o.ElapsedInit.Milliseconds(), o.ElapsedExec.Milliseconds(),
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("record finish: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record finish %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get returns the entry with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+` WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// RecoverInterrupted marks runs left in_progress by a process that is no
// longer running as interrupted. Runs owned by a live process, such as a
// chat session in another terminal, are left alone. Returns the number of
// runs recovered.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pid FROM runs WHERE status = ?`, StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted: %w", err)
	}
	var stale []string
	for rows.Next() {
		var (
			id  string
			pid int
		)
		if err := rows.Scan(&id, &pid); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("recover interrupted: %w", err)
		}
		if !isProcessAlive(pid) {
			stale = append(stale, id)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("recover interrupted: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, id := range stale {
		_, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, detail = ?, finished_at = ? WHERE id = ? AND status = ?`,
			StatusInterrupted, "interrupted: process exited before completion", now, id, StatusInProgress)
		if err != nil {
			return 0, fmt.Errorf("recover interrupted %s: %w", id, err)
		}
	}
	return len(stale), nil
}

// isProcessAlive reports whether pid names a running process. Zero (runs
// recorded without an owner) counts as gone.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks existence without delivering anything
	return proc.Signal(syscall.Signal(0)) == nil
}

const selectRuns = `SELECT id, provider, task, status, kind, detail, elapsed_init, elapsed_exec, started_at, finished_at FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                 Entry
		initMS, execMS    int64
		startMS, finishMS int64
	)
	if err := sc.Scan(&e.ID, &e.Provider, &e.Task, &e.Status, &e.Kind, &e.Detail,
		&initMS, &execMS, &startMS, &finishMS); err != nil {
		return nil, err
	}
	e.ElapsedInit = time.Duration(initMS) * time.Millisecond
	e.ElapsedExec = time.Duration(execMS) * time.Millisecond
	e.StartedAt = time.UnixMilli(startMS)
	if finishMS > 0 {
		e.FinishedAt = time.UnixMilli(finishMS)
	}
	return &e, nil
}

func describe(o harness.Outcome) string {
	switch o.Kind {
	case harness.KindSuccess:
		return o.Result
	case harness.KindInitTimeout, harness.KindExecTimeout:
		return "limit " + o.Limit.String()
	default:
		return o.Message
	}
}

func truncate(s string) string {
	if len(s) <= maxDetail {
		return s
	}
	cut := maxDetail
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
