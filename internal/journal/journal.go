// Package journal keeps a local SQLite record of every query a session
// answered, including the failed attempts that preceded the outcome.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrClosed is returned when the journal was already closed.
var ErrClosed = errors.New("journal is closed")

// Failure is one failed attempt inside a run.
type Failure struct {
	Attempt int
	Kind    string
	Message string
}

// Run is the journaled outcome of a single query.
type Run struct {
	ID        string
	SessionID string
	Query     string
	State     string
	Attempts  int
	Failures  []Failure
	Message   string
	Artifact  string
	StartedAt time.Time
	Duration  time.Duration
}

// Journal is a SQLite-backed run log. It is safe for concurrent use.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway journal.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("journal dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// a single connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal pragma: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the database handle. It is safe to call more than once.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Record stores r and its failures in one transaction and returns the run id.
// An empty r.ID is assigned a fresh UUID.
func (j *Journal) Record(ctx context.Context, r Run) (string, error) {
	if j == nil || j.db == nil {
		return "", ErrClosed
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, session_id, query, state, attempts, message, artifact, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Query, r.State, r.Attempts, r.Message, r.Artifact,
		r.StartedAt.UnixNano(), r.Duration.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	for _, f := range r.Failures {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attempts (run_id, attempt, kind, message) VALUES (?, ?, ?, ?)`,
			r.ID, f.Attempt, f.Kind, f.Message); err != nil {
			return "", fmt.Errorf("insert attempt %d: %w", f.Attempt, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return r.ID, nil
}

// Recent returns up to limit runs for sessionID, newest first. An empty
// sessionID lists runs across all sessions.
func (j *Journal) Recent(ctx context.Context, sessionID string, limit int) ([]Run, error) {
	if j == nil || j.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, session_id, query, state, attempts, message, artifact, started_at, duration_ms
		FROM runs`
	args := []any{}
	if sessionID != "" {
		q += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, ms int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Query, &r.State, &r.Attempts,
			&r.Message, &r.Artifact, &started, &ms); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		r.Duration = time.Duration(ms) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range runs {
		fs, err := j.failures(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Failures = fs
	}
	return runs, nil
}

func (j *Journal) failures(ctx context.Context, runID string) ([]Failure, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT attempt, kind, message FROM attempts WHERE run_id = ? ORDER BY attempt`, runID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()
	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Attempt, &f.Kind, &f.Message); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
