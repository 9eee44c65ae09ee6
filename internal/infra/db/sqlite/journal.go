// Package sqlite persists a journal of terminal analysis requests in an
// embedded database. The service runs on analyst workstations, so the
// journal must not assume a network database server.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	domain "github.com/thestingr/ghidrad/internal/domain/analysis"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	target       TEXT NOT NULL DEFAULT '',
	project      TEXT NOT NULL DEFAULT '',
	stage        TEXT NOT NULL,
	error_code   TEXT NOT NULL DEFAULT '',
	degraded     INTEGER NOT NULL DEFAULT 0,
	tool_exit    INTEGER NOT NULL DEFAULT 0,
	tool_reason  TEXT NOT NULL DEFAULT '',
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	submitted_at TEXT NOT NULL,
	finished_at  TEXT NOT NULL,
	result_path  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_requests_finished ON requests(finished_at DESC);
`

type Journal struct {
	db *sql.DB
}

// Open creates (or opens) the journal database at path.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// one writer at a time keeps modernc's file locking happy
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Save upserts a terminal request record.
func (j *Journal) Save(ctx context.Context, rec *domain.Record) error {
	const q = `
INSERT INTO requests
(id, kind, target, project, stage, error_code, degraded,
 tool_exit, tool_reason, duration_ms, submitted_at, finished_at, result_path)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
 stage=excluded.stage, error_code=excluded.error_code, degraded=excluded.degraded,
 tool_exit=excluded.tool_exit, tool_reason=excluded.tool_reason,
 duration_ms=excluded.duration_ms, finished_at=excluded.finished_at,
 result_path=excluded.result_path;
`
	degraded := 0
	if rec.Degraded {
		degraded = 1
	}
	_, err := j.db.ExecContext(ctx, q,
		string(rec.ID), string(rec.Kind), rec.Target, rec.Project, string(rec.Stage),
		rec.ErrorCode, degraded, rec.ToolExit, rec.ToolReason, rec.DurationMS,
		rec.SubmittedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano),
		rec.ResultPath,
	)
	return err
}

// Get returns one record by request id, nil when absent.
func (j *Journal) Get(ctx context.Context, id domain.RequestID) (*domain.Record, error) {
	const q = `
SELECT id, kind, target, project, stage, error_code, degraded,
       tool_exit, tool_reason, duration_ms, submitted_at, finished_at, result_path
FROM requests WHERE id = ?;
`
	row := j.db.QueryRowContext(ctx, q, string(id))
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// Latest returns the most recently finished records, newest first.
func (j *Journal) Latest(ctx context.Context, limit int) ([]*domain.Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	const q = `
SELECT id, kind, target, project, stage, error_code, degraded,
       tool_exit, tool_reason, duration_ms, submitted_at, finished_at, result_path
FROM requests ORDER BY finished_at DESC LIMIT ?;
`
	rows, err := j.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.Record, error) {
	var (
		rec                     domain.Record
		degraded                int
		submittedAt, finishedAt string
	)
	err := s.Scan(&rec.ID, &rec.Kind, &rec.Target, &rec.Project, &rec.Stage,
		&rec.ErrorCode, &degraded, &rec.ToolExit, &rec.ToolReason, &rec.DurationMS,
		&submittedAt, &finishedAt, &rec.ResultPath)
	if err != nil {
		return nil, err
	}
	rec.Degraded = degraded != 0
	rec.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submittedAt)
	rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
	return &rec, nil
}
