package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file BridgeStore backed by SQLite, used for
// the Local execution mode: a single-machine durable store that
// survives process restarts without needing a separate database
// server.
//
// Uses WAL mode. The pool is limited to one open connection, so reads
// and writes from concurrent goroutines are serialised through it.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed
// BridgeStore at path. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bridges (
			bridge_id TEXT NOT NULL PRIMARY KEY,
			filled    INTEGER NOT NULL DEFAULT 0,
			row_count INTEGER NOT NULL DEFAULT 0,
			filled_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sinks (
			sink_id   TEXT NOT NULL PRIMARY KEY,
			filled    INTEGER NOT NULL DEFAULT 0,
			filled_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS job_runs (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id        TEXT NOT NULL,
			layer_id      INTEGER NOT NULL,
			mscr_id       INTEGER NOT NULL,
			job_name      TEXT NOT NULL,
			status        TEXT NOT NULL,
			reducer_count INTEGER NOT NULL,
			started_at    TIMESTAMP NOT NULL,
			finished_at   TIMESTAMP NOT NULL,
			err_msg       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_run_id ON job_runs(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) MarkBridgeFilled(ctx context.Context, bridgeID string, rowCount int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridges (bridge_id, filled, row_count, filled_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(bridge_id) DO UPDATE SET filled=1, row_count=excluded.row_count, filled_at=excluded.filled_at
	`, bridgeID, rowCount, time.Now())
	if err != nil {
		return fmt.Errorf("store: mark bridge %q filled: %w", bridgeID, err)
	}
	return nil
}

func (s *SQLiteStore) BridgeFilled(ctx context.Context, bridgeID string) (bool, error) {
	var filled bool
	err := s.db.QueryRowContext(ctx, `SELECT filled FROM bridges WHERE bridge_id = ?`, bridgeID).Scan(&filled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: query bridge %q: %w", bridgeID, err)
	}
	return filled, nil
}

func (s *SQLiteStore) BridgeRecord(ctx context.Context, bridgeID string) (BridgeRecord, error) {
	var rec BridgeRecord
	rec.BridgeID = bridgeID
	var filledAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT filled, row_count, filled_at FROM bridges WHERE bridge_id = ?`, bridgeID).
		Scan(&rec.Filled, &rec.RowCount, &filledAt)
	if err == sql.ErrNoRows {
		return BridgeRecord{}, ErrNotFound
	}
	if err != nil {
		return BridgeRecord{}, fmt.Errorf("store: query bridge %q: %w", bridgeID, err)
	}
	if filledAt.Valid {
		rec.FilledAt = filledAt.Time
	}
	return rec, nil
}

func (s *SQLiteStore) MarkSinkFilled(ctx context.Context, sinkID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sinks (sink_id, filled, filled_at) VALUES (?, 1, ?)
		ON CONFLICT(sink_id) DO UPDATE SET filled=1, filled_at=excluded.filled_at
	`, sinkID, time.Now())
	if err != nil {
		return fmt.Errorf("store: mark sink %q filled: %w", sinkID, err)
	}
	return nil
}

func (s *SQLiteStore) SinkFilled(ctx context.Context, sinkID string) (bool, error) {
	var filled bool
	err := s.db.QueryRowContext(ctx, `SELECT filled FROM sinks WHERE sink_id = ?`, sinkID).Scan(&filled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: query sink %q: %w", sinkID, err)
	}
	return filled, nil
}

func (s *SQLiteStore) RecordJobRun(ctx context.Context, run JobRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (run_id, layer_id, mscr_id, job_name, status, reducer_count, started_at, finished_at, err_msg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.LayerID, run.MSCRID, run.JobName, run.Status, run.ReducerCount, run.StartedAt, run.FinishedAt, run.ErrMsg)
	if err != nil {
		return fmt.Errorf("store: record job run %q: %w", run.JobName, err)
	}
	return nil
}

func (s *SQLiteStore) JobRuns(ctx context.Context, runID string) ([]JobRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, layer_id, mscr_id, job_name, status, reducer_count, started_at, finished_at, err_msg
		FROM job_runs WHERE run_id = ? ORDER BY started_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: query job runs for %q: %w", runID, err)
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		var r JobRun
		if err := rows.Scan(&r.RunID, &r.LayerID, &r.MSCRID, &r.JobName, &r.Status, &r.ReducerCount, &r.StartedAt, &r.FinishedAt, &r.ErrMsg); err != nil {
			return nil, fmt.Errorf("store: scan job run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }
