package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed BridgeStore.
//
// Designed for the Cluster execution mode, where multiple planner
// processes dispatch jobs against the same backend and need a shared
// view of which bridges and sinks have already been filled.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a MySQL-backed BridgeStore.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example:
//
//	user:password@tcp(127.0.0.1:3306)/scoobi?parseTime=true
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bridges (
			bridge_id VARCHAR(255) NOT NULL PRIMARY KEY,
			filled    BOOLEAN NOT NULL DEFAULT FALSE,
			row_count BIGINT NOT NULL DEFAULT 0,
			filled_at TIMESTAMP NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS sinks (
			sink_id   VARCHAR(255) NOT NULL PRIMARY KEY,
			filled    BOOLEAN NOT NULL DEFAULT FALSE,
			filled_at TIMESTAMP NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS job_runs (
			id            BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id        VARCHAR(255) NOT NULL,
			layer_id      INT NOT NULL,
			mscr_id       INT NOT NULL,
			job_name      VARCHAR(255) NOT NULL,
			status        VARCHAR(32) NOT NULL,
			reducer_count INT NOT NULL,
			started_at    TIMESTAMP NOT NULL,
			finished_at   TIMESTAMP NOT NULL,
			err_msg       TEXT NOT NULL,
			INDEX idx_run_id (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store: closed")
	}
	return nil
}

func (s *MySQLStore) MarkBridgeFilled(ctx context.Context, bridgeID string, rowCount int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridges (bridge_id, filled, row_count, filled_at)
		VALUES (?, TRUE, ?, ?)
		ON DUPLICATE KEY UPDATE filled = TRUE, row_count = VALUES(row_count), filled_at = VALUES(filled_at)
	`, bridgeID, rowCount, time.Now())
	if err != nil {
		return fmt.Errorf("store: mark bridge %q filled: %w", bridgeID, err)
	}
	return nil
}

func (s *MySQLStore) BridgeFilled(ctx context.Context, bridgeID string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
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

func (s *MySQLStore) BridgeRecord(ctx context.Context, bridgeID string) (BridgeRecord, error) {
	if err := s.checkOpen(); err != nil {
		return BridgeRecord{}, err
	}
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

func (s *MySQLStore) MarkSinkFilled(ctx context.Context, sinkID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sinks (sink_id, filled, filled_at) VALUES (?, TRUE, ?)
		ON DUPLICATE KEY UPDATE filled = TRUE, filled_at = VALUES(filled_at)
	`, sinkID, time.Now())
	if err != nil {
		return fmt.Errorf("store: mark sink %q filled: %w", sinkID, err)
	}
	return nil
}

func (s *MySQLStore) SinkFilled(ctx context.Context, sinkID string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
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

// RecordJobRun persists one job-run audit row inside a transaction, so
// a crash mid-write never leaves a half-written row for cluster peers
// to read.
func (s *MySQLStore) RecordJobRun(ctx context.Context, run JobRun) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_runs (run_id, layer_id, mscr_id, job_name, status, reducer_count, started_at, finished_at, err_msg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.LayerID, run.MSCRID, run.JobName, run.Status, run.ReducerCount, run.StartedAt, run.FinishedAt, run.ErrMsg)
	if err != nil {
		return fmt.Errorf("store: record job run %q: %w", run.JobName, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit job run: %w", err)
	}
	return nil
}

func (s *MySQLStore) JobRuns(ctx context.Context, runID string) ([]JobRun, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, layer_id, mscr_id, job_name, status, reducer_count, started_at, finished_at, err_msg
		FROM job_runs WHERE run_id = ? ORDER BY started_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: query job runs for %q: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRun
	for rows.Next() {
		var r JobRun
		if err := rows.Scan(&r.RunID, &r.LayerID, &r.MSCRID, &r.JobName, &r.Status, &r.ReducerCount, &r.StartedAt, &r.FinishedAt, &r.ErrMsg); err != nil {
			return nil, fmt.Errorf("store: scan job run row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate job run rows: %w", err)
	}
	return out, nil
}

func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the connection pool. Calling Close twice is a no-op,
// matching sql.DB's own behavior.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats exposes connection pool statistics for health checks.
func (s *MySQLStore) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Stats()
}
