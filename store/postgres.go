package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// bridgeRow, sinkRow, and jobRunRow are the gorm row types backing
// PostgresStore. Kept private — callers only see the BridgeStore
// interface's plain structs.
type bridgeRow struct {
	BridgeID string `gorm:"column:bridge_id;primaryKey"`
	Filled   bool   `gorm:"column:filled"`
	RowCount int64  `gorm:"column:row_count"`
	FilledAt time.Time
}

func (bridgeRow) TableName() string { return "bridges" }

type sinkRow struct {
	SinkID   string `gorm:"column:sink_id;primaryKey"`
	Filled   bool   `gorm:"column:filled"`
	FilledAt time.Time
}

func (sinkRow) TableName() string { return "sinks" }

type jobRunRow struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	RunID        string
	LayerID      int
	MSCRID       int
	JobName      string
	Status       string
	ReducerCount int
	StartedAt    time.Time
	FinishedAt   time.Time
	ErrMsg       string
}

func (jobRunRow) TableName() string { return "job_runs" }

// PostgresStore is a Postgres-backed BridgeStore built on gorm.
//
// Alongside MySQLStore this is the Cluster execution mode's other
// supported backend; it exists because the wider deployment pool this
// planner ships into already standardizes migrations and row mapping
// on gorm rather than hand-written SQL.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore opens a Postgres-backed BridgeStore and migrates
// its schema. dsn is a standard libpq connection string, e.g.
// "host=localhost user=scoobi dbname=scoobi sslmode=disable".
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open postgres connection: %w", err)
	}

	if err := db.AutoMigrate(&bridgeRow{}, &sinkRow{}, &jobRunRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) MarkBridgeFilled(ctx context.Context, bridgeID string, rowCount int64) error {
	row := bridgeRow{BridgeID: bridgeID, Filled: true, RowCount: rowCount, FilledAt: time.Now()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bridge_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"filled", "row_count", "filled_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: mark bridge %q filled: %w", bridgeID, err)
	}
	return nil
}

func (s *PostgresStore) BridgeFilled(ctx context.Context, bridgeID string) (bool, error) {
	var row bridgeRow
	err := s.db.WithContext(ctx).Where("bridge_id = ?", bridgeID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: query bridge %q: %w", bridgeID, err)
	}
	return row.Filled, nil
}

func (s *PostgresStore) BridgeRecord(ctx context.Context, bridgeID string) (BridgeRecord, error) {
	var row bridgeRow
	err := s.db.WithContext(ctx).Where("bridge_id = ?", bridgeID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BridgeRecord{}, ErrNotFound
	}
	if err != nil {
		return BridgeRecord{}, fmt.Errorf("store: query bridge %q: %w", bridgeID, err)
	}
	return BridgeRecord{BridgeID: row.BridgeID, Filled: row.Filled, RowCount: row.RowCount, FilledAt: row.FilledAt}, nil
}

func (s *PostgresStore) MarkSinkFilled(ctx context.Context, sinkID string) error {
	row := sinkRow{SinkID: sinkID, Filled: true, FilledAt: time.Now()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sink_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"filled", "filled_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: mark sink %q filled: %w", sinkID, err)
	}
	return nil
}

func (s *PostgresStore) SinkFilled(ctx context.Context, sinkID string) (bool, error) {
	var row sinkRow
	err := s.db.WithContext(ctx).Where("sink_id = ?", sinkID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: query sink %q: %w", sinkID, err)
	}
	return row.Filled, nil
}

func (s *PostgresStore) RecordJobRun(ctx context.Context, run JobRun) error {
	row := jobRunRow{
		RunID:        run.RunID,
		LayerID:      run.LayerID,
		MSCRID:       run.MSCRID,
		JobName:      run.JobName,
		Status:       run.Status,
		ReducerCount: run.ReducerCount,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		ErrMsg:       run.ErrMsg,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("store: record job run %q: %w", run.JobName, err)
	}
	return nil
}

func (s *PostgresStore) JobRuns(ctx context.Context, runID string) ([]JobRun, error) {
	var rows []jobRunRow
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("started_at ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: query job runs for %q: %w", runID, err)
	}
	out := make([]JobRun, len(rows))
	for i, row := range rows {
		out[i] = JobRun{
			RunID:        row.RunID,
			LayerID:      row.LayerID,
			MSCRID:       row.MSCRID,
			JobName:      row.JobName,
			Status:       row.Status,
			ReducerCount: row.ReducerCount,
			StartedAt:    row.StartedAt,
			FinishedAt:   row.FinishedAt,
			ErrMsg:       row.ErrMsg,
		}
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
