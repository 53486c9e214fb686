package store

import (
	"context"
	"testing"
)

func TestSQLiteStoreBridgeAndSinkLifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()

	filled, err := s.BridgeFilled(ctx, "bridge-1")
	if err != nil || filled {
		t.Fatalf("expected unrecorded bridge to be unfilled, got (%v, %v)", filled, err)
	}

	if err := s.MarkBridgeFilled(ctx, "bridge-1", 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, err := s.BridgeRecord(ctx, "bridge-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.Filled || rec.RowCount != 7 {
		t.Fatalf("unexpected bridge record: %+v", rec)
	}

	// overwriting a bridge updates row count in place.
	if err := s.MarkBridgeFilled(ctx, "bridge-1", 9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, err = s.BridgeRecord(ctx, "bridge-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.RowCount != 9 {
		t.Fatalf("expected row count to be updated to 9, got %d", rec.RowCount)
	}

	if err := s.MarkSinkFilled(ctx, "sink-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sinkFilled, err := s.SinkFilled(ctx, "sink-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sinkFilled {
		t.Fatalf("expected sink-1 to be filled")
	}
}

func TestSQLiteStoreUnknownBridgeRecord(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()

	if _, err := s.BridgeRecord(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreJobRuns(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()

	run := JobRun{
		RunID:        "run-1",
		LayerID:      0,
		MSCRID:       2,
		JobName:      "scoobi-layer0-mscr2",
		Status:       JobStatusSuccess,
		ReducerCount: 4,
	}
	if err := s.RecordJobRun(ctx, run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runs, err := s.JobRuns(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 job run, got %d", len(runs))
	}
	if runs[0].JobName != run.JobName || runs[0].ReducerCount != 4 {
		t.Fatalf("unexpected job run: %+v", runs[0])
	}
}

func TestSQLiteStorePing(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
