package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// TestPostgresIntegration validates PostgresStore against a real
// Postgres database. Requires TEST_POSTGRES_DSN, e.g.
// "host=localhost user=scoobi dbname=scoobi_test sslmode=disable".
func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping Postgres integration test: set TEST_POSTGRES_DSN to run")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("failed to create PostgresStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	bridgeID := fmt.Sprintf("integration-bridge-%d", time.Now().UnixNano())
	if err := s.MarkBridgeFilled(ctx, bridgeID, 55); err != nil {
		t.Fatalf("failed to mark bridge filled: %v", err)
	}
	rec, err := s.BridgeRecord(ctx, bridgeID)
	if err != nil {
		t.Fatalf("failed to query bridge record: %v", err)
	}
	if rec.RowCount != 55 {
		t.Fatalf("expected row count 55, got %d", rec.RowCount)
	}
}
