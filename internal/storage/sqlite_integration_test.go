package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

// newTestSQLiteEngine builds a schema-initialised sqlite engine on a
// temporary database file.
func newTestSQLiteEngine(t *testing.T) Engine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := Open(NewConfig("sqlite", filepath.Join(t.TempDir(), "data", "analytics.db"), ""), logger)
	if err != nil {
		t.Fatalf("failed to open sqlite engine: %v", err)
	}

	if err := engine.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	return engine
}

func TestSQLiteEngine_ValidateConnection(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine := newTestSQLiteEngine(t)

	if engine.Name() != "sqlite" {
		t.Errorf("Name() = %q, want sqlite", engine.Name())
	}

	if !engine.ValidateConnection(context.Background()) {
		t.Error("expected connection validation to succeed")
	}
}

func TestSQLiteEngine_InsertAndQuery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine := newTestSQLiteEngine(t)
	ctx := context.Background()

	batch := NewBatch("hotel_id", "room_type_id", "quantity", "source_filename", "is_active")
	batch.Append(map[string]any{
		"hotel_id": json.Number("3"), "room_type_id": "DBL", "quantity": json.Number("25"),
		"source_filename": "inventory.csv", "is_active": true,
	})
	batch.Append(map[string]any{
		"hotel_id": json.Number("3"), "room_type_id": "SGL", "quantity": json.Number("10"),
		"source_filename": "inventory.csv", "is_active": true,
	})

	inserted, err := engine.InsertRows(ctx, "inventory", batch, InsertOptions{})
	if err != nil {
		t.Fatalf("InsertRows failed: %v", err)
	}

	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}

	result, err := engine.Execute(ctx, "SELECT hotel_id, room_type_id, quantity FROM inventory ORDER BY room_type_id", false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !result.HasRows || len(result.Rows) != 2 {
		t.Fatalf("expected 2 result rows, got %+v", result)
	}

	if result.Rows[0][0] != int64(3) || result.Rows[0][1] != "DBL" || result.Rows[0][2] != int64(25) {
		t.Errorf("unexpected first row: %v", result.Rows[0])
	}
}

func TestSQLiteEngine_PreStatementDeactivatesInventory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine := newTestSQLiteEngine(t)
	ctx := context.Background()

	first := NewBatch("hotel_id", "room_type_id", "quantity", "is_active")
	first.Append(map[string]any{"hotel_id": 3, "room_type_id": "DBL", "quantity": 25, "is_active": true})
	first.Append(map[string]any{"hotel_id": 3, "room_type_id": "SGL", "quantity": 10, "is_active": true})

	if _, err := engine.InsertRows(ctx, "inventory", first, InsertOptions{}); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	// The next snapshot deactivates every prior row inside the same transaction.
	second := NewBatch("hotel_id", "room_type_id", "quantity", "is_active")
	second.Append(map[string]any{"hotel_id": 3, "room_type_id": "DBL", "quantity": 30, "is_active": true})

	opts := InsertOptions{Pre: "UPDATE inventory SET is_active=false"}
	if _, err := engine.InsertRows(ctx, "inventory", second, opts); err != nil {
		t.Fatalf("second insert failed: %v", err)
	}

	result, err := engine.Execute(ctx, "SELECT COUNT(*), SUM(quantity) FROM inventory WHERE is_active", false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Rows[0][0] != int64(1) || result.Rows[0][1] != int64(30) {
		t.Errorf("expected single active row with quantity 30, got %v", result.Rows[0])
	}
}

func TestSQLiteEngine_StagingMergeDeduplicates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine := newTestSQLiteEngine(t)
	ctx := context.Background()

	pre := `
	CREATE TEMP TABLE staging_reservation_imports AS
	SELECT * FROM reservation_imports WHERE 1=0
	`
	post := `
	INSERT INTO reservation_imports
	SELECT stg.*
	FROM staging_reservation_imports AS stg
	LEFT JOIN reservation_imports AS tbl
	ON tbl.reservation_hash = stg.reservation_hash
	WHERE tbl.reservation_hash IS NULL
	`

	columns := []string{"hotel_id", "reservation_id", "status", "arrival_date", "departure_date", "reservation_hash"}

	reservation := func(id, hash string) map[string]any {
		return map[string]any{
			"hotel_id": "3", "reservation_id": id, "status": "confirmed",
			"arrival_date": "2025-05-10", "departure_date": "2025-05-12",
			"reservation_hash": hash,
		}
	}

	first := Batch{Columns: columns}
	first.Append(reservation("1001", "hash-a"))
	first.Append(reservation("1002", "hash-b"))

	opts := InsertOptions{Pre: pre, Post: post}

	if _, err := engine.InsertRows(ctx, "staging_reservation_imports", first, opts); err != nil {
		t.Fatalf("first merge failed: %v", err)
	}

	// Second file repeats hash-b; the anti-join keeps only hash-c.
	second := Batch{Columns: columns}
	second.Append(reservation("1002", "hash-b"))
	second.Append(reservation("1003", "hash-c"))

	if _, err := engine.InsertRows(ctx, "staging_reservation_imports", second, opts); err != nil {
		t.Fatalf("second merge failed: %v", err)
	}

	result, err := engine.Execute(ctx, "SELECT COUNT(*) FROM reservation_imports", false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Rows[0][0] != int64(3) {
		t.Errorf("expected 3 deduplicated rows, got %v", result.Rows[0][0])
	}

	// The staging table must not survive the call: connections are per call.
	check, err := engine.Execute(ctx,
		"SELECT COUNT(*) FROM sqlite_temp_master WHERE name='staging_reservation_imports'", false)
	if err != nil {
		t.Fatalf("staging check failed: %v", err)
	}

	if check.Rows[0][0] != int64(0) {
		t.Error("staging table leaked across calls")
	}
}

func TestSQLiteEngine_OverwriteClearsTable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine := newTestSQLiteEngine(t)
	ctx := context.Background()

	batch := NewBatch("rejected_row", "validation_errors", "source_filename")
	batch.Append(map[string]any{"rejected_row": "{}", "validation_errors": "[]", "source_filename": "a.json"})
	batch.Append(map[string]any{"rejected_row": "{}", "validation_errors": "[]", "source_filename": "b.json"})

	if _, err := engine.InsertRows(ctx, "rejected_imports", batch, InsertOptions{}); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	replacement := NewBatch("rejected_row", "validation_errors", "source_filename")
	replacement.Append(map[string]any{"rejected_row": "{}", "validation_errors": "[]", "source_filename": "c.json"})

	if _, err := engine.InsertRows(ctx, "rejected_imports", replacement, InsertOptions{Overwrite: true}); err != nil {
		t.Fatalf("overwrite insert failed: %v", err)
	}

	result, err := engine.Execute(ctx, "SELECT COUNT(*) FROM rejected_imports", false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Rows[0][0] != int64(1) {
		t.Errorf("expected 1 row after overwrite, got %v", result.Rows[0][0])
	}
}

func TestSQLiteEngine_ExecuteDML(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine := newTestSQLiteEngine(t)
	ctx := context.Background()

	batch := NewBatch("hotel_id", "room_type_id", "quantity", "is_active")
	batch.Append(map[string]any{"hotel_id": 3, "room_type_id": "DBL", "quantity": 25, "is_active": true})
	batch.Append(map[string]any{"hotel_id": 3, "room_type_id": "SGL", "quantity": 10, "is_active": true})

	if _, err := engine.InsertRows(ctx, "inventory", batch, InsertOptions{}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	result, err := engine.Execute(ctx, "UPDATE inventory SET is_active=false", false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.HasRows {
		t.Error("DML should not report rows")
	}

	if result.Affected != 2 {
		t.Errorf("Affected = %d, want 2", result.Affected)
	}
}

func TestSQLiteEngine_SafeModeSwallowsErrors(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine := newTestSQLiteEngine(t)
	ctx := context.Background()

	// Execute: safe=true logs and reports a zero result.
	result, err := engine.Execute(ctx, "SELECT * FROM missing_table", true)
	if err != nil {
		t.Errorf("safe Execute returned error: %v", err)
	}

	if result.HasRows || result.OK {
		t.Errorf("safe Execute should return zero result, got %+v", result)
	}

	// Execute: safe=false surfaces the failure.
	_, err = engine.Execute(ctx, "SELECT * FROM missing_table", false)
	if !errors.Is(err, ErrExecuteFailed) {
		t.Errorf("expected ErrExecuteFailed, got %v", err)
	}

	batch := NewBatch("value")
	batch.Append(map[string]any{"value": 1})

	// InsertRows: Safe swallows, otherwise the sentinel surfaces.
	inserted, err := engine.InsertRows(ctx, "missing_table", batch, InsertOptions{Safe: true})
	if err != nil || inserted != 0 {
		t.Errorf("safe InsertRows = (%d, %v), want (0, nil)", inserted, err)
	}

	_, err = engine.InsertRows(ctx, "missing_table", batch, InsertOptions{})
	if !errors.Is(err, ErrInsertFailed) {
		t.Errorf("expected ErrInsertFailed, got %v", err)
	}
}

func TestSQLiteEngine_EmptyBatchIsNoOp(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine := newTestSQLiteEngine(t)

	// No transaction is opened for an empty batch, so even a bogus table succeeds.
	inserted, err := engine.InsertRows(context.Background(), "missing_table", NewBatch("value"), InsertOptions{})
	if err != nil {
		t.Errorf("empty batch returned error: %v", err)
	}

	if inserted != 0 {
		t.Errorf("inserted = %d, want 0", inserted)
	}
}

func TestSQLiteEngine_FailedMergeRollsBack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine := newTestSQLiteEngine(t)
	ctx := context.Background()

	batch := NewBatch("hotel_id", "room_type_id", "quantity", "is_active")
	batch.Append(map[string]any{"hotel_id": 3, "room_type_id": "DBL", "quantity": 25, "is_active": true})

	// Post references a missing table, so the whole transaction must roll back.
	opts := InsertOptions{Post: "INSERT INTO missing_table SELECT 1"}

	if _, err := engine.InsertRows(ctx, "inventory", batch, opts); err == nil {
		t.Fatal("expected merge failure, got nil")
	}

	result, err := engine.Execute(ctx, "SELECT COUNT(*) FROM inventory", false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Rows[0][0] != int64(0) {
		t.Errorf("expected rollback to leave 0 rows, got %v", result.Rows[0][0])
	}
}

func TestSQLiteEngine_ViewKPI(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine := newTestSQLiteEngine(t)
	ctx := context.Background()

	inventory := NewBatch("hotel_id", "room_type_id", "quantity", "is_active")
	inventory.Append(map[string]any{"hotel_id": 3, "room_type_id": "DBL", "quantity": 6, "is_active": true})
	inventory.Append(map[string]any{"hotel_id": 3, "room_type_id": "SGL", "quantity": 4, "is_active": true})

	if _, err := engine.InsertRows(ctx, "inventory", inventory, InsertOptions{}); err != nil {
		t.Fatalf("inventory insert failed: %v", err)
	}

	reservations := NewBatch("hotel_id", "reservation_id", "status", "arrival_date", "departure_date", "reservation_hash")
	reservations.Append(map[string]any{
		"hotel_id": "3", "reservation_id": "1001", "status": "confirmed",
		"arrival_date": "2025-05-10", "departure_date": "2025-05-12", "reservation_hash": "hash-a",
	})
	reservations.Append(map[string]any{
		"hotel_id": "3", "reservation_id": "1002", "status": "cancelled",
		"arrival_date": "2025-05-10", "departure_date": "2025-05-12", "reservation_hash": "hash-b",
	})

	if _, err := engine.InsertRows(ctx, "reservation_imports", reservations, InsertOptions{}); err != nil {
		t.Fatalf("reservation insert failed: %v", err)
	}

	// Two-night segment: 200.0 net spreads to 100.0 per night. The cancelled
	// reservation's segment must not appear at all.
	stayDates := NewBatch("hotel_id", "reservation_id", "start_date", "end_date",
		"revenue_net_amount", "reservation_hash", "stay_date_hash")
	stayDates.Append(map[string]any{
		"hotel_id": "3", "reservation_id": "1001", "start_date": "2025-05-10", "end_date": "2025-05-11",
		"revenue_net_amount": 200.0, "reservation_hash": "hash-a", "stay_date_hash": "sd-1",
	})
	stayDates.Append(map[string]any{
		"hotel_id": "3", "reservation_id": "1002", "start_date": "2025-05-10", "end_date": "2025-05-11",
		"revenue_net_amount": 999.0, "reservation_hash": "hash-b", "stay_date_hash": "sd-2",
	})

	if _, err := engine.InsertRows(ctx, "reservation_stay_dates", stayDates, InsertOptions{}); err != nil {
		t.Fatalf("stay date insert failed: %v", err)
	}

	result, err := engine.Execute(ctx,
		"SELECT night_of_stay, rooms_sold, occupancy_percentage, total_net_revenue, adr FROM view_kpi ORDER BY night_of_stay", false)
	if err != nil {
		t.Fatalf("view query failed: %v", err)
	}

	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 KPI rows, got %d: %v", len(result.Rows), result.Rows)
	}

	for i, night := range []string{"2025-05-10", "2025-05-11"} {
		row := result.Rows[i]
		if row[0] != night {
			t.Errorf("row %d night = %v, want %s", i, row[0], night)
		}

		if row[1] != int64(1) {
			t.Errorf("row %d rooms_sold = %v, want 1", i, row[1])
		}

		// 1 of 10 active rooms.
		if occupancy, ok := row[2].(float64); !ok || occupancy != 10.0 {
			t.Errorf("row %d occupancy = %v, want 10.0", i, row[2])
		}

		if revenue, ok := row[3].(float64); !ok || revenue != 100.0 {
			t.Errorf("row %d total_net_revenue = %v, want 100.0", i, row[3])
		}

		if adr, ok := row[4].(float64); !ok || adr != 100.0 {
			t.Errorf("row %d adr = %v, want 100.0", i, row[4])
		}
	}
}
