package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innsight-io/innsight/internal/extraction"
	"github.com/innsight-io/innsight/internal/storage"
)

const reservationsDoc = `{
  "data": [
    {
      "hotel_id": "3",
      "reservation_id": "RES-100",
      "status": "confirmed",
      "arrival_date": "2025-05-10",
      "departure_date": "2025-05-12",
      "created_at": "2025-05-01 09:30:00.000000",
      "updated_at": "2025-05-02 10:00:00.000000",
      "stay_dates": [
        {
          "start_date": "2025-05-10",
          "end_date": "2025-05-11",
          "room_type_id": "DBL",
          "room_type_name": "Deluxe Double",
          "number_of_adults": 2,
          "number_of_children": 0,
          "room_revenue_gross_amount": 242.00,
          "room_revenue_net_amount": 200.00
        }
      ]
    },
    {
      "hotel_id": "3",
      "reservation_id": "RES-101",
      "status": "tentative",
      "arrival_date": "2025-05-10",
      "departure_date": "2025-05-12",
      "created_at": "2025-05-01 09:30:00.000000",
      "updated_at": "2025-05-02 10:00:00.000000",
      "stay_dates": [
        {
          "start_date": "2025-05-10",
          "end_date": "2025-05-11",
          "room_type_id": "SGL",
          "room_type_name": "Single",
          "number_of_adults": 1,
          "number_of_children": 0,
          "room_revenue_gross_amount": 121.00,
          "room_revenue_net_amount": 100.00
        }
      ]
    }
  ]
}`

type harness struct {
	runner          *Runner
	engine          storage.Engine
	archive         extraction.Archive
	inventoryDir    string
	reservationsDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := storage.Open(storage.NewConfig("sqlite", filepath.Join(root, "db", "analytics.db"), ""), logger)
	require.NoError(t, err)
	require.NoError(t, engine.InitSchema(context.Background()))

	localCfg := extraction.LocalConfig{
		InventoryPath:            filepath.Join(root, "drop", "inventory"),
		InventoryColumnSeparator: ",",
		ReservationsPath:         filepath.Join(root, "drop", "reservations"),
		IgnoreEmptyLines:         true,
	}
	archive := extraction.NewArchive(filepath.Join(root, "archive"))
	source := extraction.NewLocalSource(localCfg, archive, logger)

	return &harness{
		runner:          NewRunner(source, engine, archive, logger),
		engine:          engine,
		archive:         archive,
		inventoryDir:    localCfg.InventoryPath,
		reservationsDir: localCfg.ReservationsPath,
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	return names
}

func queryCount(t *testing.T, engine storage.Engine, query string) int64 {
	t.Helper()

	result, err := engine.Execute(context.Background(), query, false)
	require.NoError(t, err)
	require.True(t, result.HasRows)

	value, ok := result.Rows[0][0].(int64)
	require.True(t, ok, "count query returned %T", result.Rows[0][0])

	return value
}

func TestRunner_FullCycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := newHarness(t)
	writeFile(t, h.inventoryDir, "inventory.csv", "hotel_id,room_type_id,quantity\n3,DBL,6\n3,SGL,4\n")
	writeFile(t, h.reservationsDir, "reservations_1.json", reservationsDoc)

	require.NoError(t, h.runner.Run(context.Background()))

	assert.Equal(t, int64(2), queryCount(t, h.engine, "SELECT COUNT(*) FROM inventory WHERE is_active"))
	assert.Equal(t, int64(1), queryCount(t, h.engine, "SELECT COUNT(*) FROM reservation_imports"))
	assert.Equal(t, int64(1), queryCount(t, h.engine, "SELECT COUNT(*) FROM reservation_stay_dates"))
	assert.Equal(t, int64(1), queryCount(t, h.engine, "SELECT COUNT(*) FROM rejected_imports"))

	// Both files end in the success archive, nothing lingers in tmp.
	assert.Empty(t, listDir(t, h.archive.TempDir()))
	assert.Empty(t, listDir(t, h.archive.ErrorDir()))

	committed := listDir(t, h.archive.SuccessDir())
	require.Len(t, committed, 2)
	assert.Regexp(t, `^inventory__\d{14}\.csv$`, committed[0])
	assert.Regexp(t, `^reservations_1__\d{14}\.json$`, committed[1])
}

func TestRunner_ReingestionIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := newHarness(t)
	writeFile(t, h.reservationsDir, "reservations_1.json", reservationsDoc)
	require.NoError(t, h.runner.Run(context.Background()))

	// The same content arrives again under a new batch name: the merges drop
	// every already known hash, the rejected log only grows.
	writeFile(t, h.reservationsDir, "reservations_2.json", reservationsDoc)
	require.NoError(t, h.runner.Run(context.Background()))

	assert.Equal(t, int64(1), queryCount(t, h.engine, "SELECT COUNT(*) FROM reservation_imports"))
	assert.Equal(t, int64(1), queryCount(t, h.engine, "SELECT COUNT(*) FROM reservation_stay_dates"))
	assert.Equal(t, int64(2), queryCount(t, h.engine, "SELECT COUNT(*) FROM rejected_imports"))

	assert.Len(t, listDir(t, h.archive.SuccessDir()), 2)
}

func TestRunner_InventoryFullReplace(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := newHarness(t)
	writeFile(t, h.inventoryDir, "inventory.csv", "hotel_id,room_type_id,quantity\n3,DBL,6\n3,SGL,4\n")
	require.NoError(t, h.runner.Run(context.Background()))

	writeFile(t, h.inventoryDir, "inventory.csv", "hotel_id,room_type_id,quantity\n3,DBL,8\n")
	require.NoError(t, h.runner.Run(context.Background()))

	assert.Equal(t, int64(1), queryCount(t, h.engine, "SELECT COUNT(*) FROM inventory WHERE is_active"))
	assert.Equal(t, int64(3), queryCount(t, h.engine, "SELECT COUNT(*) FROM inventory"))

	result, err := h.engine.Execute(context.Background(), "SELECT quantity FROM inventory WHERE is_active", false)
	require.NoError(t, err)
	assert.Equal(t, int64(8), result.Rows[0][0])
}

func TestRunner_MalformedFileDoesNotPoisonBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := newHarness(t)
	writeFile(t, h.reservationsDir, "reservations_1.json", "{broken")
	writeFile(t, h.reservationsDir, "reservations_2.json", reservationsDoc)

	require.NoError(t, h.runner.Run(context.Background()))

	assert.Equal(t, int64(1), queryCount(t, h.engine, "SELECT COUNT(*) FROM reservation_imports"))

	errored := listDir(t, h.archive.ErrorDir())
	require.Len(t, errored, 1)
	assert.Regexp(t, `^error_reservations_1_`, errored[0])

	committed := listDir(t, h.archive.SuccessDir())
	require.Len(t, committed, 1)
	assert.Regexp(t, `^reservations_2__`, committed[0])
}

func TestRunner_NoFilesIsANoOp(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := newHarness(t)

	require.NoError(t, h.runner.Run(context.Background()))

	assert.Equal(t, int64(0), queryCount(t, h.engine, "SELECT COUNT(*) FROM inventory"))
	assert.Equal(t, int64(0), queryCount(t, h.engine, "SELECT COUNT(*) FROM reservation_imports"))
	assert.Empty(t, listDir(t, h.archive.SuccessDir()))
}

// stubEngine records InsertRows calls and fails selected tables so runner
// error paths can be driven without a database.
type stubEngine struct {
	failTables map[string]error
	calls      []stubCall
}

type stubCall struct {
	table string
	rows  int
	opts  storage.InsertOptions
}

func (s *stubEngine) Name() string { return "stub" }

func (s *stubEngine) ValidateConnection(context.Context) bool { return true }

func (s *stubEngine) InitSchema(context.Context) error { return nil }

func (s *stubEngine) Execute(context.Context, string, bool) (storage.ExecResult, error) {
	return storage.ExecResult{}, nil
}

func (s *stubEngine) InsertRows(_ context.Context, table string, batch storage.Batch, opts storage.InsertOptions) (int, error) {
	s.calls = append(s.calls, stubCall{table: table, rows: batch.Len(), opts: opts})

	if err := s.failTables[table]; err != nil {
		return 0, err
	}

	return batch.Len(), nil
}

func newStubHarness(t *testing.T, engine storage.Engine) *harness {
	t.Helper()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	localCfg := extraction.LocalConfig{
		InventoryPath:            filepath.Join(root, "drop", "inventory"),
		InventoryColumnSeparator: ",",
		ReservationsPath:         filepath.Join(root, "drop", "reservations"),
		IgnoreEmptyLines:         true,
	}
	archive := extraction.NewArchive(filepath.Join(root, "archive"))
	source := extraction.NewLocalSource(localCfg, archive, logger)

	return &harness{
		runner:          NewRunner(source, engine, archive, logger),
		engine:          engine,
		archive:         archive,
		inventoryDir:    localCfg.InventoryPath,
		reservationsDir: localCfg.ReservationsPath,
	}
}

func TestRunner_TableSequencePerFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := &stubEngine{}
	h := newStubHarness(t, engine)
	writeFile(t, h.inventoryDir, "inventory.csv", "hotel_id,room_type_id,quantity\n3,DBL,6\n")
	writeFile(t, h.reservationsDir, "reservations_1.json", reservationsDoc)

	require.NoError(t, h.runner.Run(context.Background()))

	require.Len(t, engine.calls, 4)

	inventory := engine.calls[0]
	assert.Equal(t, "inventory", inventory.table)
	assert.Contains(t, inventory.opts.Pre, "is_active=false")
	assert.Empty(t, inventory.opts.Post)

	rejected := engine.calls[1]
	assert.Equal(t, "rejected_imports", rejected.table)
	assert.Empty(t, rejected.opts.Pre)
	assert.Empty(t, rejected.opts.Post)

	imports := engine.calls[2]
	assert.Equal(t, "staging_reservation_imports", imports.table)
	assert.Contains(t, imports.opts.Pre, "CREATE TEMP TABLE staging_reservation_imports")
	assert.Contains(t, imports.opts.Post, "LEFT JOIN reservation_imports")
	assert.Contains(t, imports.opts.Post, "WHERE tbl.reservation_hash IS NULL")

	stayDates := engine.calls[3]
	assert.Equal(t, "staging_reservation_stay_dates", stayDates.table)
	assert.Contains(t, stayDates.opts.Pre, "CREATE TEMP TABLE staging_reservation_stay_dates")
	assert.Contains(t, stayDates.opts.Post, "AND tbl.stay_date_hash = stg.stay_date_hash")
}

func TestRunner_InsertFailureMovesFileToError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := &stubEngine{failTables: map[string]error{
		"staging_reservation_imports": errors.New("merge refused"),
	}}
	h := newStubHarness(t, engine)
	writeFile(t, h.reservationsDir, "reservations_1.json", reservationsDoc)

	require.NoError(t, h.runner.Run(context.Background()))

	errored := listDir(t, h.archive.ErrorDir())
	require.Len(t, errored, 1)
	assert.True(t, strings.HasPrefix(errored[0], "error_reservations_1_"))

	assert.Empty(t, listDir(t, h.archive.TempDir()))
	assert.Empty(t, listDir(t, h.archive.SuccessDir()))
}

func TestRunner_InventoryInsertFailureMovesFileToError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := &stubEngine{failTables: map[string]error{
		"inventory": errors.New("quantity out of range"),
	}}
	h := newStubHarness(t, engine)
	writeFile(t, h.inventoryDir, "inventory.csv", "hotel_id,room_type_id,quantity\n3,DBL,6\n")

	require.NoError(t, h.runner.Run(context.Background()))

	errored := listDir(t, h.archive.ErrorDir())
	require.Len(t, errored, 1)
	assert.True(t, strings.HasPrefix(errored[0], "error_inventory_"))
}

func TestRunner_ConnectionFailureAbortsCycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := &stubEngine{failTables: map[string]error{
		"staging_reservation_imports": &pq.Error{Code: "08006", Message: "connection failure"},
	}}
	h := newStubHarness(t, engine)
	writeFile(t, h.reservationsDir, "reservations_1.json", reservationsDoc)
	writeFile(t, h.reservationsDir, "reservations_2.json", reservationsDoc)

	err := h.runner.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "merging reservations")

	// The files were fine, the store was not: both return to the drop
	// directory for the next cycle instead of being misfiled in the
	// error archive.
	assert.Equal(t, []string{"reservations_1.json", "reservations_2.json"},
		listDir(t, h.reservationsDir))
	assert.Empty(t, listDir(t, h.archive.TempDir()))
	assert.Empty(t, listDir(t, h.archive.ErrorDir()))
	assert.Empty(t, listDir(t, h.archive.SuccessDir()))
}

func TestRunner_InventoryConnectionFailureReturnsFileToDrop(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := &stubEngine{failTables: map[string]error{
		"inventory": &pq.Error{Code: "08001", Message: "could not connect"},
	}}
	h := newStubHarness(t, engine)
	writeFile(t, h.inventoryDir, "inventory.csv", "hotel_id,room_type_id,quantity\n3,DBL,6\n")

	err := h.runner.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "inserting inventory")

	assert.Equal(t, []string{"inventory.csv"}, listDir(t, h.inventoryDir))
	assert.Empty(t, listDir(t, h.archive.TempDir()))
	assert.Empty(t, listDir(t, h.archive.ErrorDir()))
}

func TestRunner_CancelledContextStopsCycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := &stubEngine{}
	h := newStubHarness(t, engine)
	writeFile(t, h.reservationsDir, "reservations_1.json", reservationsDoc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.runner.Run(ctx)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, engine.calls)
}
