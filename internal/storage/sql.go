package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// dialect captures the SQL fragments that differ between engines so the
// transaction flow in runInsertRows can be shared.
type dialect struct {
	// placeholder renders the parameter marker for 1-based position i.
	placeholder func(i int) string
	// clearStmt renders the statement that empties a table for Overwrite.
	clearStmt func(table string) string
}

// queryReturnsRows reports whether a statement is expected to produce a
// result set. The head keyword decides; everything else goes through Exec.
func queryReturnsRows(query string) bool {
	head := strings.TrimSpace(query)
	if i := strings.IndexFunc(head, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }); i >= 0 {
		head = head[:i]
	}

	switch strings.ToUpper(head) {
	case "SELECT", "WITH", "VALUES", "SHOW", "PRAGMA", "EXPLAIN":
		return true
	}

	return false
}

// collectRows drains a result set into an ExecResult. []byte cells are
// converted to string so results are comparable across drivers.
func collectRows(rows *sql.Rows) (ExecResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to read result columns: %w", err)
	}

	result := ExecResult{Columns: columns, HasRows: true, OK: true}

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return ExecResult{}, fmt.Errorf("failed to scan result row: %w", err)
		}

		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}

		result.Rows = append(result.Rows, values)
	}

	if err := rows.Err(); err != nil {
		return ExecResult{}, fmt.Errorf("failed to drain result rows: %w", err)
	}

	return result, nil
}

// driverValue converts decoded document values into types database drivers
// accept. json.Number becomes int64 or float64 so numeric columns keep
// their type; everything else passes through.
func driverValue(v any) any {
	switch value := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(value), 10, 64); err == nil {
			return i
		}

		if f, err := strconv.ParseFloat(string(value), 64); err == nil {
			return f
		}

		return string(value)
	default:
		return v
	}
}

// buildInsert renders the parameterised insert statement for a batch.
func buildInsert(d dialect, table string, columns []string) string {
	markers := make([]string, len(columns))
	for i := range columns {
		markers[i] = d.placeholder(i + 1)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(markers, ", "))
}

// runExecute is the shared Execute implementation. With safe=true errors
// are logged and a zero ExecResult is returned with a nil error.
func runExecute(ctx context.Context, db *sql.DB, query string, safe bool, logger *slog.Logger) (ExecResult, error) {
	result, err := executeStatement(ctx, db, query)
	if err != nil {
		if safe {
			logger.Error("error executing query", slog.Any("error", err))

			return ExecResult{}, nil
		}

		return ExecResult{}, fmt.Errorf("%w: %w", ErrExecuteFailed, err)
	}

	return result, nil
}

func executeStatement(ctx context.Context, db *sql.DB, query string) (ExecResult, error) {
	if queryReturnsRows(query) {
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return ExecResult{}, err
		}
		defer func() { _ = rows.Close() }()

		return collectRows(rows)
	}

	res, err := db.ExecContext(ctx, query)
	if err != nil {
		return ExecResult{}, err
	}

	// Not every statement reports an affected count; DDL legitimately does not.
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}

	return ExecResult{Affected: affected, OK: true}, nil
}

// runInsertRows is the shared InsertRows implementation: clear, pre
// statement, prepared per-row inserts, post statement, all in one
// transaction. Returns the number of rows inserted into table.
func runInsertRows(
	ctx context.Context,
	db *sql.DB,
	d dialect,
	table string,
	batch Batch,
	opts InsertOptions,
	logger *slog.Logger,
) (int, error) {
	if batch.Empty() {
		return 0, nil
	}

	if err := insertTx(ctx, db, d, table, batch, opts); err != nil {
		if opts.Safe {
			logger.Error("error inserting rows",
				slog.String("table", table),
				slog.Any("error", err),
			)

			return 0, nil
		}

		return 0, fmt.Errorf("%w: table %s: %w", ErrInsertFailed, table, err)
	}

	return batch.Len(), nil
}

func insertTx(ctx context.Context, db *sql.DB, d dialect, table string, batch Batch, opts InsertOptions) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	if opts.Overwrite {
		if _, err := tx.ExecContext(ctx, d.clearStmt(table)); err != nil {
			return fmt.Errorf("failed to clear table %s: %w", table, err)
		}
	}

	if opts.Pre != "" {
		if _, err := tx.ExecContext(ctx, opts.Pre); err != nil {
			return fmt.Errorf("pre statement failed: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, buildInsert(d, table, batch.Columns))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}

	defer func() { _ = stmt.Close() }()

	for i := 0; i < batch.Len(); i++ {
		values := batch.Values(i)
		for j, v := range values {
			values[j] = driverValue(v)
		}

		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", i, err)
		}
	}

	if opts.Post != "" {
		if _, err := tx.ExecContext(ctx, opts.Post); err != nil {
			return fmt.Errorf("post statement failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
