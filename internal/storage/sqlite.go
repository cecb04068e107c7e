package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" driver

	"github.com/innsight-io/innsight/migrations"
)

func init() {
	Register("sqlite", newSQLiteEngine)
}

// sqliteEngine is the default embedded analytical store. The database
// lives in a single file; the parent directory is created on construction.
type sqliteEngine struct {
	dbPath string
	dsn    string
	logger *slog.Logger
}

func newSQLiteEngine(cfg Config, logger *slog.Logger) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	return &sqliteEngine{
		dbPath: cfg.DBPath,
		dsn:    fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", cfg.DBPath),
		logger: logger,
	}, nil
}

func (e *sqliteEngine) Name() string {
	return "sqlite"
}

// open creates a fresh connection for a single call. Session state such as
// TEMP tables cannot leak between operations this way.
func (e *sqliteEngine) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", e.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", e.dbPath, err)
	}

	// A single connection serialises writers; busy_timeout covers readers.
	db.SetMaxOpenConns(1)

	return db, nil
}

func (e *sqliteEngine) ValidateConnection(ctx context.Context) bool {
	e.logger.Info("validating sqlite connection", slog.String("db_path", e.dbPath))

	db, err := e.open()
	if err != nil {
		e.logger.Error("error validating sqlite connection", slog.Any("error", err))

		return false
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		e.logger.Error("error validating sqlite connection", slog.Any("error", err))

		return false
	}

	return true
}

func (e *sqliteEngine) InitSchema(ctx context.Context) error {
	db, err := e.open()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaInitFailed, err)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Apply(ctx, db, migrations.EngineSQLite, e.logger); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaInitFailed, err)
	}

	return nil
}

func (e *sqliteEngine) Execute(ctx context.Context, query string, safe bool) (ExecResult, error) {
	db, err := e.open()
	if err != nil {
		if safe {
			e.logger.Error("error executing query", slog.Any("error", err))

			return ExecResult{}, nil
		}

		return ExecResult{}, fmt.Errorf("%w: %w", ErrExecuteFailed, err)
	}
	defer func() { _ = db.Close() }()

	return runExecute(ctx, db, query, safe, e.logger)
}

func (e *sqliteEngine) InsertRows(ctx context.Context, table string, batch Batch, opts InsertOptions) (int, error) {
	db, err := e.open()
	if err != nil {
		if opts.Safe {
			e.logger.Error("error inserting rows", slog.String("table", table), slog.Any("error", err))

			return 0, nil
		}

		return 0, fmt.Errorf("%w: table %s: %w", ErrInsertFailed, table, err)
	}
	defer func() { _ = db.Close() }()

	return runInsertRows(ctx, db, sqliteDialect, table, batch, opts, e.logger)
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	clearStmt:   func(table string) string { return "DELETE FROM " + table },
}
