package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/innsight-io/innsight/migrations"
)

func init() {
	Register("postgres", newPostgresEngine)
}

// postgresEngine is the server-backed analytical store.
type postgresEngine struct {
	cfg    Config
	logger *slog.Logger
}

func newPostgresEngine(cfg Config, logger *slog.Logger) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &postgresEngine{cfg: cfg, logger: logger}, nil
}

func (e *postgresEngine) Name() string {
	return "postgres"
}

func (e *postgresEngine) open() (*sql.DB, error) {
	db, err := sql.Open("postgres", e.cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %s: %w", e.cfg.MaskDatabaseURL(), err)
	}

	return db, nil
}

func (e *postgresEngine) ValidateConnection(ctx context.Context) bool {
	e.logger.Info("validating postgres connection", slog.String("database_url", e.cfg.MaskDatabaseURL()))

	db, err := e.open()
	if err != nil {
		e.logger.Error("error validating postgres connection", slog.Any("error", err))

		return false
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		e.logger.Error("error validating postgres connection", slog.Any("error", err))

		return false
	}

	return true
}

func (e *postgresEngine) InitSchema(ctx context.Context) error {
	db, err := e.open()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaInitFailed, err)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Apply(ctx, db, migrations.EnginePostgres, e.logger); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaInitFailed, err)
	}

	return nil
}

func (e *postgresEngine) Execute(ctx context.Context, query string, safe bool) (ExecResult, error) {
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

func (e *postgresEngine) InsertRows(ctx context.Context, table string, batch Batch, opts InsertOptions) (int, error) {
	db, err := e.open()
	if err != nil {
		if opts.Safe {
			e.logger.Error("error inserting rows", slog.String("table", table), slog.Any("error", err))

			return 0, nil
		}

		return 0, fmt.Errorf("%w: table %s: %w", ErrInsertFailed, table, err)
	}
	defer func() { _ = db.Close() }()

	return runInsertRows(ctx, db, postgresDialect, table, batch, opts, e.logger)
}

var postgresDialect = dialect{
	placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
	clearStmt:   func(table string) string { return "TRUNCATE TABLE " + table },
}

// IsConnectionError reports whether an error indicates the database
// connection itself failed, as opposed to a statement-level problem.
// PostgreSQL class 08 covers connection exceptions; the standard
// database/sql sentinels cover the rest.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
