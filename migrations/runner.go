package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrateLogger adapts slog to the migrate.Logger interface.
type migrateLogger struct {
	logger *slog.Logger
}

// Ensure we implement the interface at compile time.
var _ migrate.Logger = (*migrateLogger)(nil)

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Info("[MIGRATE] " + strings.TrimRight(fmt.Sprintf(format, v...), "\n"))
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Apply validates the engine's embedded DDL set and applies all pending
// migrations to db. Already-applied migrations are a no-op.
func Apply(ctx context.Context, db *sql.DB, engine string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	embedded, err := NewEmbeddedMigration(engine, nil)
	if err != nil {
		return err
	}

	if err := embedded.Validate(); err != nil {
		return fmt.Errorf("embedded migration validation failed: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := databaseDriver(db, engine)
	if err != nil {
		return err
	}

	sourceDriver, err := iofs.New(embedded.FS(), ".")
	if err != nil {
		return fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, engine, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	logger.Info("applying schema migrations", slog.String("engine", engine))

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}

// databaseDriver builds the golang-migrate database driver for an engine.
// The caller owns db; drivers built WithInstance do not close it.
func databaseDriver(db *sql.DB, engine string) (database.Driver, error) {
	switch engine {
	case EngineSQLite:
		driver, err := sqlite.WithInstance(db, &sqlite.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite migration driver: %w", err)
		}

		return driver, nil
	case EnginePostgres:
		driver, err := postgres.WithInstance(db, &postgres.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres migration driver: %w", err)
		}

		return driver, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, engine)
	}
}
