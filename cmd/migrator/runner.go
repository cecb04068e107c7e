package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	migrate "github.com/golang-migrate/migrate/v4"

	"github.com/innsight-io/innsight/migrations"
)

type (
	// MigrationRunner defines the interface for running schema migrations.
	MigrationRunner interface {
		// Up applies all pending migrations
		Up() error

		// Down rollbacks the last migration
		Down() error

		// Status shows the current migration status
		Status() error

		// Version shows the current migration version
		Version() error

		// Drop drops all tables (destructive operation)
		Drop() error

		// Close closes any open connections
		Close() error
	}

	// migrationRunner implements MigrationRunner using golang-migrate over
	// the embedded DDL set.
	migrationRunner struct {
		config   *Config
		embedded *migrations.EmbeddedMigration
		migrate  *migrate.Migrate
		db       *sql.DB
	}

	// migrateLogger implements the migrate.Logger interface
	migrateLogger struct{}
)

// Ensure we implement the interface at compile time
var _ migrate.Logger = (*migrateLogger)(nil)

// NewMigrationRunner creates a migration runner for the configured engine.
// Migrations are embedded in the binary; no external files are read.
func NewMigrationRunner(config *Config) (MigrationRunner, error) {
	log.Printf("Initializing migration runner with config: %s", config.String())

	embedded, err := migrations.NewEmbeddedMigration(config.Engine, nil)
	if err != nil {
		return nil, err
	}

	if err := embedded.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := openDatabase(config)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Database connection established successfully")

	driver, err := databaseDriver(db, config)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	sourceDriver, err := iofs.New(embedded.FS(), ".")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, config.Engine, driver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{}

	log.Println("Migration runner initialized successfully")

	return &migrationRunner{
		config:   config,
		embedded: embedded,
		migrate:  m,
		db:       db,
	}, nil
}

// openDatabase opens the database/sql connection for the configured engine.
func openDatabase(config *Config) (*sql.DB, error) {
	switch config.Engine {
	case migrations.EngineSQLite:
		db, err := sql.Open("sqlite", "file:"+config.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}

		return db, nil
	case migrations.EnginePostgres:
		db, err := sql.Open("postgres", config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database connection: %w", err)
		}

		return db, nil
	default:
		return nil, fmt.Errorf("unsupported engine: %s", config.Engine)
	}
}

// databaseDriver builds the golang-migrate driver with the configured
// tracking table.
func databaseDriver(db *sql.DB, config *Config) (database.Driver, error) {
	switch config.Engine {
	case migrations.EngineSQLite:
		driver, err := sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: config.MigrationTable})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
		}

		return driver, nil
	case migrations.EnginePostgres:
		driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: config.MigrationTable})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres driver: %w", err)
		}

		return driver, nil
	default:
		return nil, fmt.Errorf("unsupported engine: %s", config.Engine)
	}
}

// Up applies all pending migrations
func (r *migrationRunner) Up() error {
	log.Println("Starting migration up...")

	err := r.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No new migrations to apply")
	} else {
		log.Println("All migrations applied successfully")
	}

	return nil
}

// Down rollbacks the last migration
func (r *migrationRunner) Down() error {
	log.Println("Starting migration down...")

	err := r.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No migrations to rollback")
	} else {
		log.Println("Last migration rolled back successfully")
	}

	return nil
}

// Status shows the current migration status
func (r *migrationRunner) Status() error {
	latest, err := r.latestSequence()
	if err != nil {
		return err
	}

	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Printf("Migration Status: No migrations applied yet (%d pending)\n", latest)
			return nil
		}

		return fmt.Errorf("failed to get migration version: %w", err)
	}

	status := "clean"
	if dirty {
		status = "dirty (needs manual intervention)"
	}

	fmt.Printf("Migration Status: Version %d of %d (%s)\n", ver, latest, status)

	if int(ver) < latest {
		fmt.Printf("Pending migrations: %d (run 'up' to apply)\n", latest-int(ver))
	} else {
		fmt.Println("Schema is up to date")
	}

	return nil
}

// Version shows the current migration version
func (r *migrationRunner) Version() error {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("Current Version: No migrations applied")
			return nil
		}

		return fmt.Errorf("failed to get migration version: %w", err)
	}

	dirtyNote := ""
	if dirty {
		dirtyNote = " (dirty)"
	}

	fmt.Printf("Current Version: %d%s\n", ver, dirtyNote)

	return nil
}

// Drop drops all tables (destructive operation)
func (r *migrationRunner) Drop() error {
	log.Println("WARNING: Dropping all tables...")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	log.Println("All tables dropped successfully")

	return nil
}

// Close closes database connections
func (r *migrationRunner) Close() error {
	var errs []error

	if r.migrate != nil {
		if sourceErr, dbErr := r.migrate.Close(); sourceErr != nil || dbErr != nil {
			if sourceErr != nil {
				errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
			}

			if dbErr != nil {
				errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
			}
		}
	}

	// migrate.Close closes the driver but not the *sql.DB built WithInstance.
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}

	return nil
}

// latestSequence returns the highest embedded migration sequence. The
// embedded set is validated gapless from 001, so the count of up files is
// the latest version.
func (r *migrationRunner) latestSequence() (int, error) {
	files, err := r.embedded.List()
	if err != nil {
		return 0, err
	}

	ups := 0

	for _, file := range files {
		if strings.HasSuffix(file, ".up.sql") {
			ups++
		}
	}

	return ups, nil
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[MIGRATE] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}
