// Package migrations holds the embedded DDL for every supported storage
// engine and applies it with golang-migrate. Schema files are embedded at
// build time so deployments need no external migration directory.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

const (
	// EngineSQLite selects the sqlite DDL set.
	EngineSQLite = "sqlite"
	// EnginePostgres selects the postgres DDL set.
	EnginePostgres = "postgres"
)

var (
	// ErrUnknownEngine is returned when no DDL set exists for the requested engine.
	ErrUnknownEngine = errors.New("no migrations for engine")
	// ErrNoMigrations is returned when an engine's DDL set is empty.
	ErrNoMigrations = errors.New("no embedded migration files found")
)

//go:embed sqlite/*.sql postgres/*.sql
var embeddedMigrations embed.FS

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// EmbeddedMigration exposes one engine's embedded DDL set with strict
	// validation: filename format, up/down pairing and a gapless sequence.
	EmbeddedMigration struct {
		engine string
		fs     fs.FS
	}

	// migrationInfo contains parsed information about a migration file.
	migrationInfo struct {
		Sequence  int
		Name      string
		Direction string // "up" or "down"
		Filename  string
	}
)

// NewEmbeddedMigration returns the embedded DDL set for an engine.
// Pass a non-nil filesystem to override the embedded one in tests.
func NewEmbeddedMigration(engine string, filesystem fs.FS) (*EmbeddedMigration, error) {
	if filesystem == nil {
		sub, err := fs.Sub(embeddedMigrations, engine)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, engine)
		}

		filesystem = sub
	}

	return &EmbeddedMigration{engine: engine, fs: filesystem}, nil
}

// FS returns the file system containing the engine's migration files.
func (e *EmbeddedMigration) FS() fs.FS {
	return e.fs
}

// List returns the engine's migration files that conform to the naming
// standard, sorted lexicographically. Invalid filenames are rejected by
// Validate, not silently skipped here, so both views stay consistent.
func (e *EmbeddedMigration) List() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations for %s: %w", e.engine, err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()
		if filepath.Ext(filename) == ".sql" && migrationFilenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	// Lexicographic order matches sequence order with zero-padded prefixes.
	sort.Strings(files)

	return files, nil
}

// Validate checks the engine's DDL set: at least one file, every file
// readable and well-named, every up paired with a down, and no sequence gaps.
func (e *EmbeddedMigration) Validate() error {
	files, err := e.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("%w: engine %s", ErrNoMigrations, e.engine)
	}

	for _, file := range files {
		if _, err := fs.ReadFile(e.fs, file); err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}
	}

	if err := e.validatePairing(files); err != nil {
		return err
	}

	return e.validateSequence(files)
}

// parseMigrationFilename parses a migration filename and extracts its components.
func parseMigrationFilename(filename string) (*migrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &migrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validatePairing ensures that every up migration has a corresponding down migration.
func (e *EmbeddedMigration) validatePairing(files []string) error {
	pairs := make(map[string]map[string]*migrationInfo) // sequence_name -> direction -> migration

	for _, file := range files {
		migration, err := parseMigrationFilename(file)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", migration.Sequence, migration.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]*migrationInfo)
		}

		pairs[key][migration.Direction] = migration
	}

	for key, directions := range pairs {
		if _, hasUp := directions["up"]; !hasUp {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if _, hasDown := directions["down"]; !hasDown {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

// validateSequence ensures the sequence starts at 001 and has no gaps.
func (e *EmbeddedMigration) validateSequence(files []string) error {
	sequences := make(map[int]bool)

	for _, file := range files {
		migration, err := parseMigrationFilename(file)
		if err != nil {
			return err
		}

		sequences[migration.Sequence] = true
	}

	sequenceNumbers := make([]int, 0, len(sequences))
	for seq := range sequences {
		sequenceNumbers = append(sequenceNumbers, seq)
	}

	sort.Ints(sequenceNumbers)

	if len(sequenceNumbers) == 0 {
		return nil
	}

	if sequenceNumbers[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", sequenceNumbers[0])
	}

	for i := 1; i < len(sequenceNumbers); i++ {
		expected := sequenceNumbers[i-1] + 1
		if sequenceNumbers[i] != expected {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", expected, sequenceNumbers[i])
		}
	}

	return nil
}
