// Package storage provides the analytical store abstraction for the ingestion
// pipeline: a small Engine interface, a named-engine registry, and the Batch
// value type that carries validated rows from extraction to the database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrUnknownEngine is returned when a configuration names an engine that was never registered.
	ErrUnknownEngine = errors.New("unknown storage engine")
	// ErrEngineRegistered is returned when two factories register under the same name.
	ErrEngineRegistered = errors.New("storage engine already registered")
	// ErrEngineNameEmpty is returned when a factory registers without a name.
	ErrEngineNameEmpty = errors.New("storage engine name cannot be empty")
	// ErrInsertFailed wraps any failure inside an InsertRows transaction.
	ErrInsertFailed = errors.New("bulk insert failed")
	// ErrExecuteFailed wraps query failures surfaced by Execute.
	ErrExecuteFailed = errors.New("query execution failed")
	// ErrSchemaInitFailed wraps migration failures surfaced by InitSchema.
	ErrSchemaInitFailed = errors.New("schema initialization failed")
)

type (
	// ExecResult is the uniform result shape for Execute. SELECT-like
	// statements fill Columns/Rows and set HasRows; DML fills Affected;
	// statements that return neither set only OK.
	ExecResult struct {
		Columns  []string
		Rows     [][]any
		Affected int64
		HasRows  bool
		OK       bool
	}

	// InsertOptions controls a single InsertRows call. Pre and Post run
	// inside the same transaction as the row inserts, which is what makes
	// the staging-merge pattern work: Pre creates a session-scoped staging
	// table, the rows land there, and Post merges them into the target.
	InsertOptions struct {
		// Pre is executed before the first row insert, after the optional table clear.
		Pre string
		// Post is executed after the last row insert, before commit.
		Post string
		// Overwrite clears the target table before inserting.
		Overwrite bool
		// Safe swallows errors: the call logs and reports zero rows instead of failing.
		Safe bool
	}

	// Engine is the contract every storage backend implements. Connections
	// are opened and closed per call so no session state survives between
	// operations; staging tables created in InsertOptions.Pre are gone once
	// the call returns.
	Engine interface {
		// Name reports the registry name the engine was constructed under.
		Name() string
		// ValidateConnection reports whether the store is reachable. Failures are logged, not returned.
		ValidateConnection(ctx context.Context) bool
		// InitSchema applies the engine's embedded DDL scripts in order.
		InitSchema(ctx context.Context) error
		// Execute runs a single statement. With safe=true errors are logged
		// and a zero ExecResult is returned with a nil error.
		Execute(ctx context.Context, query string, safe bool) (ExecResult, error)
		// InsertRows bulk-inserts a batch into table inside one transaction
		// and returns the number of rows inserted.
		InsertRows(ctx context.Context, table string, batch Batch, opts InsertOptions) (int, error)
	}

	// Factory constructs an Engine from its configuration.
	Factory func(cfg Config, logger *slog.Logger) (Engine, error)
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an engine factory resolvable by name through Open.
// Engines call Register from init; a duplicate or empty name panics because
// it is a programming error, not a runtime condition.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if name == "" {
		panic(ErrEngineNameEmpty)
	}

	if _, exists := registry[name]; exists {
		panic(fmt.Errorf("%w: %s", ErrEngineRegistered, name))
	}

	registry[name] = factory
}

// Open resolves cfg.Engine against the registry and constructs the engine.
func Open(cfg Config, logger *slog.Logger) (Engine, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Engine]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownEngine, cfg.Engine, Engines())
	}

	return factory(cfg, logger)
}

// Engines returns the sorted names of all registered engines.
func Engines() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
