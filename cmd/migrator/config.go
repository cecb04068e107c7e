package main

import (
	"fmt"

	"github.com/innsight-io/innsight/internal/config"
	"github.com/innsight-io/innsight/internal/storage"
	"github.com/innsight-io/innsight/migrations"
)

// Config holds migrator configuration loaded from environment variables.
// The migrator is deliberately independent of the pipeline configuration
// file so it can run in deploy hooks where no config file is mounted.
type Config struct {
	Engine         string
	DBPath         string
	DatabaseURL    string
	MigrationTable string
}

// LoadConfig loads migrator configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Engine:         config.GetEnvStr("DB_ENGINE", migrations.EngineSQLite),
		DBPath:         config.GetEnvStr("DB_PATH", "./innsight.db"),
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration names a supported engine and
// carries the connection settings that engine requires.
func (c *Config) Validate() error {
	if c.Engine != migrations.EngineSQLite && c.Engine != migrations.EnginePostgres {
		return fmt.Errorf("unsupported engine: %s (allowed: %s, %s)",
			c.Engine, migrations.EngineSQLite, migrations.EnginePostgres)
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	return storage.NewConfig(c.Engine, c.DBPath, c.DatabaseURL).Validate()
}

// String returns a string representation with the database URL masked.
func (c *Config) String() string {
	masked := storage.NewConfig(c.Engine, c.DBPath, c.DatabaseURL).MaskDatabaseURL()

	return fmt.Sprintf("Config{Engine: %s, DBPath: %s, DatabaseURL: %s, MigrationTable: %s}",
		c.Engine, c.DBPath, masked, c.MigrationTable)
}
