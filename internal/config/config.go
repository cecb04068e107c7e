// Package config loads and validates the pipeline configuration file
// (JSON or YAML, by extension) and provides environment getters for
// operational overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/innsight-io/innsight/internal/extraction"
	"github.com/innsight-io/innsight/internal/logging"
	"github.com/innsight-io/innsight/internal/storage"
	"github.com/innsight-io/innsight/internal/validation"
)

// Source types accepted by the source_type key.
const (
	SourceLocal = "local"
	SourceAPI   = "api"
)

// lockFilename is the default lock file, placed under the archive path.
const lockFilename = "innsight.lock"

var (
	// ErrNotFound is returned when the configuration file does not exist.
	ErrNotFound = errors.New("configuration file not found")
	// ErrInvalid is returned for unparseable documents and missing or
	// malformed configuration keys.
	ErrInvalid = errors.New("invalid configuration")
)

// Config is the validated pipeline configuration. Local carries the drop
// directory settings for both source types: an API source downloads into
// the same drop directories the local state machine reads.
type Config struct {
	SourceType  string
	Local       extraction.LocalConfig
	API         extraction.APIConfig
	DB          storage.Config
	ArchivePath string
	// LockPath defaults to <archive_path>/innsight.lock.
	LockPath string
	// MetricsAddr enables the metrics listener in schedule mode; empty
	// disables it.
	MetricsAddr string
}

// Load reads, parses and validates the configuration file at path. A nil
// logger falls back to the default logger.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: Configuration file '%s' not found!", ErrNotFound, path)
		}

		return nil, fmt.Errorf("reading configuration file: %w", err)
	}

	logger.Info("Loading pipeline configuration...")

	doc, err := decode(path, raw)
	if err != nil {
		return nil, err
	}

	logger.Info("Validating pipeline configuration...")

	cfg, err := bind(doc)
	if err != nil {
		return nil, err
	}

	logging.Success(logger, "Done!")

	return cfg, nil
}

// decode parses the document: .yaml/.yml via yaml.v3, everything else as
// JSON (the original's format).
func decode(path string, raw []byte) (map[string]any, error) {
	doc := make(map[string]any)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: parsing YAML document: %v", ErrInvalid, err)
		}
	default:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: parsing JSON document: %v", ErrInvalid, err)
		}
	}

	return doc, nil
}

// bind validates the decoded document and builds the typed configuration.
// Key checks run in the original's order: source_type, source_config,
// db_config, archive_path.
func bind(doc map[string]any) (*Config, error) {
	if _, present := doc["source_type"]; !present {
		return nil, fmt.Errorf("%w: source_type not found in pipeline configuration file!", ErrInvalid)
	}

	if ok, verr := validation.String(doc, "source_type", validation.StringOptions{
		NonEmpty:      true,
		AllowedValues: []string{SourceLocal, SourceAPI},
	}); !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, verr.Message)
	}

	cfg := &Config{SourceType: stringKey(doc, "source_type")}

	source, err := objectKey(doc, "source_config")
	if err != nil {
		return nil, err
	}

	switch cfg.SourceType {
	case SourceLocal:
		if err := bindLocalSource(source, cfg); err != nil {
			return nil, err
		}
	case SourceAPI:
		if err := bindAPISource(source, cfg); err != nil {
			return nil, err
		}
	}

	db, err := objectKey(doc, "db_config")
	if err != nil {
		return nil, err
	}

	if ok, verr := validation.String(db, "engine", validation.StringOptions{NonEmpty: true}); !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, verr.Message)
	}

	cfg.DB = storage.NewConfig(stringKey(db, "engine"), stringKey(db, "db_path"), stringKey(db, "database_url"))
	if err := cfg.DB.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	// The original checks archive_path for presence only.
	if _, present := doc["archive_path"]; !present {
		return nil, fmt.Errorf("%w: archive_path not found in pipeline configuration file!", ErrInvalid)
	}

	cfg.ArchivePath = stringKey(doc, "archive_path")
	cfg.LockPath = stringKey(doc, "lock_path")
	cfg.MetricsAddr = stringKey(doc, "metrics_addr")

	cfg.applyDefaults()

	return cfg, nil
}

func bindLocalSource(source map[string]any, cfg *Config) error {
	for _, field := range []string{"inventory_path", "inventory_column_separator", "reservations_path"} {
		if ok, verr := validation.String(source, field, validation.StringOptions{NonEmpty: true}); !ok {
			return fmt.Errorf("%w: %s", ErrInvalid, verr.Message)
		}
	}

	bindDropDirs(source, &cfg.Local)

	return nil
}

func bindAPISource(source map[string]any, cfg *Config) error {
	for _, field := range []string{"base_url", "inventory_endpoint", "reservations_endpoint"} {
		if ok, verr := validation.String(source, field, validation.StringOptions{NonEmpty: true}); !ok {
			return fmt.Errorf("%w: %s", ErrInvalid, verr.Message)
		}
	}

	cfg.API = extraction.APIConfig{
		BaseURL:              stringKey(source, "base_url"),
		InventoryEndpoint:    stringKey(source, "inventory_endpoint"),
		ReservationsEndpoint: stringKey(source, "reservations_endpoint"),
	}

	// Drop directory keys are optional for API sources; absent values are
	// defaulted under the archive path once it is known.
	bindDropDirs(source, &cfg.Local)

	return nil
}

func bindDropDirs(source map[string]any, local *extraction.LocalConfig) {
	local.InventoryPath = stringKey(source, "inventory_path")
	local.InventoryColumnSeparator = stringKey(source, "inventory_column_separator")
	local.InventoryRowSeparator = stringKey(source, "inventory_row_separator")
	local.ReservationsPath = stringKey(source, "reservations_path")
	local.IgnoreEmptyLines = boolKey(source, "ignore_empty_lines", true)
}

func (c *Config) applyDefaults() {
	if c.LockPath == "" {
		c.LockPath = filepath.Join(c.ArchivePath, lockFilename)
	}

	if c.SourceType != SourceAPI {
		return
	}

	if c.Local.InventoryPath == "" {
		c.Local.InventoryPath = filepath.Join(c.ArchivePath, "drop", "inventory")
	}

	if c.Local.ReservationsPath == "" {
		c.Local.ReservationsPath = filepath.Join(c.ArchivePath, "drop", "reservations")
	}

	if c.Local.InventoryColumnSeparator == "" {
		c.Local.InventoryColumnSeparator = ","
	}
}

func objectKey(doc map[string]any, field string) (map[string]any, error) {
	raw, present := doc[field]
	if !present {
		return nil, fmt.Errorf("%w: %s not found in pipeline configuration file!", ErrInvalid, field)
	}

	object, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object", ErrInvalid, field)
	}

	return object, nil
}

func stringKey(record map[string]any, field string) string {
	value, _ := record[field].(string)

	return value
}

func boolKey(record map[string]any, field string, fallback bool) bool {
	switch v := record[field].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return true
		case "false":
			return false
		}
	}

	return fallback
}
