package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEngineEmpty is returned when a configuration does not name an engine.
	ErrEngineEmpty = errors.New("storage engine cannot be empty")
	// ErrDBPathEmpty is returned when a file-backed engine is configured without a database path.
	ErrDBPathEmpty = errors.New("database path cannot be empty")
	// ErrDatabaseURLEmpty is returned when a server-backed engine is configured without a database URL.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")
)

// Config selects and parameterises a storage engine. Which fields are
// required depends on the engine: sqlite needs DBPath, postgres needs the
// database URL.
type Config struct {
	Engine      string
	DBPath      string
	databaseURL string // private so credentials never leak into logs unmasked
}

// NewConfig builds a Config for the named engine.
func NewConfig(engine, dbPath, databaseURL string) Config {
	return Config{
		Engine:      engine,
		DBPath:      dbPath,
		databaseURL: databaseURL,
	}
}

// Validate checks that the configuration names an engine and carries the
// fields that engine requires.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Engine) == "" {
		return ErrEngineEmpty
	}

	switch c.Engine {
	case "sqlite":
		if strings.TrimSpace(c.DBPath) == "" {
			return fmt.Errorf("%w: engine %q", ErrDBPathEmpty, c.Engine)
		}
	case "postgres":
		if strings.TrimSpace(c.databaseURL) == "" {
			return fmt.Errorf("%w: engine %q", ErrDatabaseURLEmpty, c.Engine)
		}
	}

	return nil
}

// MaskDatabaseURL returns a masked database URL safe for logging.
func (c Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	// Find the scheme separator
	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	// Find the last @ which separates userinfo from host
	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		// No @ found, no userinfo
		return c.databaseURL
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		// No password
		return c.databaseURL
	}

	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		// Empty password, don't mask
		return c.databaseURL
	}

	scheme := c.databaseURL[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}
