package history

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Dialect selects the database backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	// DialectNone disables persistence.
	DialectNone Dialect = "none"
)

// Config is read from the environment.
type Config struct {
	Dialect Dialect `env:"HISTORY_DB_DIALECT" envDefault:"sqlite"`
	Path    string  `env:"HISTORY_DB_PATH" envDefault:"data/cprbarg.sqlite"`
	DSN     string  `env:"HISTORY_DB_DSN"`
}

// LoadConfig parses Config from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Dialect = Dialect(strings.ToLower(strings.TrimSpace(string(cfg.Dialect))))
	return cfg, cfg.Validate()
}

// Enabled reports whether results should be persisted.
func (c Config) Enabled() bool {
	return c.Dialect != DialectNone
}

// Validate checks the dialect has what it needs to connect.
func (c Config) Validate() error {
	switch c.Dialect {
	case DialectNone:
		return nil
	case DialectSQLite:
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("HISTORY_DB_PATH is required for sqlite")
		}
	case DialectPostgres:
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("HISTORY_DB_DIALECT=postgres requires HISTORY_DB_DSN")
		}
	default:
		return fmt.Errorf("unsupported HISTORY_DB_DIALECT %q", c.Dialect)
	}
	return nil
}

func (c Config) driver() (name, dsn string) {
	if c.Dialect == DialectPostgres {
		return "pgx", c.DSN
	}
	return "sqlite", c.Path
}
