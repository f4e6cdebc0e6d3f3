// Package connstring validates and redacts the connection strings stored
// in the catalog. Formats differ per engine: URL-style for PostgreSQL,
// MSSQL, Oracle and MongoDB, the go-sql-driver DSN for MariaDB.
package connstring

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/lakesync/lakesync/internal/catalog"
)

var urlSchemes = map[catalog.Engine][]string{
	catalog.EnginePostgreSQL: {"postgres", "postgresql"},
	catalog.EngineMSSQL:      {"sqlserver"},
	catalog.EngineOracle:     {"oracle"},
	catalog.EngineMongoDB:    {"mongodb", "mongodb+srv"},
}

// Validate checks that s parses as a connection string for the engine.
// It does not dial.
func Validate(engine catalog.Engine, s string) error {
	if s == "" {
		return fmt.Errorf("empty connection string")
	}

	if engine == catalog.EngineMariaDB {
		if _, err := mysql.ParseDSN(s); err != nil {
			return fmt.Errorf("invalid MariaDB DSN: %w", err)
		}
		return nil
	}

	schemes, ok := urlSchemes[engine]
	if !ok {
		return fmt.Errorf("unsupported engine %q", engine)
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid connection URI: %w", err)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			if u.Host == "" {
				return fmt.Errorf("connection URI has no host")
			}
			return nil
		}
	}
	return fmt.Errorf("unsupported URI scheme %q for %s (expected %s)",
		u.Scheme, engine, strings.Join(schemes, " or "))
}

// Redact returns s with any password replaced by "***" so connection
// strings can appear in logs. Unparsable input redacts to a constant
// rather than risking a credential leak.
func Redact(engine catalog.Engine, s string) string {
	if s == "" {
		return ""
	}

	if engine == catalog.EngineMariaDB {
		cfg, err := mysql.ParseDSN(s)
		if err != nil {
			return "(unparsable DSN)"
		}
		if cfg.Passwd != "" {
			cfg.Passwd = "***"
		}
		return cfg.FormatDSN()
	}

	u, err := url.Parse(s)
	if err != nil {
		return "(unparsable URI)"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
