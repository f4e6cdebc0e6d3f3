package source

import (
	"context"
	"fmt"
	"net/url"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

const defaultPostgresPort = 5432

const postgresColumnsQuery = `
	SELECT column_name, data_type, is_nullable,
	       COALESCE(character_maximum_length, 0),
	       COALESCE(numeric_precision, 0),
	       COALESCE(numeric_scale, 0),
	       column_default
	FROM information_schema.columns
	WHERE table_schema = $1 AND table_name = $2
	ORDER BY ordinal_position`

const postgresPKQuery = `
	SELECT kcu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
	  ON kcu.constraint_name = tc.constraint_name
	 AND kcu.table_schema = tc.table_schema
	WHERE tc.table_schema = $1 AND tc.table_name = $2
	  AND tc.constraint_type = 'PRIMARY KEY'
	ORDER BY kcu.ordinal_position`

// openPostgres uses the pgx stdlib driver so that PostgreSQL sources share
// the database/sql contract with the other SQL engines. The lake side uses
// native pgx pools; this adapter is read-only.
func openPostgres(ctx context.Context, connString string, logger zerolog.Logger) (Conn, error) {
	p, err := ParseConnString(connString, defaultPostgresPort)
	if err != nil {
		return nil, fmt.Errorf("postgres connection string: %w", err)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     p.Database,
		RawQuery: "sslmode=prefer",
	}

	return newSQLConn(ctx, "pgx", u.String(), postgresDialect{},
		metaQueries{columns: postgresColumnsQuery, primaryKeys: postgresPKQuery}, logger)
}
