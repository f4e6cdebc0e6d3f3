package source

import (
	"context"
	"fmt"
	"net/url"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"
)

const defaultMSSQLPort = 1433

const mssqlColumnsQuery = `
	SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE,
	       COALESCE(CHARACTER_MAXIMUM_LENGTH, 0),
	       COALESCE(NUMERIC_PRECISION, 0),
	       COALESCE(NUMERIC_SCALE, 0),
	       COLUMN_DEFAULT
	FROM INFORMATION_SCHEMA.COLUMNS
	WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
	ORDER BY ORDINAL_POSITION`

const mssqlPKQuery = `
	SELECT kcu.COLUMN_NAME
	FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
	JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
	  ON kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
	 AND kcu.TABLE_SCHEMA = tc.TABLE_SCHEMA
	WHERE tc.TABLE_SCHEMA = @p1 AND tc.TABLE_NAME = @p2
	  AND tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
	ORDER BY kcu.ORDINAL_POSITION`

func openMSSQL(ctx context.Context, connString string, logger zerolog.Logger) (Conn, error) {
	p, err := ParseConnString(connString, defaultMSSQLPort)
	if err != nil {
		return nil, fmt.Errorf("mssql connection string: %w", err)
	}

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		RawQuery: url.Values{"database": []string{p.Database}}.Encode(),
	}

	return newSQLConn(ctx, "sqlserver", u.String(), mssqlDialect{},
		metaQueries{columns: mssqlColumnsQuery, primaryKeys: mssqlPKQuery}, logger)
}
