package source

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	goora "github.com/sijms/go-ora/v2"
)

const defaultOraclePort = 1521

// Oracle identifiers are case-preserving; schema/table arguments are passed
// through verbatim, not folded.
const oracleColumnsQuery = `
	SELECT COLUMN_NAME, DATA_TYPE,
	       CASE NULLABLE WHEN 'Y' THEN 'YES' ELSE 'NO' END,
	       COALESCE(CHAR_LENGTH, 0),
	       COALESCE(DATA_PRECISION, 0),
	       COALESCE(DATA_SCALE, 0),
	       DATA_DEFAULT
	FROM ALL_TAB_COLUMNS
	WHERE OWNER = :1 AND TABLE_NAME = :2
	ORDER BY COLUMN_ID`

const oraclePKQuery = `
	SELECT acc.COLUMN_NAME
	FROM ALL_CONSTRAINTS ac
	JOIN ALL_CONS_COLUMNS acc
	  ON acc.OWNER = ac.OWNER AND acc.CONSTRAINT_NAME = ac.CONSTRAINT_NAME
	WHERE ac.OWNER = :1 AND ac.TABLE_NAME = :2 AND ac.CONSTRAINT_TYPE = 'P'
	ORDER BY acc.POSITION`

func openOracle(ctx context.Context, connString string, logger zerolog.Logger) (Conn, error) {
	p, err := ParseConnString(connString, defaultOraclePort)
	if err != nil {
		return nil, fmt.Errorf("oracle connection string: %w", err)
	}

	service := p.Service
	if service == "" {
		service = p.Database
	}
	dsn := goora.BuildUrl(p.Host, p.Port, service, p.User, p.Password, nil)

	return newSQLConn(ctx, "oracle", dsn, oracleDialect{},
		metaQueries{columns: oracleColumnsQuery, primaryKeys: oraclePKQuery}, logger)
}
