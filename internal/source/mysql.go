package source

import (
	"context"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

const defaultMySQLPort = 3306

// mysqlColumnsQuery orders by ordinal position so DiscoverSchema preserves
// source column order.
const mysqlColumnsQuery = `
	SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE,
	       COALESCE(CHARACTER_MAXIMUM_LENGTH, 0),
	       COALESCE(NUMERIC_PRECISION, 0),
	       COALESCE(NUMERIC_SCALE, 0),
	       COLUMN_DEFAULT
	FROM information_schema.COLUMNS
	WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
	ORDER BY ORDINAL_POSITION`

const mysqlPKQuery = `
	SELECT COLUMN_NAME
	FROM information_schema.KEY_COLUMN_USAGE
	WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
	ORDER BY ORDINAL_POSITION`

func openMySQL(ctx context.Context, connString string, logger zerolog.Logger) (Conn, error) {
	p, err := ParseConnString(connString, defaultMySQLPort)
	if err != nil {
		return nil, fmt.Errorf("mariadb connection string: %w", err)
	}

	cfg := gomysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", p.Host, p.Port)
	cfg.DBName = p.Database
	cfg.User = p.User
	cfg.Passwd = p.Password
	cfg.ParseTime = false // timestamps arrive as strings for normalisation

	return newSQLConn(ctx, "mysql", cfg.FormatDSN(), mysqlDialect{},
		metaQueries{columns: mysqlColumnsQuery, primaryKeys: mysqlPKQuery}, logger)
}
