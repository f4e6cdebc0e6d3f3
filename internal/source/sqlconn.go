package source

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// metaQueries supplies the engine-specific catalog queries backing
// DiscoverSchema and PrimaryKeyColumns.
type metaQueries struct {
	columns     string
	primaryKeys string
}

// sqlConn implements Conn over database/sql. All four SQL engines share it;
// only the driver, dialect and metadata queries differ.
type sqlConn struct {
	db      *sql.DB
	dialect Dialect
	meta    metaQueries
	logger  zerolog.Logger
}

func newSQLConn(ctx context.Context, driver, dsn string, dialect Dialect, meta metaQueries, logger zerolog.Logger) (*sqlConn, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", dialect.Name(), err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name(), err)
	}

	return &sqlConn{
		db:      db,
		dialect: dialect,
		meta:    meta,
		logger:  logger.With().Str("component", "source-"+dialect.Name()).Logger(),
	}, nil
}

func (c *sqlConn) TestConnection(ctx context.Context) error {
	var one int
	if err := c.db.QueryRowContext(ctx, c.dialect.ProbeQuery()).Scan(&one); err != nil {
		return fmt.Errorf("probe %s: %w", c.dialect.Name(), err)
	}
	return nil
}

func (c *sqlConn) ExecuteQuery(ctx context.Context, query string, args ...any) ([][]string, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", c.dialect.Name(), err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("column names: %w", err)
	}

	var out [][]string
	raw := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			if !v.Valid {
				row[i] = NullSentinel
				continue
			}
			row[i] = truncateCell(v.String)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *sqlConn) ExecuteStatement(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("%s exec: %w", c.dialect.Name(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// DDL on some engines reports no row count.
		return 0, nil
	}
	return n, nil
}

func (c *sqlConn) DiscoverSchema(ctx context.Context, schema, table string) ([]Column, error) {
	rows, err := c.ExecuteQuery(ctx, c.meta.columns, schema, table)
	if err != nil {
		return nil, fmt.Errorf("discover schema %s.%s: %w", schema, table, err)
	}

	pks, err := c.PrimaryKeyColumns(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	pkSet := make(map[string]bool, len(pks))
	for _, pk := range pks {
		pkSet[pk] = true
	}

	cols := make([]Column, 0, len(rows))
	for _, r := range rows {
		// columns query yields: name, type, nullable, length, precision, scale, default
		if len(r) < 7 {
			continue
		}
		col := Column{
			Name:      r[0],
			Type:      r[1],
			Nullable:  isYes(r[2]),
			Length:    atoiSafe(r[3]),
			Precision: atoiSafe(r[4]),
			Scale:     atoiSafe(r[5]),
		}
		if r[6] != NullSentinel {
			col.Default = r[6]
		}
		col.PrimaryKey = pkSet[col.Name]
		cols = append(cols, col)
	}
	return cols, nil
}

func (c *sqlConn) PrimaryKeyColumns(ctx context.Context, schema, table string) ([]string, error) {
	rows, err := c.ExecuteQuery(ctx, c.meta.primaryKeys, schema, table)
	if err != nil {
		return nil, fmt.Errorf("primary key of %s.%s: %w", schema, table, err)
	}
	pks := make([]string, 0, len(rows))
	for _, r := range rows {
		if len(r) > 0 && r[0] != NullSentinel {
			pks = append(pks, r[0])
		}
	}
	return pks, nil
}

func (c *sqlConn) Dialect() Dialect { return c.dialect }

func (c *sqlConn) Close() error { return c.db.Close() }

func isYes(s string) bool {
	switch s {
	case "YES", "yes", "Y", "1", "true":
		return true
	}
	return false
}

// atoiSafe parses defensively: anything unparsable is 0.
func atoiSafe(s string) int {
	if s == "" || s == NullSentinel {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
