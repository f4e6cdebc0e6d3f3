// Package lake wraps the target PostgreSQL database. Every statement runs
// inside a transaction carrying SET LOCAL statement_timeout so a wedged
// lake cannot stall a worker indefinitely.
package lake

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Lake is a handle on the target database.
type Lake struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  zerolog.Logger
}

// Open connects to the lake and verifies the connection.
func Open(ctx context.Context, url string, statementTimeout time.Duration, logger zerolog.Logger) (*Lake, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse lake url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to lake: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping lake: %w", err)
	}

	return &Lake{
		pool:    pool,
		timeout: statementTimeout,
		logger:  logger.With().Str("component", "lake").Logger(),
	}, nil
}

// NewWithPool wraps an existing pool, sharing it with the catalog store.
func NewWithPool(pool *pgxpool.Pool, statementTimeout time.Duration, logger zerolog.Logger) *Lake {
	return &Lake{
		pool:    pool,
		timeout: statementTimeout,
		logger:  logger.With().Str("component", "lake").Logger(),
	}
}

// Pool exposes the underlying pool for components that manage their own
// transactions (bulk writer, catalog store).
func (l *Lake) Pool() *pgxpool.Pool { return l.pool }

// Timeout returns the configured per-statement timeout.
func (l *Lake) Timeout() time.Duration { return l.timeout }

func (l *Lake) Close() { l.pool.Close() }

// Exec runs a single statement in its own transaction under the statement
// timeout.
func (l *Lake) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	var affected int64
	err := l.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// WithTx runs fn inside a transaction that has the statement timeout set.
func (l *Lake) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return l.withTx(ctx, fn)
}

func (l *Lake) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin lake tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if l.timeout > 0 {
		ms := l.timeout.Milliseconds()
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", ms)); err != nil {
			return fmt.Errorf("set statement timeout: %w", err)
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Count returns the row count of a lake table, parsed defensively.
func (l *Lake) Count(ctx context.Context, schema, table string) (int64, error) {
	var count int64
	err := l.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", QualifiedName(schema, table))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", schema, table, err)
	}
	if count < 0 {
		count = 0
	}
	return count, nil
}

// Truncate empties a lake table, cascading to dependents.
func (l *Lake) Truncate(ctx context.Context, schema, table string) error {
	_, err := l.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", QualifiedName(schema, table)))
	if err != nil {
		return fmt.Errorf("truncate %s.%s: %w", schema, table, err)
	}
	return nil
}

// PrimaryKey returns the ordered PK columns of a lake table from the
// information schema.
func (l *Lake) PrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name
		 AND kcu.table_schema = tc.table_schema
		WHERE tc.table_schema = $1 AND tc.table_name = $2
		  AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position`,
		foldIdent(schema), foldIdent(table))
	if err != nil {
		return nil, fmt.Errorf("lake primary key of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var pks []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan pk column: %w", err)
		}
		pks = append(pks, col)
	}
	return pks, rows.Err()
}

// Columns returns the ordered column names of a lake table.
func (l *Lake) Columns(ctx context.Context, schema, table string) ([]string, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`,
		foldIdent(schema), foldIdent(table))
	if err != nil {
		return nil, fmt.Errorf("lake columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan column name: %w", err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// PKPage returns a page of PK tuples from the lake in PK order, strictly
// after the given cursor tuple (nil starts from the beginning). Cells come
// back as text with "NULL" for SQL NULL.
func (l *Lake) PKPage(ctx context.Context, schema, table string, pkCols, after []string, limit int) ([][]string, error) {
	quoted := make([]string, len(pkCols))
	castList := make([]string, len(pkCols))
	for i, c := range pkCols {
		quoted[i] = QuoteIdent(c)
		castList[i] = quoted[i] + "::text"
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(castList, ", "), QualifiedName(schema, table))
	var args []any
	if len(after) > 0 {
		holders := make([]string, len(pkCols))
		for i := range pkCols {
			holders[i] = "$" + strconv.Itoa(i+1)
			args = append(args, after[i])
		}
		query += fmt.Sprintf(" WHERE (%s) > (%s)", strings.Join(quoted, ", "), strings.Join(holders, ", "))
	}
	query += " ORDER BY " + strings.Join(quoted, ", ") + fmt.Sprintf(" LIMIT %d", limit)

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("page lake keys of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	return scanTextRows(rows, len(pkCols))
}

// DeleteByKeys removes the given PK tuples in one statement. NULL
// components match with IS NULL.
func (l *Lake) DeleteByKeys(ctx context.Context, schema, table string, pkCols []string, keys [][]string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	var (
		branches []string
		args     []any
		n        int
	)
	for _, key := range keys {
		var terms []string
		for i, col := range pkCols {
			if i < len(key) && key[i] == nullToken {
				terms = append(terms, QuoteIdent(col)+" IS NULL")
				continue
			}
			n++
			terms = append(terms, fmt.Sprintf("%s::text = $%d", QuoteIdent(col), n))
			args = append(args, key[i])
		}
		branches = append(branches, "("+strings.Join(terms, " AND ")+")")
	}

	deleted, err := l.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s",
		QualifiedName(schema, table), strings.Join(branches, " OR ")), args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s.%s: %w", schema, table, err)
	}
	return deleted, nil
}

// RowByPK fetches one lake row as text cells in the given column order.
func (l *Lake) RowByPK(ctx context.Context, schema, table string, cols, pkCols, key []string) ([]string, bool, error) {
	castList := make([]string, len(cols))
	for i, c := range cols {
		castList[i] = QuoteIdent(c) + "::text"
	}

	var (
		terms []string
		args  []any
		n     int
	)
	for i, col := range pkCols {
		if i < len(key) && key[i] == nullToken {
			terms = append(terms, QuoteIdent(col)+" IS NULL")
			continue
		}
		n++
		terms = append(terms, fmt.Sprintf("%s::text = $%d", QuoteIdent(col), n))
		args = append(args, key[i])
	}

	rows, err := l.pool.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1",
		strings.Join(castList, ", "), QualifiedName(schema, table), strings.Join(terms, " AND ")), args...)
	if err != nil {
		return nil, false, fmt.Errorf("lake row of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	out, err := scanTextRows(rows, len(cols))
	if err != nil {
		return nil, false, err
	}
	if len(out) == 0 {
		return nil, false, nil
	}
	return out[0], true, nil
}

// UpdateRow issues a narrow UPDATE of the given columns, with values
// supplied as pre-normalised SQL literals.
func (l *Lake) UpdateRow(ctx context.Context, schema, table string, setCols, setLiterals, pkCols, key []string) error {
	sets := make([]string, len(setCols))
	for i, c := range setCols {
		sets[i] = QuoteIdent(c) + " = " + setLiterals[i]
	}

	var (
		terms []string
		args  []any
		n     int
	)
	for i, col := range pkCols {
		if i < len(key) && key[i] == nullToken {
			terms = append(terms, QuoteIdent(col)+" IS NULL")
			continue
		}
		n++
		terms = append(terms, fmt.Sprintf("%s::text = $%d", QuoteIdent(col), n))
		args = append(args, key[i])
	}

	_, err := l.Exec(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		QualifiedName(schema, table), strings.Join(sets, ", "), strings.Join(terms, " AND ")), args...)
	if err != nil {
		return fmt.Errorf("update %s.%s: %w", schema, table, err)
	}
	return nil
}

// DropNotNull relaxes a NOT NULL constraint on the lake. Deliberate
// schema-relaxation policy: the lake is looser than the source.
func (l *Lake) DropNotNull(ctx context.Context, schema, table, column string) error {
	_, err := l.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL",
		QualifiedName(schema, table), QuoteIdent(column)))
	if err != nil {
		return fmt.Errorf("drop not null on %s.%s.%s: %w", schema, table, column, err)
	}
	l.logger.Warn().Str("table", schema+"."+table).Str("column", column).
		Msg("relaxed NOT NULL constraint")
	return nil
}

const nullToken = "NULL"

func scanTextRows(rows pgx.Rows, width int) ([][]string, error) {
	var out [][]string
	for rows.Next() {
		cells := make([]*string, width)
		dest := make([]any, width)
		for i := range cells {
			dest[i] = &cells[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan lake row: %w", err)
		}
		row := make([]string, width)
		for i, c := range cells {
			if c == nil {
				row[i] = nullToken
			} else {
				row[i] = *c
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// QualifiedName quotes schema.table for the lake, folding identifiers to
// lower case (the lake side is case-folded; sources are not).
func QualifiedName(schema, table string) string {
	if schema == "" {
		return QuoteIdent(table)
	}
	return QuoteIdent(schema) + "." + QuoteIdent(table)
}

// QuoteIdent lower-cases and double-quotes a lake identifier.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(foldIdent(s), `"`, `""`) + `"`
}

func foldIdent(s string) string { return strings.ToLower(s) }
