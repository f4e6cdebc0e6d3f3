package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TableReader binds a Conn to one source table and exposes the read
// operations the replication state machine needs. SQL engines go through
// the dialect; MongoDB connections page documents over _id.
type TableReader struct {
	conn   Conn
	schema string
	table  string
	pkCols []string

	cols []Column // cached after first Columns call
}

// NewTableReader creates a reader for schema.table with the given ordered
// PK columns (may be empty for no-PK tables).
func NewTableReader(conn Conn, schema, table string, pkCols []string) *TableReader {
	return &TableReader{conn: conn, schema: schema, table: table, pkCols: pkCols}
}

// Count returns the source row count. The count cell is parsed
// defensively: any parse failure or overflow yields 0.
func (r *TableReader) Count(ctx context.Context) (int64, error) {
	if mc, ok := r.conn.(*mongoConn); ok {
		return mc.Count(ctx, r.schema, r.table)
	}

	d := r.conn.Dialect()
	rows, err := r.conn.ExecuteQuery(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", QualifiedTable(d, r.schema, r.table)))
	if err != nil {
		return 0, err
	}
	return ParseCount(rows), nil
}

// ParseCount extracts a row count from a single-cell result set. Anything
// unparsable collapses to 0 rather than failing the cycle.
func ParseCount(rows [][]string) int64 {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(rows[0][0]), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Columns returns the table's ordered column set, cached for the reader's
// lifetime (one cycle).
func (r *TableReader) Columns(ctx context.Context) ([]Column, error) {
	if r.cols != nil {
		return r.cols, nil
	}
	cols, err := r.conn.DiscoverSchema(ctx, r.schema, r.table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no columns discovered for %s.%s", r.schema, r.table)
	}
	r.cols = cols
	return cols, nil
}

// FetchAfter returns up to limit rows strictly after the cursor position in
// PK order. An empty cursor starts from the beginning of the key space.
func (r *TableReader) FetchAfter(ctx context.Context, cursor []string, limit int) ([][]string, error) {
	cols, err := r.Columns(ctx)
	if err != nil {
		return nil, err
	}

	if mc, ok := r.conn.(*mongoConn); ok {
		after := ""
		if len(cursor) > 0 {
			after = cursor[0]
		}
		return mc.FetchPage(ctx, r.schema, r.table, cols, after, limit)
	}

	d := r.conn.Dialect()
	query := fmt.Sprintf("SELECT %s FROM %s", r.selectList(d, cols), QualifiedTable(d, r.schema, r.table))

	var args []any
	if len(cursor) > 0 {
		pred, predArgs := CursorPredicate(d, r.pkCols, cursor)
		query += " WHERE " + pred
		args = predArgs
	}
	query += " ORDER BY " + PKOrderBy(d, r.pkCols)
	query = d.LimitClause(query, limit)

	return r.conn.ExecuteQuery(ctx, query, args...)
}

// FetchOffset returns up to limit rows starting at offset, in the
// engine's natural order. OFFSET-strategy tables page with it; the
// natural order is only as stable as the engine makes it, which is why
// the caller resyncs via truncate when rows disappear.
func (r *TableReader) FetchOffset(ctx context.Context, offset int64, limit int) ([][]string, error) {
	cols, err := r.Columns(ctx)
	if err != nil {
		return nil, err
	}

	d := r.conn.Dialect()
	query := fmt.Sprintf("SELECT %s FROM %s", r.selectList(d, cols), QualifiedTable(d, r.schema, r.table))
	if ord := d.NaturalOrdering(); ord != "" {
		query += " ORDER BY " + ord
	}
	return r.conn.ExecuteQuery(ctx, d.OffsetClause(query, offset, limit))
}

// FetchKeysAfter pages only the PK columns, in PK order, strictly after
// the cursor. The consistency check walks source and lake key streams in
// lockstep with it.
func (r *TableReader) FetchKeysAfter(ctx context.Context, cursor []string, limit int) ([][]string, error) {
	if mc, ok := r.conn.(*mongoConn); ok {
		after := ""
		if len(cursor) > 0 {
			after = cursor[0]
		}
		idCols := []Column{{Name: IDColumn, Type: "text", PrimaryKey: true}}
		return mc.FetchPage(ctx, r.schema, r.table, idCols, after, limit)
	}

	d := r.conn.Dialect()
	query := fmt.Sprintf("SELECT %s FROM %s",
		r.selectList(d, pkColumns(r.pkCols)), QualifiedTable(d, r.schema, r.table))

	var args []any
	if len(cursor) > 0 {
		pred, predArgs := CursorPredicate(d, r.pkCols, cursor)
		query += " WHERE " + pred
		args = predArgs
	}
	query += " ORDER BY " + PKOrderBy(d, r.pkCols)
	return r.conn.ExecuteQuery(ctx, d.LimitClause(query, limit), args...)
}

// ExistingKeys reports which of the given PK tuples still exist on the
// source, keyed by fingerprint. Used by delete reconciliation.
func (r *TableReader) ExistingKeys(ctx context.Context, keys [][]string, fingerprint func([]string) string) (map[string]struct{}, error) {
	if len(keys) == 0 {
		return map[string]struct{}{}, nil
	}

	d := r.conn.Dialect()
	pred, args := PKMatchPredicate(d, r.pkCols, keys)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		r.selectList(d, pkColumns(r.pkCols)), QualifiedTable(d, r.schema, r.table), pred)

	rows, err := r.conn.ExecuteQuery(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		existing[fingerprint(row)] = struct{}{}
	}
	return existing, nil
}

// FetchUpdatedSince returns rows whose watermark column moved past since,
// in watermark order, capped at limit.
func (r *TableReader) FetchUpdatedSince(ctx context.Context, watermarkCol string, since time.Time, limit int) ([][]string, error) {
	cols, err := r.Columns(ctx)
	if err != nil {
		return nil, err
	}

	d := r.conn.Dialect()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s > %s ORDER BY %s",
		r.selectList(d, cols), QualifiedTable(d, r.schema, r.table),
		d.QuoteIdent(watermarkCol), d.Placeholder(1), d.QuoteIdent(watermarkCol))
	return r.conn.ExecuteQuery(ctx, d.LimitClause(query, limit), since)
}

// FetchByPK fetches the current source row for a single key, used by the
// CDC consumer when a change-log entry carries no row snapshot.
func (r *TableReader) FetchByPK(ctx context.Context, key []string) ([]string, bool, error) {
	cols, err := r.Columns(ctx)
	if err != nil {
		return nil, false, err
	}

	d := r.conn.Dialect()
	pred, args := PKMatchPredicate(d, r.pkCols, [][]string{key})
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		r.selectList(d, cols), QualifiedTable(d, r.schema, r.table), pred)

	rows, err := r.conn.ExecuteQuery(ctx, d.LimitClause(query+" ORDER BY "+PKOrderBy(d, r.pkCols), 1), args...)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// PKColumns returns the reader's ordered key columns.
func (r *TableReader) PKColumns() []string { return r.pkCols }

// IsDocumentSource reports whether the reader pages documents (MongoDB)
// rather than SQL rows.
func (r *TableReader) IsDocumentSource() bool {
	_, ok := r.conn.(*mongoConn)
	return ok
}

func (r *TableReader) selectList(d Dialect, cols []Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = d.QuoteIdent(c.Name)
	}
	return strings.Join(names, ", ")
}

func pkColumns(names []string) []Column {
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n}
	}
	return cols
}
