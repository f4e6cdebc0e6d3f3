package source

import (
	"fmt"
	"strings"
)

// Dialect captures the engine-specific SQL for chunked extraction. The
// state machine never sees dialect strings; it calls the query builders on
// TableReader, which delegate here.
type Dialect interface {
	Name() string
	QuoteIdent(ident string) string
	Placeholder(n int) string
	ProbeQuery() string

	// LimitClause appends the engine's row-limit syntax to a SELECT that
	// already carries its ORDER BY.
	LimitClause(query string, limit int) string

	// OffsetClause appends the engine's offset pagination syntax. The
	// OFFSET-strategy transfer pages with it, advancing the offset one
	// chunk at a time.
	OffsetClause(query string, offset int64, limit int) string

	// NaturalOrdering is the ORDER BY expression for OFFSET-strategy
	// tables that have no stable key.
	NaturalOrdering() string

	// SupportsTupleComparison reports whether (a,b) > (x,y) row-value
	// comparison is valid; otherwise the cursor predicate expands into
	// the nested OR/AND pattern.
	SupportsTupleComparison() bool
}

// QualifiedTable quotes schema.table for the dialect.
func QualifiedTable(d Dialect, schema, table string) string {
	if schema == "" {
		return d.QuoteIdent(table)
	}
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
}

// CursorPredicate builds the WHERE clause selecting rows strictly after the
// cursor position in PK order, together with its ordered arguments.
// Composite keys compare lexicographically: either a row-value comparison
// or the expanded nested OR/AND form, depending on the dialect.
func CursorPredicate(d Dialect, pkCols, cursor []string) (string, []any) {
	if len(pkCols) == 0 || len(cursor) == 0 {
		return "", nil
	}

	if len(pkCols) == 1 {
		args := []any{cursor[0]}
		return fmt.Sprintf("%s > %s", d.QuoteIdent(pkCols[0]), d.Placeholder(1)), args
	}

	if d.SupportsTupleComparison() {
		quoted := make([]string, len(pkCols))
		holders := make([]string, len(pkCols))
		args := make([]any, len(pkCols))
		for i, col := range pkCols {
			quoted[i] = d.QuoteIdent(col)
			holders[i] = d.Placeholder(i + 1)
			args[i] = cursor[i]
		}
		return fmt.Sprintf("(%s) > (%s)", strings.Join(quoted, ", "), strings.Join(holders, ", ")), args
	}

	// (a > a0) OR (a = a0 AND b > b0) OR (a = a0 AND b = b0 AND c > c0) ...
	var (
		branches []string
		args     []any
		n        int
	)
	for i := range pkCols {
		var terms []string
		for j := 0; j < i; j++ {
			n++
			terms = append(terms, fmt.Sprintf("%s = %s", d.QuoteIdent(pkCols[j]), d.Placeholder(n)))
			args = append(args, cursor[j])
		}
		n++
		terms = append(terms, fmt.Sprintf("%s > %s", d.QuoteIdent(pkCols[i]), d.Placeholder(n)))
		args = append(args, cursor[i])
		branches = append(branches, "("+strings.Join(terms, " AND ")+")")
	}
	return strings.Join(branches, " OR "), args
}

// PKOrderBy builds the ascending ORDER BY over the PK columns.
func PKOrderBy(d Dialect, pkCols []string) string {
	quoted := make([]string, len(pkCols))
	for i, col := range pkCols {
		quoted[i] = d.QuoteIdent(col) + " ASC"
	}
	return strings.Join(quoted, ", ")
}

// PKMatchPredicate builds an OR-of-AND predicate matching any of the given
// key tuples, used for batched existence checks. NULL components become
// IS NULL so that nullable composite keys still match.
func PKMatchPredicate(d Dialect, pkCols []string, keys [][]string) (string, []any) {
	var (
		branches []string
		args     []any
		n        int
	)
	for _, key := range keys {
		var terms []string
		for i, col := range pkCols {
			if i < len(key) && key[i] == NullSentinel {
				terms = append(terms, d.QuoteIdent(col)+" IS NULL")
				continue
			}
			n++
			terms = append(terms, fmt.Sprintf("%s = %s", d.QuoteIdent(col), d.Placeholder(n)))
			if i < len(key) {
				args = append(args, key[i])
			} else {
				args = append(args, "")
			}
		}
		branches = append(branches, "("+strings.Join(terms, " AND ")+")")
	}
	return strings.Join(branches, " OR "), args
}

// quoteDouble implements standard double-quote identifier quoting.
func quoteDouble(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Shared dialect instances. Dialects carry no state.
var (
	MySQL      Dialect = mysqlDialect{}
	MSSQL      Dialect = mssqlDialect{}
	Oracle     Dialect = oracleDialect{}
	PostgreSQL Dialect = postgresDialect{}
)

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }
func (mysqlDialect) QuoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}
func (mysqlDialect) Placeholder(int) string { return "?" }
func (mysqlDialect) ProbeQuery() string     { return "SELECT 1" }
func (mysqlDialect) LimitClause(q string, limit int) string {
	return fmt.Sprintf("%s LIMIT %d", q, limit)
}
func (mysqlDialect) OffsetClause(q string, offset int64, limit int) string {
	return fmt.Sprintf("%s LIMIT %d OFFSET %d", q, limit, offset)
}
func (mysqlDialect) NaturalOrdering() string       { return "" } // InnoDB scans in PK/insert order
func (mysqlDialect) SupportsTupleComparison() bool { return true }

type mssqlDialect struct{}

func (mssqlDialect) Name() string { return "mssql" }
func (mssqlDialect) QuoteIdent(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}
func (mssqlDialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }
func (mssqlDialect) ProbeQuery() string       { return "SELECT 1" }
func (mssqlDialect) LimitClause(q string, limit int) string {
	// Requires an ORDER BY on the statement.
	return fmt.Sprintf("%s OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", q, limit)
}
func (mssqlDialect) OffsetClause(q string, offset int64, limit int) string {
	return fmt.Sprintf("%s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", q, offset, limit)
}
func (mssqlDialect) NaturalOrdering() string       { return "(SELECT 0)" }
func (mssqlDialect) SupportsTupleComparison() bool { return false }

type oracleDialect struct{}

func (oracleDialect) Name() string               { return "oracle" }
func (oracleDialect) QuoteIdent(s string) string { return quoteDouble(s) }
func (oracleDialect) Placeholder(n int) string   { return fmt.Sprintf(":%d", n) }
func (oracleDialect) ProbeQuery() string         { return "SELECT 1 FROM DUAL" }
func (oracleDialect) LimitClause(q string, limit int) string {
	return fmt.Sprintf("%s FETCH FIRST %d ROWS ONLY", q, limit)
}
func (oracleDialect) OffsetClause(q string, offset int64, limit int) string {
	return fmt.Sprintf("%s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", q, offset, limit)
}
func (oracleDialect) NaturalOrdering() string       { return "ROWID" }
func (oracleDialect) SupportsTupleComparison() bool { return false }

type postgresDialect struct{}

func (postgresDialect) Name() string               { return "postgres" }
func (postgresDialect) QuoteIdent(s string) string { return quoteDouble(s) }
func (postgresDialect) Placeholder(n int) string   { return fmt.Sprintf("$%d", n) }
func (postgresDialect) ProbeQuery() string         { return "SELECT 1" }
func (postgresDialect) LimitClause(q string, limit int) string {
	return fmt.Sprintf("%s LIMIT %d", q, limit)
}
func (postgresDialect) OffsetClause(q string, offset int64, limit int) string {
	return fmt.Sprintf("%s LIMIT %d OFFSET %d", q, limit, offset)
}
func (postgresDialect) NaturalOrdering() string       { return "ctid" }
func (postgresDialect) SupportsTupleComparison() bool { return true }
