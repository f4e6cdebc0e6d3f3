package source

import (
	"reflect"
	"testing"
)

func TestCursorPredicateSingleColumn(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		want    string
	}{
		{"mysql", mysqlDialect{}, "`id` > ?"},
		{"postgres", postgresDialect{}, `"id" > $1`},
		{"mssql", mssqlDialect{}, "[id] > @p1"},
		{"oracle", oracleDialect{}, `"id" > :1`},
	}
	for _, tt := range tests {
		got, args := CursorPredicate(tt.dialect, []string{"id"}, []string{"42"})
		if got != tt.want {
			t.Errorf("%s: predicate = %q, want %q", tt.name, got, tt.want)
		}
		if len(args) != 1 || args[0] != "42" {
			t.Errorf("%s: args = %v", tt.name, args)
		}
	}
}

func TestCursorPredicateTupleComparison(t *testing.T) {
	got, args := CursorPredicate(postgresDialect{}, []string{"a", "b"}, []string{"1", "2"})
	want := `("a", "b") > ($1, $2)`
	if got != want {
		t.Errorf("predicate = %q, want %q", got, want)
	}
	if !reflect.DeepEqual(args, []any{"1", "2"}) {
		t.Errorf("args = %v", args)
	}
}

func TestCursorPredicateNestedExpansion(t *testing.T) {
	got, args := CursorPredicate(mssqlDialect{}, []string{"a", "b", "c"}, []string{"1", "2", "3"})
	want := "([a] > @p1) OR ([a] = @p2 AND [b] > @p3) OR ([a] = @p4 AND [b] = @p5 AND [c] > @p6)"
	if got != want {
		t.Errorf("predicate = %q, want %q", got, want)
	}
	wantArgs := []any{"1", "1", "2", "1", "2", "3"}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Errorf("args = %v, want %v", args, wantArgs)
	}
}

func TestCursorPredicateEmpty(t *testing.T) {
	if pred, args := CursorPredicate(postgresDialect{}, []string{"id"}, nil); pred != "" || args != nil {
		t.Errorf("empty cursor should yield no predicate, got %q %v", pred, args)
	}
	if pred, _ := CursorPredicate(postgresDialect{}, nil, []string{"1"}); pred != "" {
		t.Errorf("no PK columns should yield no predicate, got %q", pred)
	}
}

func TestPKMatchPredicate(t *testing.T) {
	keys := [][]string{{"1", "x"}, {"2", NullSentinel}}
	got, args := PKMatchPredicate(postgresDialect{}, []string{"a", "b"}, keys)
	want := `("a" = $1 AND "b" = $2) OR ("a" = $3 AND "b" IS NULL)`
	if got != want {
		t.Errorf("predicate = %q, want %q", got, want)
	}
	wantArgs := []any{"1", "x", "2"}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Errorf("args = %v, want %v", args, wantArgs)
	}
}

func TestLimitClause(t *testing.T) {
	base := "SELECT * FROM t ORDER BY id ASC"
	tests := []struct {
		dialect Dialect
		want    string
	}{
		{mysqlDialect{}, base + " LIMIT 100"},
		{postgresDialect{}, base + " LIMIT 100"},
		{mssqlDialect{}, base + " OFFSET 0 ROWS FETCH NEXT 100 ROWS ONLY"},
		{oracleDialect{}, base + " FETCH FIRST 100 ROWS ONLY"},
	}
	for _, tt := range tests {
		if got := tt.dialect.LimitClause(base, 100); got != tt.want {
			t.Errorf("%s: %q, want %q", tt.dialect.Name(), got, tt.want)
		}
	}
}

func TestOffsetClause(t *testing.T) {
	base := "SELECT * FROM t ORDER BY id ASC"
	tests := []struct {
		dialect Dialect
		want    string
	}{
		{mysqlDialect{}, base + " LIMIT 100 OFFSET 200"},
		{postgresDialect{}, base + " LIMIT 100 OFFSET 200"},
		{mssqlDialect{}, base + " OFFSET 200 ROWS FETCH NEXT 100 ROWS ONLY"},
		{oracleDialect{}, base + " OFFSET 200 ROWS FETCH NEXT 100 ROWS ONLY"},
	}
	for _, tt := range tests {
		if got := tt.dialect.OffsetClause(base, 200, 100); got != tt.want {
			t.Errorf("%s: %q, want %q", tt.dialect.Name(), got, tt.want)
		}
	}
}

func TestQualifiedTable(t *testing.T) {
	if got := QualifiedTable(mysqlDialect{}, "hr", "emp"); got != "`hr`.`emp`" {
		t.Errorf("mysql qualified = %q", got)
	}
	if got := QualifiedTable(mssqlDialect{}, "", "emp"); got != "[emp]" {
		t.Errorf("mssql unqualified = %q", got)
	}
}

func TestQuoteIdentEscaping(t *testing.T) {
	if got := (mysqlDialect{}).QuoteIdent("we`ird"); got != "`we``ird`" {
		t.Errorf("mysql quote = %q", got)
	}
	if got := (postgresDialect{}).QuoteIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("postgres quote = %q", got)
	}
	if got := (mssqlDialect{}).QuoteIdent("we]ird"); got != "[we]]ird]" {
		t.Errorf("mssql quote = %q", got)
	}
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		name string
		rows [][]string
		want int64
	}{
		{"plain", [][]string{{"42"}}, 42},
		{"whitespace", [][]string{{" 7 "}}, 7},
		{"empty result", nil, 0},
		{"empty row", [][]string{{}}, 0},
		{"garbage", [][]string{{"abc"}}, 0},
		{"negative", [][]string{{"-5"}}, 0},
		{"overflow", [][]string{{"99999999999999999999999"}}, 0},
	}
	for _, tt := range tests {
		if got := ParseCount(tt.rows); got != tt.want {
			t.Errorf("%s: ParseCount = %d, want %d", tt.name, got, tt.want)
		}
	}
}
