package writer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassFatal},
		{"pg not null", &pgconn.PgError{Code: "23502"}, ClassSchemaViolation},
		{"pg tx aborted", &pgconn.PgError{Code: "25P02"}, ClassTxAborted},
		{"pg bad text", &pgconn.PgError{Code: "22P02"}, ClassBadEncoding},
		{"pg bad charset", &pgconn.PgError{Code: "22021"}, ClassBadEncoding},
		{"pg cardinality", &pgconn.PgError{Code: "21000"}, ClassDuplicateKey},
		{"substr not null", errors.New(`null value in column "name" violates not-null constraint`), ClassSchemaViolation},
		{"substr aborted", errors.New("ERROR: current transaction is aborted, commands ignored"), ClassTxAborted},
		{"substr previously aborted", errors.New("statement previously aborted"), ClassTxAborted},
		{"substr bad input", errors.New(`invalid input syntax for type integer: "x"`), ClassBadEncoding},
		{"substr binary digit", errors.New(`"2" is not a valid binary digit`), ClassBadEncoding},
		{"substr conflict twice", errors.New("ON CONFLICT DO UPDATE command cannot affect row a second time"), ClassDuplicateKey},
		{"wrapped pg error", pgWrap(&pgconn.PgError{Code: "25P02"}), ClassTxAborted},
		{"other", errors.New("connection refused"), ClassFatal},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("%s: Classify = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func pgWrap(err error) error {
	return errors.Join(errors.New("exec batch"), err)
}

func TestNotNullColumns(t *testing.T) {
	err := errors.New(`null value in column "name" of relation "emp" violates not-null constraint`)
	cols := notNullColumns(err)
	if len(cols) != 1 || cols[0] != "name" {
		t.Errorf("cols = %v", cols)
	}

	pgErr := &pgconn.PgError{Code: "23502", ColumnName: "email"}
	if cols := notNullColumns(pgErr); len(cols) != 1 || cols[0] != "email" {
		t.Errorf("pg cols = %v", cols)
	}
}

// Scenario: target column is NOT NULL, source delivers NULL. First batch
// fails, the column is relaxed, the retry succeeds and the row lands.
func TestNotNullRelaxationRetriesBatch(t *testing.T) {
	f := &fakeLake{
		pk: []string{"id"},
		errs: []error{
			&pgconn.PgError{Code: "23502", ColumnName: "name", Message: `null value in column "name" violates not-null constraint`},
			nil,
		},
	}
	w := newTestWriter(f)

	res, err := w.BulkUpsert(context.Background(), "hr", "emp",
		[]string{"id", "name"}, []string{"integer", "text"},
		[][]string{{"4", "NULL"}}, false)
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if res.RowsWritten != 1 {
		t.Errorf("rows written = %d", res.RowsWritten)
	}
	if len(f.relaxed) != 1 || f.relaxed[0] != "name" {
		t.Errorf("relaxed = %v", f.relaxed)
	}
	if len(f.execs) != 2 {
		t.Errorf("execs = %d, want failed attempt plus retry", len(f.execs))
	}
}

func TestNotNullRelaxationDoesNotLoop(t *testing.T) {
	stubborn := &pgconn.PgError{Code: "23502", ColumnName: "name"}
	f := &fakeLake{
		pk:   []string{"id"},
		errs: []error{stubborn, stubborn},
	}
	w := newTestWriter(f)

	_, err := w.BulkUpsert(context.Background(), "hr", "emp",
		[]string{"id", "name"}, []string{"integer", "text"},
		[][]string{{"4", "NULL"}}, false)
	if err == nil {
		t.Fatal("persistent violation must propagate")
	}
	if len(f.relaxed) != 1 {
		t.Errorf("column relaxed %d times, want once", len(f.relaxed))
	}
}

func TestTxAbortedIsolatesRows(t *testing.T) {
	f := &fakeLake{
		pk: []string{"id"},
		errs: []error{
			&pgconn.PgError{Code: "25P02"}, // batch fails
			nil,                            // row 1 ok
			errors.New(`invalid input syntax for type integer: "x"`), // row 2 bad
			nil, // row 3 ok
		},
	}
	w := newTestWriter(f)

	rows := [][]string{{"1", "a"}, {"2", "b"}, {"3", "c"}}
	res, err := w.BulkUpsert(context.Background(), "hr", "emp",
		[]string{"id", "name"}, []string{"integer", "text"}, rows, false)
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if res.RowsWritten != 2 || res.RowsSkipped != 1 {
		t.Errorf("written=%d skipped=%d, want 2/1", res.RowsWritten, res.RowsSkipped)
	}
	if len(f.execs) != 4 {
		t.Errorf("execs = %d, want batch + 3 isolated rows", len(f.execs))
	}
}

func TestIsolationBounded(t *testing.T) {
	f := &fakeLake{
		pk:   []string{"id"},
		errs: []error{&pgconn.PgError{Code: "25P02"}},
	}
	w := newTestWriter(f, WithRetryBounds(2, 2))

	rows := [][]string{{"1", "a"}, {"2", "b"}, {"3", "c"}, {"4", "d"}}
	res, err := w.BulkUpsert(context.Background(), "hr", "emp",
		[]string{"id", "name"}, []string{"integer", "text"}, rows, false)
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if res.RowsWritten != 2 || res.RowsSkipped != 2 {
		t.Errorf("written=%d skipped=%d, want 2/2", res.RowsWritten, res.RowsSkipped)
	}
}

func TestFatalErrorPropagates(t *testing.T) {
	f := &fakeLake{
		pk:   []string{"id"},
		errs: []error{errors.New("connection refused")},
	}
	w := newTestWriter(f)

	_, err := w.BulkUpsert(context.Background(), "hr", "emp",
		[]string{"id"}, []string{"integer"}, [][]string{{"1"}}, false)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("err = %v", err)
	}
}
