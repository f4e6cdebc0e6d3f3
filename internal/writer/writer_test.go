package writer

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// fakeLake scripts Exec outcomes and records calls.
type fakeLake struct {
	pk      []string
	execs   []string
	errs    []error // consumed in order; nil beyond the end
	relaxed []string
}

func (f *fakeLake) Exec(_ context.Context, sql string, _ ...any) (int64, error) {
	f.execs = append(f.execs, sql)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	return 1, nil
}

func (f *fakeLake) PrimaryKey(context.Context, string, string) ([]string, error) {
	return f.pk, nil
}

func (f *fakeLake) DropNotNull(_ context.Context, _, _, column string) error {
	f.relaxed = append(f.relaxed, column)
	return nil
}

func newTestWriter(f *fakeLake, opts ...Option) *Writer {
	return newWriter(f, zerolog.Nop(), opts...)
}

func TestBuildStatement(t *testing.T) {
	header := statementHeader("hr", "emp", []string{"id", "name"})
	tail := conflictClause([]string{"id", "name"}, []string{"id"})

	got := BuildStatement(header, tail, [][]string{{"1", "'Ann'"}, {"2", "'Bo'"}})
	want := `INSERT INTO "hr"."emp" ("id", "name") VALUES (1, 'Ann'), (2, 'Bo')` +
		` ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name"`
	if got != want {
		t.Errorf("statement = %q, want %q", got, want)
	}
}

func TestConflictClauseKeyOnlyTable(t *testing.T) {
	got := conflictClause([]string{"id"}, []string{"id"})
	if got != ` ON CONFLICT ("id") DO NOTHING` {
		t.Errorf("clause = %q", got)
	}
}

func TestConflictClauseNoKey(t *testing.T) {
	if got := conflictClause([]string{"a", "b"}, nil); got != "" {
		t.Errorf("clause = %q, want empty", got)
	}
}

func TestSplitBatchesByRowCount(t *testing.T) {
	rows := [][]string{{"1"}, {"2"}, {"3"}, {"4"}, {"5"}}
	batches := SplitBatches(rows, 2, MaxQuerySize)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	if len(batches[0]) != 2 || len(batches[2]) != 1 {
		t.Errorf("batch sizes = %d,%d,%d", len(batches[0]), len(batches[1]), len(batches[2]))
	}
}

func TestSplitBatchesBySize(t *testing.T) {
	wide := strings.Repeat("x", 600)
	rows := [][]string{{wide}, {wide}, {wide}}
	batches := SplitBatches(rows, 100, 1300)
	if len(batches) < 2 {
		t.Fatalf("oversized statement not split: %d batches", len(batches))
	}
	// A single row beyond the budget still forms its own batch.
	huge := [][]string{{strings.Repeat("y", 5000)}}
	if got := SplitBatches(huge, 100, 1300); len(got) != 1 || len(got[0]) != 1 {
		t.Errorf("single oversized row handling: %v batches", len(got))
	}
}

func TestCollapseByKeyKeepsLast(t *testing.T) {
	rows := [][]string{
		{"7", "X"},
		{"8", "A"},
		{"7", "Y"},
	}
	kept, dropped := CollapseByKey(rows, []int{0})
	if dropped != 0 {
		t.Errorf("dropped = %d", dropped)
	}
	if len(kept) != 2 {
		t.Fatalf("kept %d rows", len(kept))
	}
	if kept[0][1] != "Y" {
		t.Errorf("duplicate key resolved to %q, want last occurrence Y", kept[0][1])
	}
	if kept[1][1] != "A" {
		t.Errorf("unrelated row displaced: %v", kept[1])
	}
}

func TestCollapseByKeyDropsIncompletePK(t *testing.T) {
	rows := [][]string{
		{"1", "ok"},
		{"NULL", "bad"},
	}
	kept, dropped := CollapseByKey(rows, []int{0})
	if dropped != 1 || len(kept) != 1 {
		t.Errorf("kept=%d dropped=%d", len(kept), dropped)
	}
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		key  []string
		want string
	}{
		{[]string{"1"}, "1"},
		{[]string{"1", "a"}, "1|a"},
		{[]string{"1", "NULL"}, "1|<NULL>"},
	}
	for _, tt := range tests {
		if got := Fingerprint(tt.key); got != tt.want {
			t.Errorf("Fingerprint(%v) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestBulkUpsertDedupes(t *testing.T) {
	f := &fakeLake{pk: []string{"id"}}
	w := newTestWriter(f)

	rows := [][]string{{"7", "X"}, {"7", "Y"}}
	res, err := w.BulkUpsert(context.Background(), "hr", "emp",
		[]string{"id", "name"}, []string{"integer", "text"}, rows, false)
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if res.RowsWritten != 1 {
		t.Errorf("rows written = %d, want 1", res.RowsWritten)
	}
	if len(f.execs) != 1 {
		t.Fatalf("execs = %d", len(f.execs))
	}
	if !strings.Contains(f.execs[0], "'Y'") || strings.Contains(f.execs[0], "'X'") {
		t.Errorf("statement should carry only the last duplicate: %s", f.execs[0])
	}
}

func TestBulkUpsertNoPKDelegatesToInsert(t *testing.T) {
	f := &fakeLake{}
	w := newTestWriter(f)

	_, err := w.BulkUpsert(context.Background(), "hr", "emp",
		[]string{"a"}, []string{"text"}, [][]string{{"v"}}, false)
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if len(f.execs) != 1 || strings.Contains(f.execs[0], "ON CONFLICT") {
		t.Errorf("no-PK upsert must be a plain insert: %v", f.execs)
	}
}

func TestBulkUpsertNormalisesCells(t *testing.T) {
	f := &fakeLake{pk: []string{"id"}}
	w := newTestWriter(f)

	_, err := w.BulkUpsert(context.Background(), "hr", "emp",
		[]string{"id", "flag"}, []string{"integer", "boolean"},
		[][]string{{"4", "Y"}}, false)
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if !strings.Contains(f.execs[0], "(4, true)") {
		t.Errorf("normalisation missing: %s", f.execs[0])
	}
}

func TestBulkInsertPassthrough(t *testing.T) {
	f := &fakeLake{}
	w := newTestWriter(f)

	_, err := w.BulkInsert(context.Background(), "hr", "emp",
		[]string{"flag"}, []string{"boolean"}, [][]string{{"Y"}}, true)
	if err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}
	if !strings.Contains(f.execs[0], "('Y')") {
		t.Errorf("passthrough must not normalise: %s", f.execs[0])
	}
}

func TestBulkUpsertSplitsLargeBatches(t *testing.T) {
	f := &fakeLake{pk: []string{"id"}}
	w := newTestWriter(f, WithBatchSize(2))

	rows := [][]string{{"1", "a"}, {"2", "b"}, {"3", "c"}, {"4", "d"}, {"5", "e"}}
	res, err := w.BulkUpsert(context.Background(), "hr", "emp",
		[]string{"id", "name"}, []string{"integer", "text"}, rows, false)
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if res.RowsWritten != 5 {
		t.Errorf("rows written = %d", res.RowsWritten)
	}
	if len(f.execs) != 3 {
		t.Errorf("execs = %d, want 3", len(f.execs))
	}
}
