package replicate

import "testing"

// PG→PG diffing keeps empty strings distinct from SQL NULL: identical
// cells never trigger an update, and a NULL lake cell against an
// empty-string source cell does.
func TestChangedColumnsPassthroughEmptyVsNull(t *testing.T) {
	names := []string{"id", "note"}
	types := []string{"integer", "text"}

	cols, _ := changedColumns(names, types, []string{"1", ""}, []string{"1", ""}, []int{0}, true)
	if len(cols) != 0 {
		t.Errorf("identical empty-string cells flagged as changed: %v", cols)
	}

	cols, lits := changedColumns(names, types, []string{"1", ""}, []string{"1", "NULL"}, []int{0}, true)
	if len(cols) != 1 || cols[0] != "note" {
		t.Fatalf("cols = %v, want [note]", cols)
	}
	if lits[0] != "''" {
		t.Errorf("literal = %q, want ''", lits[0])
	}

	cols, _ = changedColumns(names, types, []string{"1", "NULL"}, []string{"1", "NULL"}, []int{0}, true)
	if len(cols) != 0 {
		t.Errorf("matching NULL cells flagged as changed: %v", cols)
	}
}
