package writer

import "strings"

// NullComponent marks a NULL key component inside a fingerprint.
const NullComponent = "<NULL>"

// nullSentinel mirrors the source adapters' NULL marker without importing
// the package.
const nullSentinel = "NULL"

// Fingerprint renders a PK tuple as v1|v2|…|vn with NullComponent standing
// in for NULL cells. Within a batch the fingerprint is the conflict
// identity of the row.
func Fingerprint(key []string) string {
	parts := make([]string, len(key))
	for i, v := range key {
		if v == nullSentinel {
			parts[i] = NullComponent
		} else {
			parts[i] = v
		}
	}
	return strings.Join(parts, "|")
}

// KeyOf extracts the key tuple of a row given the PK column indexes.
func KeyOf(row []string, pkIdx []int) []string {
	key := make([]string, len(pkIdx))
	for i, idx := range pkIdx {
		if idx < len(row) {
			key[i] = row[idx]
		} else {
			key[i] = nullSentinel
		}
	}
	return key
}

// CollapseByKey removes in-batch duplicates by PK fingerprint, keeping the
// LAST occurrence of each key (later changes win, matching change_id
// ordering on the CDC path). Rows with a NULL key component are dropped
// and counted, since they can never satisfy a NOT NULL primary key.
func CollapseByKey(rows [][]string, pkIdx []int) (kept [][]string, dropped int) {
	type slot struct {
		row  []string
		seen int // rising sequence, decides final order
	}

	slots := make(map[string]*slot, len(rows))
	seq := 0
	for _, row := range rows {
		key := KeyOf(row, pkIdx)
		if hasNullComponent(key) {
			dropped++
			continue
		}
		fp := Fingerprint(key)
		if s, ok := slots[fp]; ok {
			// Keep the later row but its original slot position, so the
			// batch stays in first-seen key order.
			s.row = row
			continue
		}
		slots[fp] = &slot{row: row, seen: seq}
		seq++
	}

	kept = make([][]string, seq)
	for _, s := range slots {
		kept[s.seen] = s.row
	}
	return kept, dropped
}

func hasNullComponent(key []string) bool {
	for _, v := range key {
		if v == nullSentinel {
			return true
		}
	}
	return false
}
