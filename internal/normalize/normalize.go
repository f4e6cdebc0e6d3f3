// Package normalize maps raw source cells to PostgreSQL literals.
//
// The policy is source→lake only: PostgreSQL sources bypass it (Passthrough)
// so that values already in PG literal space are never rewritten.
package normalize

import (
	"strconv"
	"strings"
)

// Kind groups PostgreSQL types into normalisation families.
type Kind int

const (
	KindText Kind = iota
	KindInteger
	KindFloat
	KindBoolean
	KindTimestamp
	KindDate
	KindTime
	KindJSON
)

// Defaults substituted for NULL input, per kind. TEXT maps to SQL NULL.
const (
	defaultTimestamp = "1970-01-01 00:00:00"
	defaultDate      = "1970-01-01"
	defaultTime      = "00:00:00"
)

// KindOf classifies a PostgreSQL type name.
func KindOf(pgType string) Kind {
	t := strings.ToLower(strings.TrimSpace(pgType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	// Source engines report their own type names; the families below
	// cover MySQL/MariaDB, SQL Server and Oracle alongside PostgreSQL.
	switch t {
	case "smallint", "integer", "int", "int2", "int4", "int8", "bigint", "serial", "bigserial",
		"tinyint", "mediumint", "year":
		return KindInteger
	case "real", "double precision", "float4", "float8", "numeric", "decimal", "money",
		"float", "double", "number", "smallmoney", "binary_float", "binary_double":
		return KindFloat
	case "boolean", "bool", "bit":
		return KindBoolean
	case "timestamp", "timestamptz", "timestamp without time zone", "timestamp with time zone",
		"datetime", "datetime2", "smalldatetime", "datetimeoffset":
		return KindTimestamp
	case "date":
		return KindDate
	case "time", "timetz", "time without time zone", "time with time zone":
		return KindTime
	case "json", "jsonb":
		return KindJSON
	}
	return KindText
}

// IsNullToken reports whether a raw source cell stands for SQL NULL.
// Beyond the explicit sentinels, any cell carrying bytes outside printable
// ASCII (except TAB/LF/CR) is treated as NULL rather than risking a bad
// literal on the lake.
func IsNullToken(raw string) bool {
	switch {
	case raw == "":
		return true
	case strings.EqualFold(raw, "null"):
		return true
	case raw == `\N` || raw == `\0`:
		return true
	case strings.HasPrefix(raw, "0000-"):
		return true
	case raw == "1900-01-01" || raw == "1970-01-01":
		return true
	}
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b == 0x09 || b == 0x0A || b == 0x0D {
			continue
		}
		if b < 0x20 || b > 0x7E {
			return true
		}
	}
	return false
}

// Literal converts a raw source cell into a PostgreSQL literal for the given
// target type. NULL input yields the kind's safe default, except TEXT/JSON
// which yield SQL NULL. Invalid numerics and dates fall back to the same
// defaults instead of propagating bad literals.
func Literal(raw, pgType string) string {
	kind := KindOf(pgType)
	if IsNullToken(raw) {
		return nullDefault(kind)
	}

	switch kind {
	case KindInteger:
		if _, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err != nil {
			// Some engines emit integers with a trailing ".0" scale.
			if f, ferr := strconv.ParseFloat(strings.TrimSpace(raw), 64); ferr == nil {
				return strconv.FormatInt(int64(f), 10)
			}
			return "0"
		}
		return strings.TrimSpace(raw)
	case KindFloat:
		if _, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err != nil {
			return "0.0"
		}
		return strings.TrimSpace(raw)
	case KindBoolean:
		return boolLiteral(raw)
	case KindTimestamp, KindDate, KindTime:
		return Quote(strings.TrimSpace(raw))
	case KindJSON:
		return Quote(raw)
	}
	return Quote(raw)
}

// Passthrough quotes a raw cell without the normalisation policy, used on
// the PG→PG path. Only the adapters' exact NULL sentinel maps to SQL
// NULL; empty strings and lower-case "null" text survive as literals.
func Passthrough(raw string) string {
	if raw == "NULL" {
		return "NULL"
	}
	return Quote(raw)
}

func nullDefault(kind Kind) string {
	switch kind {
	case KindInteger:
		return "0"
	case KindFloat:
		return "0.0"
	case KindBoolean:
		return "false"
	case KindTimestamp:
		return Quote(defaultTimestamp)
	case KindDate:
		return Quote(defaultDate)
	case KindTime:
		return Quote(defaultTime)
	}
	return "NULL"
}

func boolLiteral(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "y", "1", "true", "t":
		return "true"
	case "n", "0", "false", "f":
		return "false"
	}
	return "false"
}

// Quote wraps a string in single quotes, doubling embedded quotes and
// escaping backslashes through the E'' form when present.
func Quote(s string) string {
	escaped := strings.ReplaceAll(s, "'", "''")
	if strings.ContainsRune(escaped, '\\') {
		return "E'" + strings.ReplaceAll(escaped, `\`, `\\`) + "'"
	}
	return "'" + escaped + "'"
}

// ColumnType sanitises source-reported type metadata into a lake column
// type. Invalid VARCHAR lengths drop the size; NUMERIC precision or scale
// beyond 1000 is replaced with NUMERIC(18,4).
func ColumnType(pgType string, length, precision, scale int) string {
	t := strings.ToLower(strings.TrimSpace(pgType))
	switch t {
	case "varchar", "character varying":
		if length <= 0 || length > 10485760 {
			return "varchar"
		}
		return "varchar(" + strconv.Itoa(length) + ")"
	case "numeric", "decimal":
		if precision <= 0 {
			return "numeric"
		}
		if precision > 1000 || scale > 1000 || scale > precision {
			return "numeric(18,4)"
		}
		return "numeric(" + strconv.Itoa(precision) + "," + strconv.Itoa(scale) + ")"
	}
	return pgType
}
