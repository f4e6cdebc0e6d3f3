// Package schema mirrors source table structures into the lake. Column
// types collapse to the lake's normalised families (bigint, double
// precision, timestamp, text and so on) rather than copying engine
// types verbatim; sizes survive where they matter (varchar, numeric).
package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/cdc"
	"github.com/lakesync/lakesync/internal/lake"
	"github.com/lakesync/lakesync/internal/normalize"
	"github.com/lakesync/lakesync/internal/source"
)

// Mirror creates lake tables shaped after source tables.
type Mirror struct {
	lake   *lake.Lake
	logger zerolog.Logger
}

// NewMirror wires a Mirror over an open lake.
func NewMirror(lk *lake.Lake, logger zerolog.Logger) *Mirror {
	return &Mirror{
		lake:   lk,
		logger: logger.With().Str("component", "schema").Logger(),
	}
}

// EnsureTable creates the lake table for a catalog entry if it does not
// exist. Existing tables are left untouched; column drift is the bulk
// writer's problem, not this one's.
func (m *Mirror) EnsureTable(ctx context.Context, e *catalog.Entry, cols []source.Column) error {
	if len(cols) == 0 {
		return fmt.Errorf("no columns discovered for %s", e.Key())
	}
	cols = MirrorColumns(e, cols)

	if _, err := m.lake.Exec(ctx,
		"CREATE SCHEMA IF NOT EXISTS "+lake.QuoteIdent(e.SchemaName)); err != nil {
		return fmt.Errorf("ensure schema %s: %w", e.SchemaName, err)
	}

	ddl := CreateTableDDL(e.SchemaName, e.TableName, cols, e.PKColumns)
	if _, err := m.lake.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure table %s: %w", e.Key(), err)
	}
	m.logger.Info().Str("table", e.Key()).Int("columns", len(cols)).Msg("lake table ensured")
	return nil
}

// MirrorColumns returns the lake column set for an entry. No-PK CDC
// tables get the synthetic change-hash column appended: their change-log
// entries key rows by hash, so the lake table must carry it.
func MirrorColumns(e *catalog.Entry, cols []source.Column) []source.Column {
	if e.PKStrategy == catalog.StrategyCDC && !e.HasPK() {
		out := make([]source.Column, len(cols), len(cols)+1)
		copy(out, cols)
		return append(out, source.Column{Name: cdc.HashKey, Type: "text"})
	}
	return cols
}

// CreateTableDDL renders the CREATE TABLE IF NOT EXISTS statement for
// one mirrored table. Only PK columns carry NOT NULL; everything else is
// nullable so partially filled source rows always land.
func CreateTableDDL(schemaName, tableName string, cols []source.Column, pkCols []string) string {
	pk := make(map[string]bool, len(pkCols))
	for _, c := range pkCols {
		pk[strings.ToLower(c)] = true
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(lake.QualifiedName(schemaName, tableName))
	b.WriteString(" (\n")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(",\n")
		}
		b.WriteString("    ")
		b.WriteString(lake.QuoteIdent(c.Name))
		b.WriteString(" ")
		b.WriteString(LakeColumnType(c))
		if pk[strings.ToLower(c.Name)] {
			b.WriteString(" NOT NULL")
		}
	}
	if len(pkCols) > 0 {
		quoted := make([]string, len(pkCols))
		for i, c := range pkCols {
			quoted[i] = lake.QuoteIdent(c)
		}
		b.WriteString(",\n    PRIMARY KEY (")
		b.WriteString(strings.Join(quoted, ", "))
		b.WriteString(")")
	}
	b.WriteString("\n)")
	return b.String()
}

// LakeColumnType maps a source column to its lake type.
func LakeColumnType(c source.Column) string {
	t := strings.ToLower(strings.TrimSpace(c.Type))
	switch normalize.KindOf(t) {
	case normalize.KindInteger:
		return "bigint"
	case normalize.KindFloat:
		switch t {
		case "numeric", "decimal", "number":
			return normalize.ColumnType("numeric", c.Length, c.Precision, c.Scale)
		}
		return "double precision"
	case normalize.KindBoolean:
		return "boolean"
	case normalize.KindTimestamp:
		return "timestamp"
	case normalize.KindDate:
		return "date"
	case normalize.KindTime:
		return "time"
	case normalize.KindJSON:
		return "jsonb"
	}
	if c.Length > 0 {
		return normalize.ColumnType("varchar", c.Length, 0, 0)
	}
	return "text"
}
