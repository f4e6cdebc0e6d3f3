// Package writer builds and executes batched INSERT and
// INSERT … ON CONFLICT statements against the lake, with error-class
// specific recovery. Statements are assembled as literal SQL so that both
// the row count and the serialised size of every statement stay bounded.
package writer

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/lake"
	"github.com/lakesync/lakesync/internal/normalize"
)

const (
	// DefaultBatchSize is the row cap per statement.
	DefaultBatchSize = 1000

	// MaxBatchSize is the hard cap a config cannot exceed.
	MaxBatchSize = 5000

	// MaxQuerySize bounds the serialised statement, headers and conflict
	// clause included.
	MaxQuerySize = 1 << 20

	// MaxIndividualProcessing bounds the row-isolation loop after an
	// aborted transaction.
	MaxIndividualProcessing = 10000

	// MaxBinaryErrorProcessing bounds the row-isolation loop after a
	// bad-encoding failure.
	MaxBinaryErrorProcessing = 10000
)

// executor is the slice of the lake the writer needs. *lake.Lake
// implements it.
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	PrimaryKey(ctx context.Context, schema, table string) ([]string, error)
	DropNotNull(ctx context.Context, schema, table, column string) error
}

// Result reports the outcome of one bulk call.
type Result struct {
	RowsWritten int64
	RowsSkipped int64
}

// Writer applies normalised row batches to the lake.
type Writer struct {
	lake          executor
	batchSize     int
	maxIndividual int
	maxBinary     int
	logger        zerolog.Logger
}

// Option tweaks a Writer.
type Option func(*Writer)

// WithBatchSize overrides the per-statement row cap, clamped to
// [1, MaxBatchSize].
func WithBatchSize(n int) Option {
	return func(w *Writer) {
		if n < 1 {
			n = 1
		}
		if n > MaxBatchSize {
			n = MaxBatchSize
		}
		w.batchSize = n
	}
}

// WithRetryBounds overrides the row-isolation caps.
func WithRetryBounds(individual, binary int) Option {
	return func(w *Writer) {
		if individual > 0 {
			w.maxIndividual = individual
		}
		if binary > 0 {
			w.maxBinary = binary
		}
	}
}

// New creates a Writer over the lake.
func New(l *lake.Lake, logger zerolog.Logger, opts ...Option) *Writer {
	return newWriter(l, logger, opts...)
}

func newWriter(l executor, logger zerolog.Logger, opts ...Option) *Writer {
	w := &Writer{
		lake:          l,
		batchSize:     DefaultBatchSize,
		maxIndividual: MaxIndividualProcessing,
		maxBinary:     MaxBinaryErrorProcessing,
		logger:        logger.With().Str("component", "writer").Logger(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// BulkInsert writes rows without conflict handling; used when the target
// table has no primary key. Cells are raw source values run through the
// normalisation policy, except when passthrough is set (PG→PG).
func (w *Writer) BulkInsert(ctx context.Context, schema, table string, cols, types []string, rows [][]string, passthrough bool) (Result, error) {
	if len(rows) == 0 {
		return Result{}, nil
	}
	literals := literalRows(rows, types, passthrough)
	return w.apply(ctx, schema, table, cols, nil, literals)
}

// BulkUpsert writes rows idempotently. The conflict target is the lake
// table's primary key; without one, the call degrades to BulkInsert.
// Duplicate conflict targets inside a batch are collapsed beforehand,
// keeping the last occurrence, because PostgreSQL rejects ON CONFLICT
// statements that touch the same key twice.
func (w *Writer) BulkUpsert(ctx context.Context, schema, table string, cols, types []string, rows [][]string, passthrough bool) (Result, error) {
	if len(rows) == 0 {
		return Result{}, nil
	}

	pkCols, err := w.lake.PrimaryKey(ctx, schema, table)
	if err != nil {
		return Result{}, fmt.Errorf("resolve lake pk for upsert: %w", err)
	}
	if len(pkCols) == 0 {
		return w.BulkInsert(ctx, schema, table, cols, types, rows, passthrough)
	}

	pkIdx, err := keyIndexes(cols, pkCols)
	if err != nil {
		return Result{}, err
	}

	deduped, dropped := CollapseByKey(rows, pkIdx)
	if dropped > 0 {
		w.logger.Warn().Str("table", schema+"."+table).Int("rows", dropped).
			Msg("dropped rows with incomplete primary key")
	}

	literals := literalRows(deduped, types, passthrough)
	res, err := w.apply(ctx, schema, table, cols, pkCols, literals)
	res.RowsSkipped += int64(dropped)
	return res, err
}

// apply splits the literal rows into bounded statements and executes each
// through the recovery path.
func (w *Writer) apply(ctx context.Context, schema, table string, cols, conflictCols []string, literals [][]string) (Result, error) {
	header := statementHeader(schema, table, cols)
	tail := conflictClause(cols, conflictCols)

	var total Result
	for _, batch := range SplitBatches(literals, w.batchSize, MaxQuerySize-len(header)-len(tail)) {
		res, err := w.execBatch(ctx, schema, table, header, tail, batch)
		total.RowsWritten += res.RowsWritten
		total.RowsSkipped += res.RowsSkipped
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SplitBatches slices literal rows into sub-batches bounded by row count
// and by the serialised VALUES size budget. A single oversized row still
// forms its own batch.
func SplitBatches(literals [][]string, batchSize, sizeBudget int) [][][]string {
	var (
		out   [][][]string
		cur   [][]string
		bytes int
	)
	for _, row := range literals {
		rowBytes := valuesTupleLen(row)
		if len(cur) > 0 && (len(cur) >= batchSize || bytes+rowBytes > sizeBudget) {
			out = append(out, cur)
			cur = nil
			bytes = 0
		}
		cur = append(cur, row)
		bytes += rowBytes
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func valuesTupleLen(row []string) int {
	n := 4 // "(…)," separators
	for _, lit := range row {
		n += len(lit) + 2
	}
	return n
}

func statementHeader(schema, table string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = lake.QuoteIdent(c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES ",
		lake.QualifiedName(schema, table), strings.Join(quoted, ", "))
}

// conflictClause renders the ON CONFLICT tail. Non-key columns update from
// EXCLUDED; a key-only table degrades to DO NOTHING.
func conflictClause(cols, conflictCols []string) string {
	if len(conflictCols) == 0 {
		return ""
	}
	key := make(map[string]bool, len(conflictCols))
	quotedKeys := make([]string, len(conflictCols))
	for i, c := range conflictCols {
		key[strings.ToLower(c)] = true
		quotedKeys[i] = lake.QuoteIdent(c)
	}

	var sets []string
	for _, c := range cols {
		if key[strings.ToLower(c)] {
			continue
		}
		q := lake.QuoteIdent(c)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	if len(sets) == 0 {
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(quotedKeys, ", "))
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(quotedKeys, ", "), strings.Join(sets, ", "))
}

// BuildStatement assembles a complete statement from pre-rendered parts.
// Exposed for the chunk pipeline's preparers.
func BuildStatement(header, tail string, batch [][]string) string {
	var b strings.Builder
	b.Grow(len(header) + len(tail) + len(batch)*32)
	b.WriteString(header)
	for i, row := range batch {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		b.WriteString(strings.Join(row, ", "))
		b.WriteString(")")
	}
	b.WriteString(tail)
	return b.String()
}

// Header and Tail expose statement parts for the chunk pipeline.
func (w *Writer) Header(schema, table string, cols []string) string {
	return statementHeader(schema, table, cols)
}

func (w *Writer) Tail(cols, conflictCols []string) string {
	return conflictClause(cols, conflictCols)
}

// BatchSize returns the configured row cap per statement.
func (w *Writer) BatchSize() int { return w.batchSize }

// Literals renders raw cells into SQL literals, one row per input row.
// Exposed for the chunk pipeline's preparers.
func Literals(rows [][]string, types []string, passthrough bool) [][]string {
	return literalRows(rows, types, passthrough)
}

func literalRows(rows [][]string, types []string, passthrough bool) [][]string {
	out := make([][]string, len(rows))
	for i, row := range rows {
		lits := make([]string, len(row))
		for j, cell := range row {
			if passthrough {
				lits[j] = normalize.Passthrough(cell)
				continue
			}
			t := "text"
			if j < len(types) {
				t = types[j]
			}
			lits[j] = normalize.Literal(cell, t)
		}
		out[i] = lits
	}
	return out
}

func keyIndexes(cols, pkCols []string) ([]int, error) {
	idx := make([]int, 0, len(pkCols))
	for _, pk := range pkCols {
		found := -1
		for i, c := range cols {
			if strings.EqualFold(c, pk) {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("conflict column %q not present in row columns", pk)
		}
		idx = append(idx, found)
	}
	return idx, nil
}
