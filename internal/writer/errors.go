package writer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorClass partitions lake failures into the recovery taxonomy.
type ErrorClass int

const (
	// ClassFatal propagates to the orchestrator as a cycle error.
	ClassFatal ErrorClass = iota

	// ClassSchemaViolation is a NOT NULL violation: the offending columns
	// are relaxed with DROP NOT NULL and the batch retried.
	ClassSchemaViolation

	// ClassTxAborted means the transaction was poisoned; rows are re-run
	// individually, each in its own transaction.
	ClassTxAborted

	// ClassBadEncoding is a malformed literal rejected by the lake; rows
	// are isolated the same way, offenders logged and skipped.
	ClassBadEncoding

	// ClassDuplicateKey is ON CONFLICT touching one key twice; the batch
	// is re-collapsed and retried once.
	ClassDuplicateKey
)

func (c ErrorClass) String() string {
	switch c {
	case ClassSchemaViolation:
		return "schema-violation"
	case ClassTxAborted:
		return "transaction-aborted"
	case ClassBadEncoding:
		return "bad-encoding"
	case ClassDuplicateKey:
		return "duplicate-key"
	}
	return "fatal"
}

// Classify maps a lake error onto its recovery class, preferring SQLSTATE
// codes and falling back to message substrings for errors that arrive
// without a PgError (for example through a pooled proxy).
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23502": // not_null_violation
			return ClassSchemaViolation
		case "25P02": // in_failed_sql_transaction
			return ClassTxAborted
		case "22P02", "22021": // invalid_text_representation, character_not_in_repertoire
			return ClassBadEncoding
		case "21000": // cardinality_violation (ON CONFLICT second touch)
			return ClassDuplicateKey
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "violates not-null constraint"):
		return ClassSchemaViolation
	case strings.Contains(msg, "current transaction is aborted"),
		strings.Contains(msg, "previously aborted"):
		return ClassTxAborted
	case strings.Contains(msg, "invalid input syntax"),
		strings.Contains(msg, "not a valid binary digit"):
		return ClassBadEncoding
	case strings.Contains(msg, "cannot affect row a second time"):
		return ClassDuplicateKey
	}
	return ClassFatal
}

var notNullColumnRe = regexp.MustCompile(`null value in column "([^"]+)"`)

// notNullColumns pulls the offending column names out of a NOT NULL
// violation message.
func notNullColumns(err error) []string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ColumnName != "" {
		return []string{pgErr.ColumnName}
	}
	var cols []string
	for _, m := range notNullColumnRe.FindAllStringSubmatch(err.Error(), -1) {
		cols = append(cols, m[1])
	}
	return cols
}

// execBatch executes one statement, recovering per error class. The
// not-null relaxation loop is bounded by the column count: every round
// must relax at least one new column or the error propagates.
func (w *Writer) execBatch(ctx context.Context, schema, table, header, tail string, batch [][]string) (Result, error) {
	relaxed := map[string]bool{}

	for {
		_, err := w.lake.Exec(ctx, BuildStatement(header, tail, batch))
		if err == nil {
			return Result{RowsWritten: int64(len(batch))}, nil
		}

		class := Classify(err)
		w.logger.Debug().Str("table", schema+"."+table).Str("class", class.String()).
			Err(err).Msg("batch failed")

		switch class {
		case ClassSchemaViolation:
			cols := notNullColumns(err)
			progressed := false
			for _, col := range cols {
				if relaxed[col] {
					continue
				}
				if alterErr := w.lake.DropNotNull(ctx, schema, table, col); alterErr != nil {
					return Result{}, fmt.Errorf("relax %s.%s.%s: %w", schema, table, col, alterErr)
				}
				relaxed[col] = true
				progressed = true
			}
			if !progressed {
				return Result{}, fmt.Errorf("not-null violation persists on %s.%s: %w", schema, table, err)
			}
			// retry the same batch

		case ClassTxAborted:
			return w.isolateRows(ctx, schema, table, header, tail, batch, w.maxIndividual)

		case ClassBadEncoding:
			return w.isolateRows(ctx, schema, table, header, tail, batch, w.maxBinary)

		case ClassDuplicateKey:
			// The caller collapses duplicates before submission, so this
			// only fires for pathological key expressions. One blunt
			// retry row-by-row resolves it.
			return w.isolateRows(ctx, schema, table, header, tail, batch, w.maxIndividual)

		default:
			return Result{}, fmt.Errorf("apply batch to %s.%s: %w", schema, table, err)
		}
	}
}

// isolateRows re-runs every row of a failed batch in its own transaction,
// bounded by limit. Rows that still fail are logged and skipped; the cycle
// continues.
func (w *Writer) isolateRows(ctx context.Context, schema, table, header, tail string, batch [][]string, limit int) (Result, error) {
	var res Result
	for i, row := range batch {
		if i >= limit {
			res.RowsSkipped += int64(len(batch) - i)
			w.logger.Warn().Str("table", schema+"."+table).
				Int("remaining", len(batch)-i).Msg("row isolation limit reached")
			break
		}
		if _, err := w.lake.Exec(ctx, BuildStatement(header, tail, [][]string{row})); err != nil {
			res.RowsSkipped++
			w.logger.Warn().Str("table", schema+"."+table).Err(err).
				Str("row", strings.Join(row, ",")).Msg("row skipped after isolation")
			continue
		}
		res.RowsWritten++
	}
	return res, nil
}
