// Package source holds the per-engine adapters that read operational
// databases. Every adapter exposes the same Conn contract; engines differ
// only in connection setup and in the SQL dialect used for chunked
// extraction. MongoDB is the structural exception (see mongo.go).
package source

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/catalog"
)

const (
	// NullSentinel marks SQL NULL in row vectors, distinguishing it from
	// the empty string.
	NullSentinel = "NULL"

	// MaxCellBytes caps a single cell. Longer cells are truncated and
	// marked with TruncationMark so the row is not silently corrupted.
	MaxCellBytes = 32 * 1024

	// TruncationMark is appended to any truncated cell.
	TruncationMark = "...[truncated]"
)

// Column describes one column of a source table, in ordinal order.
type Column struct {
	Name       string
	Type       string
	Nullable   bool
	PrimaryKey bool
	Length     int
	Precision  int
	Scale      int
	Default    string
}

// Conn is the uniform adapter contract. The orchestrator and the CDC
// consumer speak only through it; dialect strings are the sole divergence
// between engines.
type Conn interface {
	// TestConnection runs the engine's probe query.
	TestConnection(ctx context.Context) error

	// ExecuteQuery runs a parameterised query and returns rows as string
	// vectors with NullSentinel for SQL NULL.
	ExecuteQuery(ctx context.Context, query string, args ...any) ([][]string, error)

	// ExecuteStatement runs a statement that returns no rows (DDL, change
	// log maintenance) and reports affected rows where the engine does.
	ExecuteStatement(ctx context.Context, stmt string, args ...any) (int64, error)

	// DiscoverSchema returns the ordered column set of a table.
	DiscoverSchema(ctx context.Context, schema, table string) ([]Column, error)

	// PrimaryKeyColumns returns the ordered PK column names.
	PrimaryKeyColumns(ctx context.Context, schema, table string) ([]string, error)

	// Dialect returns the engine's SQL dialect. Nil for MongoDB.
	Dialect() Dialect

	Close() error
}

// Open connects to a source database for the given engine. The returned
// Conn must be closed on every exit path; callers hold it for at most one
// cycle.
func Open(ctx context.Context, engine catalog.Engine, connString string, logger zerolog.Logger) (Conn, error) {
	switch engine {
	case catalog.EngineMariaDB:
		return openMySQL(ctx, connString, logger)
	case catalog.EngineMSSQL:
		return openMSSQL(ctx, connString, logger)
	case catalog.EngineOracle:
		return openOracle(ctx, connString, logger)
	case catalog.EnginePostgreSQL:
		return openPostgres(ctx, connString, logger)
	case catalog.EngineMongoDB:
		return openMongo(ctx, connString, logger)
	}
	return nil, fmt.Errorf("unsupported engine %q", engine)
}

func truncateCell(s string) string {
	if len(s) <= MaxCellBytes {
		return s
	}
	return s[:MaxCellBytes] + TruncationMark
}
