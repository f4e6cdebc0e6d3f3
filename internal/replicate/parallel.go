package replicate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/chunkpipe"
	"github.com/lakesync/lakesync/internal/writer"
)

// StatementWriter renders the statement parts for the parallel loader.
// *writer.Writer implements it.
type StatementWriter interface {
	Header(schema, table string, cols []string) string
	Tail(cols, conflictCols []string) string
	BatchSize() int
}

// Executor runs one rendered statement. *lake.Lake implements it.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// Parallel enables the chunk-pipeline full load: one fetcher, several
// preparers and inserters, cursor confirmed only over the contiguous
// successful prefix. Without it every transfer runs serially.
type Parallel struct {
	Statements StatementWriter
	Exec       Executor
	Config     chunkpipe.Config

	// OnRows, when set, receives the confirmed row count of a run.
	OnRows func(int64)
}

// SetParallel installs the parallel loader. Call before SyncTable.
func (s *TableSyncer) SetParallel(par *Parallel) { s.par = par }

// useParallel gates the pipeline to fresh PK full loads: that is the
// only case where chunks are pure inserts with a monotonic cursor, so
// out-of-order completion cannot reorder anything observable.
func (s *TableSyncer) useParallel(e *catalog.Entry, entered catalog.Status) bool {
	return s.par != nil && entered == catalog.StatusFullLoad &&
		e.PKStrategy == catalog.StrategyPK && e.HasPK()
}

func (s *TableSyncer) transferParallel(ctx context.Context, log zerolog.Logger, e *catalog.Entry, rd Reader) (int64, error) {
	cols, err := rd.Columns(ctx)
	if err != nil {
		return 0, err
	}
	names, types := columnNamesAndTypes(cols)
	pkIdx, err := keyIndexes(names, e.PKColumns)
	if err != nil {
		return 0, err
	}

	passthrough := e.Engine == catalog.EnginePostgreSQL
	header := s.par.Statements.Header(e.SchemaName, e.TableName, names)
	// Upsert tail so a resumed load replays its boundary chunk cleanly.
	tail := s.par.Statements.Tail(names, e.PKColumns)
	sizeBudget := writer.MaxQuerySize - len(header) - len(tail)
	batchSize := s.par.Statements.BatchSize()

	fetch := func(ctx context.Context, cursor []string, limit int) ([][]string, error) {
		return rd.FetchAfter(ctx, cursor, limit)
	}
	prepare := func(rows [][]string) []string {
		literals := writer.Literals(rows, types, passthrough)
		batches := writer.SplitBatches(literals, batchSize, sizeBudget)
		stmts := make([]string, len(batches))
		for i, b := range batches {
			stmts[i] = writer.BuildStatement(header, tail, b)
		}
		return stmts
	}
	exec := func(ctx context.Context, stmt string) error {
		_, err := s.par.Exec.Exec(ctx, stmt)
		return err
	}
	cursorOf := func(row []string) []string {
		return writer.KeyOf(row, pkIdx)
	}
	save := func(ctx context.Context, cursor []string) error {
		return s.cat.SaveCursor(ctx, e, catalog.JoinCursor(cursor))
	}

	pcfg := s.par.Config
	if pcfg.ChunkSize <= 0 {
		pcfg.ChunkSize = s.cfg.ChunkSize
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.MaxProcessingTime)
	defer cancel()

	pipe := chunkpipe.New(fetch, prepare, exec, cursorOf, save, pcfg, log)
	summary, err := pipe.Run(ctx, e.CursorValues())
	if s.par.OnRows != nil && summary.Rows > 0 {
		s.par.OnRows(int64(summary.Rows))
	}
	if err != nil {
		return int64(summary.Rows), fmt.Errorf("parallel transfer: %w", err)
	}
	log.Info().Int("chunks", summary.Chunks).Int("rows", summary.Rows).Msg("parallel transfer complete")
	return int64(summary.Rows), nil
}
