// Package replicate implements the per-table replication state machine:
// counting, truncate-on-entry, the chunked transfer loop, delete and
// update reconciliation, and the terminal catalog transition.
package replicate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/source"
	"github.com/lakesync/lakesync/internal/writer"
)

// Reader is the slice of the source adapter the syncer consumes.
// *source.TableReader implements it.
type Reader interface {
	Count(ctx context.Context) (int64, error)
	Columns(ctx context.Context) ([]source.Column, error)
	FetchAfter(ctx context.Context, cursor []string, limit int) ([][]string, error)
	FetchOffset(ctx context.Context, offset int64, limit int) ([][]string, error)
	FetchKeysAfter(ctx context.Context, cursor []string, limit int) ([][]string, error)
	ExistingKeys(ctx context.Context, keys [][]string, fingerprint func([]string) string) (map[string]struct{}, error)
	FetchUpdatedSince(ctx context.Context, watermarkCol string, since time.Time, limit int) ([][]string, error)
	IsDocumentSource() bool
}

// LakeStore is the slice of the lake the syncer consumes. *lake.Lake
// implements it.
type LakeStore interface {
	Count(ctx context.Context, schema, table string) (int64, error)
	Truncate(ctx context.Context, schema, table string) error
	PKPage(ctx context.Context, schema, table string, pkCols, after []string, limit int) ([][]string, error)
	DeleteByKeys(ctx context.Context, schema, table string, pkCols []string, keys [][]string) (int64, error)
	RowByPK(ctx context.Context, schema, table string, cols, pkCols, key []string) ([]string, bool, error)
	UpdateRow(ctx context.Context, schema, table string, setCols, setLiterals, pkCols, key []string) error
}

// BulkWriter applies row batches. *writer.Writer implements it.
type BulkWriter interface {
	BulkInsert(ctx context.Context, schema, table string, cols, types []string, rows [][]string, passthrough bool) (writer.Result, error)
	BulkUpsert(ctx context.Context, schema, table string, cols, types []string, rows [][]string, passthrough bool) (writer.Result, error)
}

// Catalog persists status and progress. *catalog.Store implements it.
type Catalog interface {
	SetStatus(ctx context.Context, e *catalog.Entry, status catalog.Status, errMsg string) error
	SaveCursor(ctx context.Context, e *catalog.Entry, cursor string) error
	SaveSyncTime(ctx context.Context, e *catalog.Entry, t time.Time) error
	MergeSyncMetadata(ctx context.Context, e *catalog.Entry, patch map[string]any) error
	ResetProgress(ctx context.Context, e *catalog.Entry) error
}

// Config carries the tuning knobs of one syncer.
type Config struct {
	ChunkSize         int
	CheckBatchSize    int           // source existence probes per query, ≤ 500
	ConsistencyBatch  int           // keys compared per consistency page
	MaxUpdateRows     int           // update reconciliation cap per cycle
	MaxChunks         int           // cursor non-progress guard
	MaxProcessingTime time.Duration // per-table liveness guard
	MongoReloadEvery  time.Duration // document sources reload at most this often
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:         1000,
		CheckBatchSize:    500,
		ConsistencyBatch:  1000,
		MaxUpdateRows:     10000,
		MaxChunks:         10000,
		MaxProcessingTime: 24 * time.Hour,
		MongoReloadEvery:  24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.CheckBatchSize <= 0 || c.CheckBatchSize > 500 {
		c.CheckBatchSize = d.CheckBatchSize
	}
	if c.ConsistencyBatch <= 0 {
		c.ConsistencyBatch = d.ConsistencyBatch
	}
	if c.MaxUpdateRows <= 0 {
		c.MaxUpdateRows = d.MaxUpdateRows
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = d.MaxChunks
	}
	if c.MaxProcessingTime <= 0 {
		c.MaxProcessingTime = d.MaxProcessingTime
	}
	if c.MongoReloadEvery <= 0 {
		c.MongoReloadEvery = d.MongoReloadEvery
	}
	return c
}

// TableSyncer executes the state machine for single tables.
type TableSyncer struct {
	cat    Catalog
	lake   LakeStore
	writer BulkWriter
	cfg    Config
	logger zerolog.Logger
	par    *Parallel

	now func() time.Time // test hook
}

// NewTableSyncer wires a syncer.
func NewTableSyncer(cat Catalog, lk LakeStore, bw BulkWriter, cfg Config, logger zerolog.Logger) *TableSyncer {
	return &TableSyncer{
		cat:    cat,
		lake:   lk,
		writer: bw,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "syncer").Logger(),
		now:    time.Now,
	}
}

const lastFullLoadKey = "last_full_load"

// SyncTable runs the decision procedure for one catalog entry, exactly
// once per cycle. Every branch ends by writing a terminal status; the
// caller owns the reader's lifecycle.
func (s *TableSyncer) SyncTable(ctx context.Context, e *catalog.Entry, rd Reader) error {
	log := s.logger.With().Str("table", e.Key()).Logger()

	if err := s.syncTable(ctx, log, e, rd); err != nil {
		if stErr := s.cat.SetStatus(ctx, e, catalog.StatusError, err.Error()); stErr != nil {
			log.Error().Err(stErr).Msg("failed to record ERROR status")
		}
		log.Error().Err(err).Msg("table sync failed")
		return err
	}
	return nil
}

func (s *TableSyncer) syncTable(ctx context.Context, log zerolog.Logger, e *catalog.Entry, rd Reader) error {
	entered := e.Status

	// Document sources only do full reloads, and at most once per
	// reload window.
	if rd.IsDocumentSource() && entered == catalog.StatusListening {
		if last, ok := parseMetadataTime(e.SyncMetadata, lastFullLoadKey); ok &&
			s.now().Sub(last) < s.cfg.MongoReloadEvery {
			return s.cat.SetStatus(ctx, e, catalog.StatusListening, "")
		}
		entered = catalog.StatusFullLoad
	}

	// Step 0 — count both sides.
	sourceCount, err := rd.Count(ctx)
	if err != nil {
		return fmt.Errorf("count source: %w", err)
	}
	targetCount, err := s.lake.Count(ctx, e.SchemaName, e.TableName)
	if err != nil {
		return fmt.Errorf("count lake: %w", err)
	}
	log.Info().Int64("source", sourceCount).Int64("target", targetCount).
		Str("status", string(entered)).Msg("cycle counts")

	// Step 1 — truncate on FULL_LOAD / RESET, even when counts already
	// match; that is what distinguishes the entry states from
	// LISTENING_CHANGES.
	if entered == catalog.StatusFullLoad || entered == catalog.StatusReset {
		if err := s.lake.Truncate(ctx, e.SchemaName, e.TableName); err != nil {
			return err
		}
		if err := s.cat.ResetProgress(ctx, e); err != nil {
			return err
		}
		targetCount = 0

		if entered == catalog.StatusReset {
			// RESET only clears; the reload itself runs on the next
			// cycle under FULL_LOAD.
			return s.cat.SetStatus(ctx, e, catalog.StatusFullLoad, "")
		}
	}

	// Step 2 — empty-source shortcut.
	if sourceCount == 0 {
		if targetCount == 0 {
			return s.cat.SetStatus(ctx, e, catalog.StatusNoData, "")
		}
		return s.cat.SetStatus(ctx, e, catalog.StatusListening, "")
	}

	if err := s.cat.SetStatus(ctx, e, catalog.StatusInProgress, ""); err != nil {
		return err
	}

	// Step 3 — equal counts.
	if sourceCount == targetCount && entered != catalog.StatusFullLoad {
		consistent, err := s.consistencyCheck(ctx, e, rd)
		if err != nil {
			return err
		}
		if consistent {
			if e.LastSyncColumn != "" && !rd.IsDocumentSource() {
				if err := s.updatePass(ctx, log, e, rd); err != nil {
					return err
				}
			}
			if e.PKStrategy == catalog.StrategyPK {
				if err := s.persistTailCursor(ctx, e); err != nil {
					return err
				}
			}
			return s.cat.SetStatus(ctx, e, catalog.StatusListening, "")
		}
		log.Warn().Msg("counts match but key sets diverge, forcing transfer")
	}

	// Step 4 — deletes detected.
	if sourceCount < targetCount {
		switch e.PKStrategy {
		case catalog.StrategyPK:
			if err := s.reconcileDeletes(ctx, log, e, rd); err != nil {
				return err
			}
			targetCount, err = s.lake.Count(ctx, e.SchemaName, e.TableName)
			if err != nil {
				return fmt.Errorf("recount lake after deletes: %w", err)
			}
			if sourceCount <= targetCount {
				return s.cat.SetStatus(ctx, e, catalog.StatusListening, "")
			}
		default:
			// No stable cursor to locate deletes: rebuild from scratch
			// on the next cycle.
			if err := s.lake.Truncate(ctx, e.SchemaName, e.TableName); err != nil {
				return err
			}
			if err := s.cat.ResetProgress(ctx, e); err != nil {
				return err
			}
			return s.cat.SetStatus(ctx, e, catalog.StatusFullLoad, "")
		}
	}

	// Step 5 — transfer loop. Fresh PK full loads may run through the
	// parallel chunk pipeline; everything else stays serial.
	var processed int64
	if s.useParallel(e, entered) {
		processed, err = s.transferParallel(ctx, log, e, rd)
	} else {
		processed, err = s.transfer(ctx, log, e, rd, sourceCount, targetCount)
	}
	if err != nil {
		return err
	}

	// Step 6 — terminal status.
	if rd.IsDocumentSource() {
		patch := map[string]any{lastFullLoadKey: s.now().UTC().Format(time.RFC3339)}
		if err := s.cat.MergeSyncMetadata(ctx, e, patch); err != nil {
			return err
		}
	}
	log.Info().Int64("rows", processed).Msg("transfer complete")
	return s.cat.SetStatus(ctx, e, catalog.StatusListening, "")
}

// transfer runs the chunked extraction/upsert loop until one of the
// termination conditions holds. PK mode advances the key cursor; OFFSET
// mode advances sync_metadata.last_offset one chunk at a time. Neither
// decreases within a run.
func (s *TableSyncer) transfer(ctx context.Context, log zerolog.Logger, e *catalog.Entry, rd Reader, sourceCount, targetCount int64) (int64, error) {
	cols, err := rd.Columns(ctx)
	if err != nil {
		return 0, err
	}
	names, types := columnNamesAndTypes(cols)
	pkIdx, err := keyIndexes(names, e.PKColumns)
	if err != nil {
		return 0, err
	}

	var (
		cursor    = e.CursorValues()
		offset    = e.LastOffset()
		processed int64
		chunkNo   int
		started   = s.now()
	)
	for {
		chunkNo++
		if chunkNo > s.cfg.MaxChunks {
			return processed, fmt.Errorf("chunk cap %d exceeded without completing %s", s.cfg.MaxChunks, e.Key())
		}
		if s.now().Sub(started) > s.cfg.MaxProcessingTime {
			return processed, fmt.Errorf("processing budget %s exceeded on %s", s.cfg.MaxProcessingTime, e.Key())
		}

		var rows [][]string
		if e.PKStrategy == catalog.StrategyPK {
			rows, err = rd.FetchAfter(ctx, cursor, s.cfg.ChunkSize)
		} else {
			rows, err = rd.FetchOffset(ctx, offset, s.cfg.ChunkSize)
		}
		if err != nil {
			return processed, fmt.Errorf("fetch chunk %d: %w", chunkNo, err)
		}
		if len(rows) == 0 {
			break
		}

		res, err := s.applyChunk(ctx, e, names, types, rows)
		if err != nil {
			return processed, err
		}
		processed += res.RowsWritten
		targetCount += res.RowsWritten

		if e.PKStrategy == catalog.StrategyPK {
			cursor = writer.KeyOf(rows[len(rows)-1], pkIdx)
			if err := s.cat.SaveCursor(ctx, e, catalog.JoinCursor(cursor)); err != nil {
				return processed, err
			}
		} else {
			offset += int64(len(rows))
			if err := s.cat.MergeSyncMetadata(ctx, e, map[string]any{"last_offset": offset}); err != nil {
				return processed, err
			}
		}

		if len(rows) < s.cfg.ChunkSize || targetCount >= sourceCount {
			break
		}
	}
	return processed, nil
}

func (s *TableSyncer) applyChunk(ctx context.Context, e *catalog.Entry, names, types []string, rows [][]string) (writer.Result, error) {
	passthrough := e.Engine == catalog.EnginePostgreSQL
	if e.HasPK() {
		return s.writer.BulkUpsert(ctx, e.SchemaName, e.TableName, names, types, rows, passthrough)
	}
	return s.writer.BulkInsert(ctx, e.SchemaName, e.TableName, names, types, rows, passthrough)
}

// persistTailCursor records the greatest lake key as the cursor when an
// equal-count cycle ends without a transfer.
func (s *TableSyncer) persistTailCursor(ctx context.Context, e *catalog.Entry) error {
	// Walk to the last page; pages are bounded so this stays cheap for
	// the common case of an already-positioned cursor.
	after := e.CursorValues()
	for {
		page, err := s.lake.PKPage(ctx, e.SchemaName, e.TableName, e.PKColumns, after, s.cfg.ChunkSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1]
		if len(page) < s.cfg.ChunkSize {
			break
		}
	}
	if len(after) == 0 {
		return nil
	}
	return s.cat.SaveCursor(ctx, e, catalog.JoinCursor(after))
}

func columnNamesAndTypes(cols []source.Column) (names, types []string) {
	names = make([]string, len(cols))
	types = make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
		types[i] = c.Type
	}
	return names, types
}

func keyIndexes(names, pkCols []string) ([]int, error) {
	idx := make([]int, 0, len(pkCols))
	for _, pk := range pkCols {
		found := -1
		for i, n := range names {
			if strings.EqualFold(n, pk) {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("pk column %q missing from source columns", pk)
		}
		idx = append(idx, found)
	}
	return idx, nil
}

func parseMetadataTime(meta map[string]any, key string) (time.Time, bool) {
	if meta == nil {
		return time.Time{}, false
	}
	s, ok := meta[key].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
