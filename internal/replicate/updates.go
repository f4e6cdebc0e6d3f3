package replicate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/normalize"
	"github.com/lakesync/lakesync/internal/source"
	"github.com/lakesync/lakesync/internal/writer"
)

// updatePass reconciles in-place updates on tables that declare a
// watermark column. Rows whose watermark moved past the last sync time
// are re-read, compared column by column against the lake row, and only
// the changed columns are rewritten. Capped per cycle; the remainder is
// picked up next cycle because the sync time only advances afterwards.
func (s *TableSyncer) updatePass(ctx context.Context, log zerolog.Logger, e *catalog.Entry, rd Reader) error {
	if !e.HasPK() {
		return nil
	}

	cols, err := rd.Columns(ctx)
	if err != nil {
		return err
	}
	names, types := columnNamesAndTypes(cols)
	pkIdx, err := keyIndexes(names, e.PKColumns)
	if err != nil {
		return err
	}

	started := s.now()
	rows, err := rd.FetchUpdatedSince(ctx, e.LastSyncColumn, e.LastSyncTime, s.cfg.MaxUpdateRows)
	if err != nil {
		return fmt.Errorf("fetch updated rows: %w", err)
	}
	if len(rows) == 0 {
		return s.cat.SaveSyncTime(ctx, e, started)
	}

	passthrough := e.Engine == catalog.EnginePostgreSQL
	var updated, inserted int
	for _, row := range rows {
		key := writer.KeyOf(row, pkIdx)
		current, found, err := s.lake.RowByPK(ctx, e.SchemaName, e.TableName, names, e.PKColumns, key)
		if err != nil {
			return fmt.Errorf("read lake row: %w", err)
		}
		if !found {
			// Inserted after the cursor passed; the upsert path handles it.
			res, err := s.writer.BulkUpsert(ctx, e.SchemaName, e.TableName, names, types, [][]string{row}, passthrough)
			if err != nil {
				return err
			}
			inserted += int(res.RowsWritten)
			continue
		}

		setCols, setLiterals := changedColumns(names, types, row, current, pkIdx, passthrough)
		if len(setCols) == 0 {
			continue
		}
		if err := s.lake.UpdateRow(ctx, e.SchemaName, e.TableName, setCols, setLiterals, e.PKColumns, key); err != nil {
			return fmt.Errorf("update lake row: %w", err)
		}
		updated++
	}
	log.Info().Int("updated", updated).Int("inserted", inserted).Msg("update reconciliation")

	if len(rows) >= s.cfg.MaxUpdateRows {
		// Cap hit: keep the old sync time so the tail is retried.
		return nil
	}
	return s.cat.SaveSyncTime(ctx, e, started)
}

// changedColumns diffs a source row against the lake row's text form and
// returns the columns (and their SQL literals) that differ. PK columns
// never change under a stable key and are skipped.
func changedColumns(names, types []string, src, lake []string, pkIdx []int, passthrough bool) (cols, literals []string) {
	isPK := make(map[int]bool, len(pkIdx))
	for _, i := range pkIdx {
		isPK[i] = true
	}
	for i, name := range names {
		if isPK[i] || i >= len(src) || i >= len(lake) {
			continue
		}
		// Both cells go through the same renderer so the diff compares
		// literal against literal, not raw text against raw text.
		var srcLit, lakeLit string
		if passthrough {
			// Both sides carry the NULL sentinel for SQL NULL, so no
			// lakeCell mapping: an empty string stays distinct from NULL.
			srcLit = normalize.Passthrough(src[i])
			lakeLit = normalize.Passthrough(lake[i])
		} else {
			srcLit = normalize.Literal(src[i], types[i])
			lakeLit = normalize.Literal(lakeCell(lake[i]), types[i])
		}
		if srcLit == lakeLit {
			continue
		}
		cols = append(cols, name)
		literals = append(literals, srcLit)
	}
	return cols, literals
}

func lakeCell(cell string) string {
	if cell == source.NullSentinel {
		return ""
	}
	return cell
}
