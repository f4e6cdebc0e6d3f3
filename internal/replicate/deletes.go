package replicate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/writer"
)

// reconcileDeletes removes lake rows whose keys no longer exist on the
// source. It pages the lake key stream and probes the source for each
// page with a bounded IN-style predicate; the probe size stays under the
// parameter limits of every source driver.
func (s *TableSyncer) reconcileDeletes(ctx context.Context, log zerolog.Logger, e *catalog.Entry, rd Reader) error {
	var (
		after   []string
		deleted int64
	)
	for {
		page, err := s.lake.PKPage(ctx, e.SchemaName, e.TableName, e.PKColumns, after, s.cfg.CheckBatchSize)
		if err != nil {
			return fmt.Errorf("page lake keys: %w", err)
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1]

		existing, err := rd.ExistingKeys(ctx, page, writer.Fingerprint)
		if err != nil {
			return fmt.Errorf("probe source keys: %w", err)
		}

		var missing [][]string
		for _, key := range page {
			if _, ok := existing[writer.Fingerprint(key)]; !ok {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			n, err := s.lake.DeleteByKeys(ctx, e.SchemaName, e.TableName, e.PKColumns, missing)
			if err != nil {
				return fmt.Errorf("delete orphaned keys: %w", err)
			}
			deleted += n
		}

		if len(page) < s.cfg.CheckBatchSize {
			break
		}
	}
	if deleted > 0 {
		log.Info().Int64("rows", deleted).Msg("delete reconciliation removed orphans")
	}
	return nil
}
