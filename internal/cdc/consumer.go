// Package cdc consumes trigger-maintained change logs from source
// databases and applies them to the lake, and installs the triggers that
// feed those logs. The change log itself belongs to the source; the core
// reads it and never deletes from it.
package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/source"
	"github.com/lakesync/lakesync/internal/writer"
)

const (
	// LogSchema and LogTable locate the change log on the source.
	LogSchema = "datasync_metadata"
	LogTable  = "ds_change_log"

	// HashKey is the pseudo-PK column recorded for tables without a
	// primary key.
	HashKey = "_hash"
)

// Operations recorded by the triggers.
const (
	OpInsert = "I"
	OpUpdate = "U"
	OpDelete = "D"
)

// ChangeReader is the slice of the source connection the consumer needs.
// source.Conn satisfies it.
type ChangeReader interface {
	ExecuteQuery(ctx context.Context, query string, args ...any) ([][]string, error)
	Dialect() source.Dialect
}

// RowFetcher resolves the fallback path when a change entry carries no
// usable row snapshot. *source.TableReader satisfies it.
type RowFetcher interface {
	Columns(ctx context.Context) ([]source.Column, error)
	FetchByPK(ctx context.Context, key []string) ([]string, bool, error)
}

// LakeDeleter removes reconciled keys. *lake.Lake satisfies it.
type LakeDeleter interface {
	DeleteByKeys(ctx context.Context, schema, table string, pkCols []string, keys [][]string) (int64, error)
}

// BulkWriter lands upserts. *writer.Writer satisfies it.
type BulkWriter interface {
	BulkUpsert(ctx context.Context, schema, table string, cols, types []string, rows [][]string, passthrough bool) (writer.Result, error)
}

// Catalog persists progress. *catalog.Store satisfies it.
type Catalog interface {
	SetStatus(ctx context.Context, e *catalog.Entry, status catalog.Status, errMsg string) error
	MergeSyncMetadata(ctx context.Context, e *catalog.Entry, patch map[string]any) error
}

// Consumer applies change-log batches for CDC-strategy tables.
type Consumer struct {
	lake   LakeDeleter
	writer BulkWriter
	cat    Catalog
	chunk  int
	logger zerolog.Logger
}

// NewConsumer wires a consumer with the given batch size.
func NewConsumer(lk LakeDeleter, bw BulkWriter, cat Catalog, chunkSize int, logger zerolog.Logger) *Consumer {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	return &Consumer{
		lake:   lk,
		writer: bw,
		cat:    cat,
		chunk:  chunkSize,
		logger: logger.With().Str("component", "cdc").Logger(),
	}
}

// ConsumeTable drains the table's change log from the recorded position
// and advances last_change_id batch by batch, strictly after each batch
// lands. A crash therefore replays at worst one batch, and replay is
// idempotent on the lake.
func (c *Consumer) ConsumeTable(ctx context.Context, e *catalog.Entry, conn ChangeReader, rd RowFetcher) error {
	if err := c.cat.SetStatus(ctx, e, catalog.StatusInProgress, ""); err != nil {
		return err
	}
	if err := c.consume(ctx, e, conn, rd); err != nil {
		if stErr := c.cat.SetStatus(ctx, e, catalog.StatusError, err.Error()); stErr != nil {
			c.logger.Error().Err(stErr).Msg("failed to record ERROR status")
		}
		return err
	}
	return c.cat.SetStatus(ctx, e, catalog.StatusListening, "")
}

func (c *Consumer) consume(ctx context.Context, e *catalog.Entry, conn ChangeReader, rd RowFetcher) error {
	log := c.logger.With().Str("table", e.Key()).Logger()
	cols, err := rd.Columns(ctx)
	if err != nil {
		return err
	}

	lastID := e.LastChangeID()
	for {
		entries, err := c.fetchBatch(ctx, e, conn, lastID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		maxID, err := c.applyBatch(ctx, log, e, rd, cols, entries)
		if err != nil {
			return err
		}
		if maxID <= lastID {
			// Nothing in the batch carried a usable id; stop rather than
			// refetch the same slice.
			return nil
		}
		// Advance only after the lake mutations committed.
		if err := c.cat.MergeSyncMetadata(ctx, e, map[string]any{"last_change_id": maxID}); err != nil {
			return err
		}
		lastID = maxID

		if len(entries) < c.chunk {
			return nil
		}
	}
}

// changeEntry is one parsed ds_change_log row.
type changeEntry struct {
	id  int64
	op  string
	key []string // ordered PK components, or the single row hash
	row []string // projected row for I/U, nil when unavailable
}

func (c *Consumer) fetchBatch(ctx context.Context, e *catalog.Entry, conn ChangeReader, afterID int64) ([][]string, error) {
	d := conn.Dialect()
	query := fmt.Sprintf(
		"SELECT %s, %s, %s, %s FROM %s WHERE %s = %s AND %s = %s AND %s > %s ORDER BY %s",
		d.QuoteIdent("change_id"), d.QuoteIdent("operation"),
		d.QuoteIdent("pk_values"), d.QuoteIdent("row_data"),
		source.QualifiedTable(d, LogSchema, LogTable),
		d.QuoteIdent("schema_name"), d.Placeholder(1),
		d.QuoteIdent("table_name"), d.Placeholder(2),
		d.QuoteIdent("change_id"), d.Placeholder(3),
		d.QuoteIdent("change_id"))
	return conn.ExecuteQuery(ctx, d.LimitClause(query, c.chunk), e.SchemaName, e.TableName, afterID)
}

// applyBatch resolves the batch to its final per-key state and lands it:
// deletes first, then upserts. The last operation on a key in change_id
// order wins, which makes replaying the same slice a no-op.
func (c *Consumer) applyBatch(ctx context.Context, log zerolog.Logger, e *catalog.Entry, rd RowFetcher, cols []source.Column, raw [][]string) (int64, error) {
	names, types := columnNamesAndTypes(cols)
	keyCols := e.PKColumns
	if !e.HasPK() {
		keyCols = []string{HashKey}
		names = append(names, HashKey)
		types = append(types, "text")
	}

	var maxID int64
	final := make(map[string]*changeEntry)
	order := make([]string, 0, len(raw))

	for _, cells := range raw {
		// The batch position advances over skipped entries too; stalling
		// on an unparsable entry would refetch it forever.
		if len(cells) > 0 {
			if id, err := strconv.ParseInt(strings.TrimSpace(cells[0]), 10, 64); err == nil && id > maxID {
				maxID = id
			}
		}
		entry, ok := c.parseEntry(log, e, rd, cols, cells)
		if !ok {
			continue
		}

		// Fallback fetch happens lazily, only when this entry survives
		// as the final state of its key.
		fp := writer.Fingerprint(entry.key)
		if _, seen := final[fp]; !seen {
			order = append(order, fp)
		}
		final[fp] = entry
	}

	var deleteKeys [][]string
	var upsertRows [][]string
	for _, fp := range order {
		entry := final[fp]
		if entry.op == OpDelete {
			deleteKeys = append(deleteKeys, entry.key)
			continue
		}
		row := entry.row
		if row == nil {
			fetched, found, err := rd.FetchByPK(ctx, entry.key)
			if err != nil {
				return 0, fmt.Errorf("fallback fetch: %w", err)
			}
			if !found {
				// Row vanished after the change was logged; the delete
				// entry that removed it handles the lake side.
				log.Warn().Int64("change_id", entry.id).Msg("changed row no longer on source, skipping")
				continue
			}
			row = fetched
		}
		if !e.HasPK() {
			// Replacing by hash keeps no-PK replay idempotent: the old
			// incarnation of the row goes first, the snapshot follows.
			deleteKeys = append(deleteKeys, entry.key)
			row = append(append([]string{}, row...), entry.key[0])
		}
		upsertRows = append(upsertRows, row)
	}

	if len(deleteKeys) > 0 {
		if _, err := c.lake.DeleteByKeys(ctx, e.SchemaName, e.TableName, keyCols, deleteKeys); err != nil {
			return 0, fmt.Errorf("apply deletes: %w", err)
		}
	}
	if len(upsertRows) > 0 {
		passthrough := e.Engine == catalog.EnginePostgreSQL
		if _, err := c.writer.BulkUpsert(ctx, e.SchemaName, e.TableName, names, types, upsertRows, passthrough); err != nil {
			return 0, fmt.Errorf("apply upserts: %w", err)
		}
	}
	return maxID, nil
}

// parseEntry decodes one change-log row. Entries whose key cannot be
// reconstructed are dropped with a warning rather than failing the batch.
func (c *Consumer) parseEntry(log zerolog.Logger, e *catalog.Entry, rd RowFetcher, cols []source.Column, cells []string) (*changeEntry, bool) {
	if len(cells) < 4 {
		log.Warn().Int("cells", len(cells)).Msg("malformed change log row")
		return nil, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(cells[0]), 10, 64)
	if err != nil {
		log.Warn().Str("change_id", cells[0]).Msg("unparsable change_id, skipping entry")
		return nil, false
	}
	op := strings.ToUpper(strings.TrimSpace(cells[1]))
	if op != OpInsert && op != OpUpdate && op != OpDelete {
		log.Warn().Int64("change_id", id).Str("operation", op).Msg("unknown operation, skipping entry")
		return nil, false
	}

	pkValues := decodeJSONObject(cells[2])
	key, ok := keyFromValues(e, pkValues)
	if !ok {
		log.Warn().Int64("change_id", id).Msg("pk_values incomplete, skipping entry")
		return nil, false
	}

	entry := &changeEntry{id: id, op: op, key: key}
	if op == OpDelete {
		return entry, true
	}

	rowData := decodeJSONObject(cells[3])
	if row, complete := projectRow(cols, rowData); complete {
		entry.row = row
	} else if !e.HasPK() {
		// No PK to re-read by; an incomplete snapshot on the hash path
		// cannot be recovered.
		log.Warn().Int64("change_id", id).Msg("row_data incomplete on no-pk table, skipping entry")
		return nil, false
	}
	return entry, true
}

func keyFromValues(e *catalog.Entry, pkValues map[string]any) ([]string, bool) {
	if !e.HasPK() {
		h, ok := lookupValue(pkValues, HashKey)
		if !ok || h == source.NullSentinel {
			return nil, false
		}
		return []string{h}, true
	}
	key := make([]string, len(e.PKColumns))
	for i, col := range e.PKColumns {
		v, ok := lookupValue(pkValues, col)
		if !ok {
			return nil, false
		}
		key[i] = v
	}
	return key, true
}

// projectRow orders a row_data object onto the discovered column set.
// complete is false when any column is missing from the snapshot.
func projectRow(cols []source.Column, rowData map[string]any) ([]string, bool) {
	if rowData == nil {
		return nil, false
	}
	row := make([]string, len(cols))
	for i, col := range cols {
		v, ok := lookupValue(rowData, col.Name)
		if !ok {
			return nil, false
		}
		row[i] = v
	}
	return row, true
}

func lookupValue(m map[string]any, name string) (string, bool) {
	if v, ok := m[name]; ok {
		return jsonCell(v), true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return jsonCell(v), true
		}
	}
	return "", false
}

// jsonCell renders a decoded JSON value the way source adapters render
// cells, so downstream normalisation treats both paths the same.
func jsonCell(v any) string {
	switch t := v.(type) {
	case nil:
		return source.NullSentinel
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return source.NullSentinel
		}
		return string(b)
	}
}

func decodeJSONObject(cell string) map[string]any {
	cell = strings.TrimSpace(cell)
	if cell == "" || cell == source.NullSentinel {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(cell), &m); err != nil {
		return nil
	}
	return m
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

// ChangeLag reports how far behind the consumer is, for the status
// surface: the distance between the newest change_id on the source and
// the recorded position.
func ChangeLag(ctx context.Context, e *catalog.Entry, conn ChangeReader) (int64, error) {
	d := conn.Dialect()
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s WHERE %s = %s AND %s = %s",
		d.QuoteIdent("change_id"), source.QualifiedTable(d, LogSchema, LogTable),
		d.QuoteIdent("schema_name"), d.Placeholder(1),
		d.QuoteIdent("table_name"), d.Placeholder(2))
	rows, err := conn.ExecuteQuery(ctx, query, e.SchemaName, e.TableName)
	if err != nil {
		return 0, err
	}
	newest := source.ParseCount(rows)
	lag := newest - e.LastChangeID()
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}
