package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Store reads and updates metadata.catalog. Every mutation is a single
// UPDATE statement executed under a process-wide mutex so that concurrent
// table workers cannot interleave read-modify-write sequences.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	// mu serialises all status/cursor updates (metadataUpdateMutex).
	mu sync.Mutex
}

// NewStore creates a Store over an existing lake connection pool.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

const entryColumns = `schema_name, table_name, db_engine, connection_string, status,
	pk_strategy, pk_columns, last_processed_pk, last_sync_column, last_sync_time,
	sync_metadata, active`

// ListActive returns the active entries for one engine, excluding NO_DATA
// tables, in catalog order. The scheduler snapshots this once per cycle;
// status changes made mid-cycle are not observed until the next call.
func (s *Store) ListActive(ctx context.Context, engine Engine) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM metadata.catalog
		WHERE active = true AND db_engine = $1 AND status <> 'NO_DATA'
		ORDER BY schema_name, table_name`, entryColumns), string(engine))
	if err != nil {
		return nil, fmt.Errorf("list catalog entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Get fetches a single entry by its key columns.
func (s *Store) Get(ctx context.Context, engine Engine, schema, table string) (Entry, bool, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM metadata.catalog
		WHERE db_engine = $1 AND schema_name = $2 AND table_name = $3`, entryColumns),
		string(engine), schema, table)
	if err != nil {
		return Entry{}, false, fmt.Errorf("get catalog entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Entry{}, false, rows.Err()
	}
	e, err := scanEntry(rows)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e        Entry
		engine   string
		status   string
		strategy string
		pkCols   string
		cursor   *string
		syncCol  *string
		syncTime *time.Time
		metaJSON []byte
	)
	err := row.Scan(&e.SchemaName, &e.TableName, &engine, &e.ConnectionString, &status,
		&strategy, &pkCols, &cursor, &syncCol, &syncTime, &metaJSON, &e.Active)
	if err != nil {
		return Entry{}, fmt.Errorf("scan catalog entry: %w", err)
	}
	e.Engine = Engine(engine)
	e.Status = Status(status)
	e.PKStrategy = PKStrategy(strategy)
	if pkCols != "" {
		e.PKColumns = strings.Split(pkCols, ",")
		for i := range e.PKColumns {
			e.PKColumns[i] = strings.TrimSpace(e.PKColumns[i])
		}
	}
	if cursor != nil {
		e.LastProcessedPK = *cursor
	}
	if syncCol != nil {
		e.LastSyncColumn = *syncCol
	}
	if syncTime != nil {
		e.LastSyncTime = *syncTime
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.SyncMetadata); err != nil {
			return Entry{}, fmt.Errorf("decode sync_metadata for %s.%s: %w", e.SchemaName, e.TableName, err)
		}
	}
	return e, nil
}

// Register inserts a catalog entry, or re-points an existing one at a
// new connection. Either way the table restarts from FULL_LOAD.
func (s *Store) Register(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO metadata.catalog
			(schema_name, table_name, db_engine, connection_string, pk_strategy,
			 pk_columns, last_sync_column, status, active)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), 'FULL_LOAD', true)
		ON CONFLICT (db_engine, schema_name, table_name) DO UPDATE SET
			connection_string = EXCLUDED.connection_string,
			pk_strategy       = EXCLUDED.pk_strategy,
			pk_columns        = EXCLUDED.pk_columns,
			last_sync_column  = EXCLUDED.last_sync_column,
			status            = 'FULL_LOAD',
			last_processed_pk = NULL,
			sync_metadata     = NULL,
			active            = true,
			updated_at        = now()`,
		e.SchemaName, e.TableName, string(e.Engine), e.ConnectionString,
		string(e.PKStrategy), strings.Join(e.PKColumns, ","), e.LastSyncColumn)
	if err != nil {
		return fmt.Errorf("register %s: %w", e.Key(), err)
	}
	e.Status = StatusFullLoad
	e.Active = true
	return nil
}

// SetStatus transitions the entry to the given status. An empty errMsg
// clears any previous error message.
func (s *Store) SetStatus(ctx context.Context, e *Entry, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.pool.Exec(ctx, `
		UPDATE metadata.catalog
		SET status = $1, error_message = NULLIF($2, ''), updated_at = now()
		WHERE db_engine = $3 AND schema_name = $4 AND table_name = $5`,
		string(status), errMsg, string(e.Engine), e.SchemaName, e.TableName)
	if err != nil {
		return fmt.Errorf("set status %s for %s: %w", status, e.Key(), err)
	}
	s.logger.Debug().Str("table", e.Key()).
		Str("from", string(e.Status)).Str("to", string(status)).Msg("status transition")
	e.Status = status
	return nil
}

// SaveCursor persists last_processed_pk for PK-strategy tables.
func (s *Store) SaveCursor(ctx context.Context, e *Entry, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.pool.Exec(ctx, `
		UPDATE metadata.catalog
		SET last_processed_pk = $1, updated_at = now()
		WHERE db_engine = $2 AND schema_name = $3 AND table_name = $4`,
		cursor, string(e.Engine), e.SchemaName, e.TableName)
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", e.Key(), err)
	}
	e.LastProcessedPK = cursor
	return nil
}

// SaveSyncTime persists the incremental-update watermark.
func (s *Store) SaveSyncTime(ctx context.Context, e *Entry, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.pool.Exec(ctx, `
		UPDATE metadata.catalog
		SET last_sync_time = $1, updated_at = now()
		WHERE db_engine = $2 AND schema_name = $3 AND table_name = $4`,
		t, string(e.Engine), e.SchemaName, e.TableName)
	if err != nil {
		return fmt.Errorf("save sync time for %s: %w", e.Key(), err)
	}
	e.LastSyncTime = t
	return nil
}

// MergeSyncMetadata merges the given keys into sync_metadata with the JSONB
// || operator, leaving unrelated keys untouched.
func (s *Store) MergeSyncMetadata(ctx context.Context, e *Entry, patch map[string]any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode sync_metadata patch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.pool.Exec(ctx, `
		UPDATE metadata.catalog
		SET sync_metadata = COALESCE(sync_metadata, '{}'::jsonb) || $1::jsonb, updated_at = now()
		WHERE db_engine = $2 AND schema_name = $3 AND table_name = $4`,
		data, string(e.Engine), e.SchemaName, e.TableName)
	if err != nil {
		return fmt.Errorf("merge sync_metadata for %s: %w", e.Key(), err)
	}
	if e.SyncMetadata == nil {
		e.SyncMetadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		e.SyncMetadata[k] = v
	}
	return nil
}

// ResetProgress clears the cursor and sync_metadata. Runs as part of the
// truncate step when a table enters FULL_LOAD or RESET.
func (s *Store) ResetProgress(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.pool.Exec(ctx, `
		UPDATE metadata.catalog
		SET last_processed_pk = NULL, sync_metadata = '{}'::jsonb, updated_at = now()
		WHERE db_engine = $1 AND schema_name = $2 AND table_name = $3`,
		string(e.Engine), e.SchemaName, e.TableName)
	if err != nil {
		return fmt.Errorf("reset progress for %s: %w", e.Key(), err)
	}
	e.LastProcessedPK = ""
	e.SyncMetadata = map[string]any{}
	return nil
}
