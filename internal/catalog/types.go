package catalog

import (
	"strings"
	"time"
)

// Engine identifies a supported source database engine.
type Engine string

const (
	EngineMariaDB    Engine = "MariaDB"
	EngineMSSQL      Engine = "MSSQL"
	EngineOracle     Engine = "Oracle"
	EnginePostgreSQL Engine = "PostgreSQL"
	EngineMongoDB    Engine = "MongoDB"
)

// Engines lists every supported engine in scheduling order.
var Engines = []Engine{EngineMariaDB, EngineMSSQL, EngineOracle, EnginePostgreSQL, EngineMongoDB}

// Valid reports whether e names a supported engine.
func (e Engine) Valid() bool {
	switch e {
	case EngineMariaDB, EngineMSSQL, EngineOracle, EnginePostgreSQL, EngineMongoDB:
		return true
	}
	return false
}

// Status is the lifecycle state of a replicated table.
type Status string

const (
	StatusFullLoad   Status = "FULL_LOAD"
	StatusReset      Status = "RESET"
	// StatusListening also covers the empty-source/non-empty-target case:
	// the target is preserved, not reset. Operators who want a stale target
	// discarded should flip the table to RESET.
	StatusListening  Status = "LISTENING_CHANGES"
	StatusNoData     Status = "NO_DATA"
	StatusInProgress Status = "IN_PROGRESS"
	StatusError      Status = "ERROR"
)

// Priority orders tables for submission within a cycle. Lower runs first.
func (s Status) Priority() int {
	switch s {
	case StatusFullLoad:
		return 0
	case StatusReset:
		return 1
	case StatusListening:
		return 2
	}
	return 3
}

// PKStrategy selects how a table is paginated and consumed.
type PKStrategy string

const (
	StrategyPK     PKStrategy = "PK"
	StrategyOffset PKStrategy = "OFFSET"
	StrategyCDC    PKStrategy = "CDC"
)

// CursorSeparator joins primary-key components into the opaque cursor string.
const CursorSeparator = "|"

// Entry is one row of metadata.catalog: a single replicated table and its
// replication state. The core updates status, cursors and sync_metadata;
// rows are created through Register and removed only by operators.
type Entry struct {
	SchemaName       string
	TableName        string
	Engine           Engine
	ConnectionString string
	Status           Status
	PKStrategy       PKStrategy
	PKColumns        []string
	LastProcessedPK  string
	LastSyncColumn   string
	LastSyncTime     time.Time
	SyncMetadata     map[string]any
	Active           bool
}

// Key returns the process-wide identity of the entry, used for the
// in-progress guard and log fields.
func (e *Entry) Key() string {
	return string(e.Engine) + ":" + e.SchemaName + "." + e.TableName
}

// HasPK reports whether the table has a usable primary key.
func (e *Entry) HasPK() bool {
	return len(e.PKColumns) > 0
}

// CursorValues splits the opaque cursor into one value per PK column.
// An empty cursor yields nil.
func (e *Entry) CursorValues() []string {
	if e.LastProcessedPK == "" {
		return nil
	}
	return strings.Split(e.LastProcessedPK, CursorSeparator)
}

// LastChangeID returns sync_metadata.last_change_id, defaulting to 0.
func (e *Entry) LastChangeID() int64 {
	return metadataInt(e.SyncMetadata, "last_change_id")
}

// LastOffset returns sync_metadata.last_offset, defaulting to 0.
func (e *Entry) LastOffset() int64 {
	return metadataInt(e.SyncMetadata, "last_offset")
}

func metadataInt(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int64:
		return v
	case float64:
		// JSON numbers decode as float64.
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

// JoinCursor assembles PK component values into the opaque cursor string.
func JoinCursor(values []string) string {
	return strings.Join(values, CursorSeparator)
}
