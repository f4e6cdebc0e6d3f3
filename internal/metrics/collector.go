// Package metrics aggregates per-table sync progress and cycle counters
// for the status surface: the HTTP API, the websocket push feed and the
// `lakesync status` command.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/catalog"
)

// TableProgress tracks one catalog entry across cycles.
type TableProgress struct {
	Engine      string    `json:"engine"`
	Schema      string    `json:"schema"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	RowsWritten int64     `json:"rows_written"`
	RowsSkipped int64     `json:"rows_skipped"`
	ChangeLag   int64     `json:"change_lag,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	ElapsedSec  float64   `json:"elapsed_sec"`
	StartedAt   time.Time `json:"-"`
}

// Snapshot is the complete metrics state at a point in time.
type Snapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	ElapsedSec float64   `json:"elapsed_sec"`

	// Cycle counters
	CyclesRun    int64 `json:"cycles_run"`
	TablesSynced int64 `json:"tables_synced"`
	TablesFailed int64 `json:"tables_failed"`

	Tables []TableProgress `json:"tables"`

	// Throughput
	RowsPerSec float64 `json:"rows_per_sec"`
	TotalRows  int64   `json:"total_rows"`
	TotalSkips int64   `json:"total_skips"`

	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// LogEntry represents a log line captured for the status surface.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Collector aggregates sync metrics and provides snapshots for the HTTP
// API and websocket subscribers.
type Collector struct {
	logger zerolog.Logger

	mu         sync.RWMutex
	startedAt  time.Time
	tables     map[string]*TableProgress // key: catalog entry key
	tableOrder []string                  // insertion-order keys

	cyclesRun    atomic.Int64
	tablesSynced atomic.Int64
	tablesFailed atomic.Int64

	totalRows  atomic.Int64
	totalSkips atomic.Int64

	errorCount atomic.Int64
	lastError  atomic.Value // string

	// Throughput tracking (sliding window).
	rowWindow *slidingWindow

	// Subscribers for push-based updates.
	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	// Log ring buffer.
	logMu  sync.Mutex
	logs   []LogEntry
	logCap int

	done chan struct{}
}

// NewCollector creates a Collector and starts its broadcast loop.
func NewCollector(logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:      logger.With().Str("component", "metrics").Logger(),
		startedAt:   time.Now(),
		tables:      make(map[string]*TableProgress),
		subscribers: make(map[chan Snapshot]struct{}),
		rowWindow:   newSlidingWindow(60 * time.Second),
		logs:        make([]LogEntry, 0, 500),
		logCap:      500,
		done:        make(chan struct{}),
	}
	go c.broadcastLoop()
	return c
}

// TableStarted marks a table as entering its per-cycle sync.
func (c *Collector) TableStarted(e *catalog.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tp := c.table(e)
	tp.Status = string(catalog.StatusInProgress)
	tp.StartedAt = time.Now()
}

// TableSynced records a successful table cycle.
func (c *Collector) TableSynced(e *catalog.Entry, rowsWritten, rowsSkipped int64) {
	c.mu.Lock()
	tp := c.table(e)
	tp.Status = string(e.Status)
	tp.RowsWritten += rowsWritten
	tp.RowsSkipped += rowsSkipped
	tp.LastError = ""
	if !tp.StartedAt.IsZero() {
		tp.ElapsedSec = time.Since(tp.StartedAt).Seconds()
	}
	c.mu.Unlock()

	c.tablesSynced.Add(1)
	c.totalRows.Add(rowsWritten)
	c.totalSkips.Add(rowsSkipped)
	c.rowWindow.Add(time.Now(), float64(rowsWritten))
}

// TableFailed records a failed table cycle.
func (c *Collector) TableFailed(e *catalog.Entry, err error) {
	c.mu.Lock()
	tp := c.table(e)
	tp.Status = string(catalog.StatusError)
	if err != nil {
		tp.LastError = err.Error()
	}
	if !tp.StartedAt.IsZero() {
		tp.ElapsedSec = time.Since(tp.StartedAt).Seconds()
	}
	c.mu.Unlock()

	c.tablesFailed.Add(1)
	c.RecordError(err)
}

// SetChangeLag records the CDC backlog for a table.
func (c *Collector) SetChangeLag(e *catalog.Entry, lag int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table(e).ChangeLag = lag
}

// CycleComplete bumps the cycle counter.
func (c *Collector) CycleComplete() {
	c.cyclesRun.Add(1)
}

// RecordError increments the error count and stores the last message.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
}

// table returns the progress row for an entry, creating it on first use.
// Caller holds c.mu.
func (c *Collector) table(e *catalog.Entry) *TableProgress {
	key := e.Key()
	if tp, ok := c.tables[key]; ok {
		return tp
	}
	tp := &TableProgress{
		Engine: string(e.Engine),
		Schema: e.SchemaName,
		Name:   e.TableName,
		Status: string(e.Status),
	}
	c.tables[key] = tp
	c.tableOrder = append(c.tableOrder, key)
	return tp
}

// AddLog appends a log entry to the ring buffer.
func (c *Collector) AddLog(entry LogEntry) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if len(c.logs) >= c.logCap {
		// Shift buffer: drop oldest quarter.
		n := c.logCap / 4
		copy(c.logs, c.logs[n:])
		c.logs = c.logs[:len(c.logs)-n]
	}
	c.logs = append(c.logs, entry)
}

// Logs returns a copy of recent log entries.
func (c *Collector) Logs() []LogEntry {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// Snapshot returns the current metrics state (thread-safe).
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	tables := make([]TableProgress, 0, len(c.tableOrder))
	for _, key := range c.tableOrder {
		tables = append(tables, *c.tables[key])
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Snapshot{
		Timestamp:    now,
		ElapsedSec:   now.Sub(c.startedAt).Seconds(),
		CyclesRun:    c.cyclesRun.Load(),
		TablesSynced: c.tablesSynced.Load(),
		TablesFailed: c.tablesFailed.Load(),
		Tables:       tables,
		RowsPerSec:   c.rowWindow.Rate(),
		TotalRows:    c.totalRows.Load(),
		TotalSkips:   c.totalSkips.Load(),
		ErrorCount:   int(c.errorCount.Load()),
		LastError:    lastErr,
	}
}

// Subscribe returns a channel that receives periodic Snapshot updates.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
					// Subscriber too slow, skip.
				}
			}
			c.subMu.Unlock()
		}
	}
}

// --- Sliding window for throughput calculation ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}
