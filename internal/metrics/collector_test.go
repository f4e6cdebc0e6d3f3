package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/catalog"
)

func testEntry(table string) *catalog.Entry {
	return &catalog.Entry{
		SchemaName: "hr",
		TableName:  table,
		Engine:     catalog.EngineMariaDB,
		Status:     catalog.StatusListening,
		Active:     true,
	}
}

func TestCollector_TableLifecycle(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	e := testEntry("emp")
	c.TableStarted(e)
	snap := c.Snapshot()
	if len(snap.Tables) != 1 {
		t.Fatalf("tables = %d, want 1", len(snap.Tables))
	}
	if snap.Tables[0].Status != string(catalog.StatusInProgress) {
		t.Errorf("status = %s, want IN_PROGRESS", snap.Tables[0].Status)
	}

	c.TableSynced(e, 1000, 2)
	snap = c.Snapshot()
	tp := snap.Tables[0]
	if tp.Status != string(catalog.StatusListening) {
		t.Errorf("status = %s, want entry status after sync", tp.Status)
	}
	if tp.RowsWritten != 1000 || tp.RowsSkipped != 2 {
		t.Errorf("rows = %d/%d, want 1000/2", tp.RowsWritten, tp.RowsSkipped)
	}
	if snap.TablesSynced != 1 || snap.TotalRows != 1000 {
		t.Errorf("synced=%d total=%d", snap.TablesSynced, snap.TotalRows)
	}
}

func TestCollector_TableFailed(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	e := testEntry("emp")
	c.TableStarted(e)
	c.TableFailed(e, errors.New("connection refused"))

	snap := c.Snapshot()
	tp := snap.Tables[0]
	if tp.Status != string(catalog.StatusError) {
		t.Errorf("status = %s, want ERROR", tp.Status)
	}
	if tp.LastError != "connection refused" {
		t.Errorf("last error = %q", tp.LastError)
	}
	if snap.TablesFailed != 1 || snap.ErrorCount != 1 {
		t.Errorf("failed=%d errors=%d", snap.TablesFailed, snap.ErrorCount)
	}

	// A subsequent success clears the table-level error.
	c.TableSynced(e, 5, 0)
	snap = c.Snapshot()
	if snap.Tables[0].LastError != "" {
		t.Error("success must clear the table error")
	}
}

func TestCollector_ChangeLag(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	e := testEntry("emp")
	c.SetChangeLag(e, 42)
	snap := c.Snapshot()
	if snap.Tables[0].ChangeLag != 42 {
		t.Errorf("lag = %d", snap.Tables[0].ChangeLag)
	}
}

func TestCollector_CycleCounter(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.CycleComplete()
	c.CycleComplete()
	if got := c.Snapshot().CyclesRun; got != 2 {
		t.Errorf("cycles = %d", got)
	}
}

func TestCollector_ErrorTracking(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordError(nil)
	snap := c.Snapshot()
	if snap.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", snap.ErrorCount)
	}

	c.RecordError(fmt.Errorf("test error"))
	snap = c.Snapshot()
	if snap.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", snap.ErrorCount)
	}
	if snap.LastError != "test error" {
		t.Errorf("LastError = %q, want 'test error'", snap.LastError)
	}
}

func TestCollector_LogBuffer(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: fmt.Sprintf("log %d", i),
		})
	}

	logs := c.Logs()
	if len(logs) != 10 {
		t.Errorf("expected 10 logs, got %d", len(logs))
	}
}

func TestCollector_LogBufferEviction(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	for i := 0; i < 600; i++ {
		c.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: fmt.Sprintf("log %d", i),
		})
	}

	logs := c.Logs()
	if len(logs) > 500 {
		t.Errorf("log buffer should not exceed capacity, got %d", len(logs))
	}
}

func TestCollector_SubscribeUnsubscribe(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	ch := c.Subscribe()
	c.Unsubscribe(ch)

	// Should not panic or deadlock.
	c.CycleComplete()
}

func TestSlidingWindow_Rate(t *testing.T) {
	w := newSlidingWindow(5 * time.Second)
	now := time.Now()

	w.Add(now.Add(-3*time.Second), 30)
	w.Add(now.Add(-2*time.Second), 20)
	w.Add(now.Add(-1*time.Second), 10)

	rate := w.Rate()
	if rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Eviction(t *testing.T) {
	w := newSlidingWindow(100 * time.Millisecond)
	now := time.Now()

	w.Add(now.Add(-200*time.Millisecond), 100)
	w.Add(now, 50)

	rate := w.Rate()
	// The old entry should be evicted, leaving only the 50 entry.
	if rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Empty(t *testing.T) {
	w := newSlidingWindow(time.Second)
	if r := w.Rate(); r != 0 {
		t.Errorf("Rate() on empty window = %f, want 0", r)
	}
}
