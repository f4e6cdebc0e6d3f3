package replicate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/chunkpipe"
	"github.com/lakesync/lakesync/internal/writer"
)

// fakeStatements renders trivially recognizable statement parts.
type fakeStatements struct {
	batch int
}

func (f *fakeStatements) Header(schema, table string, cols []string) string {
	return "INSERT INTO " + schema + "." + table + " (" + strings.Join(cols, ", ") + ") VALUES "
}

func (f *fakeStatements) Tail(cols, conflictCols []string) string {
	if len(conflictCols) == 0 {
		return ""
	}
	return " ON CONFLICT (" + strings.Join(conflictCols, ", ") + ") DO UPDATE"
}

func (f *fakeStatements) BatchSize() int { return f.batch }

// fakeExecutor records every executed statement.
type fakeExecutor struct {
	mu    sync.Mutex
	stmts []string
	err   error
}

func (f *fakeExecutor) Exec(_ context.Context, sql string, _ ...any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.stmts = append(f.stmts, sql)
	return 1, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stmts)
}

func parallelFor(exec *fakeExecutor, onRows func(int64)) *Parallel {
	return &Parallel{
		Statements: &fakeStatements{batch: 10},
		Exec:       exec,
		Config:     chunkpipe.Config{ChunkSize: 10, QueueDepth: 4, Preparers: 2, Inserters: 2},
		OnRows:     onRows,
	}
}

// A fresh PK full load runs through the chunk pipeline: statements land
// via the executor, the cursor advances to the tail, and the bulk
// writer never sees a row.
func TestSyncTableParallelFullLoad(t *testing.T) {
	rd := &fakeReader{cols: intCols(), rows: sourceRows(25)}
	lk := newFakeLake()
	cat := &fakeCatalog{}
	bw := &fakeWriter{lake: lk}
	s := newTestSyncer(lk, cat, bw, Config{ChunkSize: 10})

	exec := &fakeExecutor{}
	var reported int64
	s.SetParallel(parallelFor(exec, func(n int64) { reported += n }))

	e := pkEntry()
	if err := s.SyncTable(context.Background(), e, rd); err != nil {
		t.Fatalf("SyncTable: %v", err)
	}
	if got := cat.finalStatus(); got != catalog.StatusListening {
		t.Errorf("final status = %s", got)
	}
	if bw.batches != 0 {
		t.Errorf("bulk writer ran %d batches, parallel path must bypass it", bw.batches)
	}
	if exec.count() != 3 {
		t.Errorf("statements = %d, want 3", exec.count())
	}
	if e.LastProcessedPK != "25" {
		t.Errorf("cursor = %q, want 25", e.LastProcessedPK)
	}
	if reported != 25 {
		t.Errorf("OnRows total = %d, want 25", reported)
	}
	for _, stmt := range exec.stmts {
		if !strings.HasPrefix(stmt, "INSERT INTO hr.emp (id, name) VALUES ") {
			t.Errorf("unexpected statement prefix: %q", stmt)
		}
		if !strings.HasSuffix(stmt, "ON CONFLICT (id) DO UPDATE") {
			t.Errorf("statement missing upsert tail: %q", stmt)
		}
	}
}

// Tables past their full load keep the serial transfer even when a
// parallel loader is installed.
func TestSyncTableParallelSkippedWhenListening(t *testing.T) {
	rd := &fakeReader{cols: intCols(), rows: sourceRows(8)}
	lk := newFakeLake()
	for _, row := range sourceRows(5) {
		lk.rows[writer.Fingerprint(row[:1])] = row
	}
	cat := &fakeCatalog{}
	bw := &fakeWriter{lake: lk}
	s := newTestSyncer(lk, cat, bw, Config{ChunkSize: 10})

	exec := &fakeExecutor{}
	s.SetParallel(parallelFor(exec, nil))

	e := pkEntry()
	e.Status = catalog.StatusListening
	e.LastProcessedPK = "5"
	if err := s.SyncTable(context.Background(), e, rd); err != nil {
		t.Fatalf("SyncTable: %v", err)
	}
	if exec.count() != 0 {
		t.Errorf("parallel executor ran %d statements on an incremental cycle", exec.count())
	}
	if bw.batches != 1 {
		t.Errorf("serial transfer ran %d batches, want 1", bw.batches)
	}
}

// Offset tables have no stable cursor, so the pipeline never applies.
func TestSyncTableParallelSkippedForOffset(t *testing.T) {
	rd := &fakeReader{cols: intCols(), rows: sourceRows(5)}
	lk := newFakeLake()
	cat := &fakeCatalog{}
	bw := &fakeWriter{lake: lk}
	s := newTestSyncer(lk, cat, bw, Config{ChunkSize: 10})

	exec := &fakeExecutor{}
	s.SetParallel(parallelFor(exec, nil))

	e := pkEntry()
	e.PKStrategy = catalog.StrategyOffset
	e.PKColumns = nil
	if err := s.SyncTable(context.Background(), e, rd); err != nil {
		t.Fatalf("SyncTable: %v", err)
	}
	if exec.count() != 0 {
		t.Errorf("parallel executor ran %d statements for OFFSET strategy", exec.count())
	}
	if bw.batches == 0 {
		t.Error("serial transfer did not run")
	}
}

// An executor failure surfaces as ERROR, with the cursor stopped at the
// last confirmed chunk.
func TestSyncTableParallelExecFailure(t *testing.T) {
	rd := &fakeReader{cols: intCols(), rows: sourceRows(25)}
	lk := newFakeLake()
	cat := &fakeCatalog{}
	s := newTestSyncer(lk, cat, &fakeWriter{lake: lk}, Config{ChunkSize: 10})

	exec := &fakeExecutor{err: errors.New("deadlock detected")}
	s.SetParallel(parallelFor(exec, nil))

	e := pkEntry()
	if err := s.SyncTable(context.Background(), e, rd); err == nil {
		t.Fatal("expected error")
	}
	if got := cat.finalStatus(); got != catalog.StatusError {
		t.Errorf("status = %s, want ERROR", got)
	}
	if e.LastProcessedPK != "" {
		t.Errorf("cursor advanced past a failed chunk: %q", e.LastProcessedPK)
	}
}
