package chunkpipe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// pagedSource serves n single-column rows through cursor pagination.
type pagedSource struct {
	n int
}

func (s *pagedSource) fetch(_ context.Context, cursor []string, limit int) ([][]string, error) {
	start := 0
	if len(cursor) > 0 {
		start, _ = strconv.Atoi(cursor[0])
	}
	var rows [][]string
	for i := start + 1; i <= s.n && len(rows) < limit; i++ {
		rows = append(rows, []string{strconv.Itoa(i)})
	}
	return rows, nil
}

func rowCursor(row []string) []string { return []string{row[0]} }

func prepareOne(rows [][]string) []string {
	return []string{fmt.Sprintf("stmt(%d rows)", len(rows))}
}

func testConfig() Config {
	return Config{ChunkSize: 10, QueueDepth: 2, Preparers: 2, Inserters: 2,
		EnqueueRetry: time.Millisecond, EnqueueReport: time.Second}
}

func TestPipelineTransfersAllChunks(t *testing.T) {
	src := &pagedSource{n: 95}
	var execs atomic.Int64
	exec := func(context.Context, string) error {
		execs.Add(1)
		return nil
	}

	var mu sync.Mutex
	var saved [][]string
	save := func(_ context.Context, cursor []string) error {
		mu.Lock()
		saved = append(saved, cursor)
		mu.Unlock()
		return nil
	}

	p := New(src.fetch, prepareOne, exec, rowCursor, save, testConfig(), zerolog.Nop())
	sum, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Chunks != 10 || sum.Rows != 95 {
		t.Errorf("chunks=%d rows=%d, want 10/95", sum.Chunks, sum.Rows)
	}
	if len(sum.Cursor) != 1 || sum.Cursor[0] != "95" {
		t.Errorf("cursor = %v, want [95]", sum.Cursor)
	}
	if got := execs.Load(); got != 10 {
		t.Errorf("execs = %d, want one per chunk", got)
	}
	if len(saved) != 10 {
		t.Errorf("cursor saved %d times, want once per confirmed chunk", len(saved))
	}
}

func TestPipelineResumesFromCursor(t *testing.T) {
	src := &pagedSource{n: 30}
	exec := func(context.Context, string) error { return nil }

	p := New(src.fetch, prepareOne, exec, rowCursor, nil, testConfig(), zerolog.Nop())
	sum, err := p.Run(context.Background(), []string{"20"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Rows != 10 {
		t.Errorf("rows = %d, want only the tail past the cursor", sum.Rows)
	}
	if sum.Cursor[0] != "30" {
		t.Errorf("cursor = %v", sum.Cursor)
	}
}

// A chunk failure mid-stream must stop the run and leave the confirmed
// cursor at the last contiguous success, never past the gap.
func TestPipelineFailureDoesNotAdvanceCursorPastGap(t *testing.T) {
	src := &pagedSource{n: 100}
	var execs atomic.Int64
	exec := func(_ context.Context, stmt string) error {
		// Third chunk fails (execs counts statements, one per chunk).
		if execs.Add(1) == 3 {
			return errors.New("lake unavailable")
		}
		return nil
	}

	var mu sync.Mutex
	var last []string
	save := func(_ context.Context, cursor []string) error {
		mu.Lock()
		last = cursor
		mu.Unlock()
		return nil
	}

	p := New(src.fetch, prepareOne, exec, rowCursor, save, testConfig(), zerolog.Nop())
	sum, err := p.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected chunk failure to surface")
	}
	if sum.FailedSeq < 0 {
		t.Error("failed sequence not recorded")
	}
	cur, _ := strconv.Atoi(sum.Cursor[0])
	failedStart := sum.FailedSeq * 10
	if cur > failedStart {
		t.Errorf("cursor %d advanced past failed chunk starting at %d", cur, failedStart)
	}
	if len(last) > 0 {
		if saved, _ := strconv.Atoi(last[0]); saved > failedStart {
			t.Errorf("persisted cursor %d past the gap", saved)
		}
	}
}

func TestPipelineFetchErrorSurfaces(t *testing.T) {
	calls := 0
	fetch := func(context.Context, []string, int) ([][]string, error) {
		calls++
		if calls > 2 {
			return nil, errors.New("source gone")
		}
		rows := make([][]string, 10)
		for i := range rows {
			rows[i] = []string{strconv.Itoa((calls-1)*10 + i + 1)}
		}
		return rows, nil
	}
	exec := func(context.Context, string) error { return nil }

	p := New(fetch, prepareOne, exec, rowCursor, nil, testConfig(), zerolog.Nop())
	sum, err := p.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("fetch error must surface")
	}
	if sum.Chunks != 2 {
		t.Errorf("confirmed chunks = %d, want the two fetched pages", sum.Chunks)
	}
}

func TestPipelineEmptySource(t *testing.T) {
	fetch := func(context.Context, []string, int) ([][]string, error) { return nil, nil }
	exec := func(context.Context, string) error { return nil }

	p := New(fetch, prepareOne, exec, rowCursor, nil, testConfig(), zerolog.Nop())
	sum, err := p.Run(context.Background(), []string{"7"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Chunks != 0 || sum.Rows != 0 {
		t.Errorf("chunks=%d rows=%d", sum.Chunks, sum.Rows)
	}
	if len(sum.Cursor) != 1 || sum.Cursor[0] != "7" {
		t.Errorf("start cursor must be preserved: %v", sum.Cursor)
	}
}
