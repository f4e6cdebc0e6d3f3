// Package chunkpipe runs the parallel transfer pipeline for large tables:
// one fetcher paging the source, a set of preparers rendering SQL, and a
// set of inserters executing against the lake. Stages hand off through
// bounded queues so a slow lake throttles the fetcher instead of letting
// chunks pile up in memory.
package chunkpipe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DataChunk is one fetched page, tagged with its sequence number and the
// cursor position after its last row.
type DataChunk struct {
	Seq    int
	Rows   [][]string
	Cursor []string
}

// PreparedBatch carries the rendered statements for one chunk.
type PreparedBatch struct {
	Seq        int
	Statements []string
	Rows       int
	Cursor     []string
}

// ProcessedResult is one chunk's terminal outcome.
type ProcessedResult struct {
	Seq    int
	Rows   int
	Cursor []string
	Err    error
}

// FetchFunc pages source rows strictly after the cursor.
type FetchFunc func(ctx context.Context, cursor []string, limit int) ([][]string, error)

// PrepareFunc renders a chunk's rows into executable statements.
type PrepareFunc func(rows [][]string) []string

// ExecFunc applies one statement to the lake.
type ExecFunc func(ctx context.Context, stmt string) error

// CursorFunc extracts the cursor position from a fetched row.
type CursorFunc func(row []string) []string

// SaveFunc persists a confirmed cursor position.
type SaveFunc func(ctx context.Context, cursor []string) error

// Config tunes one pipeline run.
type Config struct {
	ChunkSize     int
	QueueDepth    int
	Preparers     int
	Inserters     int
	EnqueueRetry  time.Duration // wait between attempts on a full queue
	EnqueueReport time.Duration // warn once when a queue stays full this long
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     1000,
		QueueDepth:    10,
		Preparers:     4,
		Inserters:     4,
		EnqueueRetry:  100 * time.Millisecond,
		EnqueueReport: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.Preparers <= 0 {
		c.Preparers = d.Preparers
	}
	if c.Inserters <= 0 {
		c.Inserters = d.Inserters
	}
	if c.EnqueueRetry <= 0 {
		c.EnqueueRetry = d.EnqueueRetry
	}
	if c.EnqueueReport <= 0 {
		c.EnqueueReport = d.EnqueueReport
	}
	return c
}

// Pipeline transfers one table through the three stages.
type Pipeline struct {
	fetch   FetchFunc
	prepare PrepareFunc
	exec    ExecFunc
	cursor  CursorFunc
	save    SaveFunc
	cfg     Config
	logger  zerolog.Logger
}

// New wires a pipeline. save may be nil when the caller persists cursors
// itself from the returned summary.
func New(fetch FetchFunc, prepare PrepareFunc, exec ExecFunc, cursor CursorFunc, save SaveFunc, cfg Config, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		fetch:   fetch,
		prepare: prepare,
		exec:    exec,
		cursor:  cursor,
		save:    save,
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "chunkpipe").Logger(),
	}
}

// Summary reports a completed run. Cursor is the position after the
// longest contiguous prefix of successful chunks; a failure further into
// the stream never advances it past the gap.
type Summary struct {
	Chunks     int
	Rows       int
	Cursor     []string
	FailedSeq  int // -1 when every chunk landed
	FailedRows int
}

// Run drives the pipeline from the starting cursor until the source is
// exhausted or a chunk fails. Chunk failures stop fetching but already
// queued chunks drain; the confirmed cursor only covers the contiguous
// successful prefix, so a restart resumes exactly at the failure.
func (p *Pipeline) Run(ctx context.Context, start []string) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan DataChunk, p.cfg.QueueDepth)
	batches := make(chan PreparedBatch, p.cfg.QueueDepth)
	results := make(chan ProcessedResult, p.cfg.QueueDepth)

	var fetchErr error
	go func() {
		defer close(chunks)
		fetchErr = p.runFetcher(ctx, start, chunks)
	}()

	var prepWG sync.WaitGroup
	prepWG.Add(p.cfg.Preparers)
	for i := 0; i < p.cfg.Preparers; i++ {
		go func() {
			defer prepWG.Done()
			p.runPreparer(ctx, chunks, batches)
		}()
	}
	go func() {
		prepWG.Wait()
		close(batches)
	}()

	var insWG sync.WaitGroup
	insWG.Add(p.cfg.Inserters)
	for i := 0; i < p.cfg.Inserters; i++ {
		go func() {
			defer insWG.Done()
			p.runInserter(ctx, batches, results)
		}()
	}
	go func() {
		insWG.Wait()
		close(results)
	}()

	summary, err := p.collect(ctx, cancel, start, results)
	if err != nil {
		return summary, err
	}
	if fetchErr != nil && !isCanceled(fetchErr) {
		return summary, fetchErr
	}
	return summary, nil
}

func (p *Pipeline) runFetcher(ctx context.Context, cursor []string, out chan<- DataChunk) error {
	seq := 0
	for {
		rows, err := p.fetch(ctx, cursor, p.cfg.ChunkSize)
		if err != nil {
			return fmt.Errorf("fetch chunk %d: %w", seq, err)
		}
		if len(rows) == 0 {
			return nil
		}
		cursor = p.cursor(rows[len(rows)-1])
		if !p.enqueueChunk(ctx, out, DataChunk{Seq: seq, Rows: rows, Cursor: cursor}) {
			return ctx.Err()
		}
		seq++
		if len(rows) < p.cfg.ChunkSize {
			return nil
		}
	}
}

func (p *Pipeline) runPreparer(ctx context.Context, in <-chan DataChunk, out chan<- PreparedBatch) {
	for chunk := range in {
		b := PreparedBatch{
			Seq:        chunk.Seq,
			Statements: p.prepare(chunk.Rows),
			Rows:       len(chunk.Rows),
			Cursor:     chunk.Cursor,
		}
		if !p.enqueueBatch(ctx, out, b) {
			return
		}
	}
}

func (p *Pipeline) runInserter(ctx context.Context, in <-chan PreparedBatch, out chan<- ProcessedResult) {
	for b := range in {
		res := ProcessedResult{Seq: b.Seq, Rows: b.Rows, Cursor: b.Cursor}
		for _, stmt := range b.Statements {
			if err := p.exec(ctx, stmt); err != nil {
				res.Err = fmt.Errorf("chunk %d: %w", b.Seq, err)
				break
			}
		}
		select {
		case out <- res:
		case <-ctx.Done():
			return
		}
	}
}

// collect confirms results in sequence order and persists the cursor
// after each contiguous successful chunk.
func (p *Pipeline) collect(ctx context.Context, cancel context.CancelFunc, start []string, results <-chan ProcessedResult) (Summary, error) {
	summary := Summary{Cursor: start, FailedSeq: -1}
	pending := map[int]ProcessedResult{}
	next := 0
	var firstErr error

	for res := range results {
		if res.Err != nil && firstErr == nil {
			firstErr = res.Err
			summary.FailedSeq = res.Seq
			summary.FailedRows = res.Rows
			// Stop fetching; in-flight chunks drain through the stages.
			cancel()
		}
		pending[res.Seq] = res

		for {
			r, ok := pending[next]
			if !ok || r.Err != nil {
				break
			}
			delete(pending, next)
			summary.Chunks++
			summary.Rows += r.Rows
			summary.Cursor = r.Cursor
			if p.save != nil {
				if err := p.save(ctx, r.Cursor); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("save cursor after chunk %d: %w", next, err)
					cancel()
				}
			}
			next++
		}
	}

	if firstErr != nil {
		p.logger.Error().Err(firstErr).
			Int("confirmed_chunks", summary.Chunks).
			Msg("pipeline stopped on chunk failure")
		return summary, firstErr
	}
	if n := len(pending); n > 0 {
		// Chunks past a cancelled fetch; report them for the log only.
		seqs := make([]int, 0, n)
		for s := range pending {
			seqs = append(seqs, s)
		}
		sort.Ints(seqs)
		p.logger.Warn().Ints("seqs", seqs).Msg("unconfirmed chunks discarded")
	}
	return summary, nil
}

func (p *Pipeline) enqueueChunk(ctx context.Context, ch chan<- DataChunk, v DataChunk) bool {
	return enqueue(ctx, p, func() bool {
		select {
		case ch <- v:
			return true
		default:
			return false
		}
	})
}

func (p *Pipeline) enqueueBatch(ctx context.Context, ch chan<- PreparedBatch, v PreparedBatch) bool {
	return enqueue(ctx, p, func() bool {
		select {
		case ch <- v:
			return true
		default:
			return false
		}
	})
}

// enqueue retries a full queue on a fixed interval, warning once when the
// stall exceeds the report threshold. The retry keeps the stall visible
// in logs instead of silently blocking.
func enqueue(ctx context.Context, p *Pipeline, trySend func() bool) bool {
	if trySend() {
		return true
	}
	ticker := time.NewTicker(p.cfg.EnqueueRetry)
	defer ticker.Stop()
	started := time.Now()
	warned := false
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if trySend() {
				return true
			}
			if !warned && time.Since(started) > p.cfg.EnqueueReport {
				warned = true
				p.logger.Warn().Dur("stalled", time.Since(started)).Msg("queue full, retrying")
			}
		}
	}
}

func isCanceled(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
