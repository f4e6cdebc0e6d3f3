// Package pipeline wires the synchronizer: lake connection, catalog,
// bulk writer, worker pool and one scheduler per engine, plus the
// metrics collector and state persister that the status surfaces read.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/appconfig"
	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/cdc"
	"github.com/lakesync/lakesync/internal/chunkpipe"
	"github.com/lakesync/lakesync/internal/lake"
	"github.com/lakesync/lakesync/internal/metrics"
	"github.com/lakesync/lakesync/internal/replicate"
	"github.com/lakesync/lakesync/internal/scheduler"
	"github.com/lakesync/lakesync/internal/source"
	"github.com/lakesync/lakesync/internal/workerpool"
	"github.com/lakesync/lakesync/internal/writer"
)

// Pipeline owns the long-lived pieces of a sync run. One Pipeline
// serves all engines; per-table work is dispatched through runTable.
type Pipeline struct {
	cfg    appconfig.Config
	logger zerolog.Logger

	lake *lake.Lake
	cat  *catalog.Store
	wr   *writer.Writer
	pool *workerpool.Pool

	Metrics   *metrics.Collector
	persister *metrics.StatePersister

	// openSource is swapped out in tests; production uses source.Open.
	openSource func(ctx context.Context, engine catalog.Engine, connString string, logger zerolog.Logger) (source.Conn, error)

	cancel context.CancelFunc
}

// New creates a Pipeline from the given configuration. Connections are
// not opened until Run or RunOnce.
func New(cfg appconfig.Config, logger zerolog.Logger) *Pipeline {
	mc := metrics.NewCollector(logger)
	return &Pipeline{
		cfg:        cfg,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		Metrics:    mc,
		openSource: source.Open,
	}
}

// Catalog returns the catalog store, nil before connect.
func (p *Pipeline) Catalog() *catalog.Store { return p.cat }

// SetLogger replaces the pipeline logger, typically with one teed into
// the collector's log buffer. Call before Run.
func (p *Pipeline) SetLogger(logger zerolog.Logger) {
	p.logger = logger.With().Str("component", "pipeline").Logger()
}

// Connect opens the lake pool and builds the catalog store and bulk
// writer. Idempotent; Run and RunOnce call it when needed.
func (p *Pipeline) Connect(ctx context.Context) error {
	if p.lake != nil {
		return nil
	}
	lk, err := lake.Open(ctx, p.cfg.Lake.URL, p.cfg.StatementTimeout(), p.logger)
	if err != nil {
		return fmt.Errorf("connect lake: %w", err)
	}
	p.lake = lk
	p.cat = catalog.NewStore(lk.Pool(), p.logger)
	p.wr = writer.New(lk, p.logger,
		writer.WithBatchSize(p.cfg.Sync.ChunkSize),
		writer.WithRetryBounds(p.cfg.Sync.MaxIndividualRowRetries, p.cfg.Sync.MaxBinaryErrorRetries),
	)
	return nil
}

func (p *Pipeline) startPersister() {
	persister, err := metrics.NewStatePersister(p.Metrics, p.logger)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to start state persister")
		return
	}
	p.persister = persister
	p.persister.Start()
}

// Run starts one scheduler per engine and blocks until the context is
// cancelled.
func (p *Pipeline) Run(ctx context.Context, engines []catalog.Engine) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.startPersister()

	if err := p.Connect(ctx); err != nil {
		return err
	}

	p.pool = workerpool.New(ctx, p.cfg.Sync.MaxWorkers, p.logger)
	defer p.pool.Shutdown()

	var wg sync.WaitGroup
	for _, engine := range engines {
		sched := p.newScheduler(engine)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// RunOnce executes a single cycle for each engine and returns. Used by
// the one-shot CLI mode and by cron-style deployments.
func (p *Pipeline) RunOnce(ctx context.Context, engines []catalog.Engine) error {
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.Connect(ctx); err != nil {
		return err
	}

	p.pool = workerpool.New(ctx, p.cfg.Sync.MaxWorkers, p.logger)
	defer p.pool.Shutdown()

	for _, engine := range engines {
		p.newScheduler(engine).RunCycle(ctx)
	}
	return nil
}

func (p *Pipeline) newScheduler(engine catalog.Engine) *scheduler.Scheduler {
	return scheduler.New(p.cat, p.pool, p.runTable, scheduler.Config{
		Engine:            engine,
		Interval:          p.cfg.CycleInterval(),
		MaxTablesPerCycle: p.cfg.Sync.MaxTablesPerCycle,
		OnCycleEnd:        p.Metrics.CycleComplete,
	}, p.logger)
}

// runTable is the TableRunner handed to every scheduler: open the
// source for this cycle, dispatch on strategy, record the outcome.
func (p *Pipeline) runTable(ctx context.Context, e *catalog.Entry) error {
	p.Metrics.TableStarted(e)

	conn, err := p.openSource(ctx, e.Engine, e.ConnectionString, p.logger)
	if err != nil {
		err = fmt.Errorf("open source: %w", err)
		if stErr := p.cat.SetStatus(ctx, e, catalog.StatusError, err.Error()); stErr != nil {
			p.logger.Error().Err(stErr).Str("table", e.Key()).Msg("failed to record ERROR status")
		}
		p.Metrics.TableFailed(e, err)
		return err
	}
	defer conn.Close()

	rd := source.NewTableReader(conn, e.SchemaName, e.TableName, e.PKColumns)
	cw := &countingWriter{w: p.wr}

	if e.PKStrategy == catalog.StrategyCDC {
		consumer := cdc.NewConsumer(p.lake, cw, p.cat, p.cfg.Sync.ChunkSize, p.logger)
		err = consumer.ConsumeTable(ctx, e, conn, rd)
		if err == nil {
			if lag, lagErr := cdc.ChangeLag(ctx, e, conn); lagErr == nil {
				p.Metrics.SetChangeLag(e, lag)
			}
		}
	} else {
		syncer := replicate.NewTableSyncer(p.cat, p.lake, cw, replicate.Config{
			ChunkSize:         p.cfg.Sync.ChunkSize,
			MaxProcessingTime: p.cfg.MaxProcessingTime(),
		}, p.logger)
		syncer.SetParallel(&replicate.Parallel{
			Statements: p.wr,
			Exec:       p.lake,
			Config: chunkpipe.Config{
				ChunkSize:  p.cfg.Sync.ChunkSize,
				QueueDepth: p.cfg.Sync.MaxQueueSize,
				Preparers:  p.cfg.Sync.BatchPreparers,
				Inserters:  p.cfg.Sync.BatchInserters,
			},
			OnRows: cw.addWritten,
		})
		err = syncer.SyncTable(ctx, e, rd)
	}

	if err != nil {
		p.Metrics.TableFailed(e, err)
		return err
	}
	p.Metrics.TableSynced(e, cw.written(), cw.skipped())
	return nil
}

// Close shuts down connections and the collector. Safe to call after a
// failed Run.
func (p *Pipeline) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.persister != nil {
		p.persister.Stop()
	}
	if p.Metrics != nil {
		p.Metrics.Close()
	}
	if p.lake != nil {
		p.lake.Close()
	}
}

// countingWriter decorates the bulk writer with per-run row counters so
// runTable can report totals without threading them through the syncer.
type countingWriter struct {
	w *writer.Writer

	mu sync.Mutex
	wr int64
	sk int64
}

func (c *countingWriter) BulkInsert(ctx context.Context, schema, table string, cols, types []string, rows [][]string, passthrough bool) (writer.Result, error) {
	res, err := c.w.BulkInsert(ctx, schema, table, cols, types, rows, passthrough)
	c.add(res)
	return res, err
}

func (c *countingWriter) BulkUpsert(ctx context.Context, schema, table string, cols, types []string, rows [][]string, passthrough bool) (writer.Result, error) {
	res, err := c.w.BulkUpsert(ctx, schema, table, cols, types, rows, passthrough)
	c.add(res)
	return res, err
}

func (c *countingWriter) addWritten(n int64) {
	c.mu.Lock()
	c.wr += n
	c.mu.Unlock()
}

func (c *countingWriter) add(res writer.Result) {
	c.mu.Lock()
	c.wr += res.RowsWritten
	c.sk += res.RowsSkipped
	c.mu.Unlock()
}

func (c *countingWriter) written() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wr
}

func (c *countingWriter) skipped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sk
}
