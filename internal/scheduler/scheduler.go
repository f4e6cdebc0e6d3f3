// Package scheduler drives replication cycles: on every tick it reads the
// active tables for each engine from the catalog, sorts them by lifecycle
// priority and submits them to the worker pool. One scheduler runs per
// engine group so a slow engine never starves the others.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/workerpool"
)

// CatalogReader lists candidate tables. *catalog.Store satisfies it.
type CatalogReader interface {
	ListActive(ctx context.Context, engine catalog.Engine) ([]*catalog.Entry, error)
}

// TableRunner executes one table's cycle; errors end up in the catalog,
// not here.
type TableRunner func(ctx context.Context, e *catalog.Entry) error

// Config tunes one engine scheduler.
type Config struct {
	Engine            catalog.Engine
	Interval          time.Duration
	MaxTablesPerCycle int // 0 = unbounded

	// OnCycleEnd, when set, fires after each completed cycle.
	OnCycleEnd func()
}

// Scheduler runs cycles for one engine.
type Scheduler struct {
	cat    CatalogReader
	pool   *workerpool.Pool
	run    TableRunner
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	inProgress map[string]bool
}

// New wires a scheduler over an existing pool. The pool may be shared
// between engines or dedicated; the scheduler only submits to it.
func New(cat CatalogReader, pool *workerpool.Pool, run TableRunner, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scheduler{
		cat:        cat,
		pool:       pool,
		run:        run,
		cfg:        cfg,
		logger:     logger.With().Str("component", "scheduler").Str("engine", string(cfg.Engine)).Logger(),
		inProgress: make(map[string]bool),
	}
}

// Run loops cycles until the context is cancelled. The first cycle fires
// immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle executes one pass: list, prioritise, submit, wait. A table
// still in progress from a previous cycle is skipped, never re-entered.
func (s *Scheduler) RunCycle(ctx context.Context) {
	entries, err := s.cat.ListActive(ctx, s.cfg.Engine)
	if err != nil {
		s.logger.Error().Err(err).Msg("catalog listing failed, skipping cycle")
		return
	}
	if len(entries) == 0 {
		return
	}

	sortByPriority(entries)
	submitted := 0
	for _, e := range entries {
		if s.cfg.MaxTablesPerCycle > 0 && submitted >= s.cfg.MaxTablesPerCycle {
			break
		}
		if !s.claim(e.Key()) {
			s.logger.Warn().Str("table", e.Key()).Msg("still in progress, skipping")
			continue
		}
		entry := e
		ok := s.pool.Submit(ctx, func(jobCtx context.Context) error {
			defer s.release(entry.Key())
			return s.run(jobCtx, entry)
		})
		if !ok {
			s.release(entry.Key())
			return
		}
		submitted++
	}
	s.pool.WaitForCompletion()
	s.logger.Info().Int("tables", submitted).Msg("cycle complete")
	if s.cfg.OnCycleEnd != nil {
		s.cfg.OnCycleEnd()
	}
}

func (s *Scheduler) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inProgress[key] {
		return false
	}
	s.inProgress[key] = true
	return true
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	delete(s.inProgress, key)
	s.mu.Unlock()
}

// sortByPriority orders FULL_LOAD before RESET before LISTENING_CHANGES,
// keeping the catalog's (schema, table) order within a class.
func sortByPriority(entries []*catalog.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Status.Priority() < entries[j].Status.Priority()
	})
}
