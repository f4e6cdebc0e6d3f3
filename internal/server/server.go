// Package server exposes the read-only status surface: a small JSON API
// over the metrics collector and the catalog, plus a websocket feed that
// pushes snapshots as cycles progress.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/appconfig"
	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/metrics"
)

// CatalogReader lists catalog entries for the API. *catalog.Store
// satisfies it.
type CatalogReader interface {
	ListActive(ctx context.Context, engine catalog.Engine) ([]*catalog.Entry, error)
}

// Server is the HTTP server for the status API and WebSocket endpoint.
type Server struct {
	collector *metrics.Collector
	cat       CatalogReader
	cfg       appconfig.Config
	logger    zerolog.Logger
	hub       *Hub
	srv       *http.Server
}

// New creates a new Server. cat may be nil when no lake connection is
// available; the catalog endpoint then reports an empty list.
func New(collector *metrics.Collector, cat CatalogReader, cfg appconfig.Config, logger zerolog.Logger) *Server {
	hub := newHub(collector, logger)
	return &Server{
		collector: collector,
		cat:       cat,
		cfg:       cfg,
		logger:    logger.With().Str("component", "http-server").Logger(),
		hub:       hub,
	}
}

// Start begins serving on the configured address. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	h := &handlers{collector: s.collector, cat: s.cat, cfg: s.cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("GET /api/v1/tables", h.tables)
	mux.HandleFunc("GET /api/v1/catalog", h.catalogEntries)
	mux.HandleFunc("GET /api/v1/config", h.configHandler)
	mux.HandleFunc("GET /api/v1/logs", h.logs)
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("/api/v1/ws", s.hub.handleWS)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Listen, s.cfg.Server.Port)
	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	go s.hub.start(ctx)

	s.logger.Info().Str("addr", addr).Msg("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

// StartBackground starts the server in a goroutine (non-blocking).
func (s *Server) StartBackground(ctx context.Context) {
	go func() {
		if err := s.Start(ctx); err != nil {
			s.logger.Err(err).Msg("http server error")
		}
	}()
}
