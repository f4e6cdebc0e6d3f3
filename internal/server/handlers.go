package server

import (
	"encoding/json"
	"net/http"

	"github.com/lakesync/lakesync/internal/appconfig"
	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/metrics"
)

type handlers struct {
	collector *metrics.Collector
	cat       CatalogReader
	cfg       appconfig.Config
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.collector.Snapshot())
}

func (h *handlers) tables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.collector.Snapshot().Tables)
}

// catalogEntry is the wire form of one catalog row; connection strings
// never leave the process.
type catalogEntry struct {
	Engine     string `json:"engine"`
	Schema     string `json:"schema"`
	Table      string `json:"table"`
	Status     string `json:"status"`
	PKStrategy string `json:"pk_strategy"`
	Cursor     string `json:"cursor,omitempty"`
}

func (h *handlers) catalogEntries(w http.ResponseWriter, r *http.Request) {
	out := []catalogEntry{}
	if h.cat != nil {
		for _, engine := range catalog.Engines {
			entries, err := h.cat.ListActive(r.Context(), engine)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			for _, e := range entries {
				out = append(out, catalogEntry{
					Engine:     string(e.Engine),
					Schema:     e.SchemaName,
					Table:      e.TableName,
					Status:     string(e.Status),
					PKStrategy: string(e.PKStrategy),
					Cursor:     e.LastProcessedPK,
				})
			}
		}
	}
	writeJSON(w, out)
}

func (h *handlers) configHandler(w http.ResponseWriter, r *http.Request) {
	// The lake URL may embed credentials; expose the tuning knobs only.
	redacted := struct {
		Sync    appconfig.SyncConfig   `json:"sync"`
		Server  appconfig.ServerConfig `json:"server"`
		Timeout int                    `json:"statement_timeout_sec"`
	}{
		Sync:    h.cfg.Sync,
		Server:  h.cfg.Server,
		Timeout: h.cfg.Lake.StatementTimeoutSec,
	}
	writeJSON(w, redacted)
}

func (h *handlers) logs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.collector.Logs())
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
