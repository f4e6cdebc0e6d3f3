package main

import (
	"github.com/spf13/cobra"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/lake"
	"github.com/lakesync/lakesync/internal/metrics"
	"github.com/lakesync/lakesync/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the standalone status API server",
	Long: `Serve starts the status API without running sync cycles. It reads
the last-known snapshot from the state file and exposes the catalog when
the lake is reachable. Useful for watching a synchronizer that runs
elsewhere (cron, another host).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}

		collector := metrics.NewCollector(logger)
		defer collector.Close()

		// Seed from the last persisted snapshot when one exists.
		if snap, err := metrics.ReadStateFile(); err == nil {
			for _, t := range snap.Tables {
				collector.AddLog(metrics.LogEntry{
					Level:   "info",
					Message: "restored " + t.Schema + "." + t.Name + " (" + t.Status + ")",
				})
			}
		}

		var cat server.CatalogReader
		if lk, err := lake.Open(cmd.Context(), cfg.Lake.URL, cfg.StatementTimeout(), logger); err == nil {
			defer lk.Close()
			cat = catalog.NewStore(lk.Pool(), logger)
		} else {
			logger.Warn().Err(err).Msg("lake unreachable, catalog endpoint disabled")
		}

		srv := server.New(collector, cat, cfg, logger)
		return srv.Start(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 7654, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}
