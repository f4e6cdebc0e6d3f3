package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/metrics"
	"github.com/lakesync/lakesync/internal/pipeline"
	"github.com/lakesync/lakesync/internal/server"
)

var (
	runEngines []string
	runOnce    bool
	runAPI     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run sync cycles against the registered catalog tables",
	Long: `Run starts one scheduler per engine. Each cycle lists the active
catalog tables, orders them by lifecycle priority (FULL_LOAD first) and
executes them on the shared worker pool. With --once a single cycle per
engine runs and the process exits; otherwise cycles repeat on the
configured interval until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		engines, err := parseEngines(runEngines)
		if err != nil {
			return err
		}

		p := pipeline.New(cfg, logger)
		defer p.Close()

		// Route log entries into the collector so the API and
		// websocket feed expose them.
		teed := logging.New(cfg.Logging, metrics.NewLogWriter(p.Metrics))
		p.SetLogger(teed)

		if runAPI {
			if err := p.Connect(cmd.Context()); err != nil {
				return err
			}
			srv := server.New(p.Metrics, p.Catalog(), cfg, logger)
			srv.StartBackground(cmd.Context())
		}

		if runOnce {
			return p.RunOnce(cmd.Context(), engines)
		}
		return p.Run(cmd.Context(), engines)
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runEngines, "engine", nil,
		"Engines to sync (MariaDB, MSSQL, Oracle, PostgreSQL, MongoDB); default all")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single cycle per engine and exit")
	runCmd.Flags().BoolVar(&runAPI, "api", false, "Serve the status API while running")
	rootCmd.AddCommand(runCmd)
}

func parseEngines(names []string) ([]catalog.Engine, error) {
	if len(names) == 0 {
		return catalog.Engines, nil
	}
	engines := make([]catalog.Engine, 0, len(names))
	for _, n := range names {
		e := catalog.Engine(n)
		if !e.Valid() {
			return nil, fmt.Errorf("unknown engine %q", n)
		}
		engines = append(engines, e)
	}
	return engines, nil
}
