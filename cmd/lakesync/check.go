package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/connstring"
	"github.com/lakesync/lakesync/internal/lake"
	"github.com/lakesync/lakesync/internal/source"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe the lake and every registered source connection",
	Long: `Check connects to the lake, then runs the engine probe query
against each distinct connection string in the catalog. Exit status is
non-zero when any probe fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		lk, err := lake.Open(ctx, cfg.Lake.URL, cfg.StatementTimeout(), logger)
		if err != nil {
			return fmt.Errorf("lake: %w", err)
		}
		defer lk.Close()
		fmt.Println("lake: ok")

		store := catalog.NewStore(lk.Pool(), logger)

		type probe struct {
			engine catalog.Engine
			tables int
		}
		probes := map[string]*probe{}
		for _, engine := range catalog.Engines {
			entries, err := store.ListActive(ctx, engine)
			if err != nil {
				return err
			}
			for _, e := range entries {
				p, ok := probes[e.ConnectionString]
				if !ok {
					p = &probe{engine: engine}
					probes[e.ConnectionString] = p
				}
				p.tables++
			}
		}
		if len(probes) == 0 {
			fmt.Println("no active tables registered")
			return nil
		}

		failed := 0
		for connString, p := range probes {
			display := connstring.Redact(p.engine, connString)
			conn, err := source.Open(ctx, p.engine, connString, logger)
			if err == nil {
				err = conn.TestConnection(ctx)
				conn.Close()
			}
			if err != nil {
				failed++
				fmt.Printf("%-10s %s: FAILED (%v)\n", p.engine, display, err)
				continue
			}
			fmt.Printf("%-10s %s: ok (%d tables)\n", p.engine, display, p.tables)
		}
		if failed > 0 {
			return fmt.Errorf("%d source connection(s) failed", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
