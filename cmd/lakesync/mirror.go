package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/lake"
	"github.com/lakesync/lakesync/internal/schema"
	"github.com/lakesync/lakesync/internal/source"
)

var mirrorEngines []string

var mirrorCmd = &cobra.Command{
	Use:   "mirror-schema",
	Short: "Create lake tables for registered catalog entries",
	Long: `Mirror-schema discovers the column layout of every active catalog
table on its source and creates the matching lake table when missing.
Existing lake tables are never altered.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		engines, err := parseEngines(mirrorEngines)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		lk, err := lake.Open(ctx, cfg.Lake.URL, cfg.StatementTimeout(), logger)
		if err != nil {
			return err
		}
		defer lk.Close()

		store := catalog.NewStore(lk.Pool(), logger)
		mirror := schema.NewMirror(lk, logger)

		for _, engine := range engines {
			entries, err := store.ListActive(ctx, engine)
			if err != nil {
				return err
			}
			for _, e := range entries {
				conn, err := source.Open(ctx, e.Engine, e.ConnectionString, logger)
				if err != nil {
					return fmt.Errorf("open source for %s: %w", e.Key(), err)
				}
				cols, err := conn.DiscoverSchema(ctx, e.SchemaName, e.TableName)
				conn.Close()
				if err != nil {
					return fmt.Errorf("discover %s: %w", e.Key(), err)
				}
				if err := mirror.EnsureTable(ctx, e, cols); err != nil {
					return err
				}
				fmt.Printf("ensured %s.%s (%d columns)\n", e.SchemaName, e.TableName, len(cols))
			}
		}
		return nil
	},
}

func init() {
	mirrorCmd.Flags().StringSliceVar(&mirrorEngines, "engine", nil,
		"Engines to mirror (default all)")
	rootCmd.AddCommand(mirrorCmd)
}
