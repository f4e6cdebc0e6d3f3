package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/cdc"
	"github.com/lakesync/lakesync/internal/lake"
	"github.com/lakesync/lakesync/internal/source"
)

var setupCDCEngine string

var setupCDCCmd = &cobra.Command{
	Use:   "setup-cdc",
	Short: "Install change-log table and triggers on a source database",
	Long: `Setup-cdc creates the datasync_metadata.ds_change_log table on the
source and installs AFTER INSERT/UPDATE/DELETE triggers for every active
catalog table with the CDC strategy. Requires DDL privileges on the
source. Supported engines: PostgreSQL, MariaDB.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := catalog.Engine(setupCDCEngine)
		if !engine.Valid() {
			return fmt.Errorf("unknown engine %q", setupCDCEngine)
		}

		ctx := cmd.Context()
		lk, err := lake.Open(ctx, cfg.Lake.URL, cfg.StatementTimeout(), logger)
		if err != nil {
			return err
		}
		defer lk.Close()

		entries, err := catalog.NewStore(lk.Pool(), logger).ListActive(ctx, engine)
		if err != nil {
			return err
		}

		// One source database can back many catalog entries; install per
		// distinct connection.
		groups := map[string][]*catalog.Entry{}
		for _, e := range entries {
			if e.PKStrategy == catalog.StrategyCDC {
				groups[e.ConnectionString] = append(groups[e.ConnectionString], e)
			}
		}
		if len(groups) == 0 {
			fmt.Printf("No active CDC tables registered for %s.\n", engine)
			return nil
		}

		for connString, tables := range groups {
			conn, err := source.Open(ctx, engine, connString, logger)
			if err != nil {
				return fmt.Errorf("open source for %s: %w", tables[0].Key(), err)
			}
			err = cdc.NewInstaller(conn, engine, logger).Install(ctx, tables)
			conn.Close()
			if err != nil {
				return err
			}
			for _, e := range tables {
				fmt.Printf("installed triggers for %s.%s\n", e.SchemaName, e.TableName)
			}
		}
		return nil
	},
}

func init() {
	setupCDCCmd.Flags().StringVar(&setupCDCEngine, "engine", "", "Source engine (PostgreSQL, MariaDB)")
	_ = setupCDCCmd.MarkFlagRequired("engine")
	rootCmd.AddCommand(setupCDCCmd)
}
