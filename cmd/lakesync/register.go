package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/connstring"
	"github.com/lakesync/lakesync/internal/lake"
	"github.com/lakesync/lakesync/internal/source"
)

var (
	regEngine     string
	regSchema     string
	regTable      string
	regSourceURI  string
	regStrategy   string
	regPKColumns  []string
	regSyncColumn string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a source table in the catalog",
	Long: `Register adds one table to metadata.catalog, starting it in
FULL_LOAD. When --pk is omitted the primary key is discovered from the
source; a table without a usable key falls back to the OFFSET strategy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := catalog.Engine(regEngine)
		if !engine.Valid() {
			return fmt.Errorf("unknown engine %q", regEngine)
		}
		if err := connstring.Validate(engine, regSourceURI); err != nil {
			return err
		}

		e := &catalog.Entry{
			SchemaName:       regSchema,
			TableName:        regTable,
			Engine:           engine,
			ConnectionString: regSourceURI,
			PKStrategy:       catalog.PKStrategy(strings.ToUpper(regStrategy)),
			PKColumns:        regPKColumns,
			LastSyncColumn:   regSyncColumn,
		}
		switch e.PKStrategy {
		case catalog.StrategyPK, catalog.StrategyOffset, catalog.StrategyCDC:
		default:
			return fmt.Errorf("unknown strategy %q (PK, OFFSET, CDC)", regStrategy)
		}

		ctx := cmd.Context()

		// Discover the key from the source when the operator did not
		// name one.
		if len(e.PKColumns) == 0 && engine != catalog.EngineMongoDB {
			conn, err := source.Open(ctx, engine, regSourceURI, logger)
			if err != nil {
				return fmt.Errorf("open source: %w", err)
			}
			pkCols, err := conn.PrimaryKeyColumns(ctx, regSchema, regTable)
			conn.Close()
			if err != nil {
				return fmt.Errorf("discover primary key: %w", err)
			}
			e.PKColumns = pkCols
		}
		if len(e.PKColumns) == 0 && e.PKStrategy == catalog.StrategyPK {
			logger.Warn().Str("table", e.Key()).Msg("no primary key found, using OFFSET strategy")
			e.PKStrategy = catalog.StrategyOffset
		}

		lk, err := lake.Open(ctx, cfg.Lake.URL, cfg.StatementTimeout(), logger)
		if err != nil {
			return err
		}
		defer lk.Close()

		if err := catalog.NewStore(lk.Pool(), logger).Register(ctx, e); err != nil {
			return err
		}
		fmt.Printf("registered %s (%s, pk=[%s])\n",
			e.Key(), e.PKStrategy, strings.Join(e.PKColumns, ","))
		return nil
	},
}

func init() {
	f := registerCmd.Flags()
	f.StringVar(&regEngine, "engine", "", "Source engine (MariaDB, MSSQL, Oracle, PostgreSQL, MongoDB)")
	f.StringVar(&regSchema, "schema", "", "Source schema (database for MariaDB/MongoDB)")
	f.StringVar(&regTable, "table", "", "Source table (collection for MongoDB)")
	f.StringVar(&regSourceURI, "source-uri", "", "Source connection string")
	f.StringVar(&regStrategy, "strategy", "PK", "Pagination strategy (PK, OFFSET, CDC)")
	f.StringSliceVar(&regPKColumns, "pk", nil, "Primary key columns (discovered from the source when omitted)")
	f.StringVar(&regSyncColumn, "sync-column", "", "Timestamp column for incremental update detection")
	_ = registerCmd.MarkFlagRequired("engine")
	_ = registerCmd.MarkFlagRequired("schema")
	_ = registerCmd.MarkFlagRequired("table")
	_ = registerCmd.MarkFlagRequired("source-uri")
	rootCmd.AddCommand(registerCmd)
}
