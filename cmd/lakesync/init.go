package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lakesync/lakesync/internal/lake"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the metadata schema in the lake",
	Long: `Init applies the embedded migrations to the lake, creating the
metadata.catalog table and its indexes. Safe to run repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		lk, err := lake.Open(cmd.Context(), cfg.Lake.URL, cfg.StatementTimeout(), logger)
		if err != nil {
			return err
		}
		defer lk.Close()

		if err := lk.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("lake metadata schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
