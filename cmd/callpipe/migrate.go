package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manthysbr/callpipe/internal/adapters/duckdb"
	"github.com/manthysbr/callpipe/internal/adapters/providers"
)

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := providers.OpenStore(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if path := a.cfg.Analytics.DuckDBPath; path != "" {
				archive, err := duckdb.NewRepository(path)
				if err != nil {
					return fmt.Errorf("open analytics archive: %w", err)
				}
				_ = archive.Close()
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
