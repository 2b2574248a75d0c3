package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"locallibrary/internal/store/sqlstore"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Database.Driver == "memory" {
				return fmt.Errorf("the memory store has no schema to migrate")
			}
			ctx := cmd.Context()
			store, err := sqlstore.Open(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			version, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			a.logger.Info("schema up to date", "driver", a.cfg.Database.Driver, "version", version)
			return nil
		},
	}
}
