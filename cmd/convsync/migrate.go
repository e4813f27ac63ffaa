package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/multi-agent/convsync/internal/config"
	"github.com/multi-agent/convsync/internal/database"
	pkgerr "github.com/multi-agent/convsync/pkg/errors"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded PostgreSQL migrations for the postgres run store",
	RunE: func(cmd *cobra.Command, args []string) error {
		runStore = config.RunStorePostgres
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			return pkgerr.Wrap(err, "convsync migrate", "unable to connect to database")
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool, database.Migrations()); err != nil {
			return err
		}
		fmt.Println("Migration complete.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
