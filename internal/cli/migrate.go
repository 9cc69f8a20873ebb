package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/locutushealth/dicomdeid/internal/deid/migrate"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Reconcile the workspace against the stager without processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := log.Logger.WithContext(cmd.Context())

			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			force := os.Getenv(forceAlphanumEnv) != ""
			if err := rt.schema.UpgradeAccessionColumns(ctx, force); err != nil {
				return err
			}

			engine := migrate.NewEngine(rt.store, rt.stager, rt.cfg.RemoveZombiesAtMigration)
			counters, err := engine.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("migrated: %d\n", counters.Migrated)
			fmt.Printf("zombies found: %d, removed: %d\n", counters.ZombiesFound, counters.ZombiesRemoved)
			fmt.Printf("extra rows removed: %d, cleaned: %d\n", counters.ExtrasRemoved, counters.ExtrasCleaned)
			return nil
		},
	}
}
