package cli

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newUpgradeSchemaCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "upgrade-schema",
		Short: "Create or upgrade the workspace tables and config columns",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := log.Logger.WithContext(cmd.Context())

			// buildRuntime already runs EnsureTables and EnsureConfigColumns;
			// the accession upgrade is the only step it defers to commands.
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.schema.UpgradeAccessionColumns(ctx, force); err != nil {
				return err
			}
			log.Ctx(ctx).Info().Str("status_table", rt.names.Status).Msg("schema up to date")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Re-run the accession column cleanup even if the columns are already text")
	return cmd
}
