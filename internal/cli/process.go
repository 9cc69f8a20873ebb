package cli

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/locutushealth/dicomdeid/internal/deid/manifest"
	"github.com/locutushealth/dicomdeid/internal/deid/migrate"
	"github.com/locutushealth/dicomdeid/internal/deid/orchestrator"
)

// forceAlphanumEnv re-runs the accession text cleanup during migration even
// when the columns are already text. The routine is idempotent.
const forceAlphanumEnv = "LOCUTUS_DICOM_FORCE_ALPHANUM_REUPGRADE_DURING_MIGRATION"

func newProcessCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Reconcile the workspace and process a manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := log.Logger.WithContext(cmd.Context())

			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if !rt.cfg.BypassMigration {
				force := os.Getenv(forceAlphanumEnv) != ""
				if err := rt.schema.UpgradeAccessionColumns(ctx, force); err != nil {
					return err
				}
				engine := migrate.NewEngine(rt.store, rt.stager, rt.cfg.RemoveZombiesAtMigration)
				if _, err := engine.Run(ctx); err != nil {
					return err
				}
			} else {
				log.Ctx(ctx).Warn().Msg("bypass_migration set, skipping reconciliation")
			}

			f, oerr := os.Open(manifestPath)
			if oerr != nil {
				return oerr
			}
			defer f.Close()

			writer := manifest.NewWriter(os.Stdout)
			opts := manifest.Options{QCColumns: rt.cfg.ManifestQCColumns}
			if rt.cfg.EmitComments {
				opts.OnComment = func(line string) { _ = writer.EmitComment(line) }
			}
			reader, err := manifest.NewReader(f, opts)
			if err != nil {
				return err
			}

			o := orchestrator.New(rt.cfg, rt.store, rt.stager, rt.source, rt.qc,
				rt.anon, rt.publisher, rt.health, writer, rt.activeCfgs)
			if err := o.Run(ctx, reader); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Path to the input manifest CSV")
	cmd.MarkFlagRequired("manifest")
	return cmd
}
