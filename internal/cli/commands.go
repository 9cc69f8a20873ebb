// Package cli wires the pipeline into its command-line surface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/locutushealth/dicomdeid/internal/common/logtrace"
	"github.com/locutushealth/dicomdeid/internal/deid/config"
)

var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dicomdeid",
	Short: "DICOM study de-identification pipeline",
	Long: `dicomdeid pulls radiology studies listed in a manifest from a source
PACS, strips protected health information via an external anonymizer,
optionally routes the result through a manual QC review, and publishes the
cleaned studies to filesystem, S3 and/or GCS targets. A workspace database
tracks each study's pipeline phase so interrupted runs resume where they
left off.`,
	PersistentPreRunE: preRunHandlePersistents,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(newProcessCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newUpgradeSchemaCmd())
	rootCmd.AddCommand(newShowConfigCmd())
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func preRunHandlePersistents(cmd *cobra.Command, args []string) error {
	logtrace.InitLogger()
	return config.LoadConfig(configFile)
}
