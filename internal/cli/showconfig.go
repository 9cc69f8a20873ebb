package cli

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/locutushealth/dicomdeid/internal/deid/config"
	"github.com/locutushealth/dicomdeid/internal/deid/manifest"
)

func newShowConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-config",
		Short: "Print the effective configuration and the active config registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := toml.NewEncoder(os.Stdout).Encode(config.Config()); err != nil {
				return err
			}

			ctx := log.Logger.WithContext(cmd.Context())
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			writer := manifest.NewWriter(os.Stdout)
			for _, c := range rt.activeCfgs {
				if err := writer.EmitConfig("int_cfg", c.ConfigType, c.ConfigVersion); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
