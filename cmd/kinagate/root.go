package main

import (
	"github.com/spf13/cobra"

	"github.com/kinetia/kinagate/internal/config"
)

type rootFlags struct {
	configFile string
	dotenv     string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "kinagate",
		Short:         "Rate-limited API gateway for the KINETIA site",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "YAML config file (optional)")
	root.PersistentFlags().StringVar(&flags.dotenv, "env-file", ".env", "dotenv file loaded before reading the environment (missing is fine)")

	root.AddCommand(
		newServeCmd(flags),
		newConfigCmd(flags),
		newVersionCmd(),
	)
	return root
}

func (f *rootFlags) resolve() (*config.Root, error) {
	return config.Resolve(f.configFile, f.dotenv)
}
