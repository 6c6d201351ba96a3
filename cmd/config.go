package cmd

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Prints the effective configuration as TOML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wd, err := os.Getwd()
		if err != nil {
			return eris.Wrap(err, "failed to retrieve the current working directory")
		}

		cfg, err := loadConfig(cmd, wd)
		if err != nil {
			return err
		}

		encoded, err := cfg.TOML()
		if err != nil {
			return eris.Wrap(err, "failed to encode configuration")
		}

		_, err = cmd.OutOrStdout().Write(encoded)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
