package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var configViewOutput string

func init() {
	configViewCmd.Flags().StringVarP(&configViewOutput, "output", "o", "yaml", "The format to print the configuration in (yaml or json)")
	configViewCmd.RegisterFlagCompletionFunc("output", completeStringOpts([]string{"yaml", "json"}))

	configCmd.AddCommand(configViewCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Print the effective configuration, with defaults filled in",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var out []byte
		switch configViewOutput {
		case "yaml":
			out, err = cfg.YAML()
		case "json":
			out, err = json.MarshalIndent(cfg, "", "  ")
			out = append(out, '\n')
		default:
			return fmt.Errorf("%q is not a valid output format", configViewOutput)
		}
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}
