package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyzimmer/k3pi/pkg/version"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information for k3pi",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "K3PI Version:", version.K3piVersion)
		fmt.Fprintln(cmd.OutOrStdout(), "K3PI GitCommit:", version.K3piCommit)
	},
}
