package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tinyzimmer/k3pi/pkg/log"
)

var configFile string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "A yaml or json file with the node roster and provisioning settings")
	rootCmd.PersistentFlags().BoolVarP(&log.Verbose, "verbose", "v", false, "Enable verbose logging")
}

var rootCmd = &cobra.Command{
	Use:   "k3pi",
	Short: "k3pi provisions Raspberry Pis into a k3s cluster over SSH",
	Long: `
The k3pi command patches the boot configuration of a set of single-board computers, installs
the kernel modules k3s needs, reboots them, installs k3s on the controller and bootstraps
helm, cert-manager and the namespaces the rancher add-ons expect.
`,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
	SilenceErrors:     true,
}

// GetRootCommand returns the root k3pi command
func GetRootCommand() *cobra.Command { return rootCmd }
