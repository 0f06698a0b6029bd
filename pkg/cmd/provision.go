package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyzimmer/k3pi/pkg/fleet"
	"github.com/tinyzimmer/k3pi/pkg/log"
	"github.com/tinyzimmer/k3pi/pkg/session"
	"github.com/tinyzimmer/k3pi/pkg/types"
)

var (
	provisionSSHUser          string
	provisionSSHPassword      string
	provisionSSHPort          int
	provisionSSHKeyFile       string
	provisionRebootWait       time.Duration
	provisionPromptDelay      time.Duration
	provisionCommandTimeout   time.Duration
	provisionReconnectRetries int
	provisionK3sVersion       string
	provisionKubeconfigOut    string
)

func init() {
	defaults := types.Default()

	provisionCmd.Flags().StringVarP(&provisionSSHUser, "ssh-user", "u", defaults.SSHUser, "The remote user to use for SSH authentication")
	provisionCmd.Flags().StringVar(&provisionSSHPassword, "ssh-password", "", fmt.Sprintf("The SSH and sudo password shared by every node. Read from %s or prompted for when empty", PasswordEnvVar))
	provisionCmd.Flags().IntVarP(&provisionSSHPort, "ssh-port", "p", defaults.SSHPort, "The port to use when connecting to the nodes over SSH")
	provisionCmd.Flags().StringVarP(&provisionSSHKeyFile, "ssh-key", "k", "", "A private key to try before password authentication")
	provisionCmd.Flags().DurationVar(&provisionRebootWait, "reboot-wait", defaults.RebootWait.Std(), "How long to wait for a node to boot before reconnecting")
	provisionCmd.Flags().DurationVar(&provisionPromptDelay, "prompt-delay", defaults.PrivilegePromptDelay.Std(), `How long to wait for the sudo password prompt before answering it.

The prompt is not detected, the password is written once this delay passes. Raise it
on slow nodes if privileged commands hang or fail with "incorrect password".
`)
	provisionCmd.Flags().DurationVar(&provisionCommandTimeout, "command-timeout", 0, "Fail a step when a remote command runs longer than this (0 disables)")
	provisionCmd.Flags().IntVar(&provisionReconnectRetries, "reconnect-retries", defaults.ReconnectRetries, "Extra reconnect attempts, with backoff, after a node fails to come back from a reboot")
	provisionCmd.Flags().StringVar(&provisionK3sVersion, "k3s-version", defaults.K3sVersion, "The k3s version to install on the controller")
	provisionCmd.Flags().StringVarP(&provisionKubeconfigOut, "kubeconfig-out", "o", "", "Download the controller's kubeconfig to this path")

	rootCmd.AddCommand(provisionCmd)
}

var provisionCmd = &cobra.Command{
	Use:   "provision [ADDRESS...] [flags]",
	Short: "Provision the nodes in the roster",
	Long: `
Provisions every node in order. Nodes come from the --config file, or from the arguments
when given. Unless a node sets a role, the first node is the controller and the rest are workers.

Nodes that cannot be reached are skipped. A failure on one node does not stop the others.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyProvisionFlags(cmd, cfg, args)
		if err := cfg.Validate(); err != nil {
			return err
		}
		roster, err := cfg.Roster()
		if err != nil {
			return err
		}

		password, err := resolvePassword(provisionSSHPassword, cfg.SSHUser)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		records, err := fleet.New(&fleet.Options{
			Nodes:    roster,
			Password: password,
			Config:   cfg,
			Connect:  session.Dial,
		}).Run(ctx)
		if len(records) > 0 {
			printRecords(cmd, records)
		}
		if err != nil {
			return err
		}
		summary := types.Summarize(records)
		if summary.Failed > 0 {
			return fmt.Errorf("provisioning failed: %s", summary)
		}
		log.Info("Provisioning finished:", summary)
		return nil
	},
}

func applyProvisionFlags(cmd *cobra.Command, cfg *types.ProvisionConfig, args []string) {
	flags := cmd.Flags()
	if len(args) > 0 {
		cfg.Nodes = make([]types.NodeIdentity, len(args))
		for idx, addr := range args {
			cfg.Nodes[idx] = types.NodeIdentity{Name: addr, Address: addr}
		}
	}
	if flags.Changed("ssh-user") {
		cfg.SSHUser = provisionSSHUser
	}
	if flags.Changed("ssh-port") {
		cfg.SSHPort = provisionSSHPort
	}
	if flags.Changed("ssh-key") {
		cfg.SSHKeyFile = provisionSSHKeyFile
	}
	if flags.Changed("reboot-wait") {
		cfg.RebootWait = types.Duration(provisionRebootWait)
	}
	if flags.Changed("prompt-delay") {
		cfg.PrivilegePromptDelay = types.Duration(provisionPromptDelay)
	}
	if flags.Changed("command-timeout") {
		cfg.CommandTimeout = types.Duration(provisionCommandTimeout)
	}
	if flags.Changed("reconnect-retries") {
		cfg.ReconnectRetries = provisionReconnectRetries
	}
	if flags.Changed("k3s-version") {
		cfg.K3sVersion = provisionK3sVersion
	}
	if flags.Changed("kubeconfig-out") {
		cfg.KubeconfigOutput = provisionKubeconfigOut
	}
}

func printRecords(cmd *cobra.Command, records []types.NodeRecord) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tROLE\tSTATE\tDURATION\tDETAIL")
	for _, r := range records {
		detail := ""
		if r.State == types.NodeFailed {
			detail = fmt.Sprintf("%s: %s", r.FailedStep, r.Reason)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Node.Name, r.Node.Address, r.Node.Role, r.State, r.Duration.Round(time.Second), detail)
	}
	w.Flush()
}
