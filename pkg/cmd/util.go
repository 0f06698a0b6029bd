package cmd

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/tinyzimmer/k3pi/pkg/log"
	"github.com/tinyzimmer/k3pi/pkg/types"
)

// PasswordEnvVar can hold the SSH password instead of the command line.
const PasswordEnvVar = "K3PI_SSH_PASSWORD"

func completeStringOpts(opts []string) func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return opts, cobra.ShellCompDirectiveDefault
	}
}

// loadConfig returns the configuration from the --config file, or the defaults.
func loadConfig() (*types.ProvisionConfig, error) {
	if configFile == "" {
		return types.Default(), nil
	}
	log.Debugf("Loading configuration from %q", configFile)
	return types.ConfigFromFile(configFile)
}

// resolvePassword returns the password from the flag, the environment, or an
// interactive prompt, in that order.
func resolvePassword(flagValue, user string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(PasswordEnvVar); env != "" {
		log.Debugf("Using SSH password from %s", PasswordEnvVar)
		return env, nil
	}
	fmt.Printf("Enter SSH Password for %s: ", user)
	bytePassword, err := terminal.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if len(bytePassword) == 0 {
		return "", errors.New("a password is required to run privileged commands on the nodes")
	}
	return string(bytePassword), nil
}
