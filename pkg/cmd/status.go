package cmd

import (
	"context"
	"fmt"
	"io/ioutil"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinyzimmer/k3pi/pkg/cluster/kubernetes"
)

var (
	statusKubeconfig string
	statusNamespace  string
)

func init() {
	statusCmd.Flags().StringVarP(&statusKubeconfig, "kubeconfig", "k", "", "The kubeconfig downloaded from the controller (see provision --kubeconfig-out)")
	statusCmd.Flags().StringVarP(&statusNamespace, "namespace", "n", "cert-manager", "The namespace to list pods in")
	statusCmd.MarkFlagRequired("kubeconfig")

	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the nodes of a provisioned cluster and the pods of an add-on namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := ioutil.ReadFile(statusKubeconfig)
		if err != nil {
			return err
		}
		client, err := kubernetes.New(cfg)
		if err != nil {
			return err
		}
		return printStatus(cmd.Context(), cmd, client, statusNamespace)
	},
}

func printStatus(ctx context.Context, cmd *cobra.Command, client kubernetes.Client, namespace string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	nodes, err := client.ListNodes(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NODE\tADDRESS\tREADY\tVERSION")
	for idx := range nodes {
		n := &nodes[idx]
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", n.Name, kubernetes.InternalIP(n), kubernetes.NodeReady(n), n.Status.NodeInfo.KubeletVersion)
	}
	w.Flush()

	pods, err := client.ListPods(ctx, namespace)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout())
	w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "POD (%s)\tPHASE\n", namespace)
	for _, p := range pods {
		fmt.Fprintf(w, "%s\t%s\n", p.Name, p.Status.Phase)
	}
	return w.Flush()
}
