package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/javanstorm/virtmanager/internal/rpc"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List running VMs",
	Long:  "List the CID and configuration of every running VM (root or shell user only).",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		vms, err := client.ListVms(cmd.Context())
		if err != nil {
			return fmt.Errorf("list VMs: %w", err)
		}
		return printVMs(cmd.OutOrStdout(), vms)
	},
}

func printVMs(out io.Writer, vms []rpc.VmInfo) error {
	if len(vms) == 0 {
		_, err := fmt.Fprintln(out, "No running VMs")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CID\tCONFIG")
	for _, vm := range vms {
		fmt.Fprintf(w, "%d\t%s\n", vm.CID, vm.ConfigPath)
	}
	return w.Flush()
}
