package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debug operations (root or shell user only)",
}

var debugDropCmd = &cobra.Command{
	Use:   "drop <cid>",
	Short: "Release a VM held by the daemon",
	Long: `Take back one reference the daemon holds for the VM with the given CID.
The VM shuts down unless another client still holds it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cid, err := parseCID(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		client, err := dial(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		handle, found, err := client.DebugDrop(ctx, cid)
		if err != nil {
			return fmt.Errorf("drop VM %d: %w", cid, err)
		}
		if !found {
			fmt.Fprintf(cmd.OutOrStdout(), "No held reference for CID %d\n", cid)
			return nil
		}
		if err := handle.Release(ctx); err != nil {
			return fmt.Errorf("release VM %d: %w", cid, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Dropped VM %d\n", cid)
		return nil
	},
}

func init() {
	debugCmd.AddCommand(debugDropCmd)
}

func parseCID(s string) (uint32, error) {
	cid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid CID %q: %w", s, err)
	}
	return uint32(cid), nil
}
