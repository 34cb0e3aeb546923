package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	startLogPath string
	startHold    bool
)

var startCmd = &cobra.Command{
	Use:   "start <config>",
	Short: "Start a VM",
	Long: `Start a VM from a configuration file (yaml, json or toml).

The VM runs while this command stays attached; interrupt it to release
the VM. With --hold the daemon keeps the VM alive after the command exits
(root or shell user only); release it later with "virtmanager debug drop".`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startLogPath, "log", "", "append the VM console to this file")
	startCmd.Flags().BoolVar(&startHold, "hold", false, "keep the VM alive in the daemon and detach")
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var logFile *os.File
	if startLogPath != "" {
		logFile, err = os.OpenFile(startLogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
	}

	handle, err := client.StartVm(ctx, configPath, logFile)
	if err != nil {
		return fmt.Errorf("start VM: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Started VM with CID %d\n", handle.CID)

	if startHold {
		if err := client.DebugHold(ctx, handle); err != nil {
			handle.Release(context.WithoutCancel(ctx))
			return fmt.Errorf("hold VM: %w", err)
		}
		fmt.Fprintf(out, "VM held by the daemon; release it with: virtmanager debug drop %d\n", handle.CID)
		return nil
	}

	fmt.Fprintln(out, "Press Ctrl-C to stop the VM")
	<-ctx.Done()
	if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("release VM: %w", err)
	}
	fmt.Fprintf(out, "Released VM %d\n", handle.CID)
	return nil
}
