// Package cli provides the command-line interface for virtmanager.
package cli

import (
	"fmt"

	"github.com/javanstorm/virtmanager/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// v holds the daemon settings of the running command.
	v = viper.New()

	cfg *config.Config

	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "virtmanager",
	Short: "virtmanager - VM instance registry daemon",
	Long: `virtmanager starts virtual machines on behalf of local clients.

Each VM gets a unique CID and lives exactly as long as some client holds
a handle to it. The daemon serves clients over a Unix socket; root and
the shell user can additionally list VMs and keep VMs alive for debugging.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "version", "completion":
			return nil
		}
		loaded, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "daemon config file (default: config.yaml in the virtmanager config dir)")
	flags.String("socket", "", "daemon socket path")
	_ = v.BindPFlag("socket_path", flags.Lookup("socket"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(debugCmd)
}
