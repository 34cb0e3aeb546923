package cli

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/javanstorm/virtmanager/internal/config"
	"github.com/javanstorm/virtmanager/internal/logging"
	"github.com/javanstorm/virtmanager/internal/metrics"
	"github.com/javanstorm/virtmanager/internal/registry"
	"github.com/javanstorm/virtmanager/internal/rpc"
	"github.com/javanstorm/virtmanager/internal/vm"
	"github.com/javanstorm/virtmanager/internal/version"
	"github.com/javanstorm/virtmanager/pkg/hypervisor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the VM manager daemon",
	Long: `Run the VM manager daemon in the foreground.

The daemon listens on the configured Unix socket until it receives
SIGINT or SIGTERM. VMs do not survive a daemon restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if paths, err := config.GetPaths(); err != nil {
		logger.Warn("Cannot resolve default directories", zap.Error(err))
	} else if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create runtime directories: %w", err)
	}
	// The socket may live outside the default runtime directory.
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	m := metrics.New()
	svc, err := newService(logger, m)
	if err != nil {
		return err
	}
	srv := rpc.NewServer(svc, logger.Named("rpc"), m)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Error("Metrics endpoint failed", zap.String("addr", cfg.MetricsAddr), zap.Error(err))
			}
		}()
	}

	logger.Info("Starting virtmanager",
		zap.String("version", version.Version),
		zap.String("socket", cfg.SocketPath),
		zap.String("metrics", cfg.MetricsAddr),
	)
	if err := srv.ListenAndServe(ctx, cfg.SocketPath, fs.FileMode(cfg.SocketMode)); err != nil {
		return err
	}
	logger.Info("virtmanager stopped")
	return nil
}

// newService wires the registry to the platform hypervisor.
func newService(logger *zap.Logger, m *metrics.Metrics) (*registry.Service, error) {
	var caps *hypervisor.Capabilities
	if !hypervisor.SupportedPlatform() {
		logger.Warn("No hypervisor driver for this platform, VM starts will fail", zap.String("os", runtime.GOOS))
	} else if d, err := hypervisor.NewDriver(); err != nil {
		logger.Warn("Hypervisor unavailable, VM starts will fail", zap.Error(err))
	} else {
		c := d.Capabilities()
		caps = &c
		logger.Info("Hypervisor detected", zap.String("driver", d.Info().Name), zap.String("arch", d.Info().Arch))
	}

	return registry.NewService(registry.Options{
		Loader:   config.NewVMLoader(caps, logger),
		Launcher: vm.NewHypervisorLauncher(logger),
		Callers:  rpc.PeerCallers,
		Logger:   logger.Named("registry"),
		Metrics:  m,
	})
}

// dial connects to the configured daemon and checks that it is up.
func dial(ctx context.Context) (*rpc.Client, error) {
	client, err := rpc.Dial(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("daemon not reachable at %s: %w", cfg.SocketPath, err)
	}
	return client, nil
}
