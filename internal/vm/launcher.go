package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/javanstorm/virtmanager/pkg/hypervisor"
)

// CIDParam is the kernel command line parameter that tells the guest its CID.
const CIDParam = "virtmanager.cid"

// shutdownTimeout bounds how long Close waits for the VM run loop to exit.
const shutdownTimeout = 5 * time.Second

// State represents the VM lifecycle state.
type State int

const (
	StateNew      State = iota
	StateRunning        // VM is running
	StateStopping       // Close in progress
	StateStopped        // Run loop exited cleanly
	StateError          // Run loop exited with an error
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Launcher boots a VM from a validated configuration.
//
// On success the returned Instance owns logSink and closes it with the VM.
// On failure logSink is left open for the caller.
type Launcher interface {
	Launch(ctx context.Context, cfg *hypervisor.VMConfig, cid uint32, configPath string, logSink *os.File) (Instance, error)
}

// HypervisorLauncher launches VMs on the platform hypervisor, one driver per VM.
type HypervisorLauncher struct {
	newDriver hypervisor.Factory
	logger    *zap.Logger
}

// LauncherOption configures a HypervisorLauncher.
type LauncherOption func(*HypervisorLauncher)

// WithDriverFactory overrides the driver factory (default hypervisor.NewDriver).
func WithDriverFactory(f hypervisor.Factory) LauncherOption {
	return func(l *HypervisorLauncher) { l.newDriver = f }
}

// NewHypervisorLauncher creates a launcher. A nil logger disables logging.
func NewHypervisorLauncher(logger *zap.Logger, opts ...LauncherOption) *HypervisorLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &HypervisorLauncher{
		newDriver: hypervisor.NewDriver,
		logger:    logger.Named("launcher"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch validates, creates and boots a VM with the given identity.
func (l *HypervisorLauncher) Launch(ctx context.Context, cfg *hypervisor.VMConfig, cid uint32, configPath string, logSink *os.File) (Instance, error) {
	driver, err := l.newDriver()
	if err != nil {
		return nil, fmt.Errorf("create hypervisor driver: %w", err)
	}

	bootCfg := cfg.Clone()
	bootCfg.Cmdline = withCIDParam(bootCfg.Cmdline, cid)

	if err := driver.Validate(ctx, bootCfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if err := driver.Create(ctx, bootCfg); err != nil {
		return nil, fmt.Errorf("create VM: %w", err)
	}

	_, consoleOut, err := driver.Console()
	if err != nil {
		l.discard(driver)
		return nil, fmt.Errorf("open console: %w", err)
	}

	errCh, err := driver.Start(ctx)
	if err != nil {
		l.discard(driver)
		return nil, fmt.Errorf("start VM: %w", err)
	}

	m := &Machine{
		cid:        cid,
		configPath: configPath,
		driver:     driver,
		logSink:    logSink,
		state:      StateRunning,
		exited:     make(chan struct{}),
		logger:     l.logger.With(zap.Uint32("cid", cid), zap.String("config", configPath)),
	}
	go m.pumpConsole(consoleOut)
	go m.monitor(errCh)

	m.logger.Info("VM started", zap.String("driver", driver.Info().Name))
	return m, nil
}

// discard releases a driver whose VM was created but never handed out.
func (l *HypervisorLauncher) discard(driver hypervisor.Driver) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := driver.Kill(ctx); err != nil && !errors.Is(err, hypervisor.ErrNotRunning) {
		l.logger.Warn("failed to release VM", zap.Error(err))
	}
	driver.CloseConsole()
}

// withCIDParam appends the CID parameter to a kernel command line.
func withCIDParam(cmdline string, cid uint32) string {
	param := fmt.Sprintf("%s=%d", CIDParam, cid)
	if strings.TrimSpace(cmdline) == "" {
		return param
	}
	return cmdline + " " + param
}

// Machine is a VM booted by HypervisorLauncher.
type Machine struct {
	cid        uint32
	configPath string
	driver     hypervisor.Driver
	logSink    *os.File
	logger     *zap.Logger

	mu      sync.RWMutex
	state   State
	lastErr error
	exited  chan struct{}
}

func (m *Machine) CID() uint32        { return m.cid }
func (m *Machine) ConfigPath() string { return m.configPath }

// State returns the current VM state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastError returns the error the run loop exited with, if any.
func (m *Machine) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Exited is closed once the VM run loop has returned.
func (m *Machine) Exited() <-chan struct{} { return m.exited }

// pumpConsole forwards guest console output to the log sink, or drains it
// so the guest never blocks on a full pipe.
func (m *Machine) pumpConsole(out io.Reader) {
	var dst io.Writer = io.Discard
	if m.logSink != nil {
		dst = m.logSink
	}
	if _, err := io.Copy(dst, out); err != nil && !errors.Is(err, os.ErrClosed) {
		m.logger.Debug("console stream ended", zap.Error(err))
	}
}

func (m *Machine) monitor(errCh chan error) {
	err := <-errCh

	m.mu.Lock()
	if err != nil && m.state == StateStopping && errors.Is(err, context.Canceled) {
		// Killed by Close.
		err = nil
	}
	if err != nil {
		m.state = StateError
		m.lastErr = err
	} else if m.state != StateStopping {
		m.state = StateStopped
	}
	m.mu.Unlock()
	close(m.exited)

	if err != nil {
		m.logger.Warn("VM exited with error", zap.Error(err))
		return
	}
	m.logger.Info("VM exited")
}

// Close kills the VM, waits briefly for its run loop and releases the
// console and log sink. A run loop failure is reported in the returned error.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.state == StateRunning {
		m.state = StateStopping
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := m.driver.Kill(ctx); err != nil && !errors.Is(err, hypervisor.ErrNotRunning) {
		errs = append(errs, fmt.Errorf("kill VM: %w", err))
	}

	select {
	case <-m.exited:
		if err := m.LastError(); err != nil {
			errs = append(errs, fmt.Errorf("VM run loop: %w", err))
		}
	case <-ctx.Done():
		m.logger.Warn("VM run loop did not exit", zap.Duration("timeout", shutdownTimeout))
	}

	if err := m.driver.CloseConsole(); err != nil {
		errs = append(errs, err)
	}
	if m.logSink != nil {
		if err := m.logSink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log sink: %w", err))
		}
	}

	m.mu.Lock()
	if m.state == StateStopping {
		m.state = StateStopped
	}
	m.mu.Unlock()

	return errors.Join(errs...)
}
