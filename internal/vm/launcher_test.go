package vm

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/javanstorm/virtmanager/pkg/hypervisor"
)

// fakeDriver emulates a hypervisor whose guest prints its command line on
// the console and then idles until killed.
type fakeDriver struct {
	mu        sync.Mutex
	cfg       *hypervisor.VMConfig
	createErr error
	startErr  error
	killErr   error // delivered on the run channel when killed
	errCh     chan error
	running   bool
	kills     int

	guestOut *os.File
	hostOut  *os.File
	hostIn   *os.File
}

func (d *fakeDriver) Info() hypervisor.Info { return hypervisor.Info{Name: "fake"} }

func (d *fakeDriver) Capabilities() hypervisor.Capabilities {
	return hypervisor.Capabilities{ReadOnlyDisk: true, Initrd: true}
}

func (d *fakeDriver) Validate(ctx context.Context, cfg *hypervisor.VMConfig) error {
	return cfg.Validate()
}

func (d *fakeDriver) Create(ctx context.Context, cfg *hypervisor.VMConfig) error {
	if d.createErr != nil {
		return d.createErr
	}
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	d.cfg = cfg
	d.hostOut, d.guestOut = r, w
	_, d.hostIn, err = os.Pipe()
	return err
}

func (d *fakeDriver) Start(ctx context.Context) (chan error, error) {
	if d.startErr != nil {
		return nil, d.startErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errCh = make(chan error, 1)
	d.running = true
	go func() {
		io.WriteString(d.guestOut, d.cfg.Cmdline+"\n")
	}()
	return d.errCh, nil
}

func (d *fakeDriver) Stop(ctx context.Context) error { return d.Kill(ctx) }

func (d *fakeDriver) Kill(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kills++
	if !d.running {
		return hypervisor.ErrNotRunning
	}
	d.running = false
	d.guestOut.Close()
	d.errCh <- d.killErr
	return nil
}

// crash ends the run loop with err as if the guest had failed.
func (d *fakeDriver) crash(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.errCh <- err
}

func (d *fakeDriver) killCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kills
}

func (d *fakeDriver) Console() (io.Writer, io.Reader, error) {
	return d.hostIn, d.hostOut, nil
}

func (d *fakeDriver) CloseConsole() error {
	d.hostIn.Close()
	d.hostOut.Close()
	return nil
}

func testConfig() *hypervisor.VMConfig {
	return &hypervisor.VMConfig{CPUs: 1, MemoryMB: 256, Kernel: "/boot/vmlinuz", Cmdline: "console=hvc0"}
}

func TestHypervisorLauncherLaunch(t *testing.T) {
	drv := &fakeDriver{}
	l := NewHypervisorLauncher(zaptest.NewLogger(t), WithDriverFactory(func() (hypervisor.Driver, error) {
		return drv, nil
	}))

	sinkPath := filepath.Join(t.TempDir(), "console.log")
	sink, err := os.Create(sinkPath)
	require.NoError(t, err)

	cfg := testConfig()
	inst, err := l.Launch(context.Background(), cfg, 42, "/etc/vm.yaml", sink)
	require.NoError(t, err)

	m := inst.(*Machine)
	assert.Equal(t, uint32(42), m.CID())
	assert.Equal(t, "/etc/vm.yaml", m.ConfigPath())
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, "console=hvc0", cfg.Cmdline, "caller config untouched")

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(sinkPath)
		return string(data) == "console=hvc0 virtmanager.cid=42\n"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Close())
	assert.Equal(t, StateStopped, m.State())
	select {
	case <-m.Exited():
	default:
		t.Fatal("run loop should have exited")
	}

	_, err = sink.Write([]byte("x"))
	assert.Error(t, err, "log sink closed with the VM")
}

func TestHypervisorLauncherFailures(t *testing.T) {
	tests := []struct {
		name    string
		factory hypervisor.Factory
		cfg     *hypervisor.VMConfig
		wantErr error
	}{
		{
			name: "no driver",
			factory: func() (hypervisor.Driver, error) {
				return nil, hypervisor.ErrUnsupportedPlatform
			},
			cfg:     testConfig(),
			wantErr: hypervisor.ErrUnsupportedPlatform,
		},
		{
			name:    "invalid config",
			factory: func() (hypervisor.Driver, error) { return &fakeDriver{}, nil },
			cfg:     &hypervisor.VMConfig{CPUs: 1, MemoryMB: 256},
			wantErr: hypervisor.ErrMissingKernel,
		},
		{
			name: "create fails",
			factory: func() (hypervisor.Driver, error) {
				return &fakeDriver{createErr: hypervisor.ErrNotCreated}, nil
			},
			cfg:     testConfig(),
			wantErr: hypervisor.ErrNotCreated,
		},
		{
			name: "start fails",
			factory: func() (hypervisor.Driver, error) {
				return &fakeDriver{startErr: hypervisor.ErrAlreadyRunning}, nil
			},
			cfg:     testConfig(),
			wantErr: hypervisor.ErrAlreadyRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewHypervisorLauncher(nil, WithDriverFactory(tt.factory))
			_, err := l.Launch(context.Background(), tt.cfg, 10, "vm.yaml", nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestLaunchReleasesDriverWhenStartFails(t *testing.T) {
	drv := &fakeDriver{startErr: hypervisor.ErrAlreadyRunning}
	l := NewHypervisorLauncher(zaptest.NewLogger(t), WithDriverFactory(func() (hypervisor.Driver, error) {
		return drv, nil
	}))

	_, err := l.Launch(context.Background(), testConfig(), 10, "vm.yaml", nil)
	require.ErrorIs(t, err, hypervisor.ErrAlreadyRunning)

	assert.Equal(t, 1, drv.killCount(), "created VM is killed")
	_, err = drv.hostOut.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrClosed, "console closed")
}

func TestCloseAfterKillCancelsRunLoop(t *testing.T) {
	drv := &fakeDriver{killErr: context.Canceled}
	l := NewHypervisorLauncher(zaptest.NewLogger(t), WithDriverFactory(func() (hypervisor.Driver, error) {
		return drv, nil
	}))

	inst, err := l.Launch(context.Background(), testConfig(), 10, "vm.yaml", nil)
	require.NoError(t, err)
	m := inst.(*Machine)

	require.NoError(t, m.Close())
	assert.Equal(t, StateStopped, m.State())
	assert.NoError(t, m.LastError())
}

func TestCloseReportsRunLoopFailure(t *testing.T) {
	drv := &fakeDriver{}
	l := NewHypervisorLauncher(zaptest.NewLogger(t), WithDriverFactory(func() (hypervisor.Driver, error) {
		return drv, nil
	}))

	inst, err := l.Launch(context.Background(), testConfig(), 10, "vm.yaml", nil)
	require.NoError(t, err)
	m := inst.(*Machine)

	fault := errors.New("triple fault")
	drv.crash(fault)
	<-m.Exited()
	assert.Equal(t, StateError, m.State())
	assert.ErrorIs(t, m.LastError(), fault)

	err = m.Close()
	require.ErrorIs(t, err, fault)
	assert.Equal(t, StateError, m.State())
}

func TestWithCIDParam(t *testing.T) {
	assert.Equal(t, "virtmanager.cid=10", withCIDParam("", 10))
	assert.Equal(t, "virtmanager.cid=10", withCIDParam("  ", 10))
	assert.Equal(t, "quiet virtmanager.cid=11", withCIDParam("quiet", 11))
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateNew, "new"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateStopped, "stopped"},
		{StateError, "error"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
