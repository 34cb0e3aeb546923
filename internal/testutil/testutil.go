// Package testutil provides common test helpers for virtmanager tests.
package testutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/javanstorm/virtmanager/internal/vm"
	"github.com/javanstorm/virtmanager/pkg/hypervisor"
)

// MinimalVMConfig is a YAML VM configuration that passes validation.
const MinimalVMConfig = `kernel: bzImage
params: console=hvc0
cpus: 1
memory_mb: 256
`

// WriteVMConfig writes content to name inside dir and returns the path.
// An empty dir means a fresh t.TempDir().
func WriteVMConfig(t *testing.T, dir, name, content string) string {
	t.Helper()

	if dir == "" {
		dir = t.TempDir()
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write VM config %s: %v", path, err)
	}
	return path
}

// CreateTestDisk creates a sparse disk file at the given path with the specified size.
func CreateTestDisk(t *testing.T, path string, sizeMB int64) {
	t.Helper()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create directory %s: %v", dir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test disk at %s: %v", path, err)
	}
	defer f.Close()

	sizeBytes := sizeMB * 1024 * 1024
	if err := f.Truncate(sizeBytes); err != nil {
		t.Fatalf("failed to truncate test disk to %d bytes: %v", sizeBytes, err)
	}
}

// TempSink returns a file usable as a VM log sink, closed at test end.
func TempSink(t *testing.T) *os.File {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "vm-*.log")
	if err != nil {
		t.Fatalf("failed to create log sink: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// FakeInstance is a vm.Instance that records its shutdown.
type FakeInstance struct {
	cid        uint32
	configPath string
	sink       *os.File
	closed     atomic.Int32
	closeErr   error
}

// NewFakeInstance returns an instance that is not attached to any launcher.
func NewFakeInstance(cid uint32, configPath string) *FakeInstance {
	return &FakeInstance{cid: cid, configPath: configPath}
}

func (f *FakeInstance) CID() uint32        { return f.cid }
func (f *FakeInstance) ConfigPath() string { return f.configPath }

// Sink returns the log sink passed at launch, or nil.
func (f *FakeInstance) Sink() *os.File { return f.sink }

// Close closes the sink and counts the call.
func (f *FakeInstance) Close() error {
	f.closed.Add(1)
	if f.sink != nil {
		f.sink.Close()
	}
	return f.closeErr
}

// Closed reports whether Close ran.
func (f *FakeInstance) Closed() bool { return f.closed.Load() > 0 }

// CloseCount returns how many times Close ran.
func (f *FakeInstance) CloseCount() int { return int(f.closed.Load()) }

// ErrLaunchFailed is returned by a FakeLauncher set to fail.
var ErrLaunchFailed = errors.New("testutil: launch failed")

// FakeLauncher is a vm.Launcher that creates FakeInstances.
type FakeLauncher struct {
	mu        sync.Mutex
	fail      bool
	closeErr  error
	launched  []*FakeInstance
	configs   []*hypervisor.VMConfig
	cancelled []bool
}

var _ vm.Launcher = (*FakeLauncher)(nil)

// SetFail makes subsequent launches fail with ErrLaunchFailed.
func (l *FakeLauncher) SetFail(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fail
}

// SetCloseError makes instances launched afterwards return err from Close.
func (l *FakeLauncher) SetCloseError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeErr = err
}

func (l *FakeLauncher) Launch(ctx context.Context, cfg *hypervisor.VMConfig, cid uint32, configPath string, logSink *os.File) (vm.Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fail {
		return nil, ErrLaunchFailed
	}
	inst := &FakeInstance{cid: cid, configPath: configPath, sink: logSink, closeErr: l.closeErr}
	l.launched = append(l.launched, inst)
	l.configs = append(l.configs, cfg)
	l.cancelled = append(l.cancelled, ctx.Done() != nil)
	return inst, nil
}

// Instances returns every instance launched so far, in order.
func (l *FakeLauncher) Instances() []*FakeInstance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeInstance(nil), l.launched...)
}

// Configs returns the configs passed to Launch, in order.
func (l *FakeLauncher) Configs() []*hypervisor.VMConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*hypervisor.VMConfig(nil), l.configs...)
}

// Cancellable reports, per launch, whether the context passed to Launch
// could be cancelled.
func (l *FakeLauncher) Cancellable() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.cancelled...)
}

// ErrBadConfig is returned by a FakeLoader for paths it rejects.
var ErrBadConfig = errors.New("testutil: bad config")

// FakeLoader returns a fixed valid config for every path except those
// marked bad.
type FakeLoader struct {
	mu  sync.Mutex
	bad map[string]bool
}

// Reject makes Load fail for path.
func (l *FakeLoader) Reject(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bad == nil {
		l.bad = make(map[string]bool)
	}
	l.bad[path] = true
}

func (l *FakeLoader) Load(path string) (*hypervisor.VMConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bad[path] {
		return nil, ErrBadConfig
	}
	return &hypervisor.VMConfig{CPUs: 1, MemoryMB: 256, Kernel: "/boot/bzImage", Cmdline: "console=hvc0"}, nil
}
