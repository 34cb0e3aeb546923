//go:build linux || darwin

package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/javanstorm/virtmanager/internal/registry"
	"github.com/javanstorm/virtmanager/internal/rpc"
	"github.com/javanstorm/virtmanager/internal/testutil"
	"go.uber.org/zap/zaptest"
)

// startDaemon runs an in-process daemon with a fake hypervisor that
// treats every identified caller as the shell user.
func startDaemon(t *testing.T) (string, *testutil.FakeLauncher) {
	t.Helper()

	dir, err := os.MkdirTemp("", "vmcli")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "vm.sock")

	launcher := &testutil.FakeLauncher{}
	svc, err := registry.NewService(registry.Options{
		Loader:   &testutil.FakeLoader{},
		Launcher: launcher,
		Callers: registry.CallerResolverFunc(func(ctx context.Context) (uint32, bool) {
			_, ok := rpc.CallerInfo(ctx)
			return registry.ShellUID, ok
		}),
		Logger: zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	srv := rpc.NewServer(svc, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, socket, 0o600) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("ListenAndServe: %v", err)
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("unix", socket)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon did not come up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return socket, launcher
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetOut(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestStartHoldListDrop(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	socket, launcher := startDaemon(t)
	configPath := testutil.WriteVMConfig(t, "", "vm.yaml", testutil.MinimalVMConfig)

	out, err := run(t, "--socket", socket, "start", "--hold", configPath)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(out, "Started VM with CID 10") {
		t.Errorf("start output = %q", out)
	}

	out, err = run(t, "--socket", socket, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "10") || !strings.Contains(out, configPath) {
		t.Errorf("list output = %q, want CID 10 and %s", out, configPath)
	}

	inst := launcher.Instances()[0]
	if inst.Closed() {
		t.Fatal("held VM should survive the detached client")
	}

	out, err = run(t, "--socket", socket, "debug", "drop", "10")
	if err != nil {
		t.Fatalf("debug drop: %v", err)
	}
	if !strings.Contains(out, "Dropped VM 10") {
		t.Errorf("drop output = %q", out)
	}
	// The start command's own handle is released when its connection
	// ends, which the daemon observes asynchronously.
	if !eventually(inst.Closed) {
		t.Error("VM should shut down once the held reference is dropped")
	}

	out, err = run(t, "--socket", socket, "debug", "drop", "10")
	if err != nil {
		t.Fatalf("second drop: %v", err)
	}
	if !strings.Contains(out, "No held reference for CID 10") {
		t.Errorf("second drop output = %q", out)
	}

	out, err = run(t, "--socket", socket, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "No running VMs") {
		t.Errorf("list output = %q", out)
	}
}

func TestStartDaemonUnreachable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir, err := os.MkdirTemp("", "vmcli")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rootCmd.SetContext(ctx)
	defer rootCmd.SetContext(context.Background())

	if _, err := run(t, "--socket", filepath.Join(dir, "none.sock"), "list"); err == nil {
		t.Error("list should fail without a daemon")
	}
}
