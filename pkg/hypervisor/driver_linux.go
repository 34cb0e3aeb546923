//go:build linux

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	hypeos "github.com/c35s/hype/os/linux"
	"github.com/c35s/hype/virtio"
	"github.com/c35s/hype/vmm"
)

// kvmDriver implements Driver using Linux KVM via hype.
type kvmDriver struct {
	mu       sync.Mutex
	vm       *vmm.VM
	state    driverState
	cancel   context.CancelFunc
	runDone  chan struct{}
	diskFile *os.File
	guestIn  *os.File
	guestOut *os.File
	console  consolePipes
}

type driverState int

const (
	stateNew driverState = iota
	stateCreated
	stateRunning
	stateStopped
)

// NewDriver creates a new KVM-based driver for Linux.
func NewDriver() (Driver, error) {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return nil, fmt.Errorf("kvmDriver: /dev/kvm not accessible: %w", err)
	}
	return &kvmDriver{state: stateNew}, nil
}

func (d *kvmDriver) Info() Info {
	return Info{
		Name:    "kvm",
		Version: "1.0.0",
		Arch:    runtime.GOARCH,
	}
}

func (d *kvmDriver) Validate(ctx context.Context, cfg *VMConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	f, err := os.Open(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("kvmDriver: kernel not found: %w", err)
	}
	defer f.Close()

	header := make([]byte, hypeos.ZeropageSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("kvmDriver: %w: %s: read setup header: %v", ErrInvalidKernel, cfg.Kernel, err)
	}
	if err := checkKernel(header); err != nil {
		return fmt.Errorf("kvmDriver: %s: %w", cfg.Kernel, err)
	}
	if cfg.DiskReadOnly {
		return fmt.Errorf("kvmDriver: read-only disks not supported")
	}
	return nil
}

// checkKernel rejects images the hype loader cannot boot. The loader panics
// on these instead of returning an error.
func checkKernel(image []byte) error {
	if len(image) < hypeos.ZeropageSize {
		return fmt.Errorf("%w: image is %d bytes", ErrInvalidKernel, len(image))
	}
	var bp hypeos.BootParams
	if err := bp.UnmarshalBinary(image[:hypeos.ZeropageSize]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKernel, err)
	}
	if bp.Hdr.Header != hypeos.SetupHeaderMagic {
		return fmt.Errorf("%w: missing HdrS magic", ErrInvalidKernel)
	}
	if bp.Hdr.Xloadflags&1 == 0 {
		return fmt.Errorf("%w: no 64-bit entry point", ErrInvalidKernel)
	}
	return nil
}

// newVM calls vmm.New, turning a panic in hype's loader or run setup
// into an error.
func newVM(cfg vmm.Config) (vm *vmm.VM, err error) {
	defer func() {
		if r := recover(); r != nil {
			vm = nil
			err = fmt.Errorf("kvmDriver: create VM: %v", r)
		}
	}()
	vm, err = vmm.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("kvmDriver: create VM: %w", err)
	}
	return vm, nil
}

func (d *kvmDriver) Create(ctx context.Context, cfg *VMConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateNew {
		return fmt.Errorf("kvmDriver: invalid state for Create")
	}

	kernel, err := os.ReadFile(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("kvmDriver: read kernel: %w", err)
	}
	if err := checkKernel(kernel); err != nil {
		return fmt.Errorf("kvmDriver: %s: %w", cfg.Kernel, err)
	}

	var initrd []byte
	if cfg.Initrd != "" {
		initrd, err = os.ReadFile(cfg.Initrd)
		if err != nil {
			return fmt.Errorf("kvmDriver: read initrd: %w", err)
		}
	}

	guestIn, guestOut, err := d.console.open()
	if err != nil {
		return fmt.Errorf("kvmDriver: %w", err)
	}
	abort := func() {
		guestIn.Close()
		guestOut.Close()
		d.console.close()
	}

	hypeCfg := vmm.Config{
		MemSize: cfg.MemoryMB * 1024 * 1024,
		Devices: []virtio.DeviceConfig{
			&virtio.ConsoleDevice{
				In:  guestIn,
				Out: guestOut,
			},
		},
		Loader: &hypeos.Loader{
			Kernel:  kernel,
			Initrd:  initrd,
			Cmdline: cfg.Cmdline,
		},
	}

	if cfg.DiskPath != "" {
		diskFile, err := os.OpenFile(cfg.DiskPath, os.O_RDWR, 0)
		if err != nil {
			abort()
			return fmt.Errorf("kvmDriver: open disk: %w", err)
		}
		hypeCfg.Devices = append(hypeCfg.Devices, &virtio.BlockDevice{
			Storage: &virtio.FileStorage{File: diskFile},
		})
		d.diskFile = diskFile
	}

	vm, err := newVM(hypeCfg)
	if err != nil {
		d.releaseDisk()
		abort()
		return err
	}

	d.vm = vm
	d.guestIn = guestIn
	d.guestOut = guestOut
	d.state = stateCreated
	return nil
}

func (d *kvmDriver) Start(ctx context.Context) (chan error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateCreated {
		return nil, ErrNotCreated
	}

	errCh := make(chan error, 1)
	startedCh := make(chan struct{})
	runDone := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.runDone = runDone
	vm := d.vm

	go func() {
		defer close(runDone)

		// VCPU ioctls must come from the thread that created them.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		close(startedCh)

		err := vm.Run(runCtx)
		d.mu.Lock()
		d.state = stateStopped
		d.mu.Unlock()
		errCh <- err
	}()

	<-startedCh
	d.state = stateRunning

	return errCh, nil
}

func (d *kvmDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return ErrNotRunning
	}

	if d.cancel != nil {
		d.cancel()
	}
	d.state = stateStopped
	return nil
}

// Kill halts the run loop and releases the VM. It also releases a VM that
// was created but never started. ctx bounds the wait for the run loop.
func (d *kvmDriver) Kill(ctx context.Context) error {
	d.mu.Lock()
	if d.vm == nil {
		d.mu.Unlock()
		return ErrNotRunning
	}
	cancel, runDone := d.cancel, d.runDone
	d.mu.Unlock()

	// Cancelling the run context is the only way to halt a hype VM.
	if cancel != nil {
		cancel()
	}
	if runDone != nil {
		select {
		case <-runDone:
		case <-ctx.Done():
			return fmt.Errorf("kvmDriver: run loop did not exit: %w", ctx.Err())
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.release()
}

// release frees everything Create acquired. The guest pipe ends close first:
// hype's device handlers block in reads on them and vm.Close waits for the
// handlers. Caller holds d.mu.
func (d *kvmDriver) release() error {
	if d.vm == nil {
		return nil
	}

	var errs []error
	if d.guestIn != nil {
		d.guestIn.Close()
		d.guestIn = nil
	}
	if d.guestOut != nil {
		d.guestOut.Close()
		d.guestOut = nil
	}
	if err := d.vm.Close(); err != nil && !errors.Is(err, vmm.ErrVMClosed) {
		errs = append(errs, fmt.Errorf("kvmDriver: close VM: %w", err))
	}
	d.vm = nil
	d.releaseDisk()
	d.state = stateStopped

	return errors.Join(errs...)
}

// releaseDisk closes the disk file. Caller holds d.mu.
func (d *kvmDriver) releaseDisk() {
	if d.diskFile != nil {
		d.diskFile.Close()
		d.diskFile = nil
	}
}

func (d *kvmDriver) Console() (io.Writer, io.Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	in, out, ok := d.console.handles()
	if !ok {
		return nil, nil, fmt.Errorf("kvmDriver: console not initialized")
	}
	return in, out, nil
}

func (d *kvmDriver) CloseConsole() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.console.close(); err != nil {
		return fmt.Errorf("kvmDriver: %w", err)
	}
	return nil
}

func (d *kvmDriver) Capabilities() Capabilities {
	return Capabilities{
		ReadOnlyDisk: false, // hype's FileStorage is always writable
		Initrd:       true,
	}
}
