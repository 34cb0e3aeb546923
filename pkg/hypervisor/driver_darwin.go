//go:build darwin

package hypervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/Code-Hex/vz/v3"
)

// vzDriver implements Driver using macOS Virtualization.framework.
type vzDriver struct {
	mu      sync.Mutex
	vm      *vz.VirtualMachine
	state   driverState
	console consolePipes

	guestIn  *os.File
	guestOut *os.File
}

type driverState int

const (
	stateNew driverState = iota
	stateCreated
	stateRunning
	stateStopped
)

// NewDriver creates a new vz-based driver for macOS.
func NewDriver() (Driver, error) {
	return &vzDriver{state: stateNew}, nil
}

func (d *vzDriver) Info() Info {
	return Info{
		Name:    "vz",
		Version: "1.0.0",
		Arch:    runtime.GOARCH,
	}
}

func (d *vzDriver) Validate(ctx context.Context, cfg *VMConfig) error {
	return cfg.Validate()
}

func (d *vzDriver) Create(ctx context.Context, cfg *VMConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateNew {
		return fmt.Errorf("vzDriver: invalid state for Create")
	}

	bootOpts := []vz.LinuxBootLoaderOption{vz.WithCommandLine(cfg.Cmdline)}
	if cfg.Initrd != "" {
		bootOpts = append(bootOpts, vz.WithInitrd(cfg.Initrd))
	}
	bootLoader, err := vz.NewLinuxBootLoader(cfg.Kernel, bootOpts...)
	if err != nil {
		return fmt.Errorf("vzDriver: create boot loader: %w", err)
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(
		bootLoader,
		uint(cfg.CPUs),
		uint64(cfg.MemoryMB)*1024*1024,
	)
	if err != nil {
		return fmt.Errorf("vzDriver: create VM config: %w", err)
	}

	platform, err := vz.NewGenericPlatformConfiguration()
	if err != nil {
		return fmt.Errorf("vzDriver: create platform config: %w", err)
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	guestIn, guestOut, err := d.console.open()
	if err != nil {
		return fmt.Errorf("vzDriver: %w", err)
	}
	abort := func() {
		guestIn.Close()
		guestOut.Close()
		d.console.close()
	}

	attachment, err := vz.NewFileHandleSerialPortAttachment(guestIn, guestOut)
	if err != nil {
		abort()
		return fmt.Errorf("vzDriver: create serial attachment: %w", err)
	}
	serialCfg, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(attachment)
	if err != nil {
		abort()
		return fmt.Errorf("vzDriver: create serial config: %w", err)
	}
	vmCfg.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{
		serialCfg,
	})

	// The guest reaches the host over vsock; the framework assigns the address.
	socketCfg, err := vz.NewVirtioSocketDeviceConfiguration()
	if err != nil {
		abort()
		return fmt.Errorf("vzDriver: create socket device: %w", err)
	}
	vmCfg.SetSocketDevicesVirtualMachineConfiguration([]vz.SocketDeviceConfiguration{socketCfg})

	if cfg.DiskPath != "" {
		diskAttachment, err := vz.NewDiskImageStorageDeviceAttachment(cfg.DiskPath, cfg.DiskReadOnly)
		if err != nil {
			abort()
			return fmt.Errorf("vzDriver: create disk attachment: %w", err)
		}
		blockDevice, err := vz.NewVirtioBlockDeviceConfiguration(diskAttachment)
		if err != nil {
			abort()
			return fmt.Errorf("vzDriver: create block device: %w", err)
		}
		vmCfg.SetStorageDevicesVirtualMachineConfiguration([]vz.StorageDeviceConfiguration{blockDevice})
	}

	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		abort()
		return fmt.Errorf("vzDriver: invalid configuration: %w", err)
	}

	vm, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		abort()
		return fmt.Errorf("vzDriver: create VM: %w", err)
	}

	d.vm = vm
	d.guestIn = guestIn
	d.guestOut = guestOut
	d.state = stateCreated
	return nil
}

func (d *vzDriver) Start(ctx context.Context) (chan error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateCreated {
		return nil, ErrNotCreated
	}

	if err := d.vm.Start(); err != nil {
		return nil, fmt.Errorf("vzDriver: start VM: %w", err)
	}
	d.state = stateRunning

	errCh := make(chan error, 1)
	go func() {
		for state := range d.vm.StateChangedNotify() {
			switch state {
			case vz.VirtualMachineStateStopped:
				d.markStopped()
				errCh <- nil
				return
			case vz.VirtualMachineStateError:
				d.markStopped()
				errCh <- fmt.Errorf("vzDriver: VM entered error state")
				return
			}
		}
	}()

	return errCh, nil
}

func (d *vzDriver) markStopped() {
	d.mu.Lock()
	d.state = stateStopped
	d.mu.Unlock()
}

func (d *vzDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return ErrNotRunning
	}

	canStop, err := d.vm.CanRequestStop()
	if err != nil {
		return fmt.Errorf("vzDriver: check can stop: %w", err)
	}
	if !canStop {
		return fmt.Errorf("vzDriver: guest cannot be asked to stop")
	}

	ok, err := d.vm.RequestStop()
	if err != nil || !ok {
		return fmt.Errorf("vzDriver: request stop failed: %w", err)
	}
	return nil
}

// Kill force-stops a running VM and closes the guest console ends. It also
// releases a VM that was created but never started.
func (d *vzDriver) Kill(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	wasRunning := d.state == stateRunning
	if wasRunning {
		if err := d.vm.Stop(); err != nil {
			return fmt.Errorf("vzDriver: force stop: %w", err)
		}
		d.state = stateStopped
	}

	released := d.guestIn != nil || d.guestOut != nil
	if d.guestIn != nil {
		d.guestIn.Close()
		d.guestIn = nil
	}
	if d.guestOut != nil {
		d.guestOut.Close()
		d.guestOut = nil
	}

	if !wasRunning && !released {
		return ErrNotRunning
	}
	return nil
}

func (d *vzDriver) Console() (io.Writer, io.Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	in, out, ok := d.console.handles()
	if !ok {
		return nil, nil, fmt.Errorf("vzDriver: console not initialized")
	}
	return in, out, nil
}

func (d *vzDriver) CloseConsole() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.console.close(); err != nil {
		return fmt.Errorf("vzDriver: %w", err)
	}
	return nil
}

func (d *vzDriver) Capabilities() Capabilities {
	return Capabilities{
		ReadOnlyDisk: true,
		Initrd:       true,
	}
}
