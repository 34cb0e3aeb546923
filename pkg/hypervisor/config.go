package hypervisor

// VMConfig holds VM configuration parameters.
type VMConfig struct {
	// CPUs is the number of virtual CPUs.
	CPUs int

	// MemoryMB is the amount of memory in megabytes.
	MemoryMB int

	// Kernel is the path to the Linux kernel image.
	Kernel string

	// Initrd is the path to the initial ramdisk (optional).
	Initrd string

	// Cmdline is the kernel command line.
	Cmdline string

	// DiskPath is the path to the root disk image (optional).
	DiskPath string

	// DiskReadOnly attaches DiskPath without write access.
	DiskReadOnly bool
}

// Validate performs basic validation of the configuration.
func (c *VMConfig) Validate() error {
	if c.CPUs < 1 {
		return ErrInvalidCPUCount
	}
	if c.MemoryMB < 128 {
		return ErrInsufficientMemory
	}
	if c.Kernel == "" {
		return ErrMissingKernel
	}
	if c.DiskReadOnly && c.DiskPath == "" {
		return ErrReadOnlyWithoutDisk
	}
	return nil
}

// Clone returns a copy of the configuration that can be modified
// without affecting the original.
func (c *VMConfig) Clone() *VMConfig {
	cp := *c
	return &cp
}
