package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/javanstorm/virtmanager/pkg/hypervisor"
)

// ErrUnsupportedFormat is returned for VM config files with an unknown extension.
var ErrUnsupportedFormat = errors.New("config: unsupported VM config format")

// vmFileExts are the VM config formats, chosen by file extension.
var vmFileExts = []string{"json", "yaml", "yml", "toml"}

// VMFile is the on-disk shape of a VM configuration.
type VMFile struct {
	// Kernel is the kernel image; relative paths resolve against the file's directory.
	Kernel string `mapstructure:"kernel"`

	// Initrd is the optional initial ramdisk.
	Initrd string `mapstructure:"initrd"`

	// Params is the kernel command line.
	Params string `mapstructure:"params"`

	// CPUs is the number of virtual CPUs.
	CPUs int `mapstructure:"cpus"`

	// MemoryMB is the guest memory in megabytes.
	MemoryMB int `mapstructure:"memory_mb"`

	// Disk is the optional root disk image.
	Disk string `mapstructure:"disk"`

	// DiskReadOnly attaches Disk without write access.
	DiskReadOnly bool `mapstructure:"disk_read_only"`
}

// VMLoader parses and validates VM configuration files.
type VMLoader struct {
	caps   *hypervisor.Capabilities
	logger *zap.Logger
}

// NewVMLoader creates a loader. When caps is nil, capability checks are skipped.
func NewVMLoader(caps *hypervisor.Capabilities, logger *zap.Logger) *VMLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VMLoader{caps: caps, logger: logger.Named("vmconfig")}
}

// Load reads the VM configuration at path.
func (l *VMLoader) Load(path string) (*hypervisor.VMConfig, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if !slices.Contains(vmFileExts, ext) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Base(path))
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("cpus", 1)
	v.SetDefault("memory_mb", 256)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read VM config: %w", err)
	}

	var file VMFile
	if err := v.UnmarshalExact(&file); err != nil {
		return nil, fmt.Errorf("parse VM config: %w", err)
	}

	dir := filepath.Dir(path)
	cfg := &hypervisor.VMConfig{
		CPUs:         file.CPUs,
		MemoryMB:     file.MemoryMB,
		Kernel:       resolve(dir, file.Kernel),
		Initrd:       resolve(dir, file.Initrd),
		Cmdline:      file.Params,
		DiskPath:     resolve(dir, file.Disk),
		DiskReadOnly: file.DiskReadOnly,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if l.caps != nil {
		findings := ValidateConfig(cfg, *l.caps)
		if fatal, ok := FirstFatal(findings); ok {
			return nil, fatal
		}
		if len(findings) > 0 {
			l.logger.Warn("VM config warnings", zap.String("path", path),
				zap.String("findings", strings.TrimSpace(FormatValidationErrors(findings))))
		}
	}

	return cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
