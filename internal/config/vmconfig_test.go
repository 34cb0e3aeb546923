package config

import (
	"os"
	"path/filepath"
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/javanstorm/virtmanager/pkg/hypervisor"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVMLoaderYAML(t *testing.T) {
	path := writeFile(t, "vm.yaml", `
kernel: kernel/bzImage
initrd: /boot/initrd.img
params: console=hvc0 quiet
cpus: 2
memory_mb: 1024
disk: root.img
`)
	cfg, err := NewVMLoader(nil, zaptest.NewLogger(t)).Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, filepath.Join(dir, "kernel/bzImage"), cfg.Kernel)
	assert.Equal(t, "/boot/initrd.img", cfg.Initrd)
	assert.Equal(t, "console=hvc0 quiet", cfg.Cmdline)
	assert.Equal(t, 2, cfg.CPUs)
	assert.Equal(t, 1024, cfg.MemoryMB)
	assert.Equal(t, filepath.Join(dir, "root.img"), cfg.DiskPath)
	assert.False(t, cfg.DiskReadOnly)
}

func TestVMLoaderJSONDefaults(t *testing.T) {
	path := writeFile(t, "vm.json", `{"kernel": "/boot/vmlinuz"}`)
	cfg, err := NewVMLoader(nil, nil).Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.CPUs)
	assert.Equal(t, 256, cfg.MemoryMB)
	assert.Empty(t, cfg.DiskPath)
}

func TestVMLoaderRejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr error
	}{
		{"unknown extension", "vm.txt", "kernel: /k", ErrUnsupportedFormat},
		{"missing kernel", "vm.yaml", "cpus: 1", hypervisor.ErrMissingKernel},
		{"too little memory", "vm.yaml", "kernel: /k\nmemory_mb: 64", hypervisor.ErrInsufficientMemory},
		{"read-only without disk", "vm.toml", "kernel = \"/k\"\ndisk_read_only = true", hypervisor.ErrReadOnlyWithoutDisk},
		{"unknown key", "vm.yaml", "kernel: /k\nbootloader: grub", nil},
		{"malformed", "vm.json", "{kernel", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := NewVMLoader(nil, nil).Load(path)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestVMLoaderMissingFile(t *testing.T) {
	_, err := NewVMLoader(nil, nil).Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestVMLoaderCapabilities(t *testing.T) {
	path := writeFile(t, "vm.yaml", "kernel: /k\ndisk: /d.img\ndisk_read_only: true")

	_, err := NewVMLoader(&hypervisor.Capabilities{ReadOnlyDisk: false, Initrd: true}, nil).Load(path)
	var verr ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "disk_read_only", verr.Field)

	cfg, err := NewVMLoader(&hypervisor.Capabilities{ReadOnlyDisk: true, Initrd: true}, nil).Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.DiskReadOnly)
}

func TestValidateConfig(t *testing.T) {
	cfg := &hypervisor.VMConfig{
		CPUs:         runtime.NumCPU() + 1,
		MemoryMB:     512,
		Kernel:       "/k",
		Initrd:       "/i",
		DiskPath:     "/d",
		DiskReadOnly: true,
	}

	findings := ValidateConfig(cfg, hypervisor.Capabilities{})
	require.Len(t, findings, 3)

	fatal, ok := FirstFatal(findings)
	require.True(t, ok)
	assert.Equal(t, "disk_read_only", fatal.Field)
	assert.False(t, findings[2].Fatal, "oversubscribed CPUs only warn")

	assert.Empty(t, ValidateConfig(&hypervisor.VMConfig{CPUs: 1, MemoryMB: 512, Kernel: "/k"}, hypervisor.Capabilities{}))
}

func TestFormatValidationErrors(t *testing.T) {
	assert.Equal(t, "", FormatValidationErrors(nil))

	out := FormatValidationErrors([]ValidationError{
		{Field: "initrd", Message: "unsupported", Fatal: true},
		{Field: "cpus", Message: "oversubscribed"},
	})
	assert.Contains(t, out, "Error [initrd]: unsupported")
	assert.Contains(t, out, "Warning [cpus]: oversubscribed")
}

func TestVMLoaderLogsWarnings(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	path := writeFile(t, "vm.yaml", fmt.Sprintf("kernel: /boot/vmlinuz\ncpus: %d\n", runtime.NumCPU()+1))

	caps := hypervisor.Capabilities{ReadOnlyDisk: true, Initrd: true}
	_, err := NewVMLoader(&caps, zap.New(core)).Load(path)
	require.NoError(t, err)

	entries := logs.FilterMessage("VM config warnings").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, path, fields["path"])
	assert.Contains(t, fields["findings"], "Warning [cpus]")
}
