package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/javanstorm/virtmanager/pkg/hypervisor"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = logged and ignored
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfig checks a VM configuration against driver capabilities
// and the host. Returns a list of validation errors/warnings.
func ValidateConfig(cfg *hypervisor.VMConfig, caps hypervisor.Capabilities) []ValidationError {
	var errors []ValidationError

	if cfg.DiskReadOnly && !caps.ReadOnlyDisk {
		errors = append(errors, ValidationError{
			Field:   "disk_read_only",
			Message: "read-only disks not supported by this hypervisor",
			Fatal:   true,
		})
	}

	if cfg.Initrd != "" && !caps.Initrd {
		errors = append(errors, ValidationError{
			Field:   "initrd",
			Message: "initial ramdisk not supported by this hypervisor",
			Fatal:   true,
		})
	}

	if cfg.CPUs > runtime.NumCPU() {
		errors = append(errors, ValidationError{
			Field:   "cpus",
			Message: fmt.Sprintf("%d vCPUs requested on a host with %d CPUs", cfg.CPUs, runtime.NumCPU()),
			Fatal:   false,
		})
	}

	return errors
}

// FirstFatal returns the first fatal finding, if any.
func FirstFatal(errors []ValidationError) (ValidationError, bool) {
	for _, e := range errors {
		if e.Fatal {
			return e, true
		}
	}
	return ValidationError{}, false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
