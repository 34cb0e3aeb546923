//go:build unix

package registry

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// dupFile returns an independent close-on-exec duplicate of f.
func dupFile(f *os.File) (*os.File, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("access log sink: %w", err)
	}

	var (
		nfd    int
		dupErr error
	)
	if err := rc.Control(func(fd uintptr) {
		nfd, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, fmt.Errorf("access log sink: %w", err)
	}
	if dupErr != nil {
		return nil, fmt.Errorf("duplicate log sink: %w", dupErr)
	}
	return os.NewFile(uintptr(nfd), f.Name()), nil
}
