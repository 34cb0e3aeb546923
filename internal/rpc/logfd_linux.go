package rpc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fetchCallerFD copies descriptor fd out of process pid.
func fetchCallerFD(pid, fd int32) (*os.File, error) {
	pidfd, err := unix.PidfdOpen(int(pid), 0)
	if err != nil {
		return nil, fmt.Errorf("open pidfd for %d: %w", pid, err)
	}
	defer unix.Close(pidfd)

	nfd, err := unix.PidfdGetfd(pidfd, int(fd), 0)
	if err != nil {
		return nil, fmt.Errorf("get fd %d of %d: %w", fd, pid, err)
	}
	return os.NewFile(uintptr(nfd), fmt.Sprintf("pid:%d/fd:%d", pid, fd)), nil
}
