//go:build !linux

package rpc

import (
	"errors"
	"os"
)

func fetchCallerFD(int32, int32) (*os.File, error) {
	return nil, errors.New("fetch caller fd: pidfd_getfd is not available on this platform")
}
