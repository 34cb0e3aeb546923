package rpc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func readPeerCred(conn *net.UnixConn) (AuthInfo, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return AuthInfo{}, fmt.Errorf("%w: %v", ErrNoPeerCredentials, err)
	}

	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return AuthInfo{}, fmt.Errorf("%w: %v", ErrNoPeerCredentials, err)
	}
	if credErr != nil {
		return AuthInfo{}, fmt.Errorf("%w: SO_PEERCRED: %v", ErrNoPeerCredentials, credErr)
	}
	return AuthInfo{UID: cred.Uid, GID: cred.Gid, PID: cred.Pid}, nil
}
