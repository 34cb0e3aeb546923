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
		cred    *unix.Xucred
		pid     int
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if credErr != nil {
			return
		}
		pid, credErr = unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERPID)
	}); err != nil {
		return AuthInfo{}, fmt.Errorf("%w: %v", ErrNoPeerCredentials, err)
	}
	if credErr != nil {
		return AuthInfo{}, fmt.Errorf("%w: LOCAL_PEERCRED: %v", ErrNoPeerCredentials, credErr)
	}

	info := AuthInfo{UID: cred.Uid, PID: int32(pid)}
	if cred.Ngroups > 0 {
		info.GID = cred.Groups[0]
	}
	return info, nil
}
