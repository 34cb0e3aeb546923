package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/javanstorm/virtmanager/internal/registry"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

const authType = "peercred"

// ErrNoPeerCredentials is returned when a connection is not a Unix socket
// or the kernel did not report its peer.
var ErrNoPeerCredentials = errors.New("rpc: peer credentials unavailable")

// AuthInfo identifies the process on the other end of a Unix socket,
// as reported by the kernel when the connection was accepted.
type AuthInfo struct {
	credentials.CommonAuthInfo
	UID uint32
	GID uint32
	PID int32
}

func (AuthInfo) AuthType() string { return authType }

// peerCredentials records the peer of every accepted Unix connection.
// It adds no encryption; the socket's file mode is the access boundary.
type peerCredentials struct{}

// PeerCredentials returns server transport credentials that attach an
// AuthInfo to every connection.
func PeerCredentials() credentials.TransportCredentials {
	return peerCredentials{}
}

func (peerCredentials) ClientHandshake(_ context.Context, _ string, conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return conn, AuthInfo{CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.NoSecurity}}, nil
}

func (peerCredentials) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %T is not a Unix socket", ErrNoPeerCredentials, conn)
	}
	info, err := readPeerCred(uc)
	if err != nil {
		return nil, nil, err
	}
	info.CommonAuthInfo = credentials.CommonAuthInfo{SecurityLevel: credentials.NoSecurity}
	return conn, info, nil
}

func (peerCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: authType}
}

func (p peerCredentials) Clone() credentials.TransportCredentials { return p }

func (peerCredentials) OverrideServerName(string) error { return nil }

// CallerInfo returns the peer credentials of the RPC carried by ctx.
func CallerInfo(ctx context.Context) (AuthInfo, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return AuthInfo{}, false
	}
	info, ok := p.AuthInfo.(AuthInfo)
	return info, ok
}

// PeerCallers resolves callers from their socket credentials.
var PeerCallers registry.CallerResolver = registry.CallerResolverFunc(func(ctx context.Context) (uint32, bool) {
	info, ok := CallerInfo(ctx)
	return info.UID, ok
})
