package rpc

import (
	"context"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client talks to a virtmanager daemon over its Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// VMHandle is a client's owning reference to a VM. The VM stays alive
// while the handle is unreleased and the client stays connected.
type VMHandle struct {
	c     *Client
	Token string
	CID   uint32
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection. The daemon releases every handle the
// client still holds.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(codecName))
}

// Ping checks that the daemon is serving.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("daemon is %s", resp.GetStatus())
	}
	return nil
}

// StartVm starts the VM described by configPath, a path on the daemon's
// filesystem. When logFile is non-nil the VM console is written to it.
func (c *Client) StartVm(ctx context.Context, configPath string, logFile *os.File) (*VMHandle, error) {
	req := &StartVmRequest{ConfigPath: configPath}
	if logFile != nil {
		fd := int32(logFile.Fd())
		req.LogFD = &fd
	}

	var resp StartVmResponse
	if err := c.invoke(ctx, "StartVm", req, &resp); err != nil {
		return nil, err
	}
	return &VMHandle{c: c, Token: resp.Handle, CID: resp.CID}, nil
}

// ListVms lists the live VMs. Requires a privileged caller.
func (c *Client) ListVms(ctx context.Context) ([]VmInfo, error) {
	var resp ListVmsResponse
	if err := c.invoke(ctx, "ListVms", &ListVmsRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.VMs, nil
}

// DebugHold asks the daemon to keep the VM of h alive after h is released.
func (c *Client) DebugHold(ctx context.Context, h *VMHandle) error {
	return c.invoke(ctx, "DebugHoldVmRef", &HandleRequest{Handle: h.Token}, &Empty{})
}

// DebugDrop takes back one held reference to cid. The returned handle
// must be released for the VM to go away.
func (c *Client) DebugDrop(ctx context.Context, cid uint32) (*VMHandle, bool, error) {
	var resp DebugDropVmRefResponse
	if err := c.invoke(ctx, "DebugDropVmRef", &DebugDropVmRefRequest{CID: cid}, &resp); err != nil {
		return nil, false, err
	}
	if !resp.Found {
		return nil, false, nil
	}
	return &VMHandle{c: c, Token: resp.Handle, CID: resp.CID}, true, nil
}

// GetCid asks the daemon for the CID behind h.
func (h *VMHandle) GetCid(ctx context.Context) (uint32, error) {
	var resp GetCidResponse
	if err := h.c.invoke(ctx, "GetCid", &HandleRequest{Handle: h.Token}, &resp); err != nil {
		return 0, err
	}
	return resp.CID, nil
}

// Release drops the handle.
func (h *VMHandle) Release(ctx context.Context) error {
	return h.c.invoke(ctx, "ReleaseVm", &HandleRequest{Handle: h.Token}, &Empty{})
}
