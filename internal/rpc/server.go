package rpc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"time"

	"github.com/javanstorm/virtmanager/internal/metrics"
	"github.com/javanstorm/virtmanager/internal/registry"
	"github.com/javanstorm/virtmanager/internal/vm"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// stopTimeout bounds graceful shutdown. Attached clients keep their
// connections open indefinitely, so the server is stopped hard after it.
const stopTimeout = 5 * time.Second

// Server serves a registry.Service over gRPC.
type Server struct {
	svc     *registry.Service
	handles *HandleTable
	logger  *zap.Logger
	metrics *metrics.Metrics

	grpc   *grpc.Server
	health *health.Server
}

var _ VirtManagerServer = (*Server)(nil)

// NewServer creates a server for svc. Handles given to clients are
// released when their connection closes.
func NewServer(svc *registry.Service, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:     svc,
		handles: NewHandleTable(logger.Named("handles"), m),
		logger:  logger,
		metrics: m,
		health:  health.NewServer(),
	}
	s.grpc = grpc.NewServer(
		grpc.Creds(PeerCredentials()),
		grpc.StatsHandler(s.handles),
		grpc.ChainUnaryInterceptor(s.observe),
	)
	RegisterVirtManagerServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Handles returns the server's handle table.
func (s *Server) Handles() *HandleTable { return s.handles }

// ListenAndServe serves on a Unix socket at socketPath until ctx is
// cancelled. A socket left behind by a dead daemon is replaced.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string, mode fs.FileMode) error {
	if err := removeStaleSocket(socketPath); err != nil {
		return err
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, mode); err != nil {
		lis.Close()
		return fmt.Errorf("chmod %s: %w", socketPath, err)
	}
	s.logger.Info("Listening", zap.String("socket", socketPath), zap.Stringer("mode", mode))
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.health.Shutdown()

		done := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stopTimeout):
			s.logger.Warn("Graceful stop timed out, closing connections")
			s.grpc.Stop()
		}
	}()

	err := s.grpc.Serve(lis)
	if ctx.Err() != nil {
		<-stopped
		return nil
	}
	return err
}

func removeStaleSocket(socketPath string) error {
	info, err := os.Lstat(socketPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", socketPath, err)
	}
	if info.Mode().Type() != fs.ModeSocket {
		return fmt.Errorf("%s exists and is not a socket", socketPath)
	}
	if conn, err := net.DialTimeout("unix", socketPath, time.Second); err == nil {
		conn.Close()
		return fmt.Errorf("%s is in use by another daemon", socketPath)
	}
	return os.Remove(socketPath)
}

func (s *Server) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := s.call(ctx, req, info, handler)
	elapsed := time.Since(start)

	method := path.Base(info.FullMethod)
	code := status.Code(err)
	s.metrics.ObserveRPC(method, code.String(), elapsed)

	fields := []zap.Field{zap.String("method", method), zap.Stringer("code", code), zap.Duration("duration", elapsed)}
	if caller, ok := CallerInfo(ctx); ok {
		fields = append(fields, zap.Uint32("uid", caller.UID), zap.Int32("pid", caller.PID))
	}
	s.logger.Debug("RPC", fields...)
	return resp, err
}

// call runs handler, turning a panic into an Internal status so one bad
// request cannot take the daemon and every VM it owns down with it.
func (s *Server) call(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("RPC handler panicked",
				zap.String("method", info.FullMethod), zap.Any("panic", r), zap.Stack("stack"))
			resp, err = nil, status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

func (s *Server) StartVm(ctx context.Context, req *StartVmRequest) (*StartVmResponse, error) {
	var sink registry.SinkSource
	if req.LogFD != nil {
		fd := *req.LogFD
		sink = func() (*os.File, error) {
			caller, ok := CallerInfo(ctx)
			if !ok {
				return nil, ErrNoPeerCredentials
			}
			return fetchCallerFD(caller.PID, fd)
		}
	}

	ref, err := s.svc.StartVmFrom(ctx, req.ConfigPath, sink)
	if err != nil {
		return nil, err
	}
	token, err := s.handles.Add(ctx, ref)
	if err != nil {
		ref.Release()
		s.logger.Error("Failed to register handle", zap.Uint32("cid", ref.CID()), zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to register VM handle")
	}
	return &StartVmResponse{Handle: token, CID: ref.CID()}, nil
}

func (s *Server) ListVms(ctx context.Context, _ *ListVmsRequest) (*ListVmsResponse, error) {
	infos, err := s.svc.ListVms(ctx)
	if err != nil {
		return nil, err
	}
	resp := &ListVmsResponse{VMs: make([]VmInfo, 0, len(infos))}
	for _, info := range infos {
		resp.VMs = append(resp.VMs, VmInfo{CID: info.CID, ConfigPath: info.ConfigPath})
	}
	return resp, nil
}

func (s *Server) DebugHoldVmRef(ctx context.Context, req *HandleRequest) (*Empty, error) {
	err := s.svc.DebugHoldRef(ctx, registry.HandleSourceFunc(func() (*vm.Ref, error) {
		return s.handles.Clone(ctx, req.Handle)
	}))
	if err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) DebugDropVmRef(ctx context.Context, req *DebugDropVmRefRequest) (*DebugDropVmRefResponse, error) {
	ref, found, err := s.svc.DebugDropRef(ctx, req.CID)
	if err != nil {
		return nil, err
	}
	if !found {
		return &DebugDropVmRefResponse{}, nil
	}
	token, err := s.handles.Add(ctx, ref)
	if err != nil {
		ref.Release()
		s.logger.Error("Failed to register handle", zap.Uint32("cid", req.CID), zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to register VM handle")
	}
	return &DebugDropVmRefResponse{Found: true, Handle: token, CID: ref.CID()}, nil
}

func (s *Server) GetCid(ctx context.Context, req *HandleRequest) (*GetCidResponse, error) {
	cid, err := s.handles.CID(ctx, req.Handle)
	if err != nil {
		return nil, handleError(err)
	}
	return &GetCidResponse{CID: cid}, nil
}

func (s *Server) ReleaseVm(ctx context.Context, req *HandleRequest) (*Empty, error) {
	ref, err := s.handles.Remove(ctx, req.Handle)
	if err != nil {
		return nil, handleError(err)
	}
	ref.Release()
	return &Empty{}, nil
}

func handleError(err error) error {
	if errors.Is(err, ErrUnknownHandle) {
		return status.Error(codes.InvalidArgument, "invalid VM handle")
	}
	return status.Error(codes.Internal, "failed to resolve VM handle")
}
