package registry

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/javanstorm/virtmanager/internal/metrics"
	"github.com/javanstorm/virtmanager/internal/timing"
	"github.com/javanstorm/virtmanager/internal/vm"
	"github.com/javanstorm/virtmanager/pkg/hypervisor"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ConfigLoader turns a VM configuration file into a validated config.
type ConfigLoader interface {
	Load(path string) (*hypervisor.VMConfig, error)
}

// HandleSource yields an owning reference to hold. Resolution happens
// after the caller passed the access check.
type HandleSource interface {
	Resolve() (*vm.Ref, error)
}

// HandleSourceFunc adapts a function to HandleSource.
type HandleSourceFunc func() (*vm.Ref, error)

func (f HandleSourceFunc) Resolve() (*vm.Ref, error) { return f() }

// Local returns a HandleSource for a reference owned by the same process.
// The held reference is a clone; ref stays with the caller.
func Local(ref *vm.Ref) HandleSource {
	return HandleSourceFunc(ref.Clone)
}

// DebugInfo describes one live VM.
type DebugInfo struct {
	CID        uint32
	ConfigPath string
}

// Options configures a Service.
type Options struct {
	Loader   ConfigLoader
	Launcher vm.Launcher
	Callers  CallerResolver
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	// FirstCID overrides FirstGuestCID when non-zero.
	FirstCID uint32
}

// Service is the VM registry. Every operation runs under one mutex,
// including the loader and launcher calls made by StartVm.
type Service struct {
	loader   ConfigLoader
	launcher vm.Launcher
	gate     *Gate
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	cids  *Allocator
	vms   Tracker
	debug DebugStore
}

// NewService creates a registry. Loader, Launcher and Callers are required.
func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Loader == nil:
		return nil, errors.New("registry: config loader is required")
	case opts.Launcher == nil:
		return nil, errors.New("registry: launcher is required")
	case opts.Callers == nil:
		return nil, errors.New("registry: caller resolver is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	first := opts.FirstCID
	if first == 0 {
		first = FirstGuestCID
	}

	s := &Service{
		loader:   opts.Loader,
		launcher: opts.Launcher,
		gate:     NewGate(opts.Callers, logger),
		logger:   logger,
		metrics:  opts.Metrics,
		cids:     NewAllocator(first),
	}
	s.metrics.SetNextCID(first)
	return s, nil
}

// SinkSource produces the file a VM's console output is written to. The
// service owns the returned file. It is called once the VM has a CID.
type SinkSource func() (*os.File, error)

// DupSink returns a SinkSource duplicating f; f stays with the caller.
// A nil f yields a nil source.
func DupSink(f *os.File) SinkSource {
	if f == nil {
		return nil
	}
	return func() (*os.File, error) { return dupFile(f) }
}

// StartVm creates a VM from the configuration at configPath and returns
// the first owning reference to it. The VM lives until every owning
// reference is released. logSink may be nil; the service duplicates it
// and leaves the caller's file open.
func (s *Service) StartVm(ctx context.Context, configPath string, logSink *os.File) (*vm.Ref, error) {
	return s.StartVmFrom(ctx, configPath, DupSink(logSink))
}

// StartVmFrom is StartVm with the log sink obtained from src, which may be
// nil. The CID is allocated first, so a failing src still consumes one.
func (s *Service) StartVmFrom(ctx context.Context, configPath string, src SinkSource) (*vm.Ref, error) {
	timer := timing.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	cid, err := s.cids.Allocate()
	if err != nil {
		s.logger.Error("Failed to allocate CID", zap.String("config", configPath), zap.Error(err))
		return nil, s.startFailed(codes.ResourceExhausted, "no CIDs available", timer)
	}
	s.metrics.SetNextCID(s.cids.Next())
	log := s.logger.With(zap.Uint32("cid", cid), zap.String("config", configPath))

	var sink *os.File
	if src != nil {
		if sink, err = src(); err != nil {
			log.Error("Failed to obtain log sink", zap.Error(err))
			return nil, s.startFailed(codes.Internal, "failed to obtain log sink", timer)
		}
	}
	closeSink := func() {
		if sink != nil {
			sink.Close()
		}
	}

	cfg, err := s.loader.Load(configPath)
	timer.Mark("load")
	if err != nil {
		closeSink()
		log.Error("Failed to load VM config", zap.Stringer("phases", timer), zap.Error(err))
		return nil, s.startFailed(codes.InvalidArgument, "invalid VM configuration", timer)
	}

	inst, err := s.launcher.Launch(context.WithoutCancel(ctx), cfg, cid, configPath, sink)
	timer.Mark("launch")
	if err != nil {
		closeSink()
		log.Error("Failed to start VM", zap.Stringer("phases", timer), zap.Error(err))
		return nil, s.startFailed(codes.Internal, "failed to start VM", timer)
	}

	ref := vm.Share(inst, vm.OnClose(s.instanceClosed))
	s.metrics.SetVMsLive(s.vms.Register(ref.Weak()))
	s.metrics.ObserveStart(codes.OK.String(), timer.Total())
	log.Info("Started VM", timer.Fields()...)
	return ref, nil
}

func (s *Service) startFailed(code codes.Code, msg string, timer *timing.Timer) error {
	s.metrics.ObserveStart(code.String(), timer.Total())
	return status.Error(code, msg)
}

// instanceClosed runs on whichever goroutine drops the last reference,
// possibly while s.mu is held, so it must not lock.
func (s *Service) instanceClosed(inst vm.Instance, err error) {
	log := s.logger.With(zap.Uint32("cid", inst.CID()), zap.String("config", inst.ConfigPath()))
	if err != nil {
		log.Warn("VM shut down with error", zap.Error(err))
		return
	}
	log.Info("VM destroyed")
}

// ListVms returns the CID and config path of every live VM.
func (s *Service) ListVms(ctx context.Context) ([]DebugInfo, error) {
	if !s.gate.Allowed(ctx) {
		return nil, errPermissionDenied
	}

	s.mu.Lock()
	refs := s.vms.Snapshot()
	s.metrics.SetVMsLive(len(refs))
	s.mu.Unlock()

	infos := make([]DebugInfo, 0, len(refs))
	for _, ref := range refs {
		infos = append(infos, DebugInfo{CID: ref.CID(), ConfigPath: ref.ConfigPath()})
	}
	// Releasing may close a VM whose last client went away meanwhile.
	for _, ref := range refs {
		ref.Release()
	}
	return infos, nil
}

// DebugHoldRef keeps a reference to the VM named by src until
// DebugDropRef takes it back.
func (s *Service) DebugHoldRef(ctx context.Context, src HandleSource) error {
	if !s.gate.Allowed(ctx) {
		return errPermissionDenied
	}

	ref, err := src.Resolve()
	if err != nil {
		s.logger.Warn("Failed to resolve VM handle", zap.Error(err))
		return status.Error(codes.InvalidArgument, "invalid VM handle")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.debug.Hold(ref)
	s.metrics.SetDebugHeld(s.debug.Len())
	s.logger.Debug("Holding VM reference", zap.Uint32("cid", ref.CID()))
	return nil
}

// DebugDropRef removes one held reference to the VM with the given CID
// and hands it to the caller. found is false when none was held.
func (s *Service) DebugDropRef(ctx context.Context, cid uint32) (ref *vm.Ref, found bool, err error) {
	if !s.gate.Allowed(ctx) {
		return nil, false, errPermissionDenied
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ref, found = s.debug.Take(cid)
	s.metrics.SetDebugHeld(s.debug.Len())
	s.logger.Debug("Dropping VM reference", zap.Uint32("cid", cid), zap.Bool("found", found))
	return ref, found, nil
}

var errPermissionDenied = status.Error(codes.PermissionDenied, "caller is not allowed to use debug methods")
