package rpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/javanstorm/virtmanager/internal/metrics"
	"github.com/javanstorm/virtmanager/internal/vm"
	"go.uber.org/zap"
	"google.golang.org/grpc/stats"
)

var (
	// ErrUnknownHandle is returned for tokens the connection does not own.
	ErrUnknownHandle = errors.New("rpc: unknown VM handle")
	// ErrNoConnection is returned when ctx was not tagged by the table.
	ErrNoConnection = errors.New("rpc: request has no connection")
)

type connKey struct{}

// HandleTable keeps the VM references handed out to clients, keyed by
// connection and token. It is installed as the server's stats.Handler so
// that a closed connection releases everything it held.
type HandleTable struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	nextConn atomic.Uint64

	mu    sync.Mutex
	conns map[uint64]map[string]*vm.Ref
}

var _ stats.Handler = (*HandleTable)(nil)

// NewHandleTable creates an empty table.
func NewHandleTable(logger *zap.Logger, m *metrics.Metrics) *HandleTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HandleTable{
		logger:  logger,
		metrics: m,
		conns:   make(map[uint64]map[string]*vm.Ref),
	}
}

func connID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(connKey{}).(uint64)
	return id, ok
}

// Add takes ownership of ref and returns a token for it, valid on the
// connection of ctx.
func (t *HandleTable) Add(ctx context.Context, ref *vm.Ref) (string, error) {
	id, ok := connID(ctx)
	if !ok {
		return "", ErrNoConnection
	}

	token := uuid.NewString()
	t.mu.Lock()
	handles, open := t.conns[id]
	if open {
		handles[token] = ref
	}
	t.mu.Unlock()

	if !open {
		return "", ErrNoConnection
	}
	t.metrics.AddHandles(1)
	return token, nil
}

// CID returns the CID of the VM behind token.
func (t *HandleTable) CID(ctx context.Context, token string) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, err := t.lookup(ctx, token)
	if err != nil {
		return 0, err
	}
	return ref.CID(), nil
}

// Clone returns a new owning reference to the VM behind token.
func (t *HandleTable) Clone(ctx context.Context, token string) (*vm.Ref, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, err := t.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	return ref.Clone()
}

// Remove forgets token and returns its reference, which the caller releases.
func (t *HandleTable) Remove(ctx context.Context, token string) (*vm.Ref, error) {
	t.mu.Lock()
	ref, err := t.lookup(ctx, token)
	if err == nil {
		id, _ := connID(ctx)
		delete(t.conns[id], token)
	}
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}
	t.metrics.AddHandles(-1)
	return ref, nil
}

func (t *HandleTable) lookup(ctx context.Context, token string) (*vm.Ref, error) {
	id, ok := connID(ctx)
	if !ok {
		return nil, ErrNoConnection
	}
	ref, ok := t.conns[id][token]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return ref, nil
}

// Len returns the number of handles across all connections.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, handles := range t.conns {
		n += len(handles)
	}
	return n
}

// TagConn opens a handle scope for a new connection.
func (t *HandleTable) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context {
	id := t.nextConn.Add(1)
	t.mu.Lock()
	t.conns[id] = make(map[string]*vm.Ref)
	t.mu.Unlock()
	return context.WithValue(ctx, connKey{}, id)
}

// HandleConn releases every handle of a connection when it ends.
func (t *HandleTable) HandleConn(ctx context.Context, s stats.ConnStats) {
	if _, ok := s.(*stats.ConnEnd); !ok {
		return
	}
	id, ok := connID(ctx)
	if !ok {
		return
	}

	t.mu.Lock()
	handles := t.conns[id]
	delete(t.conns, id)
	t.mu.Unlock()

	if len(handles) == 0 {
		return
	}
	t.logger.Debug("Releasing handles of closed connection", zap.Uint64("conn", id), zap.Int("handles", len(handles)))
	for _, ref := range handles {
		ref.Release()
	}
	t.metrics.AddHandles(-len(handles))
}

func (t *HandleTable) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context { return ctx }

func (t *HandleTable) HandleRPC(context.Context, stats.RPCStats) {}
