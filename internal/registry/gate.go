package registry

import (
	"context"
	"slices"

	"go.uber.org/zap"
)

const (
	// RootUID is the superuser.
	RootUID uint32 = 0
	// ShellUID is the shell/debug user.
	ShellUID uint32 = 2000
)

// DebugAllowedUIDs are the only callers allowed to use debug operations.
var DebugAllowedUIDs = [...]uint32{RootUID, ShellUID}

// CallerResolver reports the UID of the principal that issued the
// request carried by ctx.
type CallerResolver interface {
	CallerUID(ctx context.Context) (uid uint32, ok bool)
}

// CallerResolverFunc adapts a function to CallerResolver.
type CallerResolverFunc func(ctx context.Context) (uint32, bool)

func (f CallerResolverFunc) CallerUID(ctx context.Context) (uint32, bool) { return f(ctx) }

type callerKey struct{}

// WithCaller attaches a caller UID to ctx for in-process callers.
func WithCaller(ctx context.Context, uid uint32) context.Context {
	return context.WithValue(ctx, callerKey{}, uid)
}

// ContextCallers resolves callers attached with WithCaller.
var ContextCallers CallerResolver = CallerResolverFunc(func(ctx context.Context) (uint32, bool) {
	uid, ok := ctx.Value(callerKey{}).(uint32)
	return uid, ok
})

// Gate decides whether the current caller may use debug operations.
type Gate struct {
	callers CallerResolver
	logger  *zap.Logger
}

// NewGate creates a gate backed by callers.
func NewGate(callers CallerResolver, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{callers: callers, logger: logger}
}

// Allowed reports whether the caller of ctx is on the debug allow-list.
// A caller that cannot be identified is refused.
func (g *Gate) Allowed(ctx context.Context) bool {
	uid, ok := g.callers.CallerUID(ctx)
	if !ok {
		g.logger.Debug("Debug method call from unidentified caller")
		return false
	}
	g.logger.Debug("Debug method call", zap.Uint32("uid", uid))
	return slices.Contains(DebugAllowedUIDs[:], uid)
}
