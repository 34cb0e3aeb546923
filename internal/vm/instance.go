package vm

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrReleased is returned when a released reference is used to derive a new one.
var ErrReleased = errors.New("vm: reference already released")

// Instance is a running virtual machine as produced by a Launcher.
// The registry only references instances; it never builds them.
type Instance interface {
	// CID returns the identity assigned to the VM at launch.
	CID() uint32
	// ConfigPath returns the configuration the VM was started from.
	ConfigPath() string
	// Close tears the VM down. Called exactly once, when the last
	// owning reference is released.
	Close() error
}

// shared is the owning container around one Instance. Owning references
// count in refs; weak references point at the container without counting.
type shared struct {
	inst    Instance
	refs    atomic.Int64
	once    sync.Once
	onClose func(Instance, error)
}

// ShareOption configures a shared container.
type ShareOption func(*shared)

// OnClose registers a callback invoked after the instance is closed,
// with the error returned by Close.
func OnClose(fn func(Instance, error)) ShareOption {
	return func(s *shared) { s.onClose = fn }
}

// Share wraps inst in a reference-counted container and returns its
// first owning reference.
func Share(inst Instance, opts ...ShareOption) *Ref {
	s := &shared{inst: inst}
	for _, opt := range opts {
		opt(s)
	}
	s.refs.Store(1)
	return &Ref{s: s}
}

// acquire adds an owning reference unless the count already reached zero.
// A zero count is final: the instance is closed or closing.
func (s *shared) acquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *shared) release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	s.once.Do(func() {
		err := s.inst.Close()
		if s.onClose != nil {
			s.onClose(s.inst, err)
		}
	})
}

// Ref is an owning reference: while it is unreleased the instance stays alive.
type Ref struct {
	s        *shared
	released atomic.Bool
}

// CID returns the identity of the referenced VM.
func (r *Ref) CID() uint32 { return r.s.inst.CID() }

// ConfigPath returns the configuration path of the referenced VM.
func (r *Ref) ConfigPath() string { return r.s.inst.ConfigPath() }

// Instance returns the underlying instance.
func (r *Ref) Instance() Instance { return r.s.inst }

// Clone returns a new owning reference to the same instance.
func (r *Ref) Clone() (*Ref, error) {
	if r.released.Load() {
		return nil, ErrReleased
	}
	// Release may run concurrently with Clone on the same Ref and drop
	// the last count between the check above and here.
	if !r.s.acquire() {
		return nil, ErrReleased
	}
	return &Ref{s: r.s}, nil
}

// Weak returns a non-owning reference to the same instance.
func (r *Ref) Weak() Weak { return Weak{s: r.s} }

// Release drops this reference. Releasing the last owning reference
// closes the instance. Subsequent calls are no-ops.
func (r *Ref) Release() {
	if r.released.Swap(true) {
		return
	}
	r.s.release()
}

// Released reports whether Release was called on this reference.
func (r *Ref) Released() bool { return r.released.Load() }

// Weak observes an instance without keeping it alive.
// The zero Weak refers to nothing and never upgrades.
type Weak struct {
	s *shared
}

// Upgrade returns an owning reference if the instance is still alive.
// The check and the increment are a single atomic step, so a concurrent
// final Release either happens before (false) or after (the new ref keeps
// the instance alive).
func (w Weak) Upgrade() (*Ref, bool) {
	if w.s == nil || !w.s.acquire() {
		return nil, false
	}
	return &Ref{s: w.s}, true
}

// Alive reports whether any owning reference remains. The answer can be
// stale by the time the caller acts on it; use Upgrade to act.
func (w Weak) Alive() bool {
	return w.s != nil && w.s.refs.Load() > 0
}
