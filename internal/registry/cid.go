package registry

import (
	"errors"
	"math"
)

// FirstGuestCID is the first CID handed to a guest. Lower values are
// reserved vsock addresses (0-2) or host services.
const FirstGuestCID uint32 = 10

// ErrCIDExhausted is returned once the allocator cannot advance any further.
var ErrCIDExhausted = errors.New("registry: CID space exhausted")

// Allocator hands out CIDs in increasing order and never reuses one.
type Allocator struct {
	next uint32
}

// NewAllocator returns an allocator whose first CID is first.
func NewAllocator(first uint32) *Allocator {
	return &Allocator{next: first}
}

// Allocate returns the current CID and advances the counter. When the
// counter cannot advance, nothing is assigned and every later call fails
// too, so math.MaxUint32 (VMADDR_CID_ANY) is never handed out.
func (a *Allocator) Allocate() (uint32, error) {
	if a.next == math.MaxUint32 {
		return 0, ErrCIDExhausted
	}
	cid := a.next
	a.next++
	return cid, nil
}

// Next returns the CID the next successful Allocate would return.
func (a *Allocator) Next() uint32 {
	return a.next
}
