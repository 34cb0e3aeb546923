package registry

import "github.com/javanstorm/virtmanager/internal/vm"

// DebugStore holds owning references for callers that cannot hold them
// themselves. Held references never expire; they live until taken.
type DebugStore struct {
	held []*vm.Ref
}

// Hold stores ref. The same VM may be held more than once.
func (d *DebugStore) Hold(ref *vm.Ref) {
	d.held = append(d.held, ref)
}

// Take removes and returns the first held reference to cid.
// Order of the remaining entries is not preserved.
func (d *DebugStore) Take(cid uint32) (*vm.Ref, bool) {
	for i, ref := range d.held {
		if ref.CID() != cid {
			continue
		}
		last := len(d.held) - 1
		d.held[i] = d.held[last]
		d.held[last] = nil
		d.held = d.held[:last]
		return ref, true
	}
	return nil, false
}

// Len returns the number of held references.
func (d *DebugStore) Len() int {
	return len(d.held)
}
