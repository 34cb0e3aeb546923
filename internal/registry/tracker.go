package registry

import "github.com/javanstorm/virtmanager/internal/vm"

// Tracker remembers started VMs without keeping them alive.
// Entries whose VM is gone stay in the list until the next Register.
type Tracker struct {
	vms []vm.Weak
}

// Snapshot returns owning references to every VM still alive. A VM
// released concurrently is simply absent. The caller releases the refs.
func (t *Tracker) Snapshot() []*vm.Ref {
	refs := make([]*vm.Ref, 0, len(t.vms))
	for _, w := range t.vms {
		if ref, ok := w.Upgrade(); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// Register drops entries for VMs that no longer exist, then adds w.
// It returns the number of entries kept, including w.
func (t *Tracker) Register(w vm.Weak) int {
	live := t.vms[:0]
	for _, e := range t.vms {
		if e.Alive() {
			live = append(live, e)
		}
	}
	clear(t.vms[len(live):])
	t.vms = append(live, w)
	return len(t.vms)
}

// Len returns the number of entries, stale ones included.
func (t *Tracker) Len() int {
	return len(t.vms)
}
