package registry

import (
	"testing"

	"github.com/javanstorm/virtmanager/internal/testutil"
	"github.com/javanstorm/virtmanager/internal/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func share(cid uint32) (*vm.Ref, *testutil.FakeInstance) {
	fake := testutil.NewFakeInstance(cid, "/vm.yaml")
	return vm.Share(fake), fake
}

func cids(refs []*vm.Ref) []uint32 {
	out := make([]uint32, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.CID())
	}
	return out
}

func releaseAll(refs []*vm.Ref) {
	for _, r := range refs {
		r.Release()
	}
}

func TestTrackerSnapshotSkipsDead(t *testing.T) {
	var tr Tracker
	a, _ := share(10)
	b, _ := share(11)
	tr.Register(a.Weak())
	tr.Register(b.Weak())

	a.Release()

	snap := tr.Snapshot()
	defer releaseAll(snap)
	assert.Equal(t, []uint32{11}, cids(snap))
	assert.Equal(t, 2, tr.Len(), "snapshot does not purge")

	b.Release()
}

func TestTrackerRegisterPurges(t *testing.T) {
	var tr Tracker
	a, _ := share(10)
	b, _ := share(11)
	c, _ := share(12)
	tr.Register(a.Weak())
	tr.Register(b.Weak())

	a.Release()
	b.Release()
	assert.Equal(t, 2, tr.Len())

	n := tr.Register(c.Weak())
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, tr.Len())

	snap := tr.Snapshot()
	assert.Equal(t, []uint32{12}, cids(snap))
	releaseAll(snap)
	c.Release()
}

func TestTrackerDoesNotKeepAlive(t *testing.T) {
	var tr Tracker
	ref, inst := share(10)
	tr.Register(ref.Weak())

	ref.Release()
	assert.True(t, inst.Closed())
	assert.Empty(t, tr.Snapshot())
}

// Model-based check: the snapshot equals the set of VMs with an owner,
// and Register leaves exactly the live entries plus the new one.
func TestTrackerProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var tr Tracker
		owners := map[uint32]*vm.Ref{}
		next := FirstGuestCID

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for range steps {
			if len(owners) == 0 || rapid.Bool().Draw(t, "register") {
				ref, _ := share(next)
				next++
				n := tr.Register(ref.Weak())
				owners[ref.CID()] = ref
				if n != len(owners) {
					t.Fatalf("Register kept %d entries, want %d", n, len(owners))
				}
			} else {
				keys := make([]uint32, 0, len(owners))
				for k := range owners {
					keys = append(keys, k)
				}
				victim := rapid.SampledFrom(keys).Draw(t, "release")
				owners[victim].Release()
				delete(owners, victim)
			}

			snap := tr.Snapshot()
			got := map[uint32]bool{}
			for _, c := range cids(snap) {
				got[c] = true
			}
			releaseAll(snap)
			if len(got) != len(owners) {
				t.Fatalf("snapshot has %d VMs, want %d", len(got), len(owners))
			}
			for c := range owners {
				if !got[c] {
					t.Fatalf("snapshot misses live VM %d", c)
				}
			}
		}
		for _, r := range owners {
			r.Release()
		}
	})
}

func TestTrackerRegisterReusesStorage(t *testing.T) {
	var tr Tracker
	refs := make([]*vm.Ref, 0, 8)
	for i := range uint32(8) {
		r, _ := share(10 + i)
		refs = append(refs, r)
		tr.Register(r.Weak())
	}
	releaseAll(refs)

	r, _ := share(100)
	require.Equal(t, 1, tr.Register(r.Weak()))
	r.Release()
}
