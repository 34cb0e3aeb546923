package registry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAllocatorSequence(t *testing.T) {
	a := NewAllocator(FirstGuestCID)
	for want := FirstGuestCID; want < FirstGuestCID+5; want++ {
		cid, err := a.Allocate()
		require.NoError(t, err)
		assert.Equal(t, want, cid)
	}
	assert.Equal(t, FirstGuestCID+5, a.Next())
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewAllocator(math.MaxUint32 - 1)

	cid, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32-1), cid)

	for range 3 {
		_, err = a.Allocate()
		assert.ErrorIs(t, err, ErrCIDExhausted)
	}
	assert.Equal(t, uint32(math.MaxUint32), a.Next())
}

func TestAllocatorProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := rapid.Uint32Range(FirstGuestCID, math.MaxUint32).Draw(t, "start")
		n := rapid.IntRange(1, 64).Draw(t, "n")
		a := NewAllocator(start)

		var last uint32
		var got int
		for range n {
			cid, err := a.Allocate()
			if err != nil {
				if a.Next() != math.MaxUint32 {
					t.Fatalf("allocation failed before the counter reached the maximum: next=%d", a.Next())
				}
				continue
			}
			if cid == math.MaxUint32 {
				t.Fatalf("assigned VMADDR_CID_ANY")
			}
			if got > 0 && cid != last+1 {
				t.Fatalf("cid %d does not follow %d", cid, last)
			}
			last = cid
			got++
		}

		want := min(uint64(n), uint64(math.MaxUint32)-uint64(start))
		if uint64(got) != want {
			t.Fatalf("allocated %d CIDs, want %d", got, want)
		}
	})
}
