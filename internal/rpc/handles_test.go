package rpc

import (
	"context"
	"testing"

	"github.com/javanstorm/virtmanager/internal/metrics"
	"github.com/javanstorm/virtmanager/internal/testutil"
	"github.com/javanstorm/virtmanager/internal/vm"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/stats"
)

func newRef(cid uint32) (*vm.Ref, *testutil.FakeInstance) {
	inst := testutil.NewFakeInstance(cid, "/vm.yaml")
	return vm.Share(inst), inst
}

func TestHandleTableLifecycle(t *testing.T) {
	m := metrics.New()
	table := NewHandleTable(zaptest.NewLogger(t), m)
	ctx := table.TagConn(context.Background(), &stats.ConnTagInfo{})

	ref, inst := newRef(10)
	token, err := table.Add(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Handles))

	cid, err := table.CID(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), cid)

	clone, err := table.Clone(ctx, token)
	require.NoError(t, err)

	removed, err := table.Remove(ctx, token)
	require.NoError(t, err)
	removed.Release()
	assert.False(t, inst.Closed(), "clone still owns the VM")
	assert.Zero(t, table.Len())
	assert.Zero(t, promtest.ToFloat64(m.Handles))

	_, err = table.Remove(ctx, token)
	assert.ErrorIs(t, err, ErrUnknownHandle)

	clone.Release()
	assert.True(t, inst.Closed())
}

func TestHandleTableScopedToConnection(t *testing.T) {
	table := NewHandleTable(nil, nil)
	a := table.TagConn(context.Background(), &stats.ConnTagInfo{})
	b := table.TagConn(context.Background(), &stats.ConnTagInfo{})

	ref, _ := newRef(10)
	token, err := table.Add(a, ref)
	require.NoError(t, err)

	_, err = table.CID(b, token)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	_, err = table.Clone(b, token)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	_, err = table.Remove(b, token)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestHandleTableConnEndReleases(t *testing.T) {
	m := metrics.New()
	table := NewHandleTable(zaptest.NewLogger(t), m)
	ctx := table.TagConn(context.Background(), &stats.ConnTagInfo{})

	var insts []*testutil.FakeInstance
	for cid := uint32(10); cid < 13; cid++ {
		ref, inst := newRef(cid)
		insts = append(insts, inst)
		_, err := table.Add(ctx, ref)
		require.NoError(t, err)
	}

	table.HandleConn(ctx, &stats.ConnBegin{})
	for _, inst := range insts {
		assert.False(t, inst.Closed())
	}

	table.HandleConn(ctx, &stats.ConnEnd{})
	for _, inst := range insts {
		assert.True(t, inst.Closed())
	}
	assert.Zero(t, table.Len())
	assert.Zero(t, promtest.ToFloat64(m.Handles))

	ref, inst := newRef(20)
	_, err := table.Add(ctx, ref)
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.False(t, inst.Closed(), "a refused reference stays with the caller")
	ref.Release()
}

func TestHandleTableUntaggedContext(t *testing.T) {
	table := NewHandleTable(nil, nil)
	ref, _ := newRef(10)
	defer ref.Release()

	_, err := table.Add(context.Background(), ref)
	assert.ErrorIs(t, err, ErrNoConnection)
	_, err = table.CID(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoConnection)
}
