package peer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
	"github.com/i5heu/ouroboros-ec/internal/piecestore"
	"github.com/i5heu/ouroboros-ec/internal/transport"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

type recordingQueue struct {
	mu         sync.Mutex
	rebuilds   []model.RebuildTask
	stabilizes []model.StabilizeTask
}

type rebuildSink struct{ q *recordingQueue }

func (r rebuildSink) QueueTask(task model.RebuildTask) {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	r.q.rebuilds = append(r.q.rebuilds, task)
}

type stabilizeSink struct{ q *recordingQueue }

func (s stabilizeSink) QueueTask(task model.StabilizeTask) {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	s.q.stabilizes = append(s.q.stabilizes, task)
}

type testNode struct {
	addr    model.Address
	store   *piecestore.MemStore
	queue   *recordingQueue
	service *Service
	client  *Client
}

func newTestNode(t *testing.T, net *transport.Loopback, addr model.Address) *testNode {
	t.Helper()
	client := NewClient(net.Caller(addr), 0)
	q := &recordingQueue{}
	store := piecestore.NewMemStore()
	svc, err := NewService(ServiceConfig{
		Store:      store,
		Rebuilds:   rebuildSink{q},
		Stabilizes: stabilizeSink{q},
		Prober:     client,
		Capacity:   func() float64 { return 2.5 },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	mux := transport.NewMux()
	svc.Register(mux)
	net.Register(addr, mux)
	return &testNode{addr: addr, store: store, queue: q, service: svc, client: client}
}

func TestSendPieceRejectsStaleVersion(t *testing.T) {
	t.Parallel()
	net := transport.NewLoopback()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")
	b.service.SetCluster(clustermap.New(5, nil))
	ctx := context.Background()

	loc := model.PieceLocator{Key: "obj", Index: 2}
	err := a.client.SendPiece(ctx, b.addr, model.SendPiece{Version: 3, Loc: loc, Data: []byte("old")})
	require.ErrorIs(t, err, model.ErrRejected)

	ok, err := b.store.Exists(ctx, loc)
	require.NoError(t, err)
	assert.False(t, ok, "stale write must not reach the store")
	assert.Empty(t, b.queue.stabilizes)
	assert.Empty(t, b.queue.rebuilds)

	// equal and newer versions are accepted
	require.NoError(t, a.client.SendPiece(ctx, b.addr, model.SendPiece{Version: 5, Loc: loc, Data: []byte("cur")}))
	require.NoError(t, a.client.SendPiece(ctx, b.addr, model.SendPiece{Version: 6, Loc: loc, Data: []byte("new")}))
	got, err := b.store.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
	assert.Len(t, b.queue.stabilizes, 2)
}

func TestPlaceholderQueuesRebuild(t *testing.T) {
	t.Parallel()
	net := transport.NewLoopback()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")
	ctx := context.Background()

	loc := model.PieceLocator{Key: "obj", Index: 6}
	require.NoError(t, a.client.SendPiece(ctx, b.addr, model.SendPiece{Version: 1, Loc: loc}))

	require.Len(t, b.queue.rebuilds, 1)
	assert.Equal(t, loc, b.queue.rebuilds[0].Loc)
	ok, err := b.store.Exists(ctx, loc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmptyPieceIsNotAPlaceholder(t *testing.T) {
	t.Parallel()
	net := transport.NewLoopback()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")
	ctx := context.Background()

	loc := model.PieceLocator{Key: "empty", Index: 0}
	require.NoError(t, a.client.SendPiece(ctx, b.addr, model.SendPiece{Version: 1, Loc: loc, Data: []byte{}}))
	assert.Empty(t, b.queue.rebuilds)
	ok, err := b.store.Exists(ctx, loc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequestPieces(t *testing.T) {
	t.Parallel()
	net := transport.NewLoopback()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")
	ctx := context.Background()

	for _, i := range []int{1, 4, 5} {
		require.NoError(t, b.store.Put(ctx, model.PieceLocator{Key: "k", Index: i}, []byte{byte(i)}))
	}

	data, err := a.client.RequestPiece(ctx, b.addr, model.PieceLocator{Key: "k", Index: 4})
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, data)

	_, err = a.client.RequestPiece(ctx, b.addr, model.PieceLocator{Key: "k", Index: 0})
	assert.ErrorIs(t, err, model.ErrNotFound)

	pieces, err := a.client.RequestAnyPieces(ctx, b.addr, "k")
	require.NoError(t, err)
	sort.Slice(pieces, func(i, j int) bool { return pieces[i].Index < pieces[j].Index })
	require.Len(t, pieces, 3)
	assert.Equal(t, 5, pieces[2].Index)
	assert.Equal(t, []byte{5}, pieces[2].Data)

	ok, err := a.client.PieceExists(ctx, b.addr, model.PieceLocator{Key: "k", Index: 1})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.client.PieceExists(ctx, b.addr, model.PieceLocator{Key: "k", Index: 2})
	require.NoError(t, err)
	assert.False(t, ok)

	capacity, err := a.client.RequestCapacity(ctx, b.addr)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, capacity, 1e-9)
}

func TestUnreachablePeerIsFailed(t *testing.T) {
	t.Parallel()
	net := transport.NewLoopback()
	a := newTestNode(t, net, "a")
	ctx := context.Background()

	err := a.client.SendPiece(ctx, "ghost", model.SendPiece{Version: 1, Loc: model.PieceLocator{Key: "k"}, Data: []byte("x")})
	assert.ErrorIs(t, err, model.ErrFailed)
	assert.False(t, errors.Is(err, model.ErrRejected))
}

func TestPingThroughRelay(t *testing.T) {
	t.Parallel()
	net := transport.NewLoopback()
	a := newTestNode(t, net, "a")
	newTestNode(t, net, "relay")
	newTestNode(t, net, "target")
	ctx := context.Background()

	assert.True(t, a.client.Ping1(ctx, "target"))

	net.Cut("a", "target")
	assert.False(t, a.client.Ping1(ctx, "target"))
	assert.True(t, a.client.Ping2(ctx, "relay", "target"), "relay can still reach the target")

	net.Cut("relay", "target")
	assert.False(t, a.client.Ping2(ctx, "relay", "target"))

	net.Heal("relay", "target")
	net.Cut("a", "relay")
	assert.False(t, a.client.Ping2(ctx, "relay", "target"), "unreachable relay drops out")
}

func TestDecodeRejectsBadIndex(t *testing.T) {
	t.Parallel()
	_, err := decodeSendPiece(encodeSendPiece(model.SendPiece{Version: 1, Loc: model.PieceLocator{Key: "k", Index: 99}}))
	assert.ErrorIs(t, err, errMalformed)

	_, err = decodeSendPiece([]byte{0xff})
	assert.Error(t, err)
}
