package ouroboros_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ouroboros "github.com/i5heu/ouroboros-ec"
	"github.com/i5heu/ouroboros-ec/internal/membership"
	"github.com/i5heu/ouroboros-ec/internal/piecestore"
	"github.com/i5heu/ouroboros-ec/internal/testutil"
	"github.com/i5heu/ouroboros-ec/internal/transport"
	"github.com/i5heu/ouroboros-ec/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func objects(n int, seed uint64) map[string][]byte {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		data := make([]byte, 1+rng.IntN(4096))
		for j := range data {
			data[j] = byte(rng.Uint32())
		}
		out[fmt.Sprintf("key-%03d", i)] = data
	}
	return out
}

func bootCluster(t *testing.T, ctx context.Context, size int) (*testutil.Cluster, []model.Address) {
	t.Helper()
	c := testutil.NewCluster(t)
	addrs := make([]model.Address, 0, size)
	for i := 0; i < size; i++ {
		addr := testutil.Addr(i)
		c.Join(ctx, addr)
		addrs = append(addrs, addr)
	}
	require.True(t, c.Agree(addrs...))
	return c, addrs
}

func writeAll(t *testing.T, ctx context.Context, node *ouroboros.Node, objs map[string][]byte) {
	t.Helper()
	for key, data := range objs {
		require.NoError(t, node.Create(ctx, key, data), key)
	}
}

// fullyReplicated reports whether every key has all N fragments at its
// holders as seen from node.
func fullyReplicated(ctx context.Context, node *ouroboros.Node, objs map[string][]byte) bool {
	for key := range objs {
		lost, err := node.SanityCheck(ctx, key)
		if err != nil || lost != 0 {
			return false
		}
	}
	return true
}

func requireReadable(t *testing.T, ctx context.Context, node *ouroboros.Node, objs map[string][]byte) {
	t.Helper()
	for key, want := range objs {
		got, err := node.Read(ctx, key)
		require.NoError(t, err, key)
		require.Equal(t, want, got, key)
	}
}

func without(addrs []model.Address, gone model.Address) []model.Address {
	out := make([]model.Address, 0, len(addrs))
	for _, a := range addrs {
		if a != gone {
			out = append(out, a)
		}
	}
	return out
}

func TestClusterSurvivesSequentialFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, addrs := bootCluster(t, ctx, 10)
	objs := objects(100, 1)
	writeAll(t, ctx, c.Alive()[0].Node, objs)
	require.True(t, fullyReplicated(ctx, c.Alive()[0].Node, objs))

	for _, victim := range []model.Address{addrs[9], addrs[4], addrs[7]} {
		c.Kill(victim)
		addrs = without(addrs, victim)

		// the failure detector notices and removes the member
		require.Eventually(t, func() bool { return c.Agree(addrs...) },
			20*time.Second, 20*time.Millisecond, "%s not removed", victim)

		reader := c.Alive()[0].Node
		require.Eventually(t, func() bool { return fullyReplicated(ctx, reader, objs) },
			30*time.Second, 50*time.Millisecond, "not healed after losing %s", victim)
		requireReadable(t, ctx, reader, objs)
	}
	assert.Equal(t, 7, c.Alive()[0].Node.Cluster().Len())
}

func TestClusterScalesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c, addrs := bootCluster(t, ctx, 8)
	objs := objects(50, 2)
	writeAll(t, ctx, c.Alive()[0].Node, objs)

	for i := 8; i < 10; i++ {
		addr := testutil.Addr(i)
		joined := c.Join(ctx, addr)
		addrs = append(addrs, addr)
		require.True(t, c.Agree(addrs...))

		require.Eventually(t, func() bool { return fullyReplicated(ctx, joined.Node, objs) },
			30*time.Second, 50*time.Millisecond, "not balanced after %s joined", addr)
		assert.Positive(t, joined.Store.Len(), "%s received no fragments", addr)
		requireReadable(t, ctx, joined.Node, objs)
	}
}

// placed reports whether every fragment sits in the store of the holder
// the map of node assigns.
func placed(ctx context.Context, c *testutil.Cluster, node *ouroboros.Node, objs map[string][]byte) bool {
	cluster := node.Cluster()
	for key := range objs {
		for i, h := range cluster.ComputeHolders(key, model.N) {
			m, ok := c.Member(h)
			if !ok {
				return false
			}
			found, err := m.Store.Exists(ctx, model.PieceLocator{Key: key, Index: i})
			if err != nil || !found {
				return false
			}
		}
	}
	return true
}

func TestScaleOutKeepsFragmentsAvailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c, addrs := bootCluster(t, ctx, 8)
	objs := objects(50, 6)
	observer := c.Alive()[0].Node
	writeAll(t, ctx, observer, objs)
	require.True(t, fullyReplicated(ctx, observer, objs))

	var (
		maxLost atomic.Int64
		checks  atomic.Int64
		wg      sync.WaitGroup
	)
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			for key := range objs {
				select {
				case <-stop:
					return
				default:
				}
				lost, err := observer.SanityCheck(ctx, key)
				if err != nil {
					continue
				}
				checks.Add(1)
				for {
					cur := maxLost.Load()
					if int64(lost) <= cur || maxLost.CompareAndSwap(cur, int64(lost)) {
						break
					}
				}
			}
		}
	}()

	joiner := testutil.Addr(8)
	c.Join(ctx, joiner)
	addrs = append(addrs, joiner)
	require.True(t, c.Agree(addrs...))
	require.Eventually(t, func() bool { return placed(ctx, c, observer, objs) },
		30*time.Second, 50*time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Positive(t, checks.Load())
	assert.Zero(t, maxLost.Load(), "a fragment went missing during the join")
	requireReadable(t, ctx, observer, objs)
}

func TestSingleNodeCluster(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, _ := bootCluster(t, ctx, 1)
	node := c.Alive()[0]
	objs := objects(10, 3)
	writeAll(t, ctx, node.Node, objs)

	// every index wraps onto the only member
	assert.Equal(t, 10*model.N, node.Store.Len())
	assert.True(t, fullyReplicated(ctx, node.Node, objs))
	requireReadable(t, ctx, node.Node, objs)
}

func TestReadMissingKeyIsDataLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, _ := bootCluster(t, ctx, 3)
	_, err := c.Alive()[1].Node.Read(ctx, "never-written")
	require.Error(t, err)
	assert.True(t, model.IsDataLoss(err))
}

func TestRemoveThenStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c, addrs := bootCluster(t, ctx, 9)
	objs := objects(40, 4)
	writeAll(t, ctx, c.Alive()[0].Node, objs)

	leaving := addrs[3]
	require.NoError(t, c.Alive()[0].Node.RemoveNode(ctx, leaving))
	addrs = without(addrs, leaving)
	require.True(t, c.Agree(addrs...))
	c.Kill(leaving)

	reader := c.Alive()[1].Node
	require.Eventually(t, func() bool { return fullyReplicated(ctx, reader, objs) },
		30*time.Second, 50*time.Millisecond)
	requireReadable(t, ctx, reader, objs)
}

func TestChurn(t *testing.T) {
	testutil.RequireLong(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	c, addrs := bootCluster(t, ctx, 10)
	objs := objects(500, 5)
	writeAll(t, ctx, c.Alive()[0].Node, objs)

	next := 10
	for round := 0; round < 3; round++ {
		victim := addrs[round*2]
		c.Kill(victim)
		addrs = without(addrs, victim)
		require.Eventually(t, func() bool { return c.Agree(addrs...) },
			30*time.Second, 20*time.Millisecond)
		require.Eventually(t, func() bool { return fullyReplicated(ctx, c.Alive()[0].Node, objs) },
			time.Minute, 100*time.Millisecond)

		addr := testutil.Addr(next)
		next++
		c.Join(ctx, addr)
		addrs = append(addrs, addr)

		reader := c.Alive()[0].Node
		require.Eventually(t, func() bool { return fullyReplicated(ctx, reader, objs) },
			time.Minute, 100*time.Millisecond)
	}
	requireReadable(t, ctx, c.Alive()[0].Node, objs)
}

func TestNewValidates(t *testing.T) {
	net := transport.NewLoopback()
	_, err := ouroboros.New(ouroboros.Config{Store: piecestore.NewMemStore(), Caller: net.Caller("a")})
	require.Error(t, err)
	_, err = ouroboros.New(ouroboros.Config{Self: "a", Caller: net.Caller("a")})
	require.Error(t, err)
	_, err = ouroboros.New(ouroboros.Config{Self: "a", Store: piecestore.NewMemStore()})
	require.Error(t, err)
}

func TestMembershipNeedsProposer(t *testing.T) {
	net := transport.NewLoopback()
	node, err := ouroboros.New(ouroboros.Config{
		Self:   "a",
		Store:  piecestore.NewMemStore(),
		Caller: net.Caller("a"),
		Logger: testutil.Logger(),
	})
	require.NoError(t, err)
	mux := transport.NewMux()
	node.Register(mux)
	net.Register("a", mux)

	require.ErrorIs(t, node.RemoveNode(context.Background(), "b"), ouroboros.ErrNoProposer)
	require.ErrorIs(t, node.AddNode(context.Background(), "a"), ouroboros.ErrNoProposer)
	assert.Equal(t, 0, node.Cluster().Len())
	require.NoError(t, node.Close())
	require.NoError(t, node.Close())
}

// stalledLog accepts proposals and never commits them.
type stalledLog struct{}

func (stalledLog) Propose(ctx context.Context, _ membership.Command) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestNotifyFailureGivesUp(t *testing.T) {
	net := transport.NewLoopback()
	node, err := ouroboros.New(ouroboros.Config{
		Self:          "a",
		Store:         piecestore.NewMemStore(),
		Caller:        net.Caller("a"),
		Logger:        testutil.Logger(),
		NotifyTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer node.Close()
	node.SetProposer(stalledLog{})

	start := time.Now()
	err = node.NotifyFailure(context.Background(), "b")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
