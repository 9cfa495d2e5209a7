package membership

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mapRecorder struct {
	mu   sync.Mutex
	maps []*clustermap.Map
}

func (r *mapRecorder) SetNewCluster(_ context.Context, m *clustermap.Map) {
	r.mu.Lock()
	r.maps = append(r.maps, m)
	r.mu.Unlock()
}

func (r *mapRecorder) versions() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.maps))
	for i, m := range r.maps {
		out[i] = m.Version()
	}
	return out
}

func TestDecodeCommandRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := DecodeCommand([]byte{0xff, 0xff})
	assert.Error(t, err)

	_, err = DecodeCommand(Command{Op: 9, Address: "x"}.Encode())
	assert.Error(t, err)

	_, err = DecodeCommand(Command{Op: OpRemoveNode}.Encode())
	assert.Error(t, err)

	got, err := DecodeCommand(AddNode("10.0.0.1:4242", 2.5).Encode())
	require.NoError(t, err)
	assert.Equal(t, AddNode("10.0.0.1:4242", 2.5), got)
}

func TestStateMachineApply(t *testing.T) {
	t.Parallel()
	sm := NewStateMachine()

	m, changed := sm.Apply(AddNode("a", 1))
	require.True(t, changed)
	assert.Equal(t, uint64(1), m.Version())

	_, changed = sm.Apply(AddNode("a", 5))
	assert.False(t, changed, "adding a member twice is a no-op")

	_, changed = sm.Apply(RemoveNode("nobody"))
	assert.False(t, changed)

	m, changed = sm.Apply(AddNode("b", 1))
	require.True(t, changed)
	assert.Equal(t, []model.Address{"a", "b"}, m.Members())

	m, changed = sm.Apply(RemoveNode("a"))
	require.True(t, changed)
	assert.Equal(t, uint64(3), m.Version())
	assert.Equal(t, []model.Address{"b"}, m.Members())

	// ids are never reused
	m, _ = sm.Apply(AddNode("a", 1))
	id, ok := m.NodeID("a")
	require.True(t, ok)
	assert.Equal(t, uint64(2), id)
}

func TestSnapshotRestoreContinuesIdentically(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		addrs := []model.Address{"n0", "n1", "n2", "n3", "n4", "n5"}
		genCmd := rapid.Custom(func(t *rapid.T) Command {
			addr := rapid.SampledFrom(addrs).Draw(t, "addr")
			if rapid.Bool().Draw(t, "add") {
				return AddNode(addr, rapid.Float64Range(0.5, 4).Draw(t, "cap"))
			}
			return RemoveNode(addr)
		})
		prefix := rapid.SliceOf(genCmd).Draw(t, "prefix")
		suffix := rapid.SliceOf(genCmd).Draw(t, "suffix")

		a := NewStateMachine()
		for _, c := range prefix {
			a.Apply(c)
		}
		b := NewStateMachine()
		restored, err := b.Restore(a.Snapshot())
		if err != nil {
			t.Fatalf("restore: %v", err)
		}
		if restored.Version() != a.Version() {
			t.Fatalf("restored version %d, want %d", restored.Version(), a.Version())
		}

		for _, c := range suffix {
			ma, _ := a.Apply(c)
			mb, _ := b.Apply(c)
			if ma.Version() != mb.Version() {
				t.Fatalf("versions diverged: %d vs %d", ma.Version(), mb.Version())
			}
			if fmt.Sprint(ma.Nodes()) != fmt.Sprint(mb.Nodes()) {
				t.Fatalf("nodes diverged: %v vs %v", ma.Nodes(), mb.Nodes())
			}
		}
	})
}

func TestLocalLogDeliversSameOrderToEveryReplica(t *testing.T) {
	t.Parallel()
	log := NewLocalLog()
	defer log.Close()

	recorders := make([]*mapRecorder, 3)
	for i := range recorders {
		recorders[i] = &mapRecorder{}
		log.Subscribe(NewReplica(NewStateMachine(), recorders[i], discard()))
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, log.Propose(ctx, AddNode(model.Address(fmt.Sprintf("n%d", i)), 1)))
	}
	require.NoError(t, log.Propose(ctx, RemoveNode("n2")))
	require.NoError(t, log.Propose(ctx, RemoveNode("n2")))

	want := []uint64{1, 2, 3, 4, 5, 6}
	for _, r := range recorders {
		assert.Equal(t, want, r.versions())
	}
	assert.Equal(t, 7, log.Len())
}

func TestLateSubscriberCatchesUp(t *testing.T) {
	t.Parallel()
	log := NewLocalLog()
	defer log.Close()
	ctx := context.Background()

	early := NewReplica(NewStateMachine(), &mapRecorder{}, discard())
	log.Subscribe(early)
	require.NoError(t, log.Propose(ctx, AddNode("a", 1)))
	require.NoError(t, log.Propose(ctx, AddNode("b", 1)))

	late := NewReplica(NewStateMachine(), &mapRecorder{}, discard())
	log.Subscribe(late)
	require.Eventually(t, func() bool { return late.Applied() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, early.Cluster().Members(), late.Cluster().Members())
	assert.Equal(t, early.Snapshot(), late.Snapshot())
}

func TestUnsubscribedReplicaStopsReceiving(t *testing.T) {
	t.Parallel()
	log := NewLocalLog()
	ctx := context.Background()

	rec := &mapRecorder{}
	unsubscribe := log.Subscribe(NewReplica(NewStateMachine(), rec, discard()))
	require.NoError(t, log.Propose(ctx, AddNode("a", 1)))
	unsubscribe()
	require.NoError(t, log.Propose(ctx, AddNode("b", 1)))
	assert.Equal(t, []uint64{1}, rec.versions())

	log.Close()
	assert.ErrorIs(t, log.Propose(ctx, AddNode("c", 1)), ErrClosed)
}

func TestReplicaRestoreNotifiesListener(t *testing.T) {
	t.Parallel()
	src := NewStateMachine()
	src.Apply(AddNode("a", 1))
	src.Apply(AddNode("b", 2))

	rec := &mapRecorder{}
	r := NewReplica(NewStateMachine(), rec, discard())
	require.NoError(t, r.Restore(context.Background(), src.Snapshot()))
	assert.Equal(t, []uint64{2}, rec.versions())
	assert.Equal(t, []model.Address{"a", "b"}, r.Cluster().Members())
}
