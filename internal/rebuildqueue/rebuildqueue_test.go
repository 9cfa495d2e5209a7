package rebuildqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
	"github.com/i5heu/ouroboros-ec/internal/piecestore"
	"github.com/i5heu/ouroboros-ec/internal/rebuild"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

type fakeRebuilder struct {
	mu       sync.Mutex
	calls    int
	versions []uint64
	opts     []rebuild.Options
	err      error
	panics   bool
}

func (f *fakeRebuilder) Rebuild(ctx context.Context, key string, cluster *clustermap.Map, opts rebuild.Options) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.versions = append(f.versions, cluster.Version())
	f.opts = append(f.opts, opts)
	if f.panics {
		panic("rebuilder exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	shards := make([][]byte, model.N)
	for i := range shards {
		shards[i] = []byte(key + "-" + string(rune('0'+i)))
	}
	return shards, nil
}

type stabilizeRecorder struct {
	mu    sync.Mutex
	tasks []model.StabilizeTask
}

func (s *stabilizeRecorder) QueueTask(task model.StabilizeTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

type testingT interface {
	require.TestingT
	Helper()
}

func newQueue(t testingT, r Rebuilder) (*Queue, *piecestore.MemStore, *stabilizeRecorder) {
	t.Helper()
	store := piecestore.NewMemStore()
	stab := &stabilizeRecorder{}
	q, err := New(Config{
		Store:      store,
		Rebuilder:  r,
		Stabilizes: stab,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Workers:    4,
	})
	require.NoError(t, err)
	return q, store, stab
}

func TestQueueTaskDeduplicates(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		q, _, _ := newQueue(t, &fakeRebuilder{})
		tasks := rapid.SliceOf(rapid.Custom(func(t *rapid.T) model.RebuildTask {
			return model.RebuildTask{Loc: model.PieceLocator{
				Key:   rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, "key"),
				Index: rapid.IntRange(0, model.N-1).Draw(t, "index"),
			}}
		})).Draw(t, "tasks")

		distinct := map[model.RebuildTask]bool{}
		for _, task := range tasks {
			q.QueueTask(task)
			distinct[task] = true
		}
		if q.Len() != len(distinct) {
			t.Fatalf("expected %d pending, got %d", len(distinct), q.Len())
		}
	})
}

func TestFlushRebuildsMissingPiece(t *testing.T) {
	t.Parallel()
	r := &fakeRebuilder{}
	q, store, stab := newQueue(t, r)
	q.SetCluster(clustermap.New(7, nil))
	ctx := context.Background()

	loc := model.PieceLocator{Key: "obj", Index: 3}
	q.QueueTask(model.RebuildTask{Loc: loc})
	res := q.Flush(ctx)

	assert.Equal(t, FlushResult{Done: 1}, res)
	got, err := store.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("obj-3"), got)
	assert.Equal(t, []model.StabilizeTask{{Key: "obj"}}, stab.tasks)
	assert.Equal(t, []uint64{7}, r.versions)
	assert.Equal(t, rebuild.Options{WithParity: true, FallbackBroadcast: true}, r.opts[0])
	assert.Zero(t, q.Len())
}

func TestFlushSkipsPiecesAlreadyStored(t *testing.T) {
	t.Parallel()
	r := &fakeRebuilder{}
	q, store, stab := newQueue(t, r)
	ctx := context.Background()

	loc := model.PieceLocator{Key: "obj", Index: 0}
	require.NoError(t, store.Put(ctx, loc, []byte("mine")))
	q.QueueTask(model.RebuildTask{Loc: loc})

	assert.Equal(t, FlushResult{Done: 1}, q.Flush(ctx))
	assert.Zero(t, r.calls)
	assert.Empty(t, stab.tasks)
	got, err := store.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), got)
}

func TestFlushRequeuesFailures(t *testing.T) {
	t.Parallel()
	r := &fakeRebuilder{err: &model.DataLossError{Key: "obj"}}
	q, store, _ := newQueue(t, r)
	ctx := context.Background()

	q.QueueTask(model.RebuildTask{Loc: model.PieceLocator{Key: "obj", Index: 1}})
	q.QueueTask(model.RebuildTask{Loc: model.PieceLocator{Key: "obj", Index: 2}})

	assert.Equal(t, FlushResult{Failed: 2}, q.Flush(ctx))
	assert.Equal(t, 2, q.Len())

	r.mu.Lock()
	r.err = nil
	r.mu.Unlock()

	assert.Equal(t, FlushResult{Done: 2}, q.Flush(ctx))
	assert.Zero(t, q.Len())
	ok, err := store.Exists(ctx, model.PieceLocator{Key: "obj", Index: 2})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFlushSurvivesPanickingTask(t *testing.T) {
	t.Parallel()
	r := &fakeRebuilder{panics: true}
	q, _, _ := newQueue(t, r)

	q.QueueTask(model.RebuildTask{Loc: model.PieceLocator{Key: "obj", Index: 1}})
	assert.Equal(t, FlushResult{Failed: 1}, q.Flush(context.Background()))
	assert.Equal(t, 1, q.Len())
}

func TestFlushRequeuesWhenCancelled(t *testing.T) {
	t.Parallel()
	q, _, _ := newQueue(t, &fakeRebuilder{err: errors.New("unused")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q.QueueTask(model.RebuildTask{Loc: model.PieceLocator{Key: "obj", Index: 1}})
	q.Flush(ctx)
	assert.Equal(t, 1, q.Len())
}

func TestFlushEmptyQueue(t *testing.T) {
	t.Parallel()
	q, _, _ := newQueue(t, &fakeRebuilder{})
	assert.Equal(t, FlushResult{}, q.Flush(context.Background()))
}
