// Package rebuildqueue keeps the backlog of fragments this node should hold
// but does not, and rebuilds them on a periodic flush.
package rebuildqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
	"github.com/i5heu/ouroboros-ec/internal/rebuild"
	"github.com/i5heu/ouroboros-ec/pkg/interfaces"
	"github.com/i5heu/ouroboros-ec/pkg/model"
	workerpool "github.com/i5heu/ouroboros-ec/pkg/workerPool"
)

const (
	logKeyPiece   = "piece"
	logKeyError   = "error"
	logKeyPending = "pending"
	logKeyFailed  = "failed"
)

// Rebuilder reconstructs the fragments of a key.
type Rebuilder interface {
	Rebuild(ctx context.Context, key string, cluster *clustermap.Map, opts rebuild.Options) ([][]byte, error)
}

// StabilizeQueuer is told about every key that received a fresh fragment.
type StabilizeQueuer interface {
	QueueTask(task model.StabilizeTask)
}

// Config wires a Queue.
type Config struct {
	Store      interfaces.PieceStore
	Rebuilder  Rebuilder
	Stabilizes StabilizeQueuer
	Logger     *slog.Logger
	// Workers bounds the tasks rebuilt at once; defaults to twice the
	// available parallelism.
	Workers int
}

// Queue is a set of pending rebuild tasks. Enqueuing a task that is already
// pending is a no-op.
type Queue struct {
	store      interfaces.PieceStore
	rebuilder  Rebuilder
	stabilizes StabilizeQueuer
	log        *slog.Logger
	workers    int

	clusterMu sync.RWMutex
	cluster   *clustermap.Map

	mu      sync.Mutex
	pending map[model.RebuildTask]struct{}
}

func New(cfg Config) (*Queue, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("rebuildqueue: store is required")
	case cfg.Rebuilder == nil:
		return nil, errors.New("rebuildqueue: rebuilder is required")
	case cfg.Stabilizes == nil:
		return nil, errors.New("rebuildqueue: stabilize queue is required")
	case cfg.Logger == nil:
		return nil, errors.New("rebuildqueue: logger is required")
	}
	return &Queue{
		store:      cfg.Store,
		rebuilder:  cfg.Rebuilder,
		stabilizes: cfg.Stabilizes,
		log:        cfg.Logger,
		workers:    cfg.Workers,
		cluster:    clustermap.Empty(),
		pending:    make(map[model.RebuildTask]struct{}),
	}, nil
}

// SetCluster replaces the map used by the next flush.
func (q *Queue) SetCluster(m *clustermap.Map) {
	q.clusterMu.Lock()
	q.cluster = m
	q.clusterMu.Unlock()
}

func (q *Queue) currentCluster() *clustermap.Map {
	q.clusterMu.RLock()
	defer q.clusterMu.RUnlock()
	return q.cluster
}

// QueueTask adds task to the pending set.
func (q *Queue) QueueTask(task model.RebuildTask) {
	q.mu.Lock()
	q.pending[task] = struct{}{}
	q.mu.Unlock()
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) drain() []model.RebuildTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]model.RebuildTask, 0, len(q.pending))
	for t := range q.pending {
		tasks = append(tasks, t)
	}
	q.pending = make(map[model.RebuildTask]struct{})
	return tasks
}

// FlushResult summarises one flush.
type FlushResult struct {
	Done   int
	Failed int
}

// Flush drains the pending set and executes every task against the cluster
// map current at the start of the flush. Failed tasks go back into the set.
func (q *Queue) Flush(ctx context.Context) FlushResult {
	tasks := q.drain()
	if len(tasks) == 0 {
		return FlushResult{}
	}
	cluster := q.currentCluster()

	var doneMu sync.Mutex
	done := make(map[model.RebuildTask]bool, len(tasks))
	jobs := make([]workerpool.Job[struct{}], len(tasks))
	for i, task := range tasks {
		task := task
		jobs[i] = func(ctx context.Context) (struct{}, error) {
			if err := q.execute(ctx, cluster, task); err != nil {
				q.log.WarnContext(ctx, "rebuild task failed",
					logKeyPiece, task.Loc.String(),
					logKeyError, err.Error())
				return struct{}{}, err
			}
			doneMu.Lock()
			done[task] = true
			doneMu.Unlock()
			return struct{}{}, nil
		}
	}
	workerpool.Collect(ctx, workerpool.Config{WorkerCount: q.workers}, jobs)

	// failed, panicked and never started tasks all go back into the set
	var res FlushResult
	for _, t := range tasks {
		if done[t] {
			res.Done++
			continue
		}
		res.Failed++
		q.QueueTask(t)
	}
	if res.Failed > 0 {
		q.log.InfoContext(ctx, "rebuild flush finished with failures",
			logKeyFailed, res.Failed,
			logKeyPending, q.Len())
	}
	return res
}

func (q *Queue) execute(ctx context.Context, cluster *clustermap.Map, task model.RebuildTask) error {
	ok, err := q.store.Exists(ctx, task.Loc)
	if err != nil {
		return model.Failed(err)
	}
	if ok {
		return nil
	}

	shards, err := q.rebuilder.Rebuild(ctx, task.Loc.Key, cluster, rebuild.Options{
		WithParity:        true,
		FallbackBroadcast: true,
	})
	if err != nil {
		return err
	}
	if task.Loc.Index >= len(shards) || shards[task.Loc.Index] == nil {
		return fmt.Errorf("rebuildqueue: %s missing from reconstruction", task.Loc)
	}
	if err := q.store.Put(ctx, task.Loc, shards[task.Loc.Index]); err != nil {
		return model.Failed(err)
	}
	q.stabilizes.QueueTask(model.StabilizeTask{Key: task.Loc.Key})
	return nil
}

// Run flushes the queue every interval until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Flush(ctx)
		}
	}
}
