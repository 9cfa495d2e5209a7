package raftlog

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/i5heu/ouroboros-ec/internal/membership"
)

// task is one committed log position waiting to reach the replica.
type task struct {
	index uint64
	// restore replaces the replica state with snapshot.
	restore  bool
	snapshot []byte
	cmd      *membership.Command
	id       uuid.UUID
}

// applier feeds tasks to the replica on its own goroutine in commit order.
// Installing a map runs stabilization, which talks to peers; the raft loop
// only enqueues and keeps ticking.
type applier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []task
	stopped bool
	done    chan struct{}
}

func newApplier() *applier {
	a := &applier{done: make(chan struct{})}
	a.cond = sync.NewCond(&a.mu)
	return a
}

func (a *applier) push(t task) {
	a.mu.Lock()
	a.queue = append(a.queue, t)
	a.mu.Unlock()
	a.cond.Broadcast()
}

func (a *applier) run(ctx context.Context, install func(context.Context, task)) {
	defer close(a.done)
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.stopped {
			a.cond.Wait()
		}
		if a.stopped {
			a.mu.Unlock()
			return
		}
		t := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()

		install(ctx, t)
	}
}

// stop ends run after the task in progress. Queued tasks are dropped.
func (a *applier) stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.cond.Broadcast()
	<-a.done
}
