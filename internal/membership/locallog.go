package membership

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Propose after Close.
var ErrClosed = errors.New("membership: log closed")

// Proposer appends commands to a membership log.
type Proposer interface {
	Propose(ctx context.Context, cmd Command) error
}

// LocalLog is an in-process totally ordered log. Every subscribed replica
// sees every command in the same order through its own mailbox goroutine,
// so a slow replica does not hold up the others.
type LocalLog struct {
	mu      sync.Mutex
	closed  bool
	entries []Command
	nextID  int
	boxes   map[int]*mailbox
}

func NewLocalLog() *LocalLog {
	return &LocalLog{boxes: make(map[int]*mailbox)}
}

// Subscribe attaches r. The replica first receives every entry already in
// the log. The returned function detaches it.
func (l *LocalLog) Subscribe(r *Replica) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	box := newMailbox(r)
	id := l.nextID
	l.nextID++
	l.boxes[id] = box
	box.push(l.entries...)
	go box.run()
	return func() {
		l.mu.Lock()
		delete(l.boxes, id)
		l.mu.Unlock()
		box.stop()
	}
}

// Propose appends cmd and waits until every replica subscribed at that
// moment has applied it, or ctx is done.
func (l *LocalLog) Propose(ctx context.Context, cmd Command) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.entries = append(l.entries, cmd)
	target := uint64(len(l.entries))
	boxes := make([]*mailbox, 0, len(l.boxes))
	for _, b := range l.boxes {
		b.push(cmd)
		boxes = append(boxes, b)
	}
	l.mu.Unlock()

	for _, b := range boxes {
		if err := b.wait(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of entries in the log.
func (l *LocalLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops every mailbox. Pending entries are dropped.
func (l *LocalLog) Close() {
	l.mu.Lock()
	l.closed = true
	boxes := l.boxes
	l.boxes = make(map[int]*mailbox)
	l.mu.Unlock()
	for _, b := range boxes {
		b.stop()
	}
}

type mailbox struct {
	replica *Replica

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Command
	applied uint64
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newMailbox(r *Replica) *mailbox {
	ctx, cancel := context.WithCancel(context.Background())
	b := &mailbox{replica: r, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *mailbox) push(cmds ...Command) {
	if len(cmds) == 0 {
		return
	}
	b.mu.Lock()
	b.queue = append(b.queue, cmds...)
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *mailbox) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.stopped {
			b.cond.Wait()
		}
		if b.stopped {
			b.mu.Unlock()
			return
		}
		cmd := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.replica.Apply(b.ctx, cmd)

		b.mu.Lock()
		b.applied++
		b.mu.Unlock()
		b.cond.Broadcast()
	}
}

// wait blocks until the mailbox applied at least n entries.
func (b *mailbox) wait(ctx context.Context, n uint64) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.applied < n && !b.stopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.cond.Wait()
	}
	return nil
}

func (b *mailbox) stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.cond.Broadcast()
	b.cancel()
	<-b.done
}
