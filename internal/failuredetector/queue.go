package failuredetector

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/i5heu/ouroboros-ec/pkg/interfaces"
	"github.com/i5heu/ouroboros-ec/pkg/model"
	workerpool "github.com/i5heu/ouroboros-ec/pkg/workerPool"
)

// DefaultRelays is the number of members asked to probe a suspect
// indirectly.
const DefaultRelays = 3

// Notifier is told about confirmed failures. It is expected to request the
// removal of the member from the cluster.
type Notifier interface {
	NotifyFailure(ctx context.Context, addr model.Address) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, addr model.Address) error

func (f NotifierFunc) NotifyFailure(ctx context.Context, addr model.Address) error {
	return f(ctx, addr)
}

// Verdict is the outcome of probing one suspect.
type Verdict int

const (
	Alive Verdict = iota
	AliveIndirect
	Confirmed
)

func (v Verdict) String() string {
	switch v {
	case Alive:
		return "alive"
	case AliveIndirect:
		return "alive-indirect"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Queue holds the current suspects and probes them on RunOnce.
type Queue struct {
	self     model.Address
	prober   interfaces.Prober
	notifier Notifier
	log      *slog.Logger
	relays   int

	mu       sync.Mutex
	rng      *rand.Rand
	members  map[model.Address]struct{}
	suspects map[model.Address]struct{}
	// reported keeps confirmed members until they leave the member set so
	// each failure is notified once.
	reported map[model.Address]struct{}
}

// NewQueue returns an empty queue. relays below 1 uses DefaultRelays.
func NewQueue(self model.Address, prober interfaces.Prober, notifier Notifier, logger *slog.Logger, relays int, rng *rand.Rand) *Queue {
	if relays < 1 {
		relays = DefaultRelays
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Queue{
		self:     self,
		prober:   prober,
		notifier: notifier,
		log:      logger,
		relays:   relays,
		rng:      rng,
		members:  make(map[model.Address]struct{}),
		suspects: make(map[model.Address]struct{}),
		reported: make(map[model.Address]struct{}),
	}
}

// SetMembers replaces the member set. Suspects and confirmed failures that
// are no longer members are forgotten.
func (q *Queue) SetMembers(members []model.Address) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.members = make(map[model.Address]struct{}, len(members))
	for _, m := range members {
		q.members[m] = struct{}{}
	}
	for s := range q.suspects {
		if _, ok := q.members[s]; !ok {
			delete(q.suspects, s)
		}
	}
	for s := range q.reported {
		if _, ok := q.members[s]; !ok {
			delete(q.reported, s)
		}
	}
}

// QueueSuspect adds addr to the suspects probed on the next RunOnce.
func (q *Queue) QueueSuspect(addr model.Address) {
	if addr == q.self {
		return
	}
	q.mu.Lock()
	q.suspects[addr] = struct{}{}
	q.mu.Unlock()
}

// Pending returns the number of queued suspects.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.suspects)
}

func (q *Queue) drain() []model.Address {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Address, 0, len(q.suspects))
	for s := range q.suspects {
		if _, member := q.members[s]; !member {
			continue
		}
		if _, done := q.reported[s]; done {
			continue
		}
		out = append(out, s)
	}
	q.suspects = make(map[model.Address]struct{})
	return out
}

// pickRelays returns up to q.relays random members other than self and
// suspect.
func (q *Queue) pickRelays(suspect model.Address) []model.Address {
	q.mu.Lock()
	defer q.mu.Unlock()
	pool := make([]model.Address, 0, len(q.members))
	for m := range q.members {
		if m != suspect && m != q.self {
			pool = append(pool, m)
		}
	}
	// map order is not a shuffle
	q.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > q.relays {
		pool = pool[:q.relays]
	}
	return pool
}

// markReported records addr as confirmed and reports whether it was not
// already.
func (q *Queue) markReported(addr model.Address) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.reported[addr]; ok {
		return false
	}
	q.reported[addr] = struct{}{}
	return true
}

func (q *Queue) unmarkReported(addr model.Address) {
	q.mu.Lock()
	delete(q.reported, addr)
	q.mu.Unlock()
}

// RunOnce probes every queued suspect and notifies confirmed failures. It
// returns the verdict per suspect.
func (q *Queue) RunOnce(ctx context.Context) map[model.Address]Verdict {
	suspects := q.drain()
	verdicts := make(map[model.Address]Verdict, len(suspects))
	for _, s := range suspects {
		v := q.probe(ctx, s)
		verdicts[s] = v
		if v != Confirmed || !q.markReported(s) {
			continue
		}
		q.log.WarnContext(ctx, "member failure confirmed", logKeySuspect, string(s))
		if err := q.notifier.NotifyFailure(ctx, s); err != nil {
			// forget the confirmation so a later round asks again
			q.unmarkReported(s)
			q.log.ErrorContext(ctx, "failed to notify failure",
				logKeySuspect, string(s),
				logKeyError, err.Error())
		}
	}
	return verdicts
}

func (q *Queue) probe(ctx context.Context, suspect model.Address) Verdict {
	if q.prober.Ping1(ctx, suspect) {
		return Alive
	}

	relays := q.pickRelays(suspect)
	q.log.DebugContext(ctx, "direct probe failed",
		logKeySuspect, string(suspect),
		logKeyRelays, len(relays))
	if len(relays) == 0 {
		return Confirmed
	}

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	jobs := make([]workerpool.Job[bool], len(relays))
	for i, relay := range relays {
		relay := relay
		jobs[i] = func(ctx context.Context) (bool, error) {
			return q.prober.Ping2(ctx, relay, suspect), nil
		}
	}
	for r := range workerpool.Stream(probeCtx, workerpool.Config{WorkerCount: q.relays}, jobs) {
		if r.Err == nil && r.Value {
			return AliveIndirect
		}
	}
	return Confirmed
}
