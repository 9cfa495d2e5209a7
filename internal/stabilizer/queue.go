package stabilizer

import (
	"context"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// QueueTask marks key for a re-check on the next flush. Queuing a key that
// is already pending is a no-op.
func (s *Stabilizer) QueueTask(task model.StabilizeTask) {
	s.queueMu.Lock()
	s.pending[task] = struct{}{}
	s.queueMu.Unlock()
}

// Len returns the number of pending keys.
func (s *Stabilizer) Len() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.pending)
}

func (s *Stabilizer) drain() []string {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	keys := make([]string, 0, len(s.pending))
	for t := range s.pending {
		keys = append(keys, t.Key)
	}
	s.pending = make(map[model.StabilizeTask]struct{})
	return keys
}

// Flush re-checks every pending key against the current map: fragments held
// here but placed elsewhere are moved, fragments placed here but missing are
// healed. Keys whose actions fail are queued again.
func (s *Stabilizer) Flush(ctx context.Context) Report {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	cluster := s.Cluster()
	report := Report{Mode: ModeResync, Version: cluster.Version()}
	keys := s.drain()
	if len(keys) == 0 {
		return report
	}

	actions := PlanResync(s.self, cluster, cluster, keys)
	report.Actions = len(actions)
	report.Failed = s.execute(ctx, cluster, actions)
	if report.Failed > 0 {
		s.log.DebugContext(ctx, "stabilize flush had failures",
			logKeyActions, report.Actions,
			logKeyFailed, report.Failed)
	}
	return report
}

// Run flushes the queue every interval until ctx is done.
func (s *Stabilizer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

func (r Report) String() string {
	return fmt.Sprintf("%s v%d: %d actions, %d failed", r.Mode, r.Version, r.Actions, r.Failed)
}
