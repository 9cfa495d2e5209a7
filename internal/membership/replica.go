package membership

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
)

const (
	logKeyCommand = "command"
	logKeyVersion = "version"
	logKeyMembers = "members"
	logKeyError   = "error"
)

// Listener receives every new cluster map a replica produces, in order.
type Listener interface {
	SetNewCluster(ctx context.Context, m *clustermap.Map)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, m *clustermap.Map)

func (f ListenerFunc) SetNewCluster(ctx context.Context, m *clustermap.Map) { f(ctx, m) }

// Replica applies log entries to a StateMachine and forwards resulting maps
// to its listener. Apply and Restore must be called from one goroutine.
type Replica struct {
	sm       *StateMachine
	listener Listener
	log      *slog.Logger
	applied  atomic.Uint64
}

func NewReplica(sm *StateMachine, listener Listener, logger *slog.Logger) *Replica {
	return &Replica{sm: sm, listener: listener, log: logger}
}

// Apply executes one log entry and reports whether membership changed.
func (r *Replica) Apply(ctx context.Context, cmd Command) bool {
	defer r.applied.Add(1)
	m, changed := r.sm.Apply(cmd)
	if !changed {
		r.log.DebugContext(ctx, "membership command had no effect", logKeyCommand, cmd.String())
		return false
	}
	r.log.InfoContext(ctx, "membership changed",
		logKeyCommand, cmd.String(),
		logKeyVersion, m.Version(),
		logKeyMembers, m.Len())
	r.listener.SetNewCluster(ctx, m)
	return true
}

// Restore installs a snapshot and forwards the restored map.
func (r *Replica) Restore(ctx context.Context, snapshot []byte) error {
	m, err := r.sm.Restore(snapshot)
	if err != nil {
		return err
	}
	r.listener.SetNewCluster(ctx, m)
	return nil
}

// Applied returns how many entries this replica has applied.
func (r *Replica) Applied() uint64 {
	return r.applied.Load()
}

// Cluster returns the replica's current map.
func (r *Replica) Cluster() *clustermap.Map {
	return r.sm.Map()
}

// Snapshot serialises the replica's state.
func (r *Replica) Snapshot() []byte {
	return r.sm.Snapshot()
}
