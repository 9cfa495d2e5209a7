// Package stabilizer converges the fragments stored on this node to the
// placement of the newest cluster map.
//
// Two modes exist. SetNewCluster is the diff-aware mode: it expects exactly
// one member to join or leave and only touches indices whose holder changed,
// turning fragments of a departed node into placeholders so nobody waits on
// the dead. Resync is the blanket mode for when the previous placement cannot
// be trusted (first map after start, multi-member jumps): every locally known
// key is re-checked against the new map.
package stabilizer

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

// DefaultFetchTimeout bounds a point-to-point fragment fetch.
const DefaultFetchTimeout = 5 * time.Second

const (
	logKeyMode    = "mode"
	logKeyVersion = "version"
	logKeyActions = "actions"
	logKeyFailed  = "failed"
	logKeyAction  = "action"
	logKeyPiece   = "piece"
	logKeyKey     = "key"
	logKeyError   = "error"
)

// ErrMultiChange is returned by SetNewCluster when more than one member
// differs between the current and the new map.
var ErrMultiChange = errors.New("stabilizer: more than one member changed")

// Mode names the stabilization strategy used for an update.
type Mode string

const (
	ModeDiff   Mode = "diff"
	ModeResync Mode = "resync"
)

// Rebuilder reconstructs the fragments of a key.
type Rebuilder interface {
	Rebuild(ctx context.Context, key string, cluster *clustermap.Map, opts rebuild.Options) ([][]byte, error)
}

// Config wires a Stabilizer.
type Config struct {
	Self         model.Address
	Store        interfaces.PieceStore
	Peers        interfaces.PeerClient
	Rebuilder    Rebuilder
	Logger       *slog.Logger
	Workers      int
	FetchTimeout time.Duration
}

// Report describes one stabilization run.
type Report struct {
	Mode    Mode
	Version uint64
	Actions int
	Failed  int
}

// Stabilizer owns this node's view of placement for migrations and the
// queue of keys that need their fragments re-checked.
type Stabilizer struct {
	self         model.Address
	store        interfaces.PieceStore
	peers        interfaces.PeerClient
	rebuilder    Rebuilder
	log          *slog.Logger
	workers      int
	fetchTimeout time.Duration

	// updateMu serialises cluster updates and queue flushes.
	updateMu sync.Mutex

	mu      sync.RWMutex
	cluster *clustermap.Map

	queueMu sync.Mutex
	pending map[model.StabilizeTask]struct{}
}

func New(cfg Config) (*Stabilizer, error) {
	switch {
	case cfg.Self == "":
		return nil, errors.New("stabilizer: self address is required")
	case cfg.Store == nil:
		return nil, errors.New("stabilizer: store is required")
	case cfg.Peers == nil:
		return nil, errors.New("stabilizer: peer client is required")
	case cfg.Rebuilder == nil:
		return nil, errors.New("stabilizer: rebuilder is required")
	case cfg.Logger == nil:
		return nil, errors.New("stabilizer: logger is required")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	return &Stabilizer{
		self:         cfg.Self,
		store:        cfg.Store,
		peers:        cfg.Peers,
		rebuilder:    cfg.Rebuilder,
		log:          cfg.Logger,
		workers:      cfg.Workers,
		fetchTimeout: cfg.FetchTimeout,
		cluster:      clustermap.Empty(),
		pending:      make(map[model.StabilizeTask]struct{}),
	}, nil
}

// Cluster returns the map the stabilizer currently converges to.
func (s *Stabilizer) Cluster() *clustermap.Map {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cluster
}

func (s *Stabilizer) swap(m *clustermap.Map) {
	s.mu.Lock()
	s.cluster = m
	s.mu.Unlock()
}

// SetNewCluster migrates local fragments from the current map to next and
// then makes next current. Maps older than the current one are ignored.
// It returns ErrMultiChange, leaving the current map in place, when the
// membership difference is not a single join or leave; the caller is
// expected to fall back to Resync.
func (s *Stabilizer) SetNewCluster(ctx context.Context, next *clustermap.Map) (Report, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	old := s.Cluster()
	report := Report{Mode: ModeDiff, Version: next.Version()}
	if next.Version() < old.Version() {
		return report, nil
	}

	change := clustermap.Diff(old, next)
	if change.None() {
		s.swap(next)
		return report, nil
	}
	if !change.Single() {
		return report, fmt.Errorf("%w: +%d -%d", ErrMultiChange, len(change.Added), len(change.Removed))
	}

	keys, err := s.store.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("stabilizer: list keys: %w", err)
	}
	actions := Plan(s.self, old, next, change, keys)
	report.Actions = len(actions)
	report.Failed = s.execute(ctx, next, actions)
	s.swap(next)

	s.log.InfoContext(ctx, "cluster stabilized",
		logKeyMode, string(report.Mode),
		logKeyVersion, report.Version,
		logKeyActions, report.Actions,
		logKeyFailed, report.Failed)
	return report, nil
}

// Resync re-checks every local key against next without trusting the
// current map, then makes next current.
func (s *Stabilizer) Resync(ctx context.Context, next *clustermap.Map) (Report, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	old := s.Cluster()
	report := Report{Mode: ModeResync, Version: next.Version()}
	if next.Version() < old.Version() {
		return report, nil
	}

	keys, err := s.store.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("stabilizer: list keys: %w", err)
	}
	actions := PlanResync(s.self, old, next, keys)
	report.Actions = len(actions)
	report.Failed = s.execute(ctx, next, actions)
	s.swap(next)

	s.log.InfoContext(ctx, "cluster resynced",
		logKeyMode, string(report.Mode),
		logKeyVersion, report.Version,
		logKeyActions, report.Actions,
		logKeyFailed, report.Failed)
	return report, nil
}

// execute runs actions concurrently and returns how many failed. Keys of
// failed actions are queued for the next flush.
func (s *Stabilizer) execute(ctx context.Context, cluster *clustermap.Map, actions []Action) int {
	if len(actions) == 0 {
		return 0
	}
	jobs := make([]workerpool.Job[Action], len(actions))
	for i, a := range actions {
		a := a
		jobs[i] = func(ctx context.Context) (Action, error) {
			_, err := workerpool.Safe(ctx, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, s.run(ctx, cluster, a)
			})
			return a, err
		}
	}

	failed := 0
	results := workerpool.Collect(ctx, workerpool.Config{WorkerCount: s.workers}, jobs)
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		failed++
		s.log.WarnContext(ctx, "stabilize action failed",
			logKeyAction, r.Value.Kind.String(),
			logKeyPiece, r.Value.Loc.String(),
			logKeyError, r.Err.Error())
		// a vanished target is handled by its own removal; lost data cannot
		// be retried into existence
		if r.Value.Kind != PseudoMove && !model.IsDataLoss(r.Err) {
			s.QueueTask(model.StabilizeTask{Key: r.Value.Loc.Key})
		}
	}
	return failed + len(actions) - len(results)
}

func (s *Stabilizer) run(ctx context.Context, cluster *clustermap.Map, a Action) error {
	switch a.Kind {
	case PseudoMove:
		return s.peers.SendPiece(ctx, a.To, model.SendPiece{Version: cluster.Version(), Loc: a.Loc})
	case SelfHeal:
		return s.selfHeal(ctx, cluster, a)
	case MoveOwnership:
		return s.moveOwnership(ctx, cluster, a)
	default:
		return fmt.Errorf("stabilizer: unknown action %d", a.Kind)
	}
}

func (s *Stabilizer) selfHeal(ctx context.Context, cluster *clustermap.Map, a Action) error {
	ok, err := s.store.Exists(ctx, a.Loc)
	if err != nil {
		return model.Failed(err)
	}
	if ok {
		return nil
	}

	if a.From != "" && a.From != s.self && cluster.Contains(a.From) {
		fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		data, err := s.peers.RequestPiece(fetchCtx, a.From, a.Loc)
		cancel()
		if err == nil {
			return s.put(ctx, a.Loc, data)
		}
	}

	shards, err := s.rebuilder.Rebuild(ctx, a.Loc.Key, cluster, rebuild.Options{
		WithParity:        true,
		FallbackBroadcast: true,
	})
	if err != nil {
		return err
	}
	return s.put(ctx, a.Loc, shards[a.Loc.Index])
}

func (s *Stabilizer) put(ctx context.Context, loc model.PieceLocator, data []byte) error {
	if data == nil {
		return model.Failed(fmt.Errorf("stabilizer: no data for %s", loc))
	}
	if err := s.store.Put(ctx, loc, data); err != nil {
		return model.Failed(err)
	}
	return nil
}

// moveOwnership ships the local copy of a.Loc to a.To and drops it here. A
// missing local copy is not an error.
func (s *Stabilizer) moveOwnership(ctx context.Context, cluster *clustermap.Map, a Action) error {
	data, err := s.store.Get(ctx, a.Loc)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return model.Failed(err)
	}
	err = s.peers.SendPiece(ctx, a.To, model.SendPiece{
		Version: cluster.Version(),
		Loc:     a.Loc,
		Data:    data,
	})
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, a.Loc); err != nil {
		return model.Failed(err)
	}
	return nil
}
