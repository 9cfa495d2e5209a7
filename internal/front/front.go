// Package front is the object-level entry point: it splits objects into
// fragments on write and reassembles them on read.
package front

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
	"github.com/i5heu/ouroboros-ec/internal/erasure"
	"github.com/i5heu/ouroboros-ec/internal/rebuild"
	"github.com/i5heu/ouroboros-ec/pkg/interfaces"
	"github.com/i5heu/ouroboros-ec/pkg/model"
	workerpool "github.com/i5heu/ouroboros-ec/pkg/workerPool"
)

const (
	logKeyKey     = "key"
	logKeyWritten = "written"
	logKeyPiece   = "piece"
	logKeyError   = "error"
)

// ErrEmptyCluster is returned when there is no member to write to.
var ErrEmptyCluster = errors.New("front: cluster has no members")

// Rebuilder reconstructs the fragments of a key.
type Rebuilder interface {
	Rebuild(ctx context.Context, key string, cluster *clustermap.Map, opts rebuild.Options) ([][]byte, error)
}

type Config struct {
	Peers     interfaces.PeerClient
	Rebuilder Rebuilder
	Coder     *erasure.Coder
	Logger    *slog.Logger
}

// Front serves Create, Read and SanityCheck against the current cluster map.
type Front struct {
	peers     interfaces.PeerClient
	rebuilder Rebuilder
	coder     *erasure.Coder
	log       *slog.Logger

	mu      sync.RWMutex
	cluster *clustermap.Map
	// previous is the map replaced by cluster. Fragments may still sit at
	// their previous holder while the migration to cluster runs.
	previous *clustermap.Map
}

func New(cfg Config) (*Front, error) {
	switch {
	case cfg.Peers == nil:
		return nil, errors.New("front: peer client is required")
	case cfg.Rebuilder == nil:
		return nil, errors.New("front: rebuilder is required")
	case cfg.Logger == nil:
		return nil, errors.New("front: logger is required")
	}
	if cfg.Coder == nil {
		cfg.Coder = erasure.Default()
	}
	return &Front{
		peers:     cfg.Peers,
		rebuilder: cfg.Rebuilder,
		coder:     cfg.Coder,
		log:       cfg.Logger,
		cluster:   clustermap.Empty(),
		previous:  clustermap.Empty(),
	}, nil
}

// SetCluster replaces the map used for placement. The replaced map is kept
// for SanityCheck until the next newer map arrives.
func (f *Front) SetCluster(m *clustermap.Map) {
	f.mu.Lock()
	if m.Version() > f.cluster.Version() {
		f.previous = f.cluster
	}
	f.cluster = m
	f.mu.Unlock()
}

func (f *Front) maps() (cluster, previous *clustermap.Map) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cluster, f.previous
}

// Cluster returns the current map.
func (f *Front) Cluster() *clustermap.Map {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cluster
}

// Create encodes data and sends every fragment to its holder. It fails when
// fewer than K fragments were accepted; fragments that did land stay where
// they are and are picked up by the usual repair paths.
func (f *Front) Create(ctx context.Context, key string, data []byte) error {
	cluster := f.Cluster()
	if cluster.Len() == 0 {
		return ErrEmptyCluster
	}
	shards, err := f.coder.Encode(data)
	if err != nil {
		return fmt.Errorf("front: encode %q: %w", key, err)
	}
	holders := cluster.ComputeHolders(key, f.coder.N())

	jobs := make([]workerpool.Job[int], len(shards))
	for i := range shards {
		i := i
		jobs[i] = func(ctx context.Context) (int, error) {
			return i, f.peers.SendPiece(ctx, holders[i], model.SendPiece{
				Version: cluster.Version(),
				Loc:     model.PieceLocator{Key: key, Index: i},
				Data:    shards[i],
			})
		}
	}

	written := 0
	var lastErr error
	for _, r := range workerpool.Collect(ctx, workerpool.Config{WorkerCount: len(jobs)}, jobs) {
		if r.Err != nil {
			lastErr = r.Err
			f.log.DebugContext(ctx, "fragment write failed",
				logKeyKey, key,
				logKeyPiece, r.Value,
				logKeyError, r.Err.Error())
			continue
		}
		written++
	}
	if written < f.coder.K() {
		return model.Failed(fmt.Errorf("front: create %q: %d of %d fragments written: %w", key, written, f.coder.N(), lastErr))
	}
	if written < f.coder.N() {
		f.log.WarnContext(ctx, "object written with missing fragments",
			logKeyKey, key,
			logKeyWritten, written)
	}
	return nil
}

// Read reassembles the object stored under key.
func (f *Front) Read(ctx context.Context, key string) ([]byte, error) {
	shards, err := f.rebuilder.Rebuild(ctx, key, f.Cluster(), rebuild.Options{
		WithParity:        false,
		FallbackBroadcast: true,
	})
	if err != nil {
		return nil, err
	}
	data, err := f.coder.Decode(shards)
	if err != nil {
		return nil, fmt.Errorf("front: decode %q: %w", key, err)
	}
	return data, nil
}

// SanityCheck returns how many of key's fragments are missing from the
// holders the current map assigns. Unreachable holders count as missing.
//
// While a membership change migrates fragments, a fragment still at the
// holder the previous map assigned counts as present: the old holder only
// drops its copy after the new holder has stored it. A check that overlaps
// a map change is repeated against the newer map.
func (f *Front) SanityCheck(ctx context.Context, key string) (int, error) {
	for attempt := 1; ; attempt++ {
		cluster, previous := f.maps()
		if cluster.Len() == 0 {
			return 0, ErrEmptyCluster
		}
		lost := f.countLost(ctx, key, cluster, previous)
		if err := ctx.Err(); err != nil {
			return lost, err
		}
		if lost == 0 || attempt == sanityAttempts || f.Cluster().Version() == cluster.Version() {
			return lost, nil
		}
	}
}

// sanityAttempts bounds how often SanityCheck restarts on map changes.
const sanityAttempts = 3

func (f *Front) countLost(ctx context.Context, key string, cluster, previous *clustermap.Map) int {
	holders := cluster.ComputeHolders(key, f.coder.N())
	var before []model.Address
	if previous.Len() > 0 && previous.Version() < cluster.Version() {
		before = previous.ComputeHolders(key, f.coder.N())
	}

	jobs := make([]workerpool.Job[bool], len(holders))
	for i, h := range holders {
		loc := model.PieceLocator{Key: key, Index: i}
		h := h
		var old model.Address
		if before != nil && before[i] != h && cluster.Contains(before[i]) {
			old = before[i]
		}
		jobs[i] = func(ctx context.Context) (bool, error) {
			if old != "" {
				// checked first: once the old copy is gone the new one exists
				if ok, err := f.peers.PieceExists(ctx, old, loc); err == nil && ok {
					return true, nil
				}
			}
			return f.peers.PieceExists(ctx, h, loc)
		}
	}

	lost := 0
	for _, r := range workerpool.Collect(ctx, workerpool.Config{WorkerCount: len(jobs)}, jobs) {
		if r.Err != nil || !r.Value {
			lost++
		}
	}
	return lost
}
