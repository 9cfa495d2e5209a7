// Package rebuild gathers erasure-coded fragments of an object from the
// cluster and reconstructs the missing ones.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
	"github.com/i5heu/ouroboros-ec/internal/erasure"
	"github.com/i5heu/ouroboros-ec/pkg/interfaces"
	"github.com/i5heu/ouroboros-ec/pkg/model"
	workerpool "github.com/i5heu/ouroboros-ec/pkg/workerPool"
)

// DefaultFetchTimeout bounds every single fetch of a rebuild pass.
const DefaultFetchTimeout = 5 * time.Second

const (
	logKeyKey   = "key"
	logKeyFound = "found"
	logKeyPeers = "peers"
)

// Options selects what a rebuild reconstructs and how hard it tries.
type Options struct {
	// WithParity restores all N fragments instead of only the K data ones.
	WithParity bool
	// FallbackBroadcast asks every member when the holders fall short.
	FallbackBroadcast bool
}

// Config wires an Engine.
type Config struct {
	Peers        interfaces.PeerClient
	Coder        *erasure.Coder
	Logger       *slog.Logger
	FetchTimeout time.Duration
	// BroadcastWorkers bounds the broadcast pass; defaults to twice the
	// available parallelism.
	BroadcastWorkers int
}

// Engine reconstructs objects from whatever fragments the cluster still has.
type Engine struct {
	peers            interfaces.PeerClient
	coder            *erasure.Coder
	log              *slog.Logger
	fetchTimeout     time.Duration
	broadcastWorkers int
}

func New(cfg Config) (*Engine, error) {
	if cfg.Peers == nil {
		return nil, errors.New("rebuild: peer client is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("rebuild: logger is required")
	}
	if cfg.Coder == nil {
		cfg.Coder = erasure.Default()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.BroadcastWorkers <= 0 {
		cfg.BroadcastWorkers = workerpool.DefaultWorkers()
	}
	return &Engine{
		peers:            cfg.Peers,
		coder:            cfg.Coder,
		log:              cfg.Logger,
		fetchTimeout:     cfg.FetchTimeout,
		broadcastWorkers: cfg.BroadcastWorkers,
	}, nil
}

// Rebuild collects at least K fragments of key and returns all N slots with
// the reconstructed ones filled in. Without opts.WithParity only the K data
// slots are guaranteed to be set. A *model.DataLossError is returned when
// fewer than K fragments exist among the reachable nodes.
func (e *Engine) Rebuild(ctx context.Context, key string, cluster *clustermap.Map, opts Options) ([][]byte, error) {
	buf := newBuffer(e.coder.N())

	holders := dedupe(cluster.ComputeHolders(key, e.coder.N()))
	done := e.gather(ctx, key, holders, e.coder.N(), buf)

	if !done && opts.FallbackBroadcast {
		members := cluster.Members()
		e.log.DebugContext(ctx, "holders fell short, broadcasting",
			logKeyKey, key,
			logKeyFound, buf.filled,
			logKeyPeers, len(members))
		done = e.gather(ctx, key, members, e.broadcastWorkers, buf)
	}
	if !done {
		if err := ctx.Err(); err != nil {
			return nil, model.Failed(err)
		}
		return nil, &model.DataLossError{Key: key, Found: buf.filled}
	}

	if err := e.coder.Reconstruct(buf.shards, opts.WithParity); err != nil {
		return nil, model.Failed(fmt.Errorf("rebuild %q: %w", key, err))
	}
	return buf.shards, nil
}

// gather fans out RequestAnyPieces to targets and merges the answers as
// they arrive. It returns true as soon as K distinct fragments are known;
// requests still in flight are cancelled.
func (e *Engine) gather(ctx context.Context, key string, targets []model.Address, workers int, buf *buffer) bool {
	if buf.filled >= e.coder.K() {
		return true
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make([]workerpool.Job[[]model.IndexedPiece], 0, len(targets))
	for _, to := range targets {
		if to == "" {
			continue
		}
		to := to
		jobs = append(jobs, func(ctx context.Context) ([]model.IndexedPiece, error) {
			ctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
			defer cancel()
			return e.peers.RequestAnyPieces(ctx, to, key)
		})
	}

	for res := range workerpool.Stream(ctx, workerpool.Config{WorkerCount: workers}, jobs) {
		if res.Err != nil {
			continue
		}
		buf.merge(res.Value)
		if buf.filled >= e.coder.K() {
			return true
		}
	}
	return buf.filled >= e.coder.K()
}

type buffer struct {
	shards [][]byte
	filled int
	size   int
}

func newBuffer(n int) *buffer {
	return &buffer{shards: make([][]byte, n), size: -1}
}

// merge keeps the first copy of every index. Fragments whose size disagrees
// with the ones already collected are ignored.
func (b *buffer) merge(pieces []model.IndexedPiece) {
	for _, p := range pieces {
		if p.Index < 0 || p.Index >= len(b.shards) || len(p.Data) == 0 || b.shards[p.Index] != nil {
			continue
		}
		if b.size >= 0 && len(p.Data) != b.size {
			continue
		}
		b.size = len(p.Data)
		b.shards[p.Index] = p.Data
		b.filled++
	}
}

func dedupe(addrs []model.Address) []model.Address {
	seen := make(map[model.Address]bool, len(addrs))
	out := make([]model.Address, 0, len(addrs))
	for _, a := range addrs {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
