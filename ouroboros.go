/*
!! Currently the store is in an early stage of development and should not be used in production environments. !!
*/
package ouroboros

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
	"github.com/i5heu/ouroboros-ec/internal/erasure"
	"github.com/i5heu/ouroboros-ec/internal/failuredetector"
	"github.com/i5heu/ouroboros-ec/internal/front"
	"github.com/i5heu/ouroboros-ec/internal/membership"
	"github.com/i5heu/ouroboros-ec/internal/peer"
	"github.com/i5heu/ouroboros-ec/internal/rebuild"
	"github.com/i5heu/ouroboros-ec/internal/rebuildqueue"
	"github.com/i5heu/ouroboros-ec/internal/stabilizer"
	"github.com/i5heu/ouroboros-ec/internal/transport"
	"github.com/i5heu/ouroboros-ec/pkg/interfaces"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

const (
	logKeySelf    = "self"
	logKeyNode    = "node"
	logKeyVersion = "version"
	logKeyMode    = "mode"
	logKeyError   = "error"
)

// ErrNoProposer is returned by membership changes before SetProposer.
var ErrNoProposer = errors.New("ouroboros: no membership log attached")

// Config configures a Node.
type Config struct {
	// Self is the address other members reach this node at.
	Self   model.Address
	Store  interfaces.PieceStore
	Caller transport.Caller
	// Capacity reports the placement weight this node announces.
	// Defaults to 1.
	Capacity func() float64
	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger

	PingTimeout  time.Duration
	FetchTimeout time.Duration
	// Workers bounds concurrent rebuild and stabilize actions.
	Workers int
	// DetectorSeed makes failure detection reproducible when non-zero.
	DetectorSeed uint64
	// NotifyTimeout bounds the removal request for a member the failure
	// detector confirmed dead. Defaults to DefaultNotifyTimeout.
	NotifyTimeout time.Duration
}

// DefaultNotifyTimeout is used when Config.NotifyTimeout is zero.
const DefaultNotifyTimeout = 10 * time.Second

// Intervals controls the background loops started by Run.
type Intervals struct {
	Report      time.Duration
	Probe       time.Duration
	Rebuild     time.Duration
	Stabilize   time.Duration
	Maintenance time.Duration
}

// DefaultIntervals returns the loop periods used by the daemon.
func DefaultIntervals() Intervals {
	return Intervals{
		Report:      time.Second,
		Probe:       time.Second,
		Rebuild:     5 * time.Second,
		Stabilize:   5 * time.Second,
		Maintenance: 10 * time.Minute,
	}
}

// Node is one member of the object store. It applies membership changes
// from the log, serves peer RPCs and answers the object front end.
type Node struct {
	self          model.Address
	store         interfaces.PieceStore
	log           *slog.Logger
	notifyTimeout time.Duration

	peers      *peer.Client
	service    *peer.Service
	engine     *rebuild.Engine
	rebuilds   *rebuildqueue.Queue
	stabilizer *stabilizer.Stabilizer
	detector   *failuredetector.Detector
	front      *front.Front

	proposerMu sync.RWMutex
	proposer   membership.Proposer

	// updateMu serialises cluster map updates.
	updateMu sync.Mutex

	closeOnce sync.Once
}

func defaultLogger() *slog.Logger { // A
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// New wires the components of a node. It starts no goroutines; call Run for
// the background loops.
func New(cfg Config) (*Node, error) { // A
	switch {
	case cfg.Self == "":
		return nil, errors.New("ouroboros: self address is required")
	case cfg.Store == nil:
		return nil, errors.New("ouroboros: store is required")
	case cfg.Caller == nil:
		return nil, errors.New("ouroboros: caller is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	logger := cfg.Logger.With(logKeySelf, string(cfg.Self))

	n := &Node{
		self:          cfg.Self,
		store:         cfg.Store,
		log:           logger,
		notifyTimeout: cfg.NotifyTimeout,
		peers:         peer.NewClient(cfg.Caller, cfg.PingTimeout),
	}
	coder := erasure.Default()

	var err error
	n.engine, err = rebuild.New(rebuild.Config{
		Peers:        n.peers,
		Coder:        coder,
		Logger:       logger,
		FetchTimeout: cfg.FetchTimeout,
	})
	if err != nil {
		return nil, err
	}
	n.stabilizer, err = stabilizer.New(stabilizer.Config{
		Self:         cfg.Self,
		Store:        cfg.Store,
		Peers:        n.peers,
		Rebuilder:    n.engine,
		Logger:       logger,
		Workers:      cfg.Workers,
		FetchTimeout: cfg.FetchTimeout,
	})
	if err != nil {
		return nil, err
	}
	n.rebuilds, err = rebuildqueue.New(rebuildqueue.Config{
		Store:      cfg.Store,
		Rebuilder:  n.engine,
		Stabilizes: n.stabilizer,
		Logger:     logger,
		Workers:    cfg.Workers,
	})
	if err != nil {
		return nil, err
	}
	n.service, err = peer.NewService(peer.ServiceConfig{
		Store:      cfg.Store,
		Rebuilds:   n.rebuilds,
		Stabilizes: n.stabilizer,
		Prober:     n.peers,
		Capacity:   cfg.Capacity,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	n.detector, err = failuredetector.New(failuredetector.Config{
		Self:     cfg.Self,
		Prober:   n.peers,
		Notifier: n,
		Logger:   logger,
		Relays:   failuredetector.DefaultRelays,
		Seed:     cfg.DetectorSeed,
	})
	if err != nil {
		return nil, err
	}
	n.front, err = front.New(front.Config{
		Peers:     n.peers,
		Rebuilder: n.engine,
		Coder:     coder,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Self returns the node's address.
func (n *Node) Self() model.Address {
	return n.self
}

// Register installs the peer RPC handlers on mux.
func (n *Node) Register(mux *transport.Mux) {
	n.service.Register(mux)
}

// SetProposer attaches the membership log used by AddNode, RemoveNode and
// the failure detector.
func (n *Node) SetProposer(p membership.Proposer) {
	n.proposerMu.Lock()
	n.proposer = p
	n.proposerMu.Unlock()
}

func (n *Node) propose(ctx context.Context, cmd membership.Command) error {
	n.proposerMu.RLock()
	p := n.proposer
	n.proposerMu.RUnlock()
	if p == nil {
		return ErrNoProposer
	}
	if err := p.Propose(ctx, cmd); err != nil {
		return fmt.Errorf("ouroboros: propose %s: %w", cmd, err)
	}
	return nil
}

// SetNewCluster installs a map produced by the membership log. Every
// component switches to m before local fragments are migrated. Maps older
// than the current one are ignored.
func (n *Node) SetNewCluster(ctx context.Context, m *clustermap.Map) {
	n.updateMu.Lock()
	defer n.updateMu.Unlock()

	if m.Version() < n.stabilizer.Cluster().Version() {
		return
	}
	n.detector.SetCluster(m)
	n.front.SetCluster(m)
	n.service.SetCluster(m)
	n.rebuilds.SetCluster(m)

	report, err := n.stabilizer.SetNewCluster(ctx, m)
	if errors.Is(err, stabilizer.ErrMultiChange) {
		n.log.InfoContext(ctx, "membership jumped, resyncing",
			logKeyVersion, m.Version())
		report, err = n.stabilizer.Resync(ctx, m)
	}
	if err != nil {
		n.log.ErrorContext(ctx, "stabilization failed",
			logKeyVersion, m.Version(),
			logKeyError, err)
		return
	}
	n.log.DebugContext(ctx, "cluster installed",
		logKeyVersion, report.Version,
		logKeyMode, string(report.Mode))
	n.stabilizer.Flush(ctx)
}

// Cluster returns the map the node currently serves with.
func (n *Node) Cluster() *clustermap.Map {
	return n.front.Cluster()
}

// Create erasure-codes data and stores it under key.
func (n *Node) Create(ctx context.Context, key string, data []byte) error {
	return n.front.Create(ctx, key, data)
}

// Read returns the object stored under key.
func (n *Node) Read(ctx context.Context, key string) ([]byte, error) {
	return n.front.Read(ctx, key)
}

// SanityCheck returns how many fragments of key are missing from their
// holders.
func (n *Node) SanityCheck(ctx context.Context, key string) (int, error) {
	return n.front.SanityCheck(ctx, key)
}

// AddNode asks addr for its capacity and proposes it as a member.
func (n *Node) AddNode(ctx context.Context, addr model.Address) error {
	capacity, err := n.peers.RequestCapacity(ctx, addr)
	if err != nil {
		return fmt.Errorf("ouroboros: capacity of %s: %w", addr, err)
	}
	return n.propose(ctx, membership.AddNode(addr, capacity))
}

// RemoveNode proposes removing addr from the cluster.
func (n *Node) RemoveNode(ctx context.Context, addr model.Address) error {
	return n.propose(ctx, membership.RemoveNode(addr))
}

// NotifyFailure is called by the failure detector for a confirmed dead
// member. A removal that does not commit within the notify timeout fails;
// the detector asks again on a later round.
func (n *Node) NotifyFailure(ctx context.Context, addr model.Address) error {
	n.log.WarnContext(ctx, "member confirmed dead, removing", logKeyNode, string(addr))
	ctx, cancel := context.WithTimeout(ctx, n.notifyTimeout)
	defer cancel()
	return n.RemoveNode(ctx, addr)
}

type cleaner interface {
	Clean() error
}

// Run starts the failure detector, both queues and store maintenance, and
// blocks until ctx is done.
func (n *Node) Run(ctx context.Context, iv Intervals) { // A
	def := DefaultIntervals()
	if iv.Report <= 0 {
		iv.Report = def.Report
	}
	if iv.Probe <= 0 {
		iv.Probe = def.Probe
	}
	if iv.Rebuild <= 0 {
		iv.Rebuild = def.Rebuild
	}
	if iv.Stabilize <= 0 {
		iv.Stabilize = def.Stabilize
	}
	if iv.Maintenance <= 0 {
		iv.Maintenance = def.Maintenance
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		n.detector.Run(ctx, iv.Report, iv.Probe)
	}()
	go func() {
		defer wg.Done()
		n.rebuilds.Run(ctx, iv.Rebuild)
	}()
	go func() {
		defer wg.Done()
		n.stabilizer.Run(ctx, iv.Stabilize)
	}()
	go func() {
		defer wg.Done()
		n.maintain(ctx, iv.Maintenance)
	}()
	wg.Wait()
}

func (n *Node) maintain(ctx context.Context, interval time.Duration) {
	c, ok := n.store.(cleaner)
	if !ok {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Clean(); err != nil {
				n.log.WarnContext(ctx, "store maintenance failed", logKeyError, err)
			}
		}
	}
}

// Close releases the piece store. It is idempotent.
func (n *Node) Close() error { // A
	var err error
	n.closeOnce.Do(func() {
		if cerr := n.store.Close(); cerr != nil {
			err = fmt.Errorf("ouroboros: close store: %w", cerr)
		}
	})
	return err
}
