package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	ouroboros "github.com/i5heu/ouroboros-ec"
	"github.com/i5heu/ouroboros-ec/internal/membership"
	"github.com/i5heu/ouroboros-ec/internal/piecestore"
	"github.com/i5heu/ouroboros-ec/internal/transport"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// FastIntervals keeps background loops short enough for tests.
var FastIntervals = ouroboros.Intervals{
	Report:      10 * time.Millisecond,
	Probe:       10 * time.Millisecond,
	Rebuild:     20 * time.Millisecond,
	Stabilize:   20 * time.Millisecond,
	Maintenance: time.Hour,
}

// Member is one node of a Cluster.
type Member struct {
	Addr  model.Address
	Node  *ouroboros.Node
	Store *piecestore.MemStore

	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

// Cluster runs nodes in one process over a loopback network and a shared
// in-memory membership log.
type Cluster struct {
	t      testing.TB
	Net    *transport.Loopback
	Log    *membership.LocalLog
	logger *slog.Logger

	mu      sync.Mutex
	members map[model.Address]*Member
}

// NewCluster returns an empty cluster that is torn down with t.
func NewCluster(t testing.TB) *Cluster {
	c := &Cluster{
		t:       t,
		Net:     transport.NewLoopback(),
		Log:     membership.NewLocalLog(),
		logger:  Logger(),
		members: make(map[model.Address]*Member),
	}
	t.Cleanup(c.close)
	return c
}

// Addr returns the address of the i-th test node.
func Addr(i int) model.Address {
	return model.Address(fmt.Sprintf("node-%02d", i))
}

// Start boots a node at addr and attaches it to the log without making it a
// member.
func (c *Cluster) Start(addr model.Address) *Member {
	c.t.Helper()
	store := piecestore.NewMemStore()
	node, err := ouroboros.New(ouroboros.Config{
		Self:         addr,
		Store:        store,
		Caller:       c.Net.Caller(addr),
		Logger:       c.logger,
		PingTimeout:  200 * time.Millisecond,
		FetchTimeout: time.Second,
		Workers:      8,
	})
	if err != nil {
		c.t.Fatalf("start %s: %v", addr, err)
	}
	mux := transport.NewMux()
	node.Register(mux)
	c.Net.Register(addr, mux)
	node.SetProposer(c.Log)

	ctx, cancel := context.WithCancel(context.Background())
	m := &Member{
		Addr:   addr,
		Node:   node,
		Store:  store,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.unsubscribe = c.Log.Subscribe(membership.NewReplica(membership.NewStateMachine(), node, c.logger))
	go func() {
		defer close(m.done)
		node.Run(ctx, FastIntervals)
	}()

	c.mu.Lock()
	c.members[addr] = m
	c.mu.Unlock()
	return m
}

// Join starts a node at addr and lets it add itself to the cluster. It
// returns once every running node has installed the new map.
func (c *Cluster) Join(ctx context.Context, addr model.Address) *Member {
	c.t.Helper()
	m := c.Start(addr)
	if err := m.Node.AddNode(ctx, addr); err != nil {
		c.t.Fatalf("join %s: %v", addr, err)
	}
	return m
}

// Kill crashes the node at addr. It stays a member until someone removes
// it.
func (c *Cluster) Kill(addr model.Address) {
	c.mu.Lock()
	m, ok := c.members[addr]
	delete(c.members, addr)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.Net.SetDown(addr, true)
	m.stop()
	c.Net.Unregister(addr)
}

// Member returns the running node at addr.
func (c *Cluster) Member(addr model.Address) (*Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[addr]
	return m, ok
}

// Alive returns the running nodes ordered by address.
func (c *Cluster) Alive() []*Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Agree reports whether every running node has a map of exactly want.
func (c *Cluster) Agree(want ...model.Address) bool {
	for _, m := range c.Alive() {
		cluster := m.Node.Cluster()
		if cluster.Len() != len(want) {
			return false
		}
		for _, addr := range want {
			if !cluster.Contains(addr) {
				return false
			}
		}
	}
	return true
}

func (m *Member) stop() {
	m.unsubscribe()
	m.cancel()
	<-m.done
	_ = m.Node.Close()
}

func (c *Cluster) close() {
	c.Log.Close()
	for _, m := range c.Alive() {
		c.Kill(m.Addr)
	}
}
