package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/i5heu/ouroboros-ec/pkg/model"
)

type link struct {
	from, to model.Address
}

// Loopback connects the muxes of nodes living in one process. Nodes can be
// taken down and individual directed links cut, which makes it the transport
// of choice for cluster tests.
type Loopback struct {
	mu    sync.RWMutex
	nodes map[model.Address]*Mux
	down  map[model.Address]bool
	cut   map[link]bool
}

func NewLoopback() *Loopback {
	return &Loopback{
		nodes: make(map[model.Address]*Mux),
		down:  make(map[model.Address]bool),
		cut:   make(map[link]bool),
	}
}

// Register attaches mux under addr.
func (l *Loopback) Register(addr model.Address, mux *Mux) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[addr] = mux
	delete(l.down, addr)
}

// Unregister detaches addr.
func (l *Loopback) Unregister(addr model.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodes, addr)
}

// SetDown makes every call to or from addr fail while down is true.
func (l *Loopback) SetDown(addr model.Address, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if down {
		l.down[addr] = true
	} else {
		delete(l.down, addr)
	}
}

// Cut breaks the link between a and b in both directions.
func (l *Loopback) Cut(a, b model.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cut[link{a, b}] = true
	l.cut[link{b, a}] = true
}

// Heal restores the link between a and b.
func (l *Loopback) Heal(a, b model.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cut, link{a, b})
	delete(l.cut, link{b, a})
}

// Caller returns the view of the network from node from.
func (l *Loopback) Caller(from model.Address) Caller {
	return &loopCaller{net: l, from: from}
}

func (l *Loopback) route(from, to model.Address) (*Mux, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.down[from] || l.down[to] || l.cut[link{from, to}] {
		return nil, false
	}
	mux, ok := l.nodes[to]
	return mux, ok
}

type loopCaller struct {
	net  *Loopback
	from model.Address
}

func (c *loopCaller) Call(
	ctx context.Context,
	to model.Address,
	msgType MessageType,
	payload []byte,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mux, ok := c.net.route(c.from, to)
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnreachable, c.from, to)
	}
	resp, err := mux.Dispatch(ctx, msgType, bytes.Clone(payload))
	if err != nil {
		return nil, &RemoteError{Message: err.Error()}
	}
	// the reply travels back over the same link
	if _, ok := c.net.route(to, c.from); !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnreachable, to, c.from)
	}
	return bytes.Clone(resp), nil
}
