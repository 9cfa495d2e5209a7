// Package clustermap provides the immutable, versioned view of cluster
// membership together with the placement function that maps an object key
// to the nodes holding its pieces.
package clustermap

import (
	"sort"

	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// Node is one member of the cluster as recorded by the membership log.
type Node struct {
	ID       uint64
	Address  model.Address
	Capacity float64
}

// Map is a snapshot of the cluster. It is never mutated after construction;
// a membership change derives a new Map from the previous generation's
// placement table.
type Map struct {
	version uint64
	table   *table
	idOf    map[model.Address]uint64
	members []model.Address
}

// Empty returns the version-0 map with no members.
func Empty() *Map {
	return New(0, nil)
}

// New builds a map for version from the given nodes. Duplicate addresses keep
// the last entry.
func New(version uint64, nodes []Node) *Map {
	byAddr := make(map[model.Address]Node, len(nodes))
	for _, n := range nodes {
		byAddr[n.Address] = n
	}
	uniq := make([]Node, 0, len(byAddr))
	for _, n := range byAddr {
		uniq = append(uniq, n)
	}
	return build(version, newTable(uniq))
}

func build(version uint64, t *table) *Map {
	m := &Map{
		version: version,
		table:   t,
		idOf:    make(map[model.Address]uint64, len(t.entries)),
		members: make([]model.Address, 0, len(t.entries)),
	}
	for _, e := range t.entries {
		m.idOf[e.node.Address] = e.node.ID
		m.members = append(m.members, e.node.Address)
	}
	sort.Slice(m.members, func(i, j int) bool { return m.members[i] < m.members[j] })
	return m
}

// WithNode derives the next generation with n added (or replaced).
func (m *Map) WithNode(version uint64, n Node) *Map {
	return build(version, m.table.with(n))
}

// WithoutNode derives the next generation with addr removed.
func (m *Map) WithoutNode(version uint64, addr model.Address) *Map {
	return build(version, m.table.without(addr))
}

// Version returns the membership version this map was built for.
func (m *Map) Version() uint64 {
	return m.version
}

// Members returns the member addresses in ascending order.
func (m *Map) Members() []model.Address {
	out := make([]model.Address, len(m.members))
	copy(out, m.members)
	return out
}

// Len returns the number of members.
func (m *Map) Len() int {
	return len(m.members)
}

// Contains reports whether addr is a member.
func (m *Map) Contains(addr model.Address) bool {
	_, ok := m.idOf[addr]
	return ok
}

// NodeID returns the membership id assigned to addr.
func (m *Map) NodeID(addr model.Address) (uint64, bool) {
	id, ok := m.idOf[addr]
	return id, ok
}

// Nodes returns the full member records ordered by id.
func (m *Map) Nodes() []Node {
	out := make([]Node, 0, len(m.table.entries))
	for _, e := range m.table.entries {
		out = append(out, e.node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ComputeHolders returns the holder of each of the n piece slots of key.
// When fewer than n members exist the slots wrap over the candidates. An
// empty cluster yields n empty addresses.
func (m *Map) ComputeHolders(key string, n int) []model.Address {
	holders := make([]model.Address, n)
	candidates := m.table.candidates(key, n)
	if len(candidates) == 0 {
		return holders
	}
	for i := range holders {
		holders[i] = candidates[i%len(candidates)]
	}
	return holders
}

// Change is the membership delta between two maps.
type Change struct {
	Added   []model.Address
	Removed []model.Address
}

// None reports whether both maps have the same members.
func (c Change) None() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// Single reports whether exactly one member was added or removed.
func (c Change) Single() bool {
	return len(c.Added)+len(c.Removed) == 1
}

// Diff computes the membership change that turns old into next.
func Diff(old, next *Map) Change {
	var c Change
	for _, a := range next.members {
		if !old.Contains(a) {
			c.Added = append(c.Added, a)
		}
	}
	for _, a := range old.members {
		if !next.Contains(a) {
			c.Removed = append(c.Removed, a)
		}
	}
	return c
}
