package membership

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// StateMachine is the membership state every replica derives from the log:
// node ids, their addresses and capacities, and the map version.
type StateMachine struct {
	mu        sync.RWMutex
	version   uint64
	nextID    uint64
	addresses map[uint64]model.Address
	capacity  map[uint64]float64
	ids       map[model.Address]uint64
	current   *clustermap.Map
}

func NewStateMachine() *StateMachine {
	return &StateMachine{
		addresses: make(map[uint64]model.Address),
		capacity:  make(map[uint64]float64),
		ids:       make(map[model.Address]uint64),
		current:   clustermap.Empty(),
	}
}

// Apply executes cmd. It returns the new map and true when membership
// changed, or the current map and false for a no-op (adding a member twice,
// removing an unknown one).
func (s *StateMachine) Apply(cmd Command) (*clustermap.Map, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Op {
	case OpAddNode:
		if _, ok := s.ids[cmd.Address]; ok {
			return s.current, false
		}
		id := s.nextID
		s.nextID++
		s.addresses[id] = cmd.Address
		s.capacity[id] = cmd.Capacity
		s.ids[cmd.Address] = id
		s.version++
		s.current = s.current.WithNode(s.version, clustermap.Node{
			ID:       id,
			Address:  cmd.Address,
			Capacity: cmd.Capacity,
		})
	case OpRemoveNode:
		id, ok := s.ids[cmd.Address]
		if !ok {
			return s.current, false
		}
		delete(s.addresses, id)
		delete(s.capacity, id)
		delete(s.ids, cmd.Address)
		s.version++
		s.current = s.current.WithoutNode(s.version, cmd.Address)
	default:
		return s.current, false
	}
	return s.current, true
}

// Map returns the current cluster map.
func (s *StateMachine) Map() *clustermap.Map {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *StateMachine) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

const (
	snapVersion protowire.Number = 1
	snapNextID  protowire.Number = 2
	snapNode    protowire.Number = 3

	nodeID       protowire.Number = 1
	nodeAddress  protowire.Number = 2
	nodeCapacity protowire.Number = 3
)

// Snapshot serialises the full state.
func (s *StateMachine) Snapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, 0, len(s.addresses))
	for id := range s.addresses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b []byte
	b = protowire.AppendTag(b, snapVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, s.version)
	b = protowire.AppendTag(b, snapNextID, protowire.VarintType)
	b = protowire.AppendVarint(b, s.nextID)
	for _, id := range ids {
		var n []byte
		n = protowire.AppendTag(n, nodeID, protowire.VarintType)
		n = protowire.AppendVarint(n, id)
		n = protowire.AppendTag(n, nodeAddress, protowire.BytesType)
		n = protowire.AppendString(n, string(s.addresses[id]))
		n = protowire.AppendTag(n, nodeCapacity, protowire.Fixed64Type)
		n = protowire.AppendFixed64(n, math.Float64bits(s.capacity[id]))

		b = protowire.AppendTag(b, snapNode, protowire.BytesType)
		b = protowire.AppendBytes(b, n)
	}
	return b
}

// Restore replaces the state with a snapshot and returns the resulting map.
func (s *StateMachine) Restore(b []byte) (*clustermap.Map, error) {
	var (
		version, next uint64
		nodes         []clustermap.Node
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("membership: restore: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == snapVersion && typ == protowire.VarintType:
			version, n = protowire.ConsumeVarint(b)
		case num == snapNextID && typ == protowire.VarintType:
			next, n = protowire.ConsumeVarint(b)
		case num == snapNode && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				node, err := decodeNode(raw)
				if err != nil {
					return nil, err
				}
				nodes = append(nodes, node)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("membership: restore: %w", protowire.ParseError(n))
		}
		b = b[n:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
	s.nextID = next
	s.addresses = make(map[uint64]model.Address, len(nodes))
	s.capacity = make(map[uint64]float64, len(nodes))
	s.ids = make(map[model.Address]uint64, len(nodes))
	for _, n := range nodes {
		s.addresses[n.ID] = n.Address
		s.capacity[n.ID] = n.Capacity
		s.ids[n.Address] = n.ID
	}
	s.current = clustermap.New(version, nodes)
	return s.current, nil
}

func decodeNode(b []byte) (clustermap.Node, error) {
	var node clustermap.Node
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return node, fmt.Errorf("membership: node: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == nodeID && typ == protowire.VarintType:
			node.ID, n = protowire.ConsumeVarint(b)
		case num == nodeAddress && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(b)
			node.Address = model.Address(s)
		case num == nodeCapacity && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			node.Capacity = math.Float64frombits(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return node, fmt.Errorf("membership: node: %w", protowire.ParseError(n))
		}
		b = b[n:]
	}
	return node, nil
}
