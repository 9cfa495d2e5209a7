package clustermap

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// table is the placement structure: capacity-weighted rendezvous hashing.
// Every member gets a score per key and the highest scores win, so adding or
// removing one member only changes the keys where that member ranks among
// the first n.
type table struct {
	entries []entry
}

type entry struct {
	node   Node
	seed   uint64
	weight float64
}

func newEntry(n Node) entry {
	w := n.Capacity
	if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
		w = 1
	}
	return entry{node: n, seed: xxhash.Sum64String(string(n.Address)), weight: w}
}

func newTable(nodes []Node) *table {
	t := &table{entries: make([]entry, 0, len(nodes))}
	for _, n := range nodes {
		t.entries = append(t.entries, newEntry(n))
	}
	t.sort()
	return t
}

func (t *table) sort() {
	sort.Slice(t.entries, func(i, j int) bool {
		return t.entries[i].node.Address < t.entries[j].node.Address
	})
}

func (t *table) with(n Node) *table {
	next := &table{entries: make([]entry, 0, len(t.entries)+1)}
	for _, e := range t.entries {
		if e.node.Address != n.Address {
			next.entries = append(next.entries, e)
		}
	}
	next.entries = append(next.entries, newEntry(n))
	next.sort()
	return next
}

func (t *table) without(addr model.Address) *table {
	next := &table{entries: make([]entry, 0, len(t.entries))}
	for _, e := range t.entries {
		if e.node.Address != addr {
			next.entries = append(next.entries, e)
		}
	}
	return next
}

type scored struct {
	addr  model.Address
	score float64
}

// candidates returns up to n distinct members ranked for key.
func (t *table) candidates(key string, n int) []model.Address {
	if n <= 0 || len(t.entries) == 0 {
		return nil
	}
	kh := xxhash.Sum64String(key)
	ranked := make([]scored, len(t.entries))
	for i, e := range t.entries {
		ranked[i] = scored{addr: e.node.Address, score: e.score(kh)}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].addr < ranked[j].addr
	})
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]model.Address, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].addr
	}
	return out
}

// score is the weighted rendezvous score -w/ln(u) with u uniform in (0,1).
func (e entry) score(keyHash uint64) float64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], keyHash)
	binary.LittleEndian.PutUint64(buf[8:], e.seed)
	h := xxhash.Sum64(buf[:])
	u := (float64(h>>11) + 0.5) / (1 << 53)
	return -e.weight / math.Log(u)
}
