// Package failuredetector decides when a member should be considered dead.
//
// A Reporter picks one member per tick to suspect. The Queue probes every
// suspect directly and, if that fails, through up to k random relays. Only
// when the direct probe and every relay fail is the suspect reported to the
// Notifier, so a flaky link between two nodes alone never removes a member.
package failuredetector

import (
	"math/rand/v2"
	"sync"

	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// Reporter walks the member set in a random order without replacement and
// reshuffles after each full pass.
type Reporter struct {
	self model.Address

	mu      sync.Mutex
	rng     *rand.Rand
	members []model.Address
	order   []model.Address
}

// NewReporter returns a reporter for self. A nil rng is replaced by a
// randomly seeded one.
func NewReporter(self model.Address, rng *rand.Rand) *Reporter {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Reporter{self: self, rng: rng}
}

// SetMembers replaces the member set and starts a fresh pass.
func (r *Reporter) SetMembers(members []model.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = r.members[:0]
	for _, m := range members {
		if m != r.self {
			r.members = append(r.members, m)
		}
	}
	r.order = nil
}

// Next returns the next member to suspect, or false when there is no other
// member.
func (r *Reporter) Next() (model.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) == 0 {
		return "", false
	}
	if len(r.order) == 0 {
		r.order = append(r.order[:0], r.members...)
		r.rng.Shuffle(len(r.order), func(i, j int) {
			r.order[i], r.order[j] = r.order[j], r.order[i]
		})
	}
	next := r.order[len(r.order)-1]
	r.order = r.order[:len(r.order)-1]
	return next, true
}
