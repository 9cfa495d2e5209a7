package stabilizer

import (
	"fmt"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

// ActionKind classifies one migration step.
type ActionKind int

const (
	// PseudoMove tells the new holder to rebuild a fragment whose old holder
	// left the cluster.
	PseudoMove ActionKind = iota + 1
	// SelfHeal makes this node fetch or rebuild a fragment it now holds.
	SelfHeal
	// MoveOwnership ships a local fragment to its new holder.
	MoveOwnership
)

func (k ActionKind) String() string {
	switch k {
	case PseudoMove:
		return "PseudoMove"
	case SelfHeal:
		return "SelfHeal"
	case MoveOwnership:
		return "MoveOwnership"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is one planned migration of a fragment.
type Action struct {
	Kind ActionKind
	Loc  model.PieceLocator
	// From is the previous holder, empty when unknown.
	From model.Address
	// To is the new holder.
	To model.Address
}

// Plan computes the migration actions for keys when the cluster moves from
// old to next by change, as seen from self. Indices whose holder did not
// change produce no action.
func Plan(self model.Address, old, next *clustermap.Map, change clustermap.Change, keys []string) []Action {
	var removed model.Address
	if len(change.Removed) == 1 {
		removed = change.Removed[0]
	}

	var actions []Action
	for _, key := range keys {
		before := old.ComputeHolders(key, model.N)
		after := next.ComputeHolders(key, model.N)
		for i := 0; i < model.N; i++ {
			from, to := before[i], after[i]
			if from == to || to == "" {
				continue
			}
			loc := model.PieceLocator{Key: key, Index: i}
			switch {
			case removed != "" && from == removed && to != self:
				actions = append(actions, Action{Kind: PseudoMove, Loc: loc, From: from, To: to})
			case to == self:
				actions = append(actions, Action{Kind: SelfHeal, Loc: loc, From: from, To: to})
			default:
				actions = append(actions, Action{Kind: MoveOwnership, Loc: loc, From: from, To: to})
			}
		}
	}
	return actions
}

// PlanResync computes blanket actions for keys under next without trusting
// the previous placement: every index held by self is healed, every other
// index is offered to its holder.
func PlanResync(self model.Address, old, next *clustermap.Map, keys []string) []Action {
	var actions []Action
	for _, key := range keys {
		before := old.ComputeHolders(key, model.N)
		after := next.ComputeHolders(key, model.N)
		for i := 0; i < model.N; i++ {
			to := after[i]
			if to == "" {
				continue
			}
			loc := model.PieceLocator{Key: key, Index: i}
			if to == self {
				from := before[i]
				if from == self {
					from = ""
				}
				actions = append(actions, Action{Kind: SelfHeal, Loc: loc, From: from, To: self})
				continue
			}
			actions = append(actions, Action{Kind: MoveOwnership, Loc: loc, From: before[i], To: to})
		}
	}
	return actions
}
