package engine

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// ResourceRecord is one resource tracked inside a deletion plan.
type ResourceRecord struct {
	Identity ResourceIdentity `json:"identity"`
	State    OperationState   `json:"state"`
}

// Phase is a set of resources deleted concurrently. The next phase is not
// attempted until State is Succeeded.
type Phase struct {
	Resources map[ResourceKind]ResourceRecord `json:"resources"`
	State     OperationState                  `json:"state"`
}

// Kinds returns the resource kinds of the phase in a stable order.
func (p Phase) Kinds() []ResourceKind {
	kinds := lo.Keys(p.Resources)
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// AllSucceeded reports whether every record in the phase has succeeded.
// An empty phase has nothing left to do.
func (p Phase) AllSucceeded() bool {
	return lo.EveryBy(lo.Values(p.Resources), func(r ResourceRecord) bool {
		return r.State == StateSucceeded
	})
}

func (p Phase) clone() Phase {
	out := Phase{
		Resources: make(map[ResourceKind]ResourceRecord, len(p.Resources)),
		State:     p.State,
	}
	for k, v := range p.Resources {
		out.Resources[k] = v
	}
	return out
}

// DeletionPlan is the ordered list of phases that tears down a compute
// instance. It travels inside the continuation token between poll cycles.
type DeletionPlan struct {
	Phases []Phase `json:"phases"`
}

// Clone returns a deep copy of the plan.
func (p DeletionPlan) Clone() DeletionPlan {
	out := DeletionPlan{Phases: make([]Phase, len(p.Phases))}
	for i, phase := range p.Phases {
		out.Phases[i] = phase.clone()
	}
	return out
}

// ActivePhase returns the index of the first phase that has not succeeded.
func (p DeletionPlan) ActivePhase() (int, bool) {
	for i, phase := range p.Phases {
		if phase.State != StateSucceeded {
			return i, true
		}
	}
	return -1, false
}

// IsComplete reports whether every phase has succeeded.
func (p DeletionPlan) IsComplete() bool {
	_, active := p.ActivePhase()
	return !active
}

// Record looks up the record for a kind in any phase.
func (p DeletionPlan) Record(kind ResourceKind) (ResourceRecord, int, bool) {
	for i, phase := range p.Phases {
		if rec, ok := phase.Resources[kind]; ok {
			return rec, i, true
		}
	}
	return ResourceRecord{}, -1, false
}

// Validate checks that a plan decoded from a token is well formed and that
// no phase made progress while an earlier phase was still incomplete.
func (p DeletionPlan) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("deletion plan has no phases")
	}

	seen := make(map[ResourceKind]int)
	blocked := false
	for i, phase := range p.Phases {
		if err := phase.State.Validate(); err != nil {
			return fmt.Errorf("phase %d: %w", i, err)
		}
		if phase.State == StateSucceeded && !phase.AllSucceeded() {
			return fmt.Errorf("phase %d is marked succeeded with unfinished resources", i)
		}

		for kind, rec := range phase.Resources {
			if err := kind.Validate(); err != nil {
				return fmt.Errorf("phase %d: %w", i, err)
			}
			if err := rec.State.Validate(); err != nil {
				return fmt.Errorf("phase %d resource %s: %w", i, kind, err)
			}
			if prev, dup := seen[kind]; dup {
				return fmt.Errorf("resource %s appears in phase %d and phase %d", kind, prev, i)
			}
			seen[kind] = i
			if blocked && phase.State != StateSucceeded && rec.State != StateNotStarted {
				return fmt.Errorf("resource %s in phase %d progressed before an earlier phase completed", kind, i)
			}
		}

		if phase.State != StateSucceeded {
			blocked = true
		}
	}
	return nil
}
