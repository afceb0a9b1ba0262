package engine

import (
	"fmt"
)

// DeletionPlanner builds phased deletion plans. Phase indices come from the
// levels of DeletionDependencies, computed once.
type DeletionPlanner struct {
	phaseOf    map[ResourceKind]int
	phaseCount int
}

// NewDeletionPlanner orders every resource kind into deletion phases.
func NewDeletionPlanner() (*DeletionPlanner, error) {
	levels, err := NewDAGBuilder().BuildLevels(AllResourceKinds(), DeletionDependencies)
	if err != nil {
		return nil, fmt.Errorf("failed to order resource kinds: %w", err)
	}

	phaseOf := make(map[ResourceKind]int, len(AllResourceKinds()))
	for level, kinds := range levels {
		for _, kind := range kinds {
			phaseOf[kind] = level
		}
	}

	return &DeletionPlanner{
		phaseOf:    phaseOf,
		phaseCount: len(levels),
	}, nil
}

// PhaseCount returns the number of phases every plan has.
func (p *DeletionPlanner) PhaseCount() int {
	return p.phaseCount
}

// PhaseOf returns the phase a resource kind is deleted in.
func (p *DeletionPlanner) PhaseOf(kind ResourceKind) int {
	return p.phaseOf[kind]
}

// Build computes the deletion plan for a compute instance.
//
// The VM and its input queue are always deleted. A custom NIC replaces the
// default one and is kept when marked preserve; NSG and VNet are only owned
// by this instance when the NIC is the default one. A custom OS disk
// replaces the default one and is kept when marked preserve.
func (p *DeletionPlanner) Build(req DeleteRequest) (*DeletionPlan, error) {
	vm := req.Identity
	if vm.Name == "" || vm.ResourceGroup == "" || vm.SubscriptionID == "" {
		return nil, NewPermanentError("delete request has an incomplete identity", nil).
			WithCode(ErrCodeValidation)
	}

	targets := map[ResourceKind]ResourceIdentity{
		KindVM:    vm,
		KindQueue: vm.Sibling(InputQueueName(vm.Name)),
	}

	if nic, ok := req.ComponentOf(KindNIC); ok {
		if !nic.Preserve {
			targets[KindNIC] = nic.Identity
		}
	} else {
		targets[KindNIC] = vm.Sibling(NICName(vm.Name))
		targets[KindNSG] = vm.Sibling(NSGName(vm.Name))
		targets[KindVNet] = vm.Sibling(VNetName(vm.Name))
	}

	if disk, ok := req.ComponentOf(KindDisk); ok {
		if !disk.Preserve {
			targets[KindDisk] = disk.Identity
		}
	} else {
		targets[KindDisk] = vm.Sibling(DiskName(vm.Name))
	}

	plan := &DeletionPlan{Phases: make([]Phase, p.phaseCount)}
	for i := range plan.Phases {
		plan.Phases[i] = Phase{
			Resources: make(map[ResourceKind]ResourceRecord),
			State:     StateNotStarted,
		}
	}

	for kind, id := range targets {
		phase := p.phaseOf[kind]
		plan.Phases[phase].Resources[kind] = ResourceRecord{Identity: id, State: StateNotStarted}
	}

	// Nothing to do means nothing to wait for. A phase whose predecessor
	// holds no resources has nothing cascading into it either.
	for i := range plan.Phases {
		if len(plan.Phases[i].Resources) == 0 {
			plan.Phases[i].State = StateSucceeded
		}
		if i > 0 && len(plan.Phases[i-1].Resources) == 0 {
			plan.Phases[i].State = StateSucceeded
			for kind, rec := range plan.Phases[i].Resources {
				rec.State = StateSucceeded
				plan.Phases[i].Resources[kind] = rec
			}
		}
	}

	return plan, nil
}
