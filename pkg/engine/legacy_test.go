package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func legacyTracking(states map[ResourceKind]OperationState) LegacyTracking {
	names := map[ResourceKind]string{
		KindVM:    "vm1",
		KindQueue: "vm1-input-queue",
		KindNIC:   "vm1-nic",
		KindNSG:   "vm1-nsg",
		KindVNet:  "vm1-vnet",
		KindDisk:  "vm1-disk",
	}
	lt := LegacyTracking{Location: "westeurope", Resources: make(map[ResourceKind]LegacyRecord)}
	for kind, state := range states {
		lt.Resources[kind] = LegacyRecord{Name: names[kind], State: state}
	}
	return lt
}

func TestDecodeLegacyTracking_PositionalForm(t *testing.T) {
	raw := `{"Item1":"westeurope","Item2":{"vm":{"Item1":"vm1","Item2":2},"nic":{"Item1":"vm1-nic","Item2":0}}}`

	lt, err := DecodeLegacyTracking(raw)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if lt.Location != "westeurope" {
		t.Errorf("Expected location westeurope, got %s", lt.Location)
	}
	if lt.Resources[KindVM].State != StateSucceeded {
		t.Errorf("Expected vm Succeeded, got %s", lt.Resources[KindVM].State)
	}
	if lt.Resources[KindNIC].Name != "vm1-nic" || lt.Resources[KindNIC].State != StateNotStarted {
		t.Errorf("Unexpected nic record %+v", lt.Resources[KindNIC])
	}
}

func TestDecodeLegacyTracking_Invalid(t *testing.T) {
	if _, err := DecodeLegacyTracking(`{"location":"x","resources":{"nic":{"name":"n"}}}`); err == nil {
		t.Error("Expected a tracking id without a vm record to be rejected")
	}
	if _, err := DecodeLegacyTracking(`{"resources":{"vm":{"name":"n"}}}`); err == nil {
		t.Error("Expected a tracking id without a location to be rejected")
	}
}

func TestAdvanceLegacy_WaitsForVM(t *testing.T) {
	adapters, mocks, log := newMockAdapters()
	mocks[KindVM].setPresent("vm1", true)

	tracking := legacyTracking(map[ResourceKind]OperationState{
		KindVM:    StateNotStarted,
		KindQueue: StateNotStarted,
		KindNIC:   StateNotStarted,
	})

	outcome := NewPhaseExecutor(adapters, 0, zerolog.Nop()).AdvanceLegacy(context.Background(), testIdentity("vm1"), tracking)
	if !outcome.Unchanged || outcome.State != StateInProgress {
		t.Errorf("Expected an unchanged in-progress outcome, got %+v", outcome)
	}
	if len(log.calls) != 1 || log.calls[0] != "exists:vm" {
		t.Errorf("Expected only the vm existence check, got %v", log.calls)
	}
}

func TestAdvanceLegacy_CascadesAfterNIC(t *testing.T) {
	adapters, _, log := newMockAdapters()
	executor := NewPhaseExecutor(adapters, 0, zerolog.Nop())
	owner := testIdentity("vm1")

	tracking := legacyTracking(map[ResourceKind]OperationState{
		KindVM:    StateNotStarted,
		KindQueue: StateNotStarted,
		KindDisk:  StateNotStarted,
		KindNIC:   StateNotStarted,
		KindNSG:   StateNotStarted,
		KindVNet:  StateNotStarted,
	})

	outcome := executor.AdvanceLegacy(context.Background(), owner, tracking)
	if outcome.Err != nil {
		t.Fatalf("Unexpected error: %v", outcome.Err)
	}
	if outcome.Tracking.Resources[KindVM].State != StateSucceeded {
		t.Errorf("Expected the vm to be marked Succeeded")
	}
	if log.count("begin:nsg") != 0 || log.count("begin:vnet") != 0 {
		t.Errorf("nsg and vnet must wait for the nic, got %v", log.calls)
	}
	if outcome.Tracking.Resources[KindNIC].State != StateInProgress {
		t.Errorf("Expected nic InProgress, got %s", outcome.Tracking.Resources[KindNIC].State)
	}

	outcome = executor.AdvanceLegacy(context.Background(), owner, outcome.Tracking)
	if outcome.Tracking.Resources[KindNIC].State != StateSucceeded {
		t.Fatalf("Expected nic Succeeded, got %s", outcome.Tracking.Resources[KindNIC].State)
	}
	if log.count("begin:nsg") != 0 {
		t.Errorf("nsg must wait for a round that starts with the nic removed")
	}

	outcome = executor.AdvanceLegacy(context.Background(), owner, outcome.Tracking)
	if log.count("begin:nsg") != 1 || log.count("begin:vnet") != 1 {
		t.Errorf("Expected nsg and vnet deletes, got %v", log.calls)
	}
	if outcome.State != StateInProgress {
		t.Errorf("Expected InProgress while nsg and vnet are deleting, got %s", outcome.State)
	}

	outcome = executor.AdvanceLegacy(context.Background(), owner, outcome.Tracking)
	if outcome.State != StateSucceeded {
		t.Errorf("Expected Succeeded, got %s", outcome.State)
	}
}
