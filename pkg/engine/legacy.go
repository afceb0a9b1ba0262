package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// LegacyRecord is one entry of a version 0 deletion token.
type LegacyRecord struct {
	Name  string         `json:"name"`
	State OperationState `json:"state"`
}

// UnmarshalJSON accepts both the named form and the positional
// {"Item1": name, "Item2": state} form written by older deployments.
func (r *LegacyRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name  *string          `json:"name"`
		State *OperationState  `json:"state"`
		Item1 *string          `json:"Item1"`
		Item2 *json.RawMessage `json:"Item2"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch {
	case raw.Name != nil:
		r.Name = *raw.Name
		r.State = StateNotStarted
		if raw.State != nil {
			r.State = *raw.State
		}
	case raw.Item1 != nil:
		r.Name = *raw.Item1
		r.State = StateNotStarted
		if raw.Item2 != nil {
			if err := json.Unmarshal(*raw.Item2, &r.State); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("legacy resource record has no name")
	}
	return nil
}

// LegacyTracking is the tracking id payload of a version 0 deletion token:
// a flat map of resource records with no phase structure.
type LegacyTracking struct {
	Location  string                        `json:"location"`
	Resources map[ResourceKind]LegacyRecord `json:"resources"`
}

// UnmarshalJSON accepts both the named form and the positional
// {"Item1": location, "Item2": resources} form.
func (t *LegacyTracking) UnmarshalJSON(data []byte) error {
	var raw struct {
		Location  *string                       `json:"location"`
		Resources map[ResourceKind]LegacyRecord `json:"resources"`
		Item1     *string                       `json:"Item1"`
		Item2     map[ResourceKind]LegacyRecord `json:"Item2"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Location != nil {
		t.Location = *raw.Location
		t.Resources = raw.Resources
	} else if raw.Item1 != nil {
		t.Location = *raw.Item1
		t.Resources = raw.Item2
	}
	return nil
}

// DecodeLegacyTracking parses a version 0 tracking id.
func DecodeLegacyTracking(trackingID string) (*LegacyTracking, error) {
	var lt LegacyTracking
	if err := json.Unmarshal([]byte(trackingID), &lt); err != nil {
		return nil, NewPermanentError("failed to decode legacy deletion state", err).WithCode(ErrCodeInvalidToken)
	}
	if lt.Location == "" {
		return nil, NewPermanentError("legacy deletion state has no location", nil).WithCode(ErrCodeInvalidToken)
	}
	if _, ok := lt.Resources[KindVM]; !ok {
		return nil, NewPermanentError("legacy deletion state has no vm record", nil).WithCode(ErrCodeInvalidToken)
	}
	for kind, rec := range lt.Resources {
		if err := rec.State.Validate(); err != nil {
			return nil, NewPermanentError(fmt.Sprintf("legacy record %s is invalid", kind), err).
				WithCode(ErrCodeInvalidToken)
		}
	}
	return &lt, nil
}

// Encode serializes the tracking payload in the named form.
func (t LegacyTracking) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to encode legacy deletion state: %w", err)
	}
	return string(data), nil
}

func (t LegacyTracking) clone() LegacyTracking {
	out := LegacyTracking{
		Location:  t.Location,
		Resources: make(map[ResourceKind]LegacyRecord, len(t.Resources)),
	}
	for k, v := range t.Resources {
		out.Resources[k] = v
	}
	return out
}

// LegacyOutcome is the result of one version 0 check.
type LegacyOutcome struct {
	Tracking LegacyTracking
	State    OperationState

	// Unchanged is set when the compute instance still exists and nothing
	// else was attempted.
	Unchanged bool

	Err error
}

// AdvanceLegacy drives a version 0 deletion one round forward.
//
// The compute instance was deleted when the token was issued; until it is
// gone nothing else is touched. Then queue, disk and NIC are advanced
// together, and the NSG and VNet join once the NIC was already removed.
func (e *PhaseExecutor) AdvanceLegacy(ctx context.Context, owner ResourceIdentity, tracking LegacyTracking) LegacyOutcome {
	next := tracking.clone()

	vm := next.Resources[KindVM]
	if vm.State != StateSucceeded {
		adapter := e.adapters[KindVM]
		target := Target{Location: next.Location, ResourceIdentity: owner.Sibling(vm.Name)}
		exists, err := adapter.StillExists(ctx, target)
		if err != nil {
			return LegacyOutcome{
				Tracking: next,
				State:    StateInProgress,
				Err:      resourceError(KindVM, target.ResourceIdentity, "still_exists", err),
			}
		}
		if exists {
			return LegacyOutcome{Tracking: next, State: StateInProgress, Unchanged: true}
		}
		e.metrics.RecordResourceTransition(KindVM, vm.State, StateSucceeded)
		vm.State = StateSucceeded
		next.Resources[KindVM] = vm
	}

	kinds := make([]ResourceKind, 0, len(next.Resources))
	for _, kind := range []ResourceKind{KindQueue, KindDisk, KindNIC} {
		if _, ok := next.Resources[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	if nic, ok := next.Resources[KindNIC]; ok && nic.State == StateSucceeded {
		for _, kind := range []ResourceKind{KindNSG, KindVNet} {
			if _, ok := next.Resources[kind]; ok {
				kinds = append(kinds, kind)
			}
		}
	}

	results := make([]ResourceRecord, len(kinds))
	errs := make([]error, len(kinds))

	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, kind := range kinds {
		rec := ResourceRecord{
			Identity: owner.Sibling(next.Resources[kind].Name),
			State:    next.Resources[kind].State,
		}
		g.Go(func() error {
			results[i], errs[i] = e.advanceRecord(ctx, next.Location, kind, rec)
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for i, kind := range kinds {
		before := next.Resources[kind]
		if before.State != results[i].State {
			e.metrics.RecordResourceTransition(kind, before.State, results[i].State)
		}
		before.State = results[i].State
		next.Resources[kind] = before
		if errs[i] != nil {
			merr = multierror.Append(merr, errs[i])
		}
	}

	states := make([]OperationState, 0, len(next.Resources))
	for _, rec := range next.Resources {
		states = append(states, rec.State)
	}

	return LegacyOutcome{
		Tracking: next,
		State:    FinalState(states...),
		Err:      merr.ErrorOrNil(),
	}
}
