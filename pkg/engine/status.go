package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// OperationState represents the lifecycle of one unit of work: a single
// resource inside a deletion plan, a phase, or a whole facade operation.
type OperationState string

const (
	// StateNotStarted indicates no external call has been issued yet.
	StateNotStarted OperationState = "NotStarted"

	// StateInProgress indicates the work was issued and has not reached a terminal state.
	StateInProgress OperationState = "InProgress"

	// StateSucceeded indicates the work completed successfully.
	StateSucceeded OperationState = "Succeeded"

	// StateFailed indicates the work failed and will not be retried.
	StateFailed OperationState = "Failed"

	// StateCancelled indicates the work was cancelled outside of this system.
	StateCancelled OperationState = "Cancelled"
)

// legacyStateOrder maps the numeric encoding used by older tokens.
var legacyStateOrder = []OperationState{
	StateNotStarted,
	StateInProgress,
	StateSucceeded,
	StateFailed,
	StateCancelled,
}

// IsTerminal returns true if the state is final.
func (s OperationState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// IsActive returns true if the work still needs polling.
func (s OperationState) IsActive() bool {
	return s == StateNotStarted || s == StateInProgress
}

// Validate checks if the state is valid.
func (s OperationState) Validate() error {
	switch s {
	case StateNotStarted, StateInProgress, StateSucceeded, StateFailed, StateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid operation state: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s OperationState) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler. Numeric states written by
// older token producers are accepted as well.
func (s *OperationState) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '"' {
		n, err := strconv.Atoi(string(data))
		if err != nil || n < 0 || n >= len(legacyStateOrder) {
			return fmt.Errorf("invalid operation state: %s", data)
		}
		*s = legacyStateOrder[n]
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := OperationState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// ParseResult maps a cloud provisioning-state string onto an OperationState.
// Succeeded, Failed and Cancelled match case-insensitively (the cloud's
// "Canceled" spelling included); every other value is still in progress.
func ParseResult(provisioningState string) OperationState {
	switch strings.ToLower(strings.TrimSpace(provisioningState)) {
	case "succeeded":
		return StateSucceeded
	case "failed":
		return StateFailed
	case "cancelled", "canceled":
		return StateCancelled
	default:
		return StateInProgress
	}
}

// FinalState folds a set of states into one: in progress while anything is
// not started or in progress, otherwise succeeded.
func FinalState(states ...OperationState) OperationState {
	for _, s := range states {
		if s.IsActive() {
			return StateInProgress
		}
	}
	return StateSucceeded
}
