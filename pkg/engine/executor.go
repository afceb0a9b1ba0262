package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxParallel bounds the concurrent adapter calls of one phase.
const DefaultMaxParallel = 8

// PhaseOutcome is the result of advancing a deletion plan once.
type PhaseOutcome struct {
	// Plan is the updated copy of the plan.
	Plan DeletionPlan

	// Phase is the index of the phase that was advanced, or -1 when the
	// plan was already complete.
	Phase int

	// State is Succeeded once every phase has succeeded, InProgress otherwise.
	State OperationState

	// Err aggregates the per-resource failures of this round.
	Err error
}

// PhaseExecutor advances the first incomplete phase of a deletion plan.
type PhaseExecutor struct {
	adapters    AdapterSet
	maxParallel int
	logger      zerolog.Logger
	metrics     MetricsRecorder
	events      EventPublisher
}

// NewPhaseExecutor creates an executor over the given adapters.
func NewPhaseExecutor(adapters AdapterSet, maxParallel int, logger zerolog.Logger) *PhaseExecutor {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &PhaseExecutor{
		adapters:    adapters,
		maxParallel: maxParallel,
		logger:      logger.With().Str("component", "phase_executor").Logger(),
		metrics:     noopMetrics{},
	}
}

// SetMetrics sets the metrics recorder.
func (e *PhaseExecutor) SetMetrics(m MetricsRecorder) {
	if m != nil {
		e.metrics = m
	}
}

// SetEventPublisher sets the event publisher.
func (e *PhaseExecutor) SetEventPublisher(p EventPublisher) {
	e.events = p
}

// Advance performs one round of work on the first phase that has not
// succeeded. The input plan is never mutated.
//
// Every record of the phase is advanced concurrently; a failing or slow
// record keeps its state and never holds back its siblings. The phase
// succeeds only once every record, the compute instance included, has been
// observed absent.
func (e *PhaseExecutor) Advance(ctx context.Context, location string, plan DeletionPlan) PhaseOutcome {
	next := plan.Clone()

	idx, active := next.ActivePhase()
	if !active {
		return PhaseOutcome{Plan: next, Phase: -1, State: StateSucceeded}
	}

	phase := next.Phases[idx]
	logger := e.logger.With().Int("phase", idx).Str("location", location).Logger()

	var merr *multierror.Error

	kinds := phase.Kinds()
	results := make([]ResourceRecord, len(kinds))
	errs := make([]error, len(kinds))

	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, kind := range kinds {
		rec := phase.Resources[kind]
		g.Go(func() error {
			results[i], errs[i] = e.advanceRecord(ctx, location, kind, rec)
			return nil
		})
	}
	_ = g.Wait()

	for i, kind := range kinds {
		e.noteTransition(ctx, kind, phase.Resources[kind], results[i])
		phase.Resources[kind] = results[i]
		if errs[i] != nil {
			merr = multierror.Append(merr, errs[i])
		}
	}

	if phase.AllSucceeded() {
		phase.State = StateSucceeded
		logger.Info().Msg("Deletion phase completed")
		e.publish(ctx, Event{
			Type:    EventTypePhaseCompleted,
			Message: fmt.Sprintf("deletion phase %d completed", idx),
			Level:   "info",
			Details: map[string]interface{}{"phase": idx},
		})
	} else {
		phase.State = StateInProgress
	}
	next.Phases[idx] = phase

	outcome := PhaseOutcome{
		Plan:  next,
		Phase: idx,
		State: StateInProgress,
	}
	if next.IsComplete() {
		outcome.State = StateSucceeded
	}
	if err := merr.ErrorOrNil(); err != nil {
		for _, resErr := range merr.Errors {
			logger.Warn().Err(resErr).Msg("Resource deletion step failed")
		}
		outcome.Err = err
	}

	return outcome
}

// advanceRecord moves one record forward by at most one state. On failure the
// record is returned unchanged.
func (e *PhaseExecutor) advanceRecord(ctx context.Context, location string, kind ResourceKind, rec ResourceRecord) (ResourceRecord, error) {
	adapter, ok := e.adapters[kind]
	if !ok || adapter == nil {
		return rec, NewPermanentError("no resource adapter registered", nil).
			WithCode(ErrCodeConfiguration).
			WithResource(string(kind))
	}

	target := Target{Location: location, ResourceIdentity: rec.Identity}

	switch rec.State {
	case StateNotStarted:
		if err := adapter.BeginDelete(ctx, target); err != nil {
			return rec, resourceError(kind, rec.Identity, "begin_delete", err)
		}
		rec.State = StateInProgress
	case StateInProgress:
		exists, err := adapter.StillExists(ctx, target)
		if err != nil {
			return rec, resourceError(kind, rec.Identity, "still_exists", err)
		}
		if !exists {
			rec.State = StateSucceeded
		}
	}

	return rec, nil
}

func (e *PhaseExecutor) noteTransition(ctx context.Context, kind ResourceKind, before, after ResourceRecord) {
	if before.State == after.State {
		return
	}

	e.metrics.RecordResourceTransition(kind, before.State, after.State)
	e.logger.Debug().
		Str("kind", string(kind)).
		Str("resource", after.Identity.Name).
		Str("from", string(before.State)).
		Str("to", string(after.State)).
		Msg("Resource transitioned")
	e.publish(ctx, Event{
		Type:     EventTypeResourceTransition,
		Resource: after.Identity.String(),
		Kind:     kind,
		State:    after.State,
		Message:  fmt.Sprintf("%s %s: %s -> %s", kind, after.Identity.Name, before.State, after.State),
		Level:    "info",
	})
}

func (e *PhaseExecutor) publish(ctx context.Context, event Event) {
	if e.events == nil {
		return
	}
	event.ID = uuid.New().String()
	event.Timestamp = time.Now()
	if event.Operation == "" {
		event.Operation = OpCheckDeleteStatus
	}
	if err := e.events.PublishEvent(ctx, event); err != nil {
		e.logger.Debug().Err(err).Str("event", string(event.Type)).Msg("Failed to publish event")
	}
}

func resourceError(kind ResourceKind, id ResourceIdentity, operation string, err error) *EngineError {
	cause := Classify(err)
	return &EngineError{
		Class:     cause.Class,
		Code:      cause.Code,
		Message:   fmt.Sprintf("%s %s failed", kind, operation),
		Resource:  id.String(),
		Operation: operation,
		Err:       err,
	}
}
