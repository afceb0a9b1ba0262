package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DeploymentManager is the orchestrator facade. It holds no per-operation
// state: everything needed to resume an operation travels in the
// continuation token, so any instance may serve any poll.
type DeploymentManager struct {
	deployments DeploymentClient
	queues      QueueProvider
	strategies  *StrategySelector
	planner     *DeletionPlanner
	executor    *PhaseExecutor

	admission AdmissionPolicy
	disks     DiskInspector
	validate  *validator.Validate

	logger  zerolog.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
	events  EventPublisher

	maxParallel int
}

// ManagerOption configures a DeploymentManager.
type ManagerOption func(*DeploymentManager)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *DeploymentManager) { m.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics MetricsRecorder) ManagerOption {
	return func(m *DeploymentManager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithTracer sets the tracer used for facade spans.
func WithTracer(tracer trace.Tracer) ManagerOption {
	return func(m *DeploymentManager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithEventPublisher sets the lifecycle event sink.
func WithEventPublisher(events EventPublisher) ManagerOption {
	return func(m *DeploymentManager) { m.events = events }
}

// WithAdmissionPolicy sets the policy consulted before a create is submitted.
func WithAdmissionPolicy(policy AdmissionPolicy) ManagerOption {
	return func(m *DeploymentManager) { m.admission = policy }
}

// WithDiskInspector enables the attached-disk check for custom OS disks.
func WithDiskInspector(disks DiskInspector) ManagerOption {
	return func(m *DeploymentManager) { m.disks = disks }
}

// WithMaxParallel bounds concurrent adapter calls within one phase.
func WithMaxParallel(n int) ManagerOption {
	return func(m *DeploymentManager) { m.maxParallel = n }
}

// NewDeploymentManager wires the facade. A missing adapter or an ambiguous
// strategy table is reported here.
func NewDeploymentManager(
	deployments DeploymentClient,
	queues QueueProvider,
	adapters AdapterSet,
	strategies *StrategySelector,
	opts ...ManagerOption,
) (*DeploymentManager, error) {
	if deployments == nil {
		return nil, NewPermanentError("deployment client is required", nil).WithCode(ErrCodeConfiguration)
	}
	if queues == nil {
		return nil, NewPermanentError("queue provider is required", nil).WithCode(ErrCodeConfiguration)
	}
	if strategies == nil {
		return nil, NewPermanentError("strategy selector is required", nil).WithCode(ErrCodeConfiguration)
	}
	if err := adapters.Validate(); err != nil {
		return nil, err
	}
	if err := strategies.Validate(); err != nil {
		return nil, err
	}

	planner, err := NewDeletionPlanner()
	if err != nil {
		return nil, err
	}

	m := &DeploymentManager{
		deployments: deployments,
		queues:      queues,
		strategies:  strategies,
		planner:     planner,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      zerolog.Nop(),
		metrics:     noopMetrics{},
		tracer:      noop.NewTracerProvider().Tracer("envforge"),
		maxParallel: DefaultMaxParallel,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.With().Str("component", "deployment_manager").Logger()
	m.executor = NewPhaseExecutor(adapters, m.maxParallel, m.logger)
	m.executor.SetMetrics(m.metrics)
	m.executor.SetEventPublisher(m.events)

	return m, nil
}

// Planner returns the deletion planner, for previews.
func (m *DeploymentManager) Planner() *DeletionPlanner {
	return m.planner
}

// BeginDelete plans the teardown of a compute instance and returns a token
// without issuing any delete.
func (m *DeploymentManager) BeginDelete(ctx context.Context, req DeleteRequest) (OperationResult, error) {
	ctx, span := m.startSpan(ctx, OpBeginDelete, req.Identity)
	defer span.End()
	start := time.Now()

	if err := m.validateRequest(req); err != nil {
		return m.fail(ctx, span, OpBeginDelete, err)
	}

	plan, err := m.planner.Build(req)
	if err != nil {
		return m.fail(ctx, span, OpBeginDelete, err)
	}

	trackingID, err := EncodeDeletionTracking(req.Location, *plan)
	if err != nil {
		return m.fail(ctx, span, OpBeginDelete, NewPermanentError("failed to encode deletion plan", err))
	}

	token := &ContinuationToken{
		TrackingID:       trackingID,
		ResourceIdentity: req.Identity,
		Version:          CurrentTokenVersion,
	}

	m.logger.Info().
		Str("vm", req.Identity.Name).
		Str("resource_group", req.Identity.ResourceGroup).
		Int("phases", len(plan.Phases)).
		Msg("Deletion planned")

	return m.finish(ctx, span, OpBeginDelete, start, OperationResult{State: StateInProgress, Token: token}), nil
}

// CheckDeleteStatus advances a deletion by at most one phase.
//
// Per-resource failures are absorbed: the partial progress is kept in the
// returned token and the retry counter is incremented. The returned error is
// reserved for tokens that cannot be interpreted.
func (m *DeploymentManager) CheckDeleteStatus(ctx context.Context, token ContinuationToken) (OperationResult, error) {
	ctx, span := m.startSpan(ctx, OpCheckDeleteStatus, token.ResourceIdentity)
	defer span.End()
	span.SetAttributes(attribute.Int("envforge.token.version", token.Version))
	start := time.Now()

	if err := token.Validate(); err != nil {
		return m.fail(ctx, span, OpCheckDeleteStatus, err)
	}

	var (
		result OperationResult
		err    error
	)
	switch token.Version {
	case TokenVersionPhased:
		result, err = m.checkPhasedDelete(ctx, token)
	case TokenVersionLegacy:
		result, err = m.checkLegacyDelete(ctx, token)
	default:
		err = NewPermanentError(fmt.Sprintf("unsupported continuation token version %d", token.Version), nil).
			WithCode(ErrCodeUnsupportedVersion)
	}
	if err != nil {
		return m.fail(ctx, span, OpCheckDeleteStatus, err)
	}

	return m.finish(ctx, span, OpCheckDeleteStatus, start, result), nil
}

func (m *DeploymentManager) checkPhasedDelete(ctx context.Context, token ContinuationToken) (OperationResult, error) {
	tracking, err := DecodeDeletionTracking(token.TrackingID)
	if err != nil {
		return OperationResult{}, err
	}

	phaseCtx, span := m.tracer.Start(ctx, "envforge.phase_advance")
	outcome := m.executor.Advance(phaseCtx, tracking.Location, tracking.DeletionPlan)
	span.SetAttributes(
		attribute.Int("envforge.phase", outcome.Phase),
		attribute.String("envforge.state", string(outcome.State)),
	)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
	}
	span.End()

	trackingID, err := EncodeDeletionTracking(tracking.Location, outcome.Plan)
	if err != nil {
		return OperationResult{}, NewPermanentError("failed to encode deletion plan", err)
	}

	if outcome.Err != nil {
		aggregate := NewTransientError(fmt.Sprintf("deletion phase %d incomplete", outcome.Phase), outcome.Err).
			WithCode(ErrCodePhaseIncomplete).
			WithResource(token.ResourceIdentity.String())
		return m.retryOrFail(OpCheckDeleteStatus, token, trackingID, aggregate), nil
	}

	if outcome.State == StateSucceeded {
		m.logger.Info().Str("vm", token.ResourceIdentity.Name).Msg("Deletion completed")
		return OperationResult{State: StateSucceeded}, nil
	}
	return OperationResult{State: StateInProgress, Token: token.Advance(trackingID)}, nil
}

func (m *DeploymentManager) checkLegacyDelete(ctx context.Context, token ContinuationToken) (OperationResult, error) {
	tracking, err := DecodeLegacyTracking(token.TrackingID)
	if err != nil {
		return OperationResult{}, err
	}

	outcome := m.executor.AdvanceLegacy(ctx, token.ResourceIdentity, *tracking)
	if outcome.Unchanged {
		same := token
		return OperationResult{State: StateInProgress, Token: &same}, nil
	}

	trackingID, err := outcome.Tracking.Encode()
	if err != nil {
		return OperationResult{}, NewPermanentError("failed to encode legacy deletion state", err)
	}

	if outcome.Err != nil {
		aggregate := NewTransientError("legacy deletion round incomplete", outcome.Err).
			WithCode(ErrCodePhaseIncomplete).
			WithResource(token.ResourceIdentity.String())
		return m.retryOrFail(OpCheckDeleteStatus, token, trackingID, aggregate), nil
	}

	if outcome.State == StateSucceeded {
		return OperationResult{State: StateSucceeded}, nil
	}
	return OperationResult{State: StateInProgress, Token: token.Advance(trackingID)}, nil
}

// Start pushes a start command onto the instance's input queue. It is not
// polled: retryAttempt is carried by the caller between attempts.
func (m *DeploymentManager) Start(ctx context.Context, req StartRequest, retryAttempt int) (OperationResult, error) {
	ctx, span := m.startSpan(ctx, OpStart, req.Identity)
	defer span.End()
	start := time.Now()

	if err := m.validateRequest(req); err != nil {
		return m.fail(ctx, span, OpStart, err)
	}

	params := make(map[string]string, len(req.Parameters)+5)
	for k, v := range req.Parameters {
		params[k] = v
	}
	if fs := req.FileShare; fs != nil {
		params[ParamStorageAccountName] = fs.StorageAccountName
		params[ParamStorageAccountKey] = fs.StorageAccountKey
		params[ParamStorageShareName] = fs.StorageShareName
		params[ParamStorageFileName] = fs.StorageFileName
	}
	if req.SkuName != "" {
		params[ParamSkuName] = req.SkuName
	}

	msg := QueueMessage{Command: CommandStartEnvironment, Parameters: params}
	result := m.sendCommand(ctx, OpStart, req.Location, req.Identity, msg, retryAttempt)
	return m.finish(ctx, span, OpStart, start, result), nil
}

// Shutdown pushes a shutdown command for one environment onto the
// instance's input queue.
func (m *DeploymentManager) Shutdown(ctx context.Context, req ShutdownRequest, retryAttempt int) (OperationResult, error) {
	ctx, span := m.startSpan(ctx, OpShutdown, req.Identity)
	defer span.End()
	start := time.Now()

	if err := m.validateRequest(req); err != nil {
		return m.fail(ctx, span, OpShutdown, err)
	}

	msg := QueueMessage{Command: CommandShutdownEnvironment, ID: req.EnvironmentID}
	result := m.sendCommand(ctx, OpShutdown, req.Location, req.Identity, msg, retryAttempt)
	return m.finish(ctx, span, OpShutdown, start, result), nil
}

func (m *DeploymentManager) sendCommand(
	ctx context.Context,
	operation, location string,
	vm ResourceIdentity,
	msg QueueMessage,
	retryAttempt int,
) OperationResult {
	queue := InputQueueName(vm.Name)
	if err := m.queues.Push(ctx, location, queue, msg); err != nil {
		return m.retryAttemptOrFail(operation, retryAttempt, err)
	}

	m.logger.Info().
		Str("vm", vm.Name).
		Str("queue", queue).
		Str("command", msg.Command).
		Msg("Command sent")
	return OperationResult{State: StateSucceeded, RetryAttempt: 0}
}

// retryOrFail absorbs a failed poll into the token's retry counter, or
// makes it terminal once the bound is reached or the error is permanent.
// A cancelled poll keeps the operation where it was without spending a retry.
func (m *DeploymentManager) retryOrFail(operation string, token ContinuationToken, trackingID string, err error) OperationResult {
	if IsCancelled(err) {
		same := token
		same.TrackingID = trackingID
		m.logger.Warn().Err(err).Str("operation", operation).Msg("Poll cancelled, operation left in progress")
		return OperationResult{State: StateInProgress, Token: &same, Err: err}
	}

	classified := Classify(err)
	m.metrics.RecordError(classified.Class, classified.Code)

	if !IsRetryable(classified) {
		m.logger.Error().Err(err).Str("operation", operation).Msg("Operation failed permanently")
		return OperationResult{State: StateFailed, Err: classified}
	}

	if !token.CanRetry() {
		m.logger.Error().Err(err).
			Str("operation", operation).
			Int("retry_attempt", token.RetryAttempt).
			Msg("Retry attempts exhausted")
		return OperationResult{
			State: StateFailed,
			Err: NewPermanentError(fmt.Sprintf("retry attempts exhausted after %d failures", token.RetryAttempt+1), err).
				WithCode(ErrCodeRetryExhausted).
				WithOperation(operation),
		}
	}

	next := token.Retry(trackingID)
	m.metrics.RecordRetry(operation, next.RetryAttempt)
	m.logger.Warn().Err(err).
		Str("operation", operation).
		Int("retry_attempt", next.RetryAttempt).
		Msg("Operation failed, will retry on next poll")
	return OperationResult{State: StateInProgress, Token: next, Err: err}
}

// retryAttemptOrFail is retryOrFail for calls that carry a bare counter.
func (m *DeploymentManager) retryAttemptOrFail(operation string, attempt int, err error) OperationResult {
	if IsCancelled(err) {
		m.logger.Warn().Err(err).Str("operation", operation).Msg("Command send cancelled")
		return OperationResult{State: StateInProgress, RetryAttempt: attempt, Err: err}
	}

	classified := Classify(err)
	m.metrics.RecordError(classified.Class, classified.Code)

	if !IsRetryable(classified) {
		m.logger.Error().Err(err).Str("operation", operation).Msg("Operation failed permanently")
		return OperationResult{State: StateFailed, RetryAttempt: attempt, Err: classified}
	}

	if attempt >= MaxRetryAttempts {
		m.logger.Error().Err(err).Str("operation", operation).Int("retry_attempt", attempt).Msg("Retry attempts exhausted")
		return OperationResult{
			State:        StateFailed,
			RetryAttempt: attempt,
			Err: NewPermanentError(fmt.Sprintf("retry attempts exhausted after %d failures", attempt+1), err).
				WithCode(ErrCodeRetryExhausted).
				WithOperation(operation),
		}
	}

	m.metrics.RecordRetry(operation, attempt+1)
	m.logger.Warn().Err(err).Str("operation", operation).Int("retry_attempt", attempt+1).Msg("Command send failed, will retry")
	return OperationResult{State: StateInProgress, RetryAttempt: attempt + 1, Err: err}
}

func (m *DeploymentManager) validateRequest(req interface{}) error {
	if err := m.validate.Struct(req); err != nil {
		return NewPermanentError("invalid request", err).WithCode(ErrCodeValidation)
	}
	return nil
}

func (m *DeploymentManager) startSpan(ctx context.Context, operation string, id ResourceIdentity) (context.Context, trace.Span) {
	ctx, span := m.tracer.Start(ctx, "envforge."+operation,
		trace.WithAttributes(
			attribute.String("envforge.operation", operation),
			attribute.String("envforge.resource", id.String()),
		),
	)
	m.publish(ctx, Event{
		Type:      EventTypeOperationStarted,
		Operation: operation,
		Resource:  id.String(),
		Message:   fmt.Sprintf("%s started", operation),
		Level:     "info",
	})
	return ctx, span
}

// finish records the outcome of a call that produced a result.
func (m *DeploymentManager) finish(ctx context.Context, span trace.Span, operation string, start time.Time, result OperationResult) OperationResult {
	m.metrics.RecordOperation(operation, result.State, time.Since(start))
	span.SetAttributes(attribute.String("envforge.state", string(result.State)))

	event := Event{
		Operation: operation,
		State:     result.State,
		Level:     "info",
	}
	if result.Token != nil {
		event.Resource = result.Token.ResourceIdentity.String()
	}

	switch {
	case result.State == StateFailed:
		if result.Err != nil {
			span.RecordError(result.Err)
		}
		span.SetStatus(codes.Error, "operation failed")
		event.Type = EventTypeOperationFailed
		event.Level = "error"
		event.Message = fmt.Sprintf("%s failed", operation)
		if result.Err != nil {
			event.Message = result.Err.Error()
		}
	case result.Err != nil:
		span.RecordError(result.Err)
		event.Type = EventTypeOperationRetried
		event.Level = "warn"
		event.Message = result.Err.Error()
	default:
		span.SetStatus(codes.Ok, "")
		event.Type = EventTypeOperationCompleted
		event.Message = fmt.Sprintf("%s returned %s", operation, result.State)
	}
	m.publish(ctx, event)

	return result
}

// fail reports a call that could not produce a result at all.
func (m *DeploymentManager) fail(ctx context.Context, span trace.Span, operation string, err error) (OperationResult, error) {
	classified := Classify(err)
	m.metrics.RecordError(classified.Class, classified.Code)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.logger.Error().Err(err).Str("operation", operation).Msg("Operation rejected")
	m.publish(ctx, Event{
		Type:      EventTypeOperationFailed,
		Operation: operation,
		Message:   err.Error(),
		Level:     "error",
	})
	return OperationResult{State: StateFailed}, err
}

func (m *DeploymentManager) publish(ctx context.Context, event Event) {
	if m.events == nil {
		return
	}
	event.ID = uuid.New().String()
	event.Timestamp = time.Now()
	if err := m.events.PublishEvent(ctx, event); err != nil {
		m.logger.Debug().Err(err).Str("event", string(event.Type)).Msg("Failed to publish event")
	}
}
