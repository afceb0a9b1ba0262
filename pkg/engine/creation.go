package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// MaxErrorDetailLength bounds the provisioning failure summary handed back
// to callers.
const MaxErrorDetailLength = 1000

// BeginCreate submits the deployment of a new compute instance and returns a
// token tracking it. The instance name is generated here, so the identity is
// known before the cloud call returns.
//
// Failures before the deployment is accepted are returned as errors: there is
// nothing to resume yet.
func (m *DeploymentManager) BeginCreate(ctx context.Context, req CreateRequest) (OperationResult, error) {
	ctx, span := m.startSpan(ctx, OpBeginCreate, ResourceIdentity{
		SubscriptionID: req.SubscriptionID,
		ResourceGroup:  req.ResourceGroup,
	})
	defer span.End()
	start := time.Now()

	if err := m.validateRequest(req); err != nil {
		return m.fail(ctx, span, OpBeginCreate, err)
	}

	if m.admission != nil {
		if err := m.admission.Admit(ctx, req); err != nil {
			return m.fail(ctx, span, OpBeginCreate, err)
		}
	}

	strategy, err := m.strategies.Select(req.OS)
	if err != nil {
		return m.fail(ctx, span, OpBeginCreate, err)
	}

	if err := strategy.Validate(req); err != nil {
		return m.fail(ctx, span, OpBeginCreate, err)
	}

	if err := m.checkCustomDisk(ctx, req); err != nil {
		return m.fail(ctx, span, OpBeginCreate, err)
	}

	vmName, err := strategy.NewVMName()
	if err != nil {
		return m.fail(ctx, span, OpBeginCreate, NewPermanentError("failed to generate instance name", err))
	}

	logger := m.logger.With().
		Str("vm", vmName).
		Str("strategy", strategy.Name()).
		Str("location", req.Location).
		Logger()

	if err := m.deployments.EnsureResourceGroup(ctx, req.SubscriptionID, req.ResourceGroup, req.Location); err != nil {
		return m.fail(ctx, span, OpBeginCreate, Classify(err).WithOperation("ensure_resource_group"))
	}

	queue, err := m.queues.Create(ctx, req.Location, InputQueueName(vmName))
	if err != nil {
		return m.fail(ctx, span, OpBeginCreate, Classify(err).WithOperation("create_queue"))
	}

	spec, err := strategy.Prepare(ctx, req, vmName, queue)
	if err != nil {
		m.discardQueue(ctx, req.Location, queue.Name)
		return m.fail(ctx, span, OpBeginCreate, err)
	}

	if err := m.deployments.BeginDeployment(ctx, *spec); err != nil {
		m.discardQueue(ctx, req.Location, queue.Name)
		return m.fail(ctx, span, OpBeginCreate, Classify(err).WithOperation("begin_deployment"))
	}

	logger.Info().Str("deployment", spec.Name).Msg("Deployment submitted")

	token := &ContinuationToken{
		TrackingID: spec.Name,
		ResourceIdentity: ResourceIdentity{
			SubscriptionID: req.SubscriptionID,
			ResourceGroup:  req.ResourceGroup,
			Name:           vmName,
		},
		Version: CurrentTokenVersion,
	}
	return m.finish(ctx, span, OpBeginCreate, start, OperationResult{State: StateInProgress, Token: token}), nil
}

// discardQueue removes the input queue of a create that never produced a
// token. Failures are logged: nothing else would ever track the queue.
func (m *DeploymentManager) discardQueue(ctx context.Context, location, name string) {
	if err := m.queues.Delete(context.WithoutCancel(ctx), location, name); err != nil {
		m.logger.Warn().Err(err).
			Str("queue", name).
			Str("location", location).
			Msg("Failed to remove input queue of an abandoned create")
		return
	}
	m.logger.Debug().Str("queue", name).Msg("Removed input queue of an abandoned create")
}

// checkCustomDisk refuses to boot from a custom OS disk that another
// instance still holds.
func (m *DeploymentManager) checkCustomDisk(ctx context.Context, req CreateRequest) error {
	disk, ok := req.ComponentOf(KindDisk)
	if !ok || m.disks == nil {
		return nil
	}

	attached, err := m.disks.IsAttached(ctx, disk.Identity)
	if err != nil {
		return Classify(err).WithOperation("inspect_disk")
	}
	if attached {
		return NewPermanentError(fmt.Sprintf("os disk %s is attached to another instance", disk.Identity.Name), nil).
			WithCode(ErrCodeConflict).
			WithResource(disk.Identity.String())
	}
	return nil
}

// CheckCreateStatus polls the deployment tracked by token.
func (m *DeploymentManager) CheckCreateStatus(ctx context.Context, token ContinuationToken) (OperationResult, error) {
	ctx, span := m.startSpan(ctx, OpCheckCreateStatus, token.ResourceIdentity)
	defer span.End()
	start := time.Now()

	if err := token.Validate(); err != nil {
		return m.fail(ctx, span, OpCheckCreateStatus, err)
	}

	id := token.ResourceIdentity
	raw, err := m.deployments.DeploymentState(ctx, id.SubscriptionID, id.ResourceGroup, token.TrackingID)
	if err != nil {
		result := m.retryOrFail(OpCheckCreateStatus, token, token.TrackingID, err)
		return m.finish(ctx, span, OpCheckCreateStatus, start, result), nil
	}

	state := ParseResult(raw)
	span.SetAttributes(attribute.String("envforge.provisioning_state", raw))

	var result OperationResult
	switch state {
	case StateSucceeded, StateCancelled:
		m.logger.Info().Str("vm", id.Name).Str("state", string(state)).Msg("Deployment finished")
		result = OperationResult{State: state}
	case StateFailed:
		detail := m.deploymentErrorDetail(ctx, token)
		m.logger.Error().Str("vm", id.Name).Str("detail", detail).Msg("Deployment failed")
		result = OperationResult{
			State:       StateFailed,
			ErrorDetail: detail,
			Err: NewPermanentError("deployment failed", nil).
				WithCode(ErrCodeProvisioningFailed).
				WithResource(id.String()).
				WithDetail("deployment", token.TrackingID),
		}
	default:
		result = OperationResult{State: StateInProgress, Token: token.Advance(token.TrackingID)}
	}

	return m.finish(ctx, span, OpCheckCreateStatus, start, result), nil
}

// deploymentErrorDetail is best effort: a failure to list the failed
// operations never changes the Failed result.
func (m *DeploymentManager) deploymentErrorDetail(ctx context.Context, token ContinuationToken) string {
	id := token.ResourceIdentity
	errs, err := m.deployments.DeploymentErrors(ctx, id.SubscriptionID, id.ResourceGroup, token.TrackingID)
	if err != nil {
		m.logger.Warn().Err(err).Str("deployment", token.TrackingID).Msg("Failed to read deployment errors")
		return ""
	}
	return SummarizeDeploymentErrors(errs)
}

// SummarizeDeploymentErrors renders failed deployment operations into one
// string of at most MaxErrorDetailLength characters.
func SummarizeDeploymentErrors(errs []DeploymentOperationError) string {
	if len(errs) == 0 {
		return ""
	}

	var b strings.Builder
	for i, e := range errs {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "resource=%s status=%s message=%s", e.ResourceID, e.StatusCode, e.StatusMessage)
	}

	detail := []rune(b.String())
	if len(detail) > MaxErrorDetailLength {
		detail = detail[:MaxErrorDetailLength]
	}
	return string(detail)
}
