package engine

import (
	"context"
	"fmt"
	"time"
)

// Target addresses one resource for an adapter call. Queues are addressed by
// location, everything else by identity.
type Target struct {
	Location string
	ResourceIdentity
}

// ResourceAdapter is the capability pair used to delete one kind of resource.
// Implementations hold no orchestration state. Errors should carry an
// EngineError class; unclassified errors are treated as transient.
type ResourceAdapter interface {
	// BeginDelete starts an asynchronous delete and returns once it was accepted.
	BeginDelete(ctx context.Context, target Target) error

	// StillExists reports whether the resource can still be found.
	StillExists(ctx context.Context, target Target) (bool, error)
}

// AdapterSet maps every resource kind to its adapter.
type AdapterSet map[ResourceKind]ResourceAdapter

// Validate fails when any resource kind has no adapter.
func (s AdapterSet) Validate() error {
	for _, kind := range AllResourceKinds() {
		if s[kind] == nil {
			return NewPermanentError(fmt.Sprintf("no resource adapter registered for %s", kind), nil).
				WithCode(ErrCodeConfiguration)
		}
	}
	return nil
}

// DeploymentSpec is a rendered templated deployment ready to submit.
type DeploymentSpec struct {
	SubscriptionID string
	ResourceGroup  string
	Location       string

	// Name is the deployment name, used as the creation tracking id.
	Name string

	// VMName is the locally generated compute instance name.
	VMName string

	Template   map[string]interface{}
	Parameters map[string]interface{}
	Tags       map[string]string
}

// DeploymentOperationError is one failed step of a deployment.
type DeploymentOperationError struct {
	ResourceID    string `json:"resourceId"`
	StatusCode    string `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

// DeploymentClient is the slice of the cloud resource-management API used by
// the creation state machine.
type DeploymentClient interface {
	// EnsureResourceGroup creates the resource group if it does not exist.
	EnsureResourceGroup(ctx context.Context, subscriptionID, resourceGroup, location string) error

	// BeginDeployment submits a templated deployment without waiting for it.
	BeginDeployment(ctx context.Context, spec DeploymentSpec) error

	// DeploymentState returns the raw provisioning state of a deployment.
	DeploymentState(ctx context.Context, subscriptionID, resourceGroup, name string) (string, error)

	// DeploymentErrors lists the failed operations of a deployment.
	DeploymentErrors(ctx context.Context, subscriptionID, resourceGroup, name string) ([]DeploymentOperationError, error)
}

// QueueConnection describes a created queue to the in-VM agent.
type QueueConnection struct {
	Name string
	URL  string
}

// QueueProvider manages the per-instance command queues.
type QueueProvider interface {
	Create(ctx context.Context, location, name string) (*QueueConnection, error)
	Delete(ctx context.Context, location, name string) error
	Exists(ctx context.Context, location, name string) (bool, error)
	Push(ctx context.Context, location, name string, msg QueueMessage) error
}

// DiskInspector reports whether a disk is attached to a compute instance.
type DiskInspector interface {
	IsAttached(ctx context.Context, disk ResourceIdentity) (bool, error)
}

// CreateStrategy renders the OS specific deployment for a create request.
type CreateStrategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Accepts reports whether the strategy handles the operating system.
	Accepts(os OSKind) bool

	// Validate checks the request fields the strategy needs. It runs before
	// any cloud resource is created.
	Validate(req CreateRequest) error

	// Prepare generates the instance name and renders the deployment.
	// queue is the already created input queue of the instance.
	Prepare(ctx context.Context, req CreateRequest, vmName string, queue *QueueConnection) (*DeploymentSpec, error)

	// NewVMName generates a fresh compute instance name.
	NewVMName() (string, error)
}

// AdmissionPolicy decides whether a create request may proceed.
type AdmissionPolicy interface {
	Admit(ctx context.Context, req CreateRequest) error
}

// EventPublisher receives lifecycle events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event Event) error
}

// MetricsRecorder receives orchestrator measurements.
type MetricsRecorder interface {
	RecordOperation(operation string, state OperationState, duration time.Duration)
	RecordRetry(operation string, attempt int)
	RecordResourceTransition(kind ResourceKind, from, to OperationState)
	RecordError(class ErrorClass, code string)
}

type noopMetrics struct{}

func (noopMetrics) RecordOperation(string, OperationState, time.Duration)                 {}
func (noopMetrics) RecordRetry(string, int)                                               {}
func (noopMetrics) RecordResourceTransition(ResourceKind, OperationState, OperationState) {}
func (noopMetrics) RecordError(ErrorClass, string)                                        {}
