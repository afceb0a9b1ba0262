package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResourceKind is the closed set of cloud resources owned by one compute instance.
type ResourceKind string

const (
	// KindVM is the compute instance itself.
	KindVM ResourceKind = "vm"

	// KindNIC is the network interface attached to the compute instance.
	KindNIC ResourceKind = "nic"

	// KindNSG is the network security group bound to the NIC.
	KindNSG ResourceKind = "nsg"

	// KindVNet is the virtual network the NIC lives in.
	KindVNet ResourceKind = "vnet"

	// KindDisk is the OS disk.
	KindDisk ResourceKind = "disk"

	// KindQueue is the input command queue read by the in-VM agent.
	KindQueue ResourceKind = "queue"
)

// AllResourceKinds lists every kind in dependency order.
func AllResourceKinds() []ResourceKind {
	return []ResourceKind{KindVM, KindQueue, KindNIC, KindDisk, KindNSG, KindVNet}
}

// Validate checks if the resource kind is valid.
func (k ResourceKind) Validate() error {
	switch k {
	case KindVM, KindNIC, KindNSG, KindVNet, KindDisk, KindQueue:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *ResourceKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	kind := ResourceKind(str)
	if err := kind.Validate(); err != nil {
		return err
	}
	*k = kind
	return nil
}

// OSKind selects the operating-system specific creation strategy.
type OSKind string

const (
	// OSLinux selects the Linux strategy.
	OSLinux OSKind = "Linux"

	// OSWindows selects the Windows strategy.
	OSWindows OSKind = "Windows"
)

// AllOSKinds lists every known operating system.
func AllOSKinds() []OSKind {
	return []OSKind{OSLinux, OSWindows}
}

// Validate checks if the OS kind is valid.
func (o OSKind) Validate() error {
	switch o {
	case OSLinux, OSWindows:
		return nil
	default:
		return fmt.Errorf("invalid os kind: %s", o)
	}
}

// ResourceIdentity is the durable handle of a cloud resource across poll cycles.
type ResourceIdentity struct {
	SubscriptionID string `json:"subscriptionId" validate:"required"`
	ResourceGroup  string `json:"resourceGroup" validate:"required"`
	Name           string `json:"name" validate:"required"`
}

// String returns a compact path form of the identity.
func (id ResourceIdentity) String() string {
	return fmt.Sprintf("%s/%s/%s", id.SubscriptionID, id.ResourceGroup, id.Name)
}

// Sibling returns an identity in the same subscription and resource group.
func (id ResourceIdentity) Sibling(name string) ResourceIdentity {
	return ResourceIdentity{
		SubscriptionID: id.SubscriptionID,
		ResourceGroup:  id.ResourceGroup,
		Name:           name,
	}
}

// Component is a resource provisioned outside the default naming scheme,
// or one that must outlive the compute instance.
type Component struct {
	// Kind is the kind of the component. Only nic and disk are meaningful.
	Kind ResourceKind `json:"kind" validate:"required,oneof=nic disk"`

	// Identity addresses the component.
	Identity ResourceIdentity `json:"identity" validate:"required"`

	// RecordID is the id of the component in the caller's resource registry.
	RecordID string `json:"recordId,omitempty"`

	// Preserve keeps the component when the compute instance is deleted.
	Preserve bool `json:"preserve,omitempty"`
}

// CreateRequest describes a compute instance to provision.
type CreateRequest struct {
	OS             OSKind `json:"os" validate:"required,oneof=Linux Windows"`
	SubscriptionID string `json:"subscriptionId" validate:"required"`
	ResourceGroup  string `json:"resourceGroup" validate:"required"`
	Location       string `json:"location" validate:"required"`
	SkuName        string `json:"skuName" validate:"required"`

	// Image is the marketplace URN or image resource id to boot from.
	Image string `json:"image" validate:"required"`

	// VMToken authenticates the in-VM agent to the control plane.
	VMToken string `json:"vmToken" validate:"required"`

	// AgentBlobURL is where the in-VM agent downloads its payload from.
	AgentBlobURL string `json:"agentBlobUrl,omitempty" validate:"omitempty,url"`

	// ResourceID is the caller's id for this compute resource.
	ResourceID string `json:"resourceId,omitempty"`

	// FrontendHostName is the DNS name the agent reports back to.
	FrontendHostName string `json:"frontendHostName,omitempty"`

	// AdminPublicKey is an optional authorized_keys line for the Linux admin user.
	AdminPublicKey string `json:"adminPublicKey,omitempty"`

	Tags       map[string]string `json:"tags,omitempty"`
	Components []Component       `json:"components,omitempty" validate:"dive"`

	// Parameters are forwarded to the init script.
	Parameters map[string]string `json:"parameters,omitempty"`
}

// ComponentOf returns the first component of the given kind.
func (r CreateRequest) ComponentOf(kind ResourceKind) (Component, bool) {
	return componentOf(r.Components, kind)
}

// DeleteRequest describes a compute instance to tear down.
type DeleteRequest struct {
	Identity   ResourceIdentity `json:"identity" validate:"required"`
	Location   string           `json:"location" validate:"required"`
	Components []Component      `json:"components,omitempty" validate:"dive"`
}

// ComponentOf returns the first component of the given kind.
func (r DeleteRequest) ComponentOf(kind ResourceKind) (Component, bool) {
	return componentOf(r.Components, kind)
}

func componentOf(components []Component, kind ResourceKind) (Component, bool) {
	for _, c := range components {
		if c.Kind == kind {
			return c, true
		}
	}
	return Component{}, false
}

// FileShareConnection points the in-VM agent at the user's storage.
type FileShareConnection struct {
	StorageAccountName string `json:"storageAccountName" validate:"required"`
	StorageAccountKey  string `json:"storageAccountKey" validate:"required"`
	StorageShareName   string `json:"storageShareName" validate:"required"`
	StorageFileName    string `json:"storageFileName" validate:"required"`
}

// StartRequest asks a running compute instance to start an environment.
type StartRequest struct {
	Identity   ResourceIdentity     `json:"identity" validate:"required"`
	Location   string               `json:"location" validate:"required"`
	SkuName    string               `json:"skuName"`
	Parameters map[string]string    `json:"parameters,omitempty"`
	FileShare  *FileShareConnection `json:"fileShare,omitempty"`
}

// ShutdownRequest asks a running compute instance to stop an environment.
type ShutdownRequest struct {
	Identity      ResourceIdentity `json:"identity" validate:"required"`
	Location      string           `json:"location" validate:"required"`
	EnvironmentID string           `json:"environmentId" validate:"required"`
}

// Queue commands understood by the in-VM agent.
const (
	CommandStartEnvironment    = "StartEnvironment"
	CommandShutdownEnvironment = "ShutdownEnvironment"
)

// QueueMessage is the body pushed onto a compute instance's input queue.
type QueueMessage struct {
	Command    string            `json:"Command"`
	ID         string            `json:"Id,omitempty"`
	Parameters map[string]string `json:"Parameters,omitempty"`
}

// Start parameter keys.
const (
	ParamStorageAccountName = "storageAccountName"
	ParamStorageAccountKey  = "storageAccountKey"
	ParamStorageShareName   = "storageShareName"
	ParamStorageFileName    = "storageFileName"
	ParamSkuName            = "skuName"
)

// OperationResult is what every facade call hands back to the scheduler.
// Token is nil if and only if State is terminal.
type OperationResult struct {
	State OperationState `json:"state"`

	Token *ContinuationToken `json:"token,omitempty"`

	// RetryAttempt is the retry counter for calls that carry no token (start, shutdown).
	RetryAttempt int `json:"retryAttempt"`

	// ErrorDetail is a bounded summary of a provisioning failure.
	ErrorDetail string `json:"errorDetail,omitempty"`

	// Err is the failure that made the result terminal, if any.
	Err error `json:"-"`
}

// Operation names used in logs, metrics, spans and the journal.
const (
	OpBeginCreate       = "begin_create"
	OpCheckCreateStatus = "check_create_status"
	OpBeginDelete       = "begin_delete"
	OpCheckDeleteStatus = "check_delete_status"
	OpStart             = "start"
	OpShutdown          = "shutdown"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventTypeOperationStarted   EventType = "operation.started"
	EventTypeOperationCompleted EventType = "operation.completed"
	EventTypeOperationRetried   EventType = "operation.retried"
	EventTypeOperationFailed    EventType = "operation.failed"
	EventTypeResourceTransition EventType = "resource.transition"
	EventTypePhaseCompleted     EventType = "phase.completed"
)

// Event represents a timeline event emitted by the orchestrator.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Operation string                 `json:"operation"`
	Resource  string                 `json:"resource,omitempty"`
	Kind      ResourceKind           `json:"kind,omitempty"`
	State     OperationState         `json:"state,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
