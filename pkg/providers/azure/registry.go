package azure

import (
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
)

// subscriptionClients groups the client factories for one subscription.
type subscriptionClients struct {
	resources *armresources.ClientFactory
	compute   *armcompute.ClientFactory
	network   *armnetwork.ClientFactory
}

// ClientRegistry lazily builds and caches management-plane client
// factories per subscription.
type ClientRegistry struct {
	// mu protects subscriptions.
	mu sync.RWMutex

	// subscriptions maps subscription id to its client factories.
	subscriptions map[string]*subscriptionClients

	credential azcore.TokenCredential
	options    *arm.ClientOptions
}

// NewClientRegistry creates a registry that authenticates with credential.
func NewClientRegistry(credential azcore.TokenCredential, pipeline *Pipeline) *ClientRegistry {
	return &ClientRegistry{
		subscriptions: make(map[string]*subscriptionClients),
		credential:    credential,
		options:       pipeline.ARMOptions(),
	}
}

func (r *ClientRegistry) forSubscription(subscriptionID string) (*subscriptionClients, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("subscription id is required")
	}

	r.mu.RLock()
	clients, ok := r.subscriptions[subscriptionID]
	r.mu.RUnlock()
	if ok {
		return clients, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if clients, ok := r.subscriptions[subscriptionID]; ok {
		return clients, nil
	}

	resources, err := armresources.NewClientFactory(subscriptionID, r.credential, r.options)
	if err != nil {
		return nil, fmt.Errorf("failed to create resources client factory: %w", err)
	}
	compute, err := armcompute.NewClientFactory(subscriptionID, r.credential, r.options)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute client factory: %w", err)
	}
	network, err := armnetwork.NewClientFactory(subscriptionID, r.credential, r.options)
	if err != nil {
		return nil, fmt.Errorf("failed to create network client factory: %w", err)
	}

	clients = &subscriptionClients{resources: resources, compute: compute, network: network}
	r.subscriptions[subscriptionID] = clients
	return clients, nil
}

// Deployments returns the deployments client for a subscription.
func (r *ClientRegistry) Deployments(subscriptionID string) (*armresources.DeploymentsClient, error) {
	c, err := r.forSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	return c.resources.NewDeploymentsClient(), nil
}

// DeploymentOperations returns the deployment operations client for a subscription.
func (r *ClientRegistry) DeploymentOperations(subscriptionID string) (*armresources.DeploymentOperationsClient, error) {
	c, err := r.forSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	return c.resources.NewDeploymentOperationsClient(), nil
}

// ResourceGroups returns the resource groups client for a subscription.
func (r *ClientRegistry) ResourceGroups(subscriptionID string) (*armresources.ResourceGroupsClient, error) {
	c, err := r.forSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	return c.resources.NewResourceGroupsClient(), nil
}

// VirtualMachines returns the virtual machines client for a subscription.
func (r *ClientRegistry) VirtualMachines(subscriptionID string) (*armcompute.VirtualMachinesClient, error) {
	c, err := r.forSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	return c.compute.NewVirtualMachinesClient(), nil
}

// Disks returns the managed disks client for a subscription.
func (r *ClientRegistry) Disks(subscriptionID string) (*armcompute.DisksClient, error) {
	c, err := r.forSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	return c.compute.NewDisksClient(), nil
}

// Interfaces returns the network interfaces client for a subscription.
func (r *ClientRegistry) Interfaces(subscriptionID string) (*armnetwork.InterfacesClient, error) {
	c, err := r.forSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	return c.network.NewInterfacesClient(), nil
}

// SecurityGroups returns the network security groups client for a subscription.
func (r *ClientRegistry) SecurityGroups(subscriptionID string) (*armnetwork.SecurityGroupsClient, error) {
	c, err := r.forSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	return c.network.NewSecurityGroupsClient(), nil
}

// VirtualNetworks returns the virtual networks client for a subscription.
func (r *ClientRegistry) VirtualNetworks(subscriptionID string) (*armnetwork.VirtualNetworksClient, error) {
	c, err := r.forSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	return c.network.NewVirtualNetworksClient(), nil
}
