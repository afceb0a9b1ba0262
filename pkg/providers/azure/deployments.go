package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/envforge/envforge/pkg/engine"
)

// Deployments submits and inspects templated deployments.
type Deployments struct {
	registry *ClientRegistry
	logger   zerolog.Logger
}

// NewDeployments creates the deployment client.
func NewDeployments(registry *ClientRegistry, logger zerolog.Logger) *Deployments {
	return &Deployments{
		registry: registry,
		logger:   logger.With().Str("component", "azure-deployments").Logger(),
	}
}

// EnsureResourceGroup creates the resource group if it does not exist.
func (d *Deployments) EnsureResourceGroup(ctx context.Context, subscriptionID, resourceGroup, location string) error {
	client, err := d.registry.ResourceGroups(subscriptionID)
	if err != nil {
		return err
	}

	exists, err := client.CheckExistence(ctx, resourceGroup, nil)
	if err != nil {
		return classify(err, "check_resource_group", resourceGroup)
	}
	if exists.Success {
		return nil
	}

	_, err = client.CreateOrUpdate(ctx, resourceGroup, armresources.ResourceGroup{
		Location: to.Ptr(location),
	}, nil)
	if err != nil {
		return classify(err, "create_resource_group", resourceGroup)
	}

	d.logger.Info().
		Str("subscription", subscriptionID).
		Str("resource_group", resourceGroup).
		Str("location", location).
		Msg("Created resource group")
	return nil
}

// BeginDeployment submits a deployment in incremental mode and returns once
// it was accepted.
func (d *Deployments) BeginDeployment(ctx context.Context, spec engine.DeploymentSpec) error {
	client, err := d.registry.Deployments(spec.SubscriptionID)
	if err != nil {
		return err
	}

	_, err = client.BeginCreateOrUpdate(ctx, spec.ResourceGroup, spec.Name, armresources.Deployment{
		Properties: &armresources.DeploymentProperties{
			Mode:       to.Ptr(armresources.DeploymentModeIncremental),
			Template:   spec.Template,
			Parameters: spec.Parameters,
		},
		Tags: lo.MapValues(spec.Tags, func(v string, _ string) *string { return to.Ptr(v) }),
	}, nil)
	if err != nil {
		return classify(err, "begin_deployment", spec.Name)
	}

	d.logger.Debug().
		Str("deployment", spec.Name).
		Str("resource_group", spec.ResourceGroup).
		Msg("Deployment accepted")
	return nil
}

// DeploymentState returns the provisioning state of a deployment.
func (d *Deployments) DeploymentState(ctx context.Context, subscriptionID, resourceGroup, name string) (string, error) {
	client, err := d.registry.Deployments(subscriptionID)
	if err != nil {
		return "", err
	}

	resp, err := client.Get(ctx, resourceGroup, name, nil)
	if isNotFound(err) {
		// A deployment accepted moments ago may not be readable yet.
		return "", engine.NewTransientError(fmt.Sprintf("deployment %s not found yet", name), err).
			WithCode(engine.ErrCodeNotFound).
			WithOperation("get_deployment")
	}
	if err != nil {
		return "", classify(err, "get_deployment", name)
	}
	if resp.Properties == nil || resp.Properties.ProvisioningState == nil {
		return "", nil
	}
	return string(*resp.Properties.ProvisioningState), nil
}

// DeploymentErrors lists the failed operations of a deployment.
func (d *Deployments) DeploymentErrors(ctx context.Context, subscriptionID, resourceGroup, name string) ([]engine.DeploymentOperationError, error) {
	client, err := d.registry.DeploymentOperations(subscriptionID)
	if err != nil {
		return nil, err
	}

	var failed []engine.DeploymentOperationError
	pager := client.NewListPager(resourceGroup, name, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "list_deployment_operations", name)
		}
		failed = append(failed, operationErrors(page.Value)...)
	}
	return failed, nil
}

// operationErrors extracts the failed steps from a page of deployment operations.
func operationErrors(ops []*armresources.DeploymentOperation) []engine.DeploymentOperationError {
	var out []engine.DeploymentOperationError
	for _, op := range ops {
		if op == nil || op.Properties == nil {
			continue
		}
		props := op.Properties
		if !strings.EqualFold(lo.FromPtr(props.ProvisioningState), "failed") {
			continue
		}

		e := engine.DeploymentOperationError{StatusCode: lo.FromPtr(props.StatusCode)}
		if props.TargetResource != nil {
			e.ResourceID = lo.FromPtr(props.TargetResource.ID)
		}
		e.StatusMessage = statusMessage(props.StatusMessage)
		out = append(out, e)
	}
	return out
}

func statusMessage(msg *armresources.StatusMessage) string {
	if msg == nil {
		return ""
	}
	if msg.Error != nil {
		code, text := lo.FromPtr(msg.Error.Code), lo.FromPtr(msg.Error.Message)
		switch {
		case code != "" && text != "":
			return fmt.Sprintf("%s: %s", code, text)
		case text != "":
			return text
		case code != "":
			return code
		}
	}
	return lo.FromPtr(msg.Status)
}
