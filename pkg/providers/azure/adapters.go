package azure

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/envforge/envforge/pkg/engine"
)

// resourceOps are the two calls a management-plane resource needs for
// deletion. Both return the raw SDK error.
type resourceOps struct {
	beginDelete func(ctx context.Context, id engine.ResourceIdentity) error
	get         func(ctx context.Context, id engine.ResourceIdentity) error
}

// armAdapter deletes one kind of management-plane resource.
type armAdapter struct {
	kind   engine.ResourceKind
	ops    resourceOps
	logger zerolog.Logger
}

// BeginDelete starts the delete. A resource that is already gone counts as accepted.
func (a *armAdapter) BeginDelete(ctx context.Context, target engine.Target) error {
	err := a.ops.beginDelete(ctx, target.ResourceIdentity)
	if isNotFound(err) {
		a.logger.Debug().Str("kind", string(a.kind)).Str("resource", target.ResourceIdentity.String()).Msg("Resource already deleted")
		return nil
	}
	return classify(err, "begin_delete_"+string(a.kind), target.ResourceIdentity.String())
}

// StillExists reports whether the resource can still be read.
func (a *armAdapter) StillExists(ctx context.Context, target engine.Target) (bool, error) {
	err := a.ops.get(ctx, target.ResourceIdentity)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, classify(err, "get_"+string(a.kind), target.ResourceIdentity.String())
}

// queueAdapter deletes the input queue through the queue provider.
type queueAdapter struct {
	queues engine.QueueProvider
}

func (a *queueAdapter) BeginDelete(ctx context.Context, target engine.Target) error {
	return a.queues.Delete(ctx, target.Location, target.Name)
}

func (a *queueAdapter) StillExists(ctx context.Context, target engine.Target) (bool, error) {
	return a.queues.Exists(ctx, target.Location, target.Name)
}

// NewAdapterSet builds one adapter per resource kind.
func NewAdapterSet(registry *ClientRegistry, queues engine.QueueProvider, logger zerolog.Logger) engine.AdapterSet {
	logger = logger.With().Str("component", "azure-adapters").Logger()
	adapter := func(kind engine.ResourceKind, ops resourceOps) engine.ResourceAdapter {
		return &armAdapter{kind: kind, ops: ops, logger: logger}
	}

	return engine.AdapterSet{
		engine.KindVM:    adapter(engine.KindVM, vmOps(registry)),
		engine.KindDisk:  adapter(engine.KindDisk, diskOps(registry)),
		engine.KindNIC:   adapter(engine.KindNIC, nicOps(registry)),
		engine.KindNSG:   adapter(engine.KindNSG, nsgOps(registry)),
		engine.KindVNet:  adapter(engine.KindVNet, vnetOps(registry)),
		engine.KindQueue: &queueAdapter{queues: queues},
	}
}

func vmOps(r *ClientRegistry) resourceOps {
	return resourceOps{
		beginDelete: func(ctx context.Context, id engine.ResourceIdentity) error {
			client, err := r.VirtualMachines(id.SubscriptionID)
			if err != nil {
				return err
			}
			_, err = client.BeginDelete(ctx, id.ResourceGroup, id.Name, nil)
			return err
		},
		get: func(ctx context.Context, id engine.ResourceIdentity) error {
			client, err := r.VirtualMachines(id.SubscriptionID)
			if err != nil {
				return err
			}
			_, err = client.Get(ctx, id.ResourceGroup, id.Name, nil)
			return err
		},
	}
}

func diskOps(r *ClientRegistry) resourceOps {
	return resourceOps{
		beginDelete: func(ctx context.Context, id engine.ResourceIdentity) error {
			client, err := r.Disks(id.SubscriptionID)
			if err != nil {
				return err
			}
			_, err = client.BeginDelete(ctx, id.ResourceGroup, id.Name, nil)
			return err
		},
		get: func(ctx context.Context, id engine.ResourceIdentity) error {
			client, err := r.Disks(id.SubscriptionID)
			if err != nil {
				return err
			}
			_, err = client.Get(ctx, id.ResourceGroup, id.Name, nil)
			return err
		},
	}
}

func nicOps(r *ClientRegistry) resourceOps {
	return resourceOps{
		beginDelete: func(ctx context.Context, id engine.ResourceIdentity) error {
			client, err := r.Interfaces(id.SubscriptionID)
			if err != nil {
				return err
			}
			_, err = client.BeginDelete(ctx, id.ResourceGroup, id.Name, nil)
			return err
		},
		get: func(ctx context.Context, id engine.ResourceIdentity) error {
			client, err := r.Interfaces(id.SubscriptionID)
			if err != nil {
				return err
			}
			_, err = client.Get(ctx, id.ResourceGroup, id.Name, nil)
			return err
		},
	}
}

func nsgOps(r *ClientRegistry) resourceOps {
	return resourceOps{
		beginDelete: func(ctx context.Context, id engine.ResourceIdentity) error {
			client, err := r.SecurityGroups(id.SubscriptionID)
			if err != nil {
				return err
			}
			_, err = client.BeginDelete(ctx, id.ResourceGroup, id.Name, nil)
			return err
		},
		get: func(ctx context.Context, id engine.ResourceIdentity) error {
			client, err := r.SecurityGroups(id.SubscriptionID)
			if err != nil {
				return err
			}
			_, err = client.Get(ctx, id.ResourceGroup, id.Name, nil)
			return err
		},
	}
}

func vnetOps(r *ClientRegistry) resourceOps {
	return resourceOps{
		beginDelete: func(ctx context.Context, id engine.ResourceIdentity) error {
			client, err := r.VirtualNetworks(id.SubscriptionID)
			if err != nil {
				return err
			}
			_, err = client.BeginDelete(ctx, id.ResourceGroup, id.Name, nil)
			return err
		},
		get: func(ctx context.Context, id engine.ResourceIdentity) error {
			client, err := r.VirtualNetworks(id.SubscriptionID)
			if err != nil {
				return err
			}
			_, err = client.Get(ctx, id.ResourceGroup, id.Name, nil)
			return err
		},
	}
}

// DiskInspector reports whether a managed disk is attached to an instance.
type DiskInspector struct {
	registry *ClientRegistry
}

// NewDiskInspector creates a disk inspector.
func NewDiskInspector(registry *ClientRegistry) *DiskInspector {
	return &DiskInspector{registry: registry}
}

// IsAttached returns true when the disk reports a managing instance.
func (d *DiskInspector) IsAttached(ctx context.Context, disk engine.ResourceIdentity) (bool, error) {
	client, err := d.registry.Disks(disk.SubscriptionID)
	if err != nil {
		return false, err
	}

	resp, err := client.Get(ctx, disk.ResourceGroup, disk.Name, nil)
	if err != nil {
		return false, classify(err, "get_disk", disk.String())
	}
	return resp.ManagedBy != nil && *resp.ManagedBy != "", nil
}
