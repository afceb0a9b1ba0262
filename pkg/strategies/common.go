package strategies

import (
	"fmt"
	"strings"

	"github.com/envforge/envforge/pkg/engine"
)

// TemplateSource provides deployment templates and init scripts.
type TemplateSource interface {
	Template(name string) (map[string]interface{}, error)
	Script(name string) (string, error)
}

// imageReference converts an image string into the ARM imageReference shape.
// A marketplace URN is publisher:offer:sku[:version]; anything starting with
// a slash is treated as an image resource id.
func imageReference(image string) (map[string]interface{}, error) {
	if strings.HasPrefix(image, "/") {
		return map[string]interface{}{"id": image}, nil
	}

	parts := strings.Split(image, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid image %q: expected publisher:offer:sku[:version]", image), nil).
			WithCode(engine.ErrCodeValidation)
	}
	for _, p := range parts {
		if p == "" {
			return nil, engine.NewPermanentError(fmt.Sprintf("invalid image %q: empty segment", image), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}

	version := "latest"
	if len(parts) == 4 {
		version = parts[3]
	}
	return map[string]interface{}{
		"publisher": parts[0],
		"offer":     parts[1],
		"sku":       parts[2],
		"version":   version,
	}, nil
}

// networkParameters names the network resources, or points the template at
// a custom NIC.
func networkParameters(req engine.CreateRequest, vmName string) map[string]interface{} {
	params := map[string]interface{}{
		"nicName":       engine.NICName(vmName),
		"nsgName":       engine.NSGName(vmName),
		"vnetName":      engine.VNetName(vmName),
		"osDiskName":    engine.DiskName(vmName),
		"existingNicId": "",
	}
	if nic, ok := req.ComponentOf(engine.KindNIC); ok {
		params["existingNicId"] = armID("Microsoft.Network/networkInterfaces", nic.Identity)
	}
	return params
}

func armID(resourceType string, id engine.ResourceIdentity) string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/%s/%s",
		id.SubscriptionID, id.ResourceGroup, resourceType, id.Name)
}

func requireFields(strategy string, fields map[string]string) error {
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			return engine.NewPermanentError(fmt.Sprintf("%s strategy requires %s", strategy, name), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}
	return nil
}
