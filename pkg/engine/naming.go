package engine

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Tag keys read by the orphaned-resource sweeper.
const (
	TagResourceName       = "ResourceName"
	TagComponentRecordIDs = "ResourceComponentRecordIds"
)

// InputQueueName returns the name of the command queue for a compute instance.
// Queue names must be lowercase.
func InputQueueName(vmName string) string {
	return fmt.Sprintf("%s-input-queue", strings.ToLower(vmName))
}

// NICName returns the default network interface name.
func NICName(vmName string) string { return vmName + "-nic" }

// NSGName returns the default network security group name.
func NSGName(vmName string) string { return vmName + "-nsg" }

// VNetName returns the default virtual network name.
func VNetName(vmName string) string { return vmName + "-vnet" }

// DiskName returns the default OS disk name.
func DiskName(vmName string) string { return vmName + "-disk" }

// DefaultResourceName returns the name a resource of the given kind receives
// when it is provisioned alongside the compute instance.
func DefaultResourceName(kind ResourceKind, vmName string) string {
	switch kind {
	case KindVM:
		return vmName
	case KindNIC:
		return NICName(vmName)
	case KindNSG:
		return NSGName(vmName)
	case KindVNet:
		return VNetName(vmName)
	case KindDisk:
		return DiskName(vmName)
	case KindQueue:
		return InputQueueName(vmName)
	default:
		panic(fmt.Sprintf("unhandled resource kind %q", kind))
	}
}

// ResourceTags returns a copy of base with the sweeper tags set.
func ResourceTags(base map[string]string, components []Component, vmName string) map[string]string {
	tags := make(map[string]string, len(base)+2)
	for k, v := range base {
		tags[k] = v
	}
	tags[TagResourceName] = vmName

	ids := lo.FilterMap(components, func(c Component, _ int) (string, bool) {
		id := strings.TrimSpace(c.RecordID)
		return id, id != ""
	})
	if len(components) > 0 {
		tags[TagComponentRecordIDs] = strings.Join(ids, ",")
	}
	return tags
}

// DeploymentName returns the name of the creation deployment for an OS.
func DeploymentName(os OSKind, vmName string) string {
	return fmt.Sprintf("Create-%sVm-%s", os, vmName)
}
