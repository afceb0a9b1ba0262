package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		allowedLocationsPolicy(),
		allowedSkusPolicy(),
		requiredTagsPolicy(),
		resourceGroupNamingPolicy(),
	}
}

// allowedLocationsPolicy restricts the regions instances may be created in.
func allowedLocationsPolicy() Policy {
	return Policy{
		Name:        "allowed-locations",
		Description: "Denies creates outside the configured locations",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"placement"},
		Rego: `package envforge.admission.locations

import rego.v1

allowed := {lower(l) | some l in data.envforge.settings.allowed_locations}

deny contains violation if {
	count(allowed) > 0
	location := lower(input.request.location)
	not allowed[location]
	violation := {
		"message": sprintf("location '%s' is not allowed", [input.request.location]),
		"details": {"allowed": data.envforge.settings.allowed_locations},
	}
}`,
	}
}

// allowedSkusPolicy restricts the VM sizes that may be requested.
func allowedSkusPolicy() Policy {
	return Policy{
		Name:        "allowed-skus",
		Description: "Denies creates requesting a VM size outside the configured list",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"cost"},
		Rego: `package envforge.admission.skus

import rego.v1

allowed := {lower(s) | some s in data.envforge.settings.allowed_skus}

deny contains violation if {
	count(allowed) > 0
	not allowed[lower(input.request.sku_name)]
	violation := {
		"message": sprintf("sku '%s' is not allowed", [input.request.sku_name]),
		"details": {"allowed": data.envforge.settings.allowed_skus},
	}
}`,
	}
}

// requiredTagsPolicy warns when a create lacks tags the sweeper relies on.
func requiredTagsPolicy() Policy {
	return Policy{
		Name:        "required-tags",
		Description: "Warns when configured tag keys are missing from a create",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"hygiene"},
		Rego: `package envforge.admission.tags

import rego.v1

deny contains violation if {
	some key in data.envforge.settings.required_tags
	not input.request.tags[key]
	violation := sprintf("tag '%s' is missing", [key])
}`,
	}
}

// resourceGroupNamingPolicy mirrors the cloud's resource group naming rules so
// violations fail before any call is made.
func resourceGroupNamingPolicy() Policy {
	return Policy{
		Name:        "resource-group-naming",
		Description: "Resource group names use letters, digits, underscores, hyphens, periods and parentheses",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming"},
		Rego: `package envforge.admission.naming

import rego.v1

deny contains violation if {
	not regex.match("^[-\\w\\.\\(\\)]+$", input.request.resource_group)
	violation := sprintf("resource group '%s' contains invalid characters", [input.request.resource_group])
}

deny contains violation if {
	count(input.request.resource_group) > 90
	violation := "resource group name must not exceed 90 characters"
}

deny contains violation if {
	endswith(input.request.resource_group, ".")
	violation := sprintf("resource group '%s' must not end with a period", [input.request.resource_group])
}`,
	}
}
