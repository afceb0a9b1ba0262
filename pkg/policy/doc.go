// Package policy provides Open Policy Agent (OPA) admission control for
// create requests.
//
// Engine implements engine.AdmissionPolicy. Every enabled policy is a Rego
// module whose deny set lists violations; a violation is either a message
// string or an object with message, severity and details keys. Violations of
// severity error or critical deny the request, the rest become warnings.
//
// # Input
//
// Policies see a redacted view of the request as input:
//
//	{
//	  "request": {
//	    "os": "Linux", "subscription_id": "...", "resource_group": "...",
//	    "location": "westus2", "sku_name": "Standard_D4s_v3", "image": "...",
//	    "tags": {...}, "components": [{"kind": "disk", "name": "...", "preserve": true}]
//	  },
//	  "context": {"operation": "begin_create", "timestamp": "..."}
//	}
//
// Settings are available as data.envforge.settings (allowed_locations,
// allowed_skus, required_tags).
//
// # Built-in Policies
//
//   - allowed-locations: denies locations outside the allow list
//   - allowed-skus: denies VM sizes outside the allow list
//   - required-tags: warns about missing tag keys
//   - resource-group-naming: denies resource group names the cloud rejects
//
// # Custom Policies
//
// Extra .rego or .json files are added with LoadPolicies and can be
// hot-reloaded with WatchPolicies:
//
//	package envforge.admission.custom
//
//	import rego.v1
//
//	deny contains msg if {
//		input.request.os == "Windows"
//		not startswith(input.request.sku_name, "Standard_D")
//		msg := "Windows instances need a D-series size"
//	}
package policy
