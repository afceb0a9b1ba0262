// Package config loads envforge configuration.
//
// Configuration comes from, in increasing precedence, the built-in defaults,
// an envforge.yaml file and ENVFORGE_ prefixed environment variables. Nested
// keys use underscores in the environment:
//
//	ENVFORGE_AZURE_SUBSCRIPTION_ID=...
//	ENVFORGE_STORE_PATH=/var/lib/envforge/journal.db
//	ENVFORGE_TELEMETRY_LOGGING_LEVEL=debug
//
// A minimal file:
//
//	azure:
//	  subscription_id: 00000000-0000-0000-0000-000000000000
//	  credential:
//	    mode: cli
//	queues:
//	  accounts:
//	    westus2:
//	      account_name: envforgewestus2
//	policy:
//	  allowed_locations: [westus2, eastus]
//	  paths: [./policies]
package config
