package templates

import (
	"encoding/base64"
	"sort"
	"strings"
)

// Placeholders recognized in init scripts.
const (
	PlaceholderQueueName        = "__REPLACE_INPUT_QUEUE_NAME__"
	PlaceholderQueueURL         = "__REPLACE_INPUT_QUEUE_URL__"
	PlaceholderVMToken          = "__REPLACE_VMTOKEN__"
	PlaceholderAgentBlobURL     = "__REPLACE_VMAGENT_BLOB_URL__"
	PlaceholderResourceID       = "__REPLACE_RESOURCEID__"
	PlaceholderPublicKeyPath    = "__REPLACE_VM_PUBLIC_KEY_PATH__"
	PlaceholderFrontendHostName = "__REPLACE_FRONTEND_SERVICE_DNS_HOST_NAME__"
)

// RenderScript substitutes every placeholder in script. Placeholders with
// no value are left untouched.
func RenderScript(script string, values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	// Longest first so no placeholder shadows a longer one sharing its prefix.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, k, values[k])
	}
	return strings.NewReplacer(pairs...).Replace(script)
}

// EncodeCustomData base64-encodes a rendered script for the VM custom data field.
func EncodeCustomData(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(script))
}

// Parameters wraps plain values in the {"name": {"value": v}} shape
// expected by deployment parameters.
func Parameters(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = map[string]interface{}{"value": v}
	}
	return out
}

// Unresolved returns the placeholders still present in a rendered script.
func Unresolved(script string) []string {
	var found []string
	for _, p := range []string{
		PlaceholderQueueName,
		PlaceholderQueueURL,
		PlaceholderVMToken,
		PlaceholderAgentBlobURL,
		PlaceholderResourceID,
		PlaceholderPublicKeyPath,
		PlaceholderFrontendHostName,
	} {
		if strings.Contains(script, p) {
			found = append(found, p)
		}
	}
	return found
}
