package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(testLogger())
	policyFile := filepath.Join(t.TempDir(), "region-lock.rego")

	content := `# Keeps production in one region
# for data residency.
package envforge.admission.region

import rego.v1

deny contains "nope" if { input.request.location == "brazilsouth" }`
	writeFile(t, policyFile, content)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "region-lock" {
		t.Errorf("Expected name 'region-lock', got '%s'", policy.Name)
	}
	if policy.Rego != content {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled || policy.Severity != SeverityError {
		t.Errorf("Expected an enabled error policy, got %+v", policy)
	}
	if policy.Description != "Keeps production in one region for data residency." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(testLogger())
	dir := t.TempDir()

	data, _ := json.Marshal(Policy{
		Name:     "json-policy",
		Rego:     windowsSkuPolicy,
		Severity: SeverityWarning,
		Enabled:  true,
		Builtin:  true,
	})
	writeFile(t, filepath.Join(dir, "p.json"), string(data))

	policy, err := loader.loadFromFile(context.Background(), filepath.Join(dir, "p.json"))
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "json-policy" || policy.Severity != SeverityWarning {
		t.Errorf("Unexpected policy %+v", policy)
	}
	if policy.Builtin {
		t.Error("Expected files never to claim built-in status")
	}
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	loader := NewLoader(testLogger())
	dir := t.TempDir()

	tests := map[string]string{
		"garbage.json": "{not json",
		"noname.json":  `{"rego": "package x"}`,
		"norego.json":  `{"name": "x"}`,
	}
	for file, content := range tests {
		writeFile(t, filepath.Join(dir, file), content)
		if _, err := loader.loadFromFile(context.Background(), filepath.Join(dir, file)); err == nil {
			t.Errorf("Expected %s to fail", file)
		}
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(testLogger())
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "a.rego"), windowsSkuPolicy)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), windowsSkuPolicy)
	writeFile(t, filepath.Join(dir, "nested", "broken.json"), "{")
	writeFile(t, filepath.Join(dir, "README.md"), "# not a policy")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies with the broken file skipped, got %d", len(policies))
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	loader := NewLoader(testLogger())
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/does/not/exist"}); err == nil {
		t.Error("Expected an error for a missing path")
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := NewLoader(testLogger())
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writeFile(t, path, "name: x")

	if _, err := loader.loadFromFile(context.Background(), path); err == nil {
		t.Error("Expected an error for an unsupported file type")
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(testLogger())
	path := filepath.Join(t.TempDir(), "cached.rego")
	writeFile(t, path, windowsSkuPolicy)

	first, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	first.Enabled = false

	writeFile(t, path, windowsSkuPolicy+"\n# changed")
	cached, _ := loader.loadFromFile(context.Background(), path)
	if cached.Rego != windowsSkuPolicy {
		t.Error("Expected the cached copy before ClearCache")
	}
	if !cached.Enabled {
		t.Error("Expected callers to get their own copy of a cached policy")
	}

	loader.ClearCache()
	fresh, _ := loader.loadFromFile(context.Background(), path)
	if fresh.Rego == windowsSkuPolicy {
		t.Error("Expected the file to be re-read after ClearCache")
	}
}
