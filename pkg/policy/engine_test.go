package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/envforge/envforge/pkg/engine"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func validRequest() engine.CreateRequest {
	return engine.CreateRequest{
		OS:             engine.OSLinux,
		SubscriptionID: "sub-1",
		ResourceGroup:  "rg-envs_west.1",
		Location:       "westus2",
		SkuName:        "Standard_D4s_v3",
		Image:          "Canonical:UbuntuServer:18.04-LTS",
		VMToken:        "secret",
		Tags:           map[string]string{"owner": "team-a"},
	}
}

func TestNewEngine(t *testing.T) {
	eng, err := NewEngine(Settings{}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	expected := []string{"allowed-locations", "allowed-skus", "required-tags", "resource-group-naming"}
	policies := eng.ListPolicies()
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin {
			t.Errorf("Expected %s to be marked built-in", name)
		}
	}
}

func TestAdmit_EmptySettingsAllowEverything(t *testing.T) {
	eng, err := NewEngine(Settings{}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	if err := eng.Admit(context.Background(), validRequest()); err != nil {
		t.Errorf("Expected the request to be admitted, got %v", err)
	}
}

func TestEvaluate_AllowLists(t *testing.T) {
	eng, err := NewEngine(Settings{
		AllowedLocations: []string{"WestUS2", "eastus"},
		AllowedSkus:      []string{"Standard_D4s_v3"},
	}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	tests := []struct {
		name        string
		mutate      func(*engine.CreateRequest)
		wantAllowed bool
		wantPolicy  string
	}{
		{"allowed", func(*engine.CreateRequest) {}, true, ""},
		{"location case-insensitive", func(r *engine.CreateRequest) { r.Location = "EastUS" }, true, ""},
		{"location denied", func(r *engine.CreateRequest) { r.Location = "northeurope" }, false, "allowed-locations"},
		{"sku denied", func(r *engine.CreateRequest) { r.SkuName = "Standard_M128s" }, false, "allowed-skus"},
		{"resource group chars", func(r *engine.CreateRequest) { r.ResourceGroup = "rg/bad" }, false, "resource-group-naming"},
		{"resource group period", func(r *engine.CreateRequest) { r.ResourceGroup = "rg." }, false, "resource-group-naming"},
		{"resource group length", func(r *engine.CreateRequest) { r.ResourceGroup = strings.Repeat("r", 91) }, false, "resource-group-naming"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			result, err := eng.Evaluate(context.Background(), req)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Fatalf("Expected allowed=%v, got %v (%+v)", tt.wantAllowed, result.Allowed, result.Violations)
			}
			if tt.wantPolicy == "" {
				return
			}
			found := false
			for _, v := range result.Violations {
				if v.Policy == tt.wantPolicy && v.Severity == SeverityError {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected a violation from %s, got %+v", tt.wantPolicy, result.Violations)
			}
		})
	}
}

func TestAdmit_DeniedIsPermanent(t *testing.T) {
	eng, err := NewEngine(Settings{AllowedLocations: []string{"eastus"}}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	err = eng.Admit(context.Background(), validRequest())
	if err == nil {
		t.Fatal("Expected the request to be denied")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected a permanent error, got %v", err)
	}

	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("Expected an EngineError, got %T", err)
	}
	if engErr.Code != engine.ErrCodePolicyDenied {
		t.Errorf("Expected code %s, got %s", engine.ErrCodePolicyDenied, engErr.Code)
	}
	if _, ok := engErr.Details["allowed-locations"]; !ok {
		t.Errorf("Expected the violation in the details, got %v", engErr.Details)
	}
	if !strings.Contains(err.Error(), "westus2") {
		t.Errorf("Expected the location in the message, got %q", err.Error())
	}
}

func TestEvaluate_RequiredTagsWarn(t *testing.T) {
	eng, err := NewEngine(Settings{RequiredTags: []string{"owner", "cost-center"}}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	result, err := eng.Evaluate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("Expected missing tags to only warn, got %+v", result.Violations)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "cost-center") {
		t.Errorf("Expected one warning about cost-center, got %v", result.Warnings)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng, err := NewEngine(Settings{AllowedSkus: []string{"Standard_B2s"}}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	if err := eng.Admit(context.Background(), validRequest()); err == nil {
		t.Fatal("Expected the sku to be denied")
	}

	if err := eng.DisablePolicy("allowed-skus"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result, err := eng.Evaluate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected the request to pass with the policy disabled")
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "allowed-skus" {
			t.Error("Expected the disabled policy to be skipped")
		}
	}

	if err := eng.EnablePolicy("allowed-skus"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if err := eng.Admit(context.Background(), validRequest()); err == nil {
		t.Error("Expected the sku to be denied again")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected an error for an unknown policy")
	}
}

const windowsSkuPolicy = `package envforge.admission.windows

import rego.v1

deny contains msg if {
	input.request.os == "Windows"
	not startswith(input.request.sku_name, "Standard_D")
	msg := "Windows instances need a D-series size"
}`

func TestLoadPolicies_Custom(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "windows.rego"), []byte(windowsSkuPolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	eng, err := NewEngine(Settings{}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	p, err := eng.GetPolicy("windows")
	if err != nil {
		t.Fatalf("Expected the custom policy to be loaded: %v", err)
	}
	if p.Builtin {
		t.Error("Expected a file policy not to be built-in")
	}

	req := validRequest()
	req.OS = engine.OSWindows
	req.SkuName = "Standard_B2s"
	if err := eng.Admit(context.Background(), req); err == nil {
		t.Error("Expected the custom policy to deny the request")
	}

	req.SkuName = "Standard_D8s_v3"
	if err := eng.Admit(context.Background(), req); err != nil {
		t.Errorf("Expected the request to pass, got %v", err)
	}
}

func TestReplacePolicies(t *testing.T) {
	eng, err := NewEngine(Settings{}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	ctx := context.Background()

	custom := Policy{Name: "windows", Rego: windowsSkuPolicy, Severity: SeverityError, Enabled: true}
	if err := eng.ReplacePolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}
	if len(eng.ListPolicies()) != 5 {
		t.Fatalf("Expected built-ins plus one custom policy, got %d", len(eng.ListPolicies()))
	}

	broken := Policy{Name: "broken", Rego: "package broken\n\ndeny contains", Enabled: true}
	if err := eng.ReplacePolicies(ctx, []Policy{broken}); err == nil {
		t.Fatal("Expected a compile error")
	}
	if _, err := eng.GetPolicy("windows"); err != nil {
		t.Error("Expected the previous set to survive a failed reload")
	}

	shadow := Policy{Name: "allowed-skus", Rego: windowsSkuPolicy, Enabled: true}
	if err := eng.ReplacePolicies(ctx, []Policy{shadow}); err == nil {
		t.Error("Expected shadowing a built-in policy to fail")
	}

	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("Failed to clear custom policies: %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("Expected only built-ins, got %d", len(eng.ListPolicies()))
	}
}

func TestWatchPolicies(t *testing.T) {
	dir := t.TempDir()
	eng, err := NewEngine(Settings{}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := eng.WatchPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to watch policies: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "windows.rego"), []byte(windowsSkuPolicy), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("windows"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected the new policy file to be picked up")
}

func TestNewInput_RedactsSecrets(t *testing.T) {
	req := validRequest()
	req.AdminPublicKey = "ssh-ed25519 AAAA"
	req.Components = []engine.Component{{
		Kind:     engine.KindDisk,
		Identity: engine.ResourceIdentity{SubscriptionID: "s", ResourceGroup: "r", Name: "disk-1"},
		Preserve: true,
	}}

	input := NewInput(req)
	if input.Request.Location != "westus2" || input.Context.Operation != engine.OpBeginCreate {
		t.Errorf("Unexpected input %+v", input)
	}
	if len(input.Request.Components) != 1 || input.Request.Components[0].Name != "disk-1" {
		t.Errorf("Expected the component to be described, got %+v", input.Request.Components)
	}

	req.Tags = nil
	if NewInput(req).Request.Tags == nil {
		t.Error("Expected nil tags to become an empty map")
	}
}
