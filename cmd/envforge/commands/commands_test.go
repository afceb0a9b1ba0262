package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/envforge/envforge/pkg/engine"
	"github.com/envforge/envforge/pkg/stores"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

// run executes the CLI with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))

	root := newRootCommand("1.2.3", "abc123", "2026-01-01")
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func testToken() engine.ContinuationToken {
	return engine.ContinuationToken{
		TrackingID: "Linux-0d6f7c8e",
		ResourceIdentity: engine.ResourceIdentity{
			SubscriptionID: "sub-1",
			ResourceGroup:  "rg-envs",
			Name:           "0d6f7c8e",
		},
		RetryAttempt: 1,
	}
}

func TestDecodeRequest(t *testing.T) {
	yamlDoc := `
os: Linux
subscriptionId: sub-1
resourceGroup: rg-envs
location: westus2
skuName: Standard_D4s_v3
image: Canonical:UbuntuServer:18.04-LTS
vmToken: secret
tags:
  owner: team-a
components:
  - kind: disk
    identity: {subscriptionId: sub-1, resourceGroup: rg-envs, name: data}
    preserve: true
`
	jsonDoc := `{"os":"Linux","subscriptionId":"sub-1","resourceGroup":"rg-envs","location":"westus2",
"skuName":"Standard_D4s_v3","image":"Canonical:UbuntuServer:18.04-LTS","vmToken":"secret",
"tags":{"owner":"team-a"},"components":[{"kind":"disk","identity":{"subscriptionId":"sub-1","resourceGroup":"rg-envs","name":"data"},"preserve":true}]}`

	for name, doc := range map[string]string{"yaml": yamlDoc, "json": jsonDoc} {
		t.Run(name, func(t *testing.T) {
			var req engine.CreateRequest
			if err := decodeRequest([]byte(doc), &req); err != nil {
				t.Fatalf("Failed to decode request: %v", err)
			}
			if req.OS != engine.OSLinux || req.Location != "westus2" || req.Tags["owner"] != "team-a" {
				t.Errorf("Unexpected request %+v", req)
			}
			disk, ok := req.ComponentOf(engine.KindDisk)
			if !ok || disk.Identity.Name != "data" || !disk.Preserve {
				t.Errorf("Expected the preserved disk component, got %+v", req.Components)
			}
		})
	}
}

func TestDecodeRequest_Rejects(t *testing.T) {
	tests := map[string]string{
		"empty":         "",
		"unknown field": "identity: {name: vm}\nlocaton: westus2\n",
		"not yaml":      "identity: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			var req engine.DeleteRequest
			if err := decodeRequest([]byte(doc), &req); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestParseToken(t *testing.T) {
	token := testToken()
	bare, err := token.Encode()
	if err != nil {
		t.Fatalf("Failed to encode token: %v", err)
	}

	var out bytes.Buffer
	if err := writeJSON(&out, newResultView(engine.OperationResult{State: engine.StateInProgress, Token: &token})); err != nil {
		t.Fatalf("Failed to write result: %v", err)
	}

	for name, input := range map[string]string{"bare": bare, "result": out.String()} {
		t.Run(name, func(t *testing.T) {
			parsed, err := parseToken([]byte(input))
			if err != nil {
				t.Fatalf("Failed to parse token: %v", err)
			}
			if *parsed != token {
				t.Errorf("Expected %+v, got %+v", token, *parsed)
			}
		})
	}

	if _, err := parseToken([]byte(`{"state":"Succeeded"}`)); err == nil {
		t.Error("Expected a terminal result without token to be rejected")
	}
	if _, err := parseToken([]byte("  ")); !engine.IsPermanent(err) {
		t.Errorf("Expected a permanent error for an empty token, got %v", err)
	}
}

func TestFinish(t *testing.T) {
	jsonOutput = false
	token := testToken()

	t.Run("in progress", func(t *testing.T) {
		cmd := &cobra.Command{}
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&bytes.Buffer{})

		if err := finish(cmd, engine.OperationResult{State: engine.StateInProgress, Token: &token}, nil); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		var view resultView
		if err := json.Unmarshal(out.Bytes(), &view); err != nil {
			t.Fatalf("Expected JSON output: %v", err)
		}
		if view.State != engine.StateInProgress || view.Token == nil || *view.Token != token {
			t.Errorf("Unexpected output %+v", view)
		}
	})

	t.Run("failed", func(t *testing.T) {
		cmd := &cobra.Command{}
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&bytes.Buffer{})

		cause := engine.NewPermanentError("deployment failed", nil).WithCode(engine.ErrCodeProvisioningFailed)
		err := finish(cmd, engine.OperationResult{State: engine.StateFailed, ErrorDetail: "quota", Err: cause}, nil)
		if !errors.Is(err, errOperationFailed) || !engine.IsPermanent(err) {
			t.Errorf("Expected a failed operation error wrapping the cause, got %v", err)
		}
		if !strings.Contains(out.String(), `"errorDetail": "quota"`) {
			t.Errorf("Expected the detail in the output, got %s", out.String())
		}
	})

	t.Run("call error without result", func(t *testing.T) {
		cmd := &cobra.Command{}
		var out bytes.Buffer
		cmd.SetOut(&out)

		callErr := errors.New("boom")
		if err := finish(cmd, engine.OperationResult{}, callErr); !errors.Is(err, callErr) {
			t.Errorf("Expected the call error, got %v", err)
		}
		if out.Len() != 0 {
			t.Errorf("Expected no output, got %s", out.String())
		}
	})
}

func TestCheckOperation(t *testing.T) {
	tests := map[string]string{
		engine.OpBeginCreate:       engine.OpCheckCreateStatus,
		engine.OpCheckCreateStatus: engine.OpCheckCreateStatus,
		engine.OpBeginDelete:       engine.OpCheckDeleteStatus,
		engine.OpCheckDeleteStatus: engine.OpCheckDeleteStatus,
	}
	for op, want := range tests {
		got, err := checkOperation(op)
		if err != nil || got != want {
			t.Errorf("checkOperation(%s) = %s, %v; want %s", op, got, err, want)
		}
	}
	if _, err := checkOperation(engine.OpStart); err == nil {
		t.Error("Expected start to be rejected")
	}
}

func TestTokenLocation(t *testing.T) {
	planner, err := engine.NewDeletionPlanner()
	if err != nil {
		t.Fatalf("Failed to create planner: %v", err)
	}
	token := testToken()
	plan, err := planner.Build(engine.DeleteRequest{Identity: token.ResourceIdentity, Location: "eastus"})
	if err != nil {
		t.Fatalf("Failed to build plan: %v", err)
	}
	token.TrackingID, err = engine.EncodeDeletionTracking("eastus", *plan)
	if err != nil {
		t.Fatalf("Failed to encode tracking: %v", err)
	}
	token.Version = engine.CurrentTokenVersion

	if got := tokenLocation(engine.OpCheckDeleteStatus, token); got != "eastus" {
		t.Errorf("Expected eastus, got %q", got)
	}
	if got := tokenLocation(engine.OpCheckCreateStatus, token); got != "" {
		t.Errorf("Expected no location for create checks, got %q", got)
	}
}

func TestPlanDeleteCommand(t *testing.T) {
	dir := t.TempDir()
	request := writeFile(t, dir, "delete.yaml", `
identity: {subscriptionId: sub-1, resourceGroup: rg-envs, name: DevBox01}
location: westeurope
components:
  - kind: disk
    identity: {subscriptionId: sub-1, resourceGroup: rg-envs, name: keep-me}
    preserve: true
`)

	out, err := run(t, "plan-delete", "--request", request, "--json")
	if err != nil {
		t.Fatalf("plan-delete failed: %v", err)
	}

	var plan engine.DeletionPlan
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("Expected a JSON plan, got %s: %v", out, err)
	}
	if len(plan.Phases) != 3 {
		t.Fatalf("Expected 3 phases, got %d", len(plan.Phases))
	}
	if _, ok := plan.Phases[0].Resources[engine.KindVM]; !ok {
		t.Error("Expected the instance in the first phase")
	}
	if _, ok := plan.Phases[1].Resources[engine.KindDisk]; ok {
		t.Error("Expected the preserved disk to be left out")
	}
	if rec, ok := plan.Phases[1].Resources[engine.KindNIC]; !ok || rec.Identity.Name != "DevBox01-nic" {
		t.Errorf("Expected the default NIC in the second phase, got %+v", plan.Phases[1].Resources)
	}

	table, err := run(t, "plan-delete", "--request", request)
	if err != nil {
		t.Fatalf("plan-delete failed: %v", err)
	}
	if !strings.Contains(table, "DevBox01-vnet") || !strings.HasPrefix(table, "PHASE") {
		t.Errorf("Unexpected table output:\n%s", table)
	}
}

func TestPlanDeleteCommand_IncompleteIdentity(t *testing.T) {
	request := writeFile(t, t.TempDir(), "delete.json", `{"identity":{"name":"vm"},"location":"eastus"}`)
	if _, err := run(t, "plan-delete", "-f", request); !engine.IsPermanent(err) {
		t.Errorf("Expected a validation error, got %v", err)
	}
}

func TestJournalCommands(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")
	cfgPath := writeFile(t, dir, "envforge.yaml", "store:\n  path: "+dbPath+"\n  actor: tester\n")

	journal, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := journal.Init(ctx); err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}
	if err := journal.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate store: %v", err)
	}

	token := testToken()
	rec, err := stores.NewOperationRecord(engine.OpBeginCreate, token.ResourceIdentity, "westus2",
		engine.OperationResult{State: engine.StateInProgress, Token: &token}, nil, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to build record: %v", err)
	}
	if err := journal.RecordOperation(ctx, rec, "tester"); err != nil {
		t.Fatalf("Failed to record operation: %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	out, err := run(t, "journal", "operations", "--config", cfgPath, "--json", "--resource", token.ResourceIdentity.Name)
	if err != nil {
		t.Fatalf("journal operations failed: %v", err)
	}
	var ops []stores.OperationRecord
	if err := json.Unmarshal([]byte(out), &ops); err != nil {
		t.Fatalf("Expected JSON rows, got %s: %v", out, err)
	}
	if len(ops) != 1 || ops[0].Operation != engine.OpBeginCreate || ops[0].Token == nil {
		t.Fatalf("Unexpected operations %+v", ops)
	}
	resumed, err := ops[0].ContinuationToken()
	if err != nil || *resumed != token {
		t.Errorf("Expected the recorded token back, got %+v (%v)", resumed, err)
	}

	out, err = run(t, "journal", "operations", "--config", cfgPath, "--state", "Failed", "--json")
	if err != nil {
		t.Fatalf("journal operations failed: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("Expected no failed operations, got %s", out)
	}

	if _, err := run(t, "journal", "operations", "--config", cfgPath, "--state", "Sideways"); err == nil {
		t.Error("Expected an unknown state to be rejected")
	}

	if _, err := run(t, "journal", "prune", "--config", cfgPath, "--older-than", "1h"); err != nil {
		t.Fatalf("journal prune failed: %v", err)
	}

	out, err = run(t, "journal", "audit", "--config", cfgPath, "--json")
	if err != nil {
		t.Fatalf("journal audit failed: %v", err)
	}
	var entries []stores.AuditEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("Expected JSON audit entries, got %s: %v", out, err)
	}
	actions := map[string]string{}
	for _, e := range entries {
		actions[e.Action] = e.Actor
	}
	if actions["journal.pruned"] != "tester" {
		t.Errorf("Expected the prune to be audited as tester, got %v", actions)
	}
	if _, ok := actions[engine.OpBeginCreate+".recorded"]; !ok {
		t.Errorf("Expected the recorded operation in the audit trail, got %v", actions)
	}
}

func TestJournalCommands_Disabled(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "envforge.yaml", "store:\n  enabled: false\n")
	if _, err := run(t, "journal", "events", "--config", cfgPath); err == nil {
		t.Error("Expected an error with the journal disabled")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version", "--json")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("Expected JSON, got %s", out)
	}
	if info["version"] != "1.2.3" || info["commit"] != "abc123" {
		t.Errorf("Unexpected version info %v", info)
	}
}
