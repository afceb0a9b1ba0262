package engine

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeToken_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", "  "},
		{"garbage", "{not json"},
		{"no tracking id", `{"resourceIdentity":{"subscriptionId":"s","resourceGroup":"g","name":"n"}}`},
		{"no identity", `{"trackingId":"x"}`},
		{"negative retry", `{"trackingId":"x","resourceIdentity":{"subscriptionId":"s","resourceGroup":"g","name":"n"},"retryAttempt":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeToken(tt.raw)
			if err == nil {
				t.Fatal("Expected an error")
			}
			var engineErr *EngineError
			if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeInvalidToken {
				t.Errorf("Expected an invalid token error, got %v", err)
			}
		})
	}
}

func TestDecodeToken_PersistedLayout(t *testing.T) {
	raw := `{"trackingId":"Create-LinuxVm-abc","resourceIdentity":{"subscriptionId":"s","resourceGroup":"g","name":"abc"},"retryAttempt":2,"version":1}`

	token, err := DecodeToken(raw)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if token.TrackingID != "Create-LinuxVm-abc" || token.RetryAttempt != 2 || token.Version != 1 {
		t.Errorf("Unexpected token %+v", token)
	}

	encoded, err := token.Encode()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if encoded != raw {
		t.Errorf("Expected the persisted layout to be preserved:\n%s\n%s", raw, encoded)
	}
}

func TestContinuationToken_RetryAndAdvance(t *testing.T) {
	token := ContinuationToken{TrackingID: "a", ResourceIdentity: testIdentity("vm"), Version: 1}

	next := token.Retry("b")
	if next.RetryAttempt != 1 || next.TrackingID != "b" {
		t.Errorf("Unexpected retry token %+v", next)
	}
	if token.RetryAttempt != 0 {
		t.Error("Retry must not mutate the receiver")
	}

	for i := 0; i < 4; i++ {
		next = next.Retry("b")
	}
	if next.RetryAttempt != MaxRetryAttempts || next.CanRetry() {
		t.Errorf("Expected the bound to be reached at %d", next.RetryAttempt)
	}

	reset := next.Advance("c")
	if reset.RetryAttempt != 0 || reset.TrackingID != "c" || reset.Version != 1 {
		t.Errorf("Unexpected advanced token %+v", reset)
	}
}

func TestDecodeDeletionTracking(t *testing.T) {
	planner := newTestPlanner(t)
	plan, err := planner.Build(DeleteRequest{Identity: testIdentity("vm1"), Location: "eastus"})
	if err != nil {
		t.Fatalf("Failed to build plan: %v", err)
	}

	trackingID, err := EncodeDeletionTracking("eastus", *plan)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if !strings.Contains(trackingID, `"deletionPlan"`) || !strings.Contains(trackingID, `"location":"eastus"`) {
		t.Errorf("Unexpected tracking id layout: %s", trackingID)
	}

	decoded, err := DecodeDeletionTracking(trackingID)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if rec, _, _ := decoded.DeletionPlan.Record(KindQueue); rec.Identity.Name != "vm1-input-queue" {
		t.Errorf("Unexpected queue record %+v", rec)
	}

	if _, err := DecodeDeletionTracking(`{"location":"eastus","deletionPlan":{"phases":[]}}`); err == nil {
		t.Error("Expected an empty plan to be rejected")
	}
	if _, err := DecodeDeletionTracking(`{"deletionPlan":{"phases":[{"resources":{},"state":"Succeeded"}]}}`); err == nil {
		t.Error("Expected a missing location to be rejected")
	}
	if _, err := DecodeDeletionTracking(`{"location":"x","deletionPlan":{"phases":[{"resources":{"router":{}},"state":"NotStarted"}]}}`); err == nil {
		t.Error("Expected an unknown resource kind to be rejected")
	}
}
