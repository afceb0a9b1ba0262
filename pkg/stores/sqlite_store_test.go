package stores

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/envforge/envforge/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func testIdentity(name string) engine.ResourceIdentity {
	return engine.ResourceIdentity{SubscriptionID: "sub-1", ResourceGroup: "rg-1", Name: name}
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected an error for an empty path")
	}

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "journal.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// A second run finds nothing to apply.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"operations", "events", "audit"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRecordOperation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	token := engine.ContinuationToken{
		TrackingID:       "deployment-vm-1",
		ResourceIdentity: testIdentity("vm-1"),
		Version:          engine.CurrentTokenVersion,
	}
	rec, err := NewOperationRecord(engine.OpBeginCreate, testIdentity("vm-1"), "westus2",
		engine.OperationResult{State: engine.StateInProgress, Token: &token}, nil, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to build record: %v", err)
	}

	if err := store.RecordOperation(ctx, rec, "tester"); err != nil {
		t.Fatalf("failed to record operation: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected an id to be assigned")
	}

	got, err := store.GetOperation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("failed to get operation: %v", err)
	}
	if got.Operation != engine.OpBeginCreate || got.State != engine.StateInProgress {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Location != "westus2" || got.DurationMillis != 1500 {
		t.Errorf("expected location and duration to round trip, got %q %d", got.Location, got.DurationMillis)
	}

	decoded, err := got.ContinuationToken()
	if err != nil {
		t.Fatalf("failed to decode stored token: %v", err)
	}
	if decoded.TrackingID != "deployment-vm-1" {
		t.Errorf("expected tracking id to round trip, got %s", decoded.TrackingID)
	}

	audit, err := store.ListAuditEntries(ctx, strPtr("begin_create.recorded"), nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(audit) != 1 || audit[0].Actor != "tester" || *audit[0].TargetID != rec.ID {
		t.Errorf("expected one audit entry for the operation, got %+v", audit)
	}

	if _, err := store.GetOperation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNewOperationRecord_Failures(t *testing.T) {
	rec, err := NewOperationRecord(engine.OpCheckCreateStatus, testIdentity("vm-2"), "",
		engine.OperationResult{
			State:       engine.StateFailed,
			ErrorDetail: "Conflict: quota exceeded",
			Err:         errors.New("deployment failed"),
		}, nil, 0)
	if err != nil {
		t.Fatalf("failed to build record: %v", err)
	}
	if rec.Token != nil {
		t.Error("expected no token for a terminal result")
	}
	if rec.Error == nil || *rec.Error != "deployment failed" {
		t.Errorf("expected the result error, got %v", rec.Error)
	}
	if rec.ErrorDetail == nil || *rec.ErrorDetail != "Conflict: quota exceeded" {
		t.Errorf("expected the error detail, got %v", rec.ErrorDetail)
	}
	if _, err := rec.ContinuationToken(); err == nil {
		t.Error("expected an error decoding a missing token")
	}

	rec, err = NewOperationRecord(engine.OpBeginDelete, testIdentity("vm-2"), "",
		engine.OperationResult{}, errors.New("validation failed"), 0)
	if err != nil {
		t.Fatalf("failed to build record: %v", err)
	}
	if rec.State != engine.StateFailed {
		t.Errorf("expected a call error to be recorded as Failed, got %s", rec.State)
	}
}

func TestListOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	states := []engine.OperationState{engine.StateInProgress, engine.StateInProgress, engine.StateSucceeded}
	for i, state := range states {
		op := engine.OpCheckDeleteStatus
		if i == 0 {
			op = engine.OpBeginDelete
		}
		rec := &OperationRecord{
			Operation:      op,
			ResourceName:   "vm-a",
			SubscriptionID: "sub-1",
			ResourceGroup:  "rg-1",
			State:          state,
		}
		if err := store.RecordOperation(ctx, rec, SystemActor); err != nil {
			t.Fatalf("failed to record operation %d: %v", i, err)
		}
	}
	other := &OperationRecord{Operation: engine.OpStart, ResourceName: "vm-b", SubscriptionID: "s", ResourceGroup: "r", State: engine.StateSucceeded}
	if err := store.RecordOperation(ctx, other, SystemActor); err != nil {
		t.Fatalf("failed to record operation: %v", err)
	}

	all, err := store.ListOperations(ctx, OperationFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("failed to list operations: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 operations, got %d", len(all))
	}
	if all[0].ResourceName != "vm-b" {
		t.Errorf("expected newest first, got %s", all[0].ResourceName)
	}

	byResource, _ := store.ListOperations(ctx, OperationFilter{ResourceName: strPtr("vm-a")}, 10, 0)
	if len(byResource) != 3 {
		t.Errorf("expected 3 operations for vm-a, got %d", len(byResource))
	}

	checks, _ := store.ListOperations(ctx, OperationFilter{
		ResourceName: strPtr("vm-a"),
		Operation:    strPtr(engine.OpCheckDeleteStatus),
	}, 10, 0)
	if len(checks) != 2 {
		t.Errorf("expected 2 check calls, got %d", len(checks))
	}

	succeeded := engine.StateSucceeded
	done, _ := store.ListOperations(ctx, OperationFilter{State: &succeeded}, 10, 0)
	if len(done) != 2 {
		t.Errorf("expected 2 succeeded operations, got %d", len(done))
	}

	page, _ := store.ListOperations(ctx, OperationFilter{}, 2, 2)
	if len(page) != 2 {
		t.Errorf("expected a page of 2, got %d", len(page))
	}
}

func TestLatestResumable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.LatestResumable(ctx, "vm-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unknown resource, got %v", err)
	}

	first := &OperationRecord{
		Operation: engine.OpBeginDelete, ResourceName: "vm-x", SubscriptionID: "s", ResourceGroup: "r",
		State: engine.StateInProgress, Token: strPtr(`{"trackingId":"a"}`),
	}
	second := &OperationRecord{
		Operation: engine.OpCheckDeleteStatus, ResourceName: "vm-x", SubscriptionID: "s", ResourceGroup: "r",
		State: engine.StateInProgress, Token: strPtr(`{"trackingId":"b"}`),
	}
	for _, rec := range []*OperationRecord{first, second} {
		if err := store.RecordOperation(ctx, rec, SystemActor); err != nil {
			t.Fatalf("failed to record operation: %v", err)
		}
	}

	latest, err := store.LatestResumable(ctx, "vm-x")
	if err != nil {
		t.Fatalf("expected a resumable operation: %v", err)
	}
	if *latest.Token != `{"trackingId":"b"}` {
		t.Errorf("expected the newest token, got %s", *latest.Token)
	}

	final := &OperationRecord{
		Operation: engine.OpCheckDeleteStatus, ResourceName: "vm-x", SubscriptionID: "s", ResourceGroup: "r",
		State: engine.StateSucceeded,
	}
	if err := store.RecordOperation(ctx, final, SystemActor); err != nil {
		t.Fatalf("failed to record operation: %v", err)
	}
	if _, err := store.LatestResumable(ctx, "vm-x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected nothing to resume after a terminal state, got %v", err)
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := &EventRecord{
		Type:      engine.EventTypeOperationStarted,
		Operation: engine.OpBeginDelete,
		Resource:  strPtr("sub-1/rg-1/vm-1"),
		Level:     "info",
		Message:   "begin_delete started",
		Timestamp: time.Now().Add(-48 * time.Hour),
	}
	if err := store.AppendEvent(ctx, old); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if old.ID == 0 || old.EventID == "" {
		t.Error("expected ids to be assigned")
	}

	recent := &EventRecord{
		Type:      engine.EventTypeResourceTransition,
		Operation: engine.OpCheckDeleteStatus,
		Resource:  strPtr("sub-1/rg-1/vm-1-nic"),
		Kind:      strPtr("nic"),
		State:     engine.StateSucceeded,
		Level:     "warning",
		Message:   "nic gone",
		Details:   strPtr(`{"phase":1}`),
	}
	if err := store.AppendEvent(ctx, recent); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	all, err := store.GetEvents(ctx, EventFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(all) != 2 || all[0].ID != old.ID {
		t.Fatalf("expected both events oldest first, got %+v", all)
	}
	if all[1].State != engine.StateSucceeded || *all[1].Kind != "nic" {
		t.Errorf("unexpected event %+v", all[1])
	}

	warnings, _ := store.GetEvents(ctx, EventFilter{Level: strPtr("warning")}, 10, 0)
	if len(warnings) != 1 {
		t.Errorf("expected 1 warning, got %d", len(warnings))
	}
	byOperation, _ := store.GetEvents(ctx, EventFilter{Operation: strPtr(engine.OpBeginDelete)}, 10, 0)
	if len(byOperation) != 1 {
		t.Errorf("expected 1 begin_delete event, got %d", len(byOperation))
	}

	pruned, err := store.PruneEvents(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune events: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned event, got %d", pruned)
	}
}

func TestEventSink(t *testing.T) {
	store := setupTestStore(t)
	var logs bytes.Buffer
	sink := EventSink(store, zerolog.New(&logs))

	sink(engine.Event{
		ID:        "evt-1",
		Type:      engine.EventTypePhaseCompleted,
		Timestamp: time.Now().UTC(),
		Operation: engine.OpCheckDeleteStatus,
		Resource:  "sub-1/rg-1/vm-1",
		Kind:      engine.KindVM,
		Message:   "phase 0 completed",
		Details:   map[string]interface{}{"phase": 0},
	})

	events, err := store.GetEvents(context.Background(), EventFilter{Resource: strPtr("sub-1/rg-1/vm-1")}, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected the sink to store the event, got %d", len(events))
	}
	if events[0].EventID != "evt-1" || events[0].Level != "info" {
		t.Errorf("unexpected stored event %+v", events[0])
	}
	if events[0].Details == nil || !strings.Contains(*events[0].Details, `"phase":0`) {
		t.Errorf("expected details as JSON, got %v", events[0].Details)
	}

	// Duplicate ids fail in the store and are only logged.
	sink(engine.Event{ID: "evt-1", Type: engine.EventTypePhaseCompleted, Timestamp: time.Now().UTC()})
	if !strings.Contains(logs.String(), "event_append_failed") {
		t.Errorf("expected the failure to be logged, got %q", logs.String())
	}
}
