package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/envforge/envforge/pkg/engine"
)

// ErrNotFound is returned when a journal lookup matches no row.
var ErrNotFound = errors.New("journal record not found")

// OperationRecord is one facade call as seen by the caller: what was asked,
// what came back and the token to continue with.
type OperationRecord struct {
	ID             string                `json:"id"`
	Operation      string                `json:"operation"`
	ResourceName   string                `json:"resource_name"`
	SubscriptionID string                `json:"subscription_id"`
	ResourceGroup  string                `json:"resource_group"`
	Location       string                `json:"location,omitempty"`
	State          engine.OperationState `json:"state"`
	Token          *string               `json:"token,omitempty"` // encoded continuation token
	RetryAttempt   int                   `json:"retry_attempt"`
	ErrorDetail    *string               `json:"error_detail,omitempty"`
	Error          *string               `json:"error,omitempty"`
	DurationMillis int64                 `json:"duration_ms"`
	RecordedAt     time.Time             `json:"recorded_at"`
}

// OperationFilter narrows ListOperations. Nil fields match everything.
type OperationFilter struct {
	ResourceName *string
	Operation    *string
	State        *engine.OperationState
}

// EventRecord is a persisted engine.Event.
type EventRecord struct {
	ID        int64                 `json:"id"`
	EventID   string                `json:"event_id"`
	Type      engine.EventType      `json:"type"`
	Operation string                `json:"operation"`
	Resource  *string               `json:"resource,omitempty"`
	Kind      *string               `json:"kind,omitempty"`
	State     engine.OperationState `json:"state,omitempty"`
	Level     string                `json:"level"`
	Message   string                `json:"message"`
	Details   *string               `json:"details,omitempty"` // JSON blob
	Timestamp time.Time             `json:"timestamp"`
}

// EventFilter narrows GetEvents. Nil fields match everything.
type EventFilter struct {
	Resource  *string
	Operation *string
	Level     *string
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g. "begin_delete.recorded", "journal.pruned"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // operation or resource id
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Journal is the persistence layer behind the CLI.
type Journal interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Operations
	RecordOperation(ctx context.Context, rec *OperationRecord, actor string) error
	GetOperation(ctx context.Context, id string) (*OperationRecord, error)
	ListOperations(ctx context.Context, filter OperationFilter, limit, offset int) ([]*OperationRecord, error)
	LatestResumable(ctx context.Context, resourceName string) (*OperationRecord, error)

	// Events
	AppendEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*EventRecord, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Audit
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
