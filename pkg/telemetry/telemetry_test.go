package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/envforge/envforge/pkg/engine"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }, true},
		{"no event buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := ProductionConfig().Validate(); err == nil {
		t.Error("Expected production config to require an otlp endpoint")
	}
	if err := DevelopmentConfig().Validate(); err != nil {
		t.Errorf("Expected development config to be valid: %v", err)
	}
}

func TestMetrics_Records(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	var _ engine.MetricsRecorder = m

	m.RecordOperation(engine.OpCheckDeleteStatus, engine.StateInProgress, 2*time.Second)
	m.RecordOperation(engine.OpCheckDeleteStatus, engine.StateInProgress, time.Second)
	m.RecordRetry(engine.OpCheckCreateStatus, 3)
	m.RecordResourceTransition(engine.KindNIC, engine.StateNotStarted, engine.StateInProgress)
	m.RecordError(engine.ErrorClassThrottled, engine.ErrCodeRateLimited)
	m.RecordError(engine.ErrorClassTransient, "")

	if got := testutil.ToFloat64(m.operations.WithLabelValues(engine.OpCheckDeleteStatus, "InProgress")); got != 2 {
		t.Errorf("Expected 2 operations, got %v", got)
	}
	if got := testutil.ToFloat64(m.retries.WithLabelValues(engine.OpCheckCreateStatus, "3")); got != 1 {
		t.Errorf("Expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("nic", "NotStarted", "InProgress")); got != 1 {
		t.Errorf("Expected 1 transition, got %v", got)
	}
	if got := testutil.CollectAndCount(m.errorsByCode); got != 1 {
		t.Errorf("Expected only coded errors to be counted by code, got %d series", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "envforge_resource_transitions_total") {
		t.Error("Expected the handler to expose orchestrator metrics")
	}
}

func TestMetrics_Disabled(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = false
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	m.RecordOperation(engine.OpStart, engine.StateSucceeded, time.Second)
	m.RecordRetry(engine.OpStart, 1)
	m.RecordResourceTransition(engine.KindVM, engine.StateInProgress, engine.StateSucceeded)
	m.RecordError(engine.ErrorClassPermanent, "X")

	if m.Registry() != nil {
		t.Error("Expected no registry when disabled")
	}
	if err := m.StartMetricsServer(NewLoggerTo(io.Discard, DefaultConfig().Logging).Zerolog()); err != nil {
		t.Errorf("Expected no-op server start, got %v", err)
	}
}

type eventSink struct {
	mu     sync.Mutex
	events []engine.Event
}

func (s *eventSink) add(e engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) all() []engine.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Event(nil), s.events...)
}

func TestEventPublisher_Sync(t *testing.T) {
	cfg := DefaultConfig().Events
	cfg.EnableAsync = false
	ep, err := NewEventPublisher(cfg)
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}
	defer ep.Shutdown(context.Background())

	var all, failures eventSink
	ep.Subscribe(all.add, nil)
	ep.Subscribe(failures.add, FilterByType(engine.EventTypeOperationFailed))

	ctx := context.Background()
	_ = ep.PublishEvent(ctx, engine.Event{Type: engine.EventTypeOperationStarted, Operation: engine.OpBeginDelete})
	_ = ep.PublishEvent(ctx, engine.Event{Type: engine.EventTypeOperationFailed, Operation: engine.OpBeginDelete, Level: EventLevelError})

	got := all.all()
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("Expected id and timestamp to be assigned")
	}
	if got[0].Type != engine.EventTypeOperationStarted {
		t.Errorf("Expected publish order to be kept, got %s first", got[0].Type)
	}
	if len(failures.all()) != 1 {
		t.Errorf("Expected the filtered subscriber to see one event, got %d", len(failures.all()))
	}
}

func TestEventPublisher_AsyncDrainsOnShutdown(t *testing.T) {
	cfg := DefaultConfig().Events
	cfg.FlushInterval = time.Hour
	cfg.MaxBatchSize = 50
	ep, err := NewEventPublisher(cfg)
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	var sink eventSink
	ep.Subscribe(sink.add, nil)

	for i := 0; i < 10; i++ {
		if err := ep.PublishEvent(context.Background(), engine.Event{
			Type:     engine.EventTypeResourceTransition,
			Resource: "sub/rg/vm-" + string(rune('a'+i)),
		}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	got := sink.all()
	if len(got) != 10 {
		t.Fatalf("Expected all 10 events delivered, got %d", len(got))
	}
	if got[0].Resource != "sub/rg/vm-a" || got[9].Resource != "sub/rg/vm-j" {
		t.Error("Expected events in publish order")
	}
}

func TestEventPublisher_GlobalFilterAndDisabled(t *testing.T) {
	cfg := DefaultConfig().Events
	cfg.EnableAsync = false
	ep, _ := NewEventPublisher(cfg)

	var sink eventSink
	ep.Subscribe(sink.add, nil)
	ep.AddFilter(FilterByLevel(EventLevelWarning))

	_ = ep.PublishEvent(context.Background(), engine.Event{Level: EventLevelInfo})
	_ = ep.PublishEvent(context.Background(), engine.Event{Level: EventLevelError})
	if len(sink.all()) != 1 {
		t.Errorf("Expected only the error event, got %d", len(sink.all()))
	}

	cfg.Enabled = false
	disabled, _ := NewEventPublisher(cfg)
	if err := disabled.PublishEvent(context.Background(), engine.Event{}); err != nil {
		t.Errorf("Expected disabled publisher to accept events, got %v", err)
	}
	if err := disabled.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected disabled shutdown to succeed, got %v", err)
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "debug"

	logger := NewLoggerTo(&buf, cfg).
		NewComponentLogger("engine").
		WithOperation(engine.OpCheckDeleteStatus).
		WithTrackingID("vm-1")
	logger.Debug("advanced")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected a JSON log line, got %q", buf.String())
	}
	if entry["component"] != "engine" || entry["operation"] != engine.OpCheckDeleteStatus || entry["tracking_id"] != "vm-1" {
		t.Errorf("Unexpected fields %v", entry)
	}

	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("Expected the logger back from the context")
	}
}

func TestTracer_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewTracerWithProvider(provider, "envforge")
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.Start(context.Background(), "envforge.check_delete_status")
	if TraceID(ctx) == "" {
		t.Error("Expected a trace id in the span context")
	}
	RecordError(span, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("Expected one span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("Expected error status, got %v", ended[0].Status())
	}
}

func TestTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{}, "envforge", "dev", "test")
	if err != nil {
		t.Fatalf("Failed to create tracer: %v", err)
	}
	ctx, span := tracer.Start(context.Background(), "noop")
	span.End()
	if TraceID(ctx) != "" {
		t.Error("Expected no trace id from the noop tracer")
	}
}

func TestTelemetry_ManagerOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	tel, err := NewTelemetryWithLogger(cfg, NewLoggerTo(io.Discard, cfg.Logging))
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	if got := len(tel.ManagerOptions()); got != 4 {
		t.Errorf("Expected 4 manager options, got %d", got)
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("Expected telemetry back from the context")
	}
}
