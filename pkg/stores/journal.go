package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/envforge/envforge/pkg/engine"
)

// SystemActor is recorded when no operator identity is known.
const SystemActor = "envforge"

// NewOperationRecord captures the outcome of one facade call.
// callErr is the error returned by the call itself, if any.
func NewOperationRecord(
	operation string,
	id engine.ResourceIdentity,
	location string,
	result engine.OperationResult,
	callErr error,
	elapsed time.Duration,
) (*OperationRecord, error) {
	rec := &OperationRecord{
		Operation:      operation,
		ResourceName:   id.Name,
		SubscriptionID: id.SubscriptionID,
		ResourceGroup:  id.ResourceGroup,
		Location:       location,
		State:          result.State,
		RetryAttempt:   result.RetryAttempt,
		DurationMillis: elapsed.Milliseconds(),
	}

	if result.Token != nil {
		encoded, err := result.Token.Encode()
		if err != nil {
			return nil, err
		}
		rec.Token = &encoded
		rec.RetryAttempt = result.Token.RetryAttempt
	}
	if result.ErrorDetail != "" {
		detail := result.ErrorDetail
		rec.ErrorDetail = &detail
	}

	failure := callErr
	if failure == nil {
		failure = result.Err
	}
	if failure != nil {
		msg := failure.Error()
		rec.Error = &msg
		if rec.State == "" {
			rec.State = engine.StateFailed
		}
	}

	return rec, nil
}

// ContinuationToken decodes the token stored with the record.
func (r *OperationRecord) ContinuationToken() (*engine.ContinuationToken, error) {
	if r.Token == nil {
		return nil, engine.NewPermanentError("operation record carries no token", nil).
			WithCode(engine.ErrCodeInvalidToken).
			WithResource(r.ResourceName)
	}
	return engine.DecodeToken(*r.Token)
}

// EventSink returns a subscriber that appends every delivered event to the
// journal. Failures are logged and never reach the publisher.
func EventSink(journal Journal, logger zerolog.Logger) func(engine.Event) {
	logger = logger.With().Str("component", "journal").Logger()

	return func(event engine.Event) {
		rec := &EventRecord{
			EventID:   event.ID,
			Type:      event.Type,
			Operation: event.Operation,
			State:     event.State,
			Level:     event.Level,
			Message:   event.Message,
			Timestamp: event.Timestamp,
		}
		if rec.Level == "" {
			rec.Level = "info"
		}
		if event.Resource != "" {
			resource := event.Resource
			rec.Resource = &resource
		}
		if event.Kind != "" {
			kind := string(event.Kind)
			rec.Kind = &kind
		}
		if len(event.Details) > 0 {
			data, err := json.Marshal(event.Details)
			if err != nil {
				logger.Warn().Err(err).Str("event_id", event.ID).Msg("event_details_unencodable")
			} else {
				details := string(data)
				rec.Details = &details
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := journal.AppendEvent(ctx, rec); err != nil {
			logger.Error().Err(err).
				Str("event_id", event.ID).
				Str("event_type", string(event.Type)).
				Msg("event_append_failed")
		}
	}
}
