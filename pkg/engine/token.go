package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Token schema versions.
const (
	// TokenVersionLegacy carries a flat map of resource records.
	TokenVersionLegacy = 0

	// TokenVersionPhased carries a phased DeletionPlan.
	TokenVersionPhased = 1

	// CurrentTokenVersion is written by BeginDelete.
	CurrentTokenVersion = TokenVersionPhased
)

// MaxRetryAttempts bounds the retry counter carried by tokens and by
// start/shutdown calls. A failure at this count is terminal.
const MaxRetryAttempts = 5

// ContinuationToken carries all progress of a long-running operation between
// poll cycles. Callers treat it as opaque and pass it back unmodified.
type ContinuationToken struct {
	// TrackingID is operation specific: the deployment name for creation,
	// a serialized DeletionTracking for deletion.
	TrackingID string `json:"trackingId"`

	ResourceIdentity ResourceIdentity `json:"resourceIdentity"`
	RetryAttempt     int              `json:"retryAttempt"`
	Version          int              `json:"version"`
}

// Encode serializes the token.
func (t ContinuationToken) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to encode continuation token: %w", err)
	}
	return string(data), nil
}

// DecodeToken parses a serialized token.
func DecodeToken(raw string) (*ContinuationToken, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, NewPermanentError("continuation token is empty", nil).WithCode(ErrCodeInvalidToken)
	}

	var t ContinuationToken
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, NewPermanentError("failed to decode continuation token", err).WithCode(ErrCodeInvalidToken)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the fields every operation relies on.
func (t ContinuationToken) Validate() error {
	if t.TrackingID == "" {
		return NewPermanentError("continuation token has no tracking id", nil).WithCode(ErrCodeInvalidToken)
	}
	if t.ResourceIdentity.Name == "" || t.ResourceIdentity.ResourceGroup == "" || t.ResourceIdentity.SubscriptionID == "" {
		return NewPermanentError("continuation token has an incomplete resource identity", nil).
			WithCode(ErrCodeInvalidToken)
	}
	if t.RetryAttempt < 0 {
		return NewPermanentError(fmt.Sprintf("continuation token has negative retry attempt %d", t.RetryAttempt), nil).
			WithCode(ErrCodeInvalidToken)
	}
	return nil
}

// Advance returns a token carrying new progress with the retry counter reset.
func (t ContinuationToken) Advance(trackingID string) *ContinuationToken {
	next := t
	next.TrackingID = trackingID
	next.RetryAttempt = 0
	return &next
}

// Retry returns a token carrying trackingID with the retry counter incremented.
func (t ContinuationToken) Retry(trackingID string) *ContinuationToken {
	next := t
	next.TrackingID = trackingID
	next.RetryAttempt = t.RetryAttempt + 1
	return &next
}

// CanRetry reports whether another failure may still be absorbed.
func (t ContinuationToken) CanRetry() bool {
	return t.RetryAttempt < MaxRetryAttempts
}

// DeletionTracking is the tracking id payload of a phased deletion token.
type DeletionTracking struct {
	Location     string       `json:"location"`
	DeletionPlan DeletionPlan `json:"deletionPlan"`
}

// EncodeDeletionTracking serializes a location and plan into a tracking id.
func EncodeDeletionTracking(location string, plan DeletionPlan) (string, error) {
	data, err := json.Marshal(DeletionTracking{Location: location, DeletionPlan: plan})
	if err != nil {
		return "", fmt.Errorf("failed to encode deletion plan: %w", err)
	}
	return string(data), nil
}

// DecodeDeletionTracking parses and validates a phased deletion tracking id.
func DecodeDeletionTracking(trackingID string) (*DeletionTracking, error) {
	var dt DeletionTracking
	if err := json.Unmarshal([]byte(trackingID), &dt); err != nil {
		return nil, NewPermanentError("failed to decode deletion plan", err).WithCode(ErrCodeInvalidToken)
	}
	if dt.Location == "" {
		return nil, NewPermanentError("deletion plan has no location", nil).WithCode(ErrCodeInvalidToken)
	}
	if err := dt.DeletionPlan.Validate(); err != nil {
		return nil, NewPermanentError("invalid deletion plan", err).WithCode(ErrCodeInvalidToken)
	}
	return &dt, nil
}
