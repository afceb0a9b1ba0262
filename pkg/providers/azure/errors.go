package azure

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/envforge/envforge/pkg/engine"
)

// isNotFound reports whether err is a 404 from the service.
func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// classify translates an SDK error into a classified engine error.
// Errors that are not service responses are returned unchanged.
func classify(err error, operation, resource string) error {
	if err == nil {
		return nil
	}

	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}

	message := fmt.Sprintf("%s failed with status %d", operation, respErr.StatusCode)
	if respErr.ErrorCode != "" {
		message = fmt.Sprintf("%s failed with status %d (%s)", operation, respErr.StatusCode, respErr.ErrorCode)
	}

	var e *engine.EngineError
	switch status := respErr.StatusCode; {
	case status == http.StatusNotFound:
		e = engine.NewPermanentError(message, err).WithCode(engine.ErrCodeNotFound)
	case status == http.StatusTooManyRequests:
		e = engine.NewThrottledError(message, err).WithCode(engine.ErrCodeRateLimited)
	case status == http.StatusConflict:
		e = engine.NewConflictError(message, err).WithCode(engine.ErrCodeConflict)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = engine.NewTransientError(message, err).WithCode(engine.ErrCodePermissionDenied)
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		e = engine.NewTransientError(message, err).WithCode(engine.ErrCodeProviderFailed)
	default:
		e = engine.NewPermanentError(message, err).WithCode(engine.ErrCodeProviderFailed)
	}

	return e.WithOperation(operation).
		WithResource(resource).
		WithDetail("status", respErr.StatusCode).
		WithDetail("error_code", respErr.ErrorCode)
}
