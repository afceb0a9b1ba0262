package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// CheckFunc is one poll of a long-running operation.
type CheckFunc func(ctx context.Context, token ContinuationToken) (OperationResult, error)

// DriveOptions bounds a local polling loop.
type DriveOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration

	// OnPoll is called after every non-terminal poll.
	OnPoll func(result OperationResult)
}

// DefaultDriveOptions returns polling bounds suited to cloud deployments.
func DefaultDriveOptions() DriveOptions {
	return DriveOptions{
		InitialInterval: 5 * time.Second,
		MaxInterval:     30 * time.Second,
		Timeout:         30 * time.Minute,
	}
}

var errStillInProgress = errors.New("operation still in progress")

// Drive polls check until the result is terminal, the timeout elapses or ctx
// is cancelled. It plays the part of the external scheduler for callers that
// want to block; the returned result carries the last token seen.
func Drive(ctx context.Context, initial OperationResult, check CheckFunc, opts DriveOptions) (OperationResult, error) {
	if initial.State.IsTerminal() || initial.Token == nil {
		return initial, nil
	}

	defaults := DefaultDriveOptions()
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaults.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = defaults.MaxInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval

	last := initial
	poll := func() (OperationResult, error) {
		result, err := check(ctx, *last.Token)
		if err != nil {
			return result, backoff.Permanent(err)
		}
		if result.State.IsTerminal() || result.Token == nil {
			last = result
			return result, nil
		}
		last = result
		if opts.OnPoll != nil {
			opts.OnPoll(result)
		}
		return result, errStillInProgress
	}

	result, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(opts.Timeout),
	)
	if err != nil {
		if errors.Is(err, errStillInProgress) {
			return last, NewTransientError("operation did not finish before the polling timeout", nil).
				WithCode(ErrCodeTimeout)
		}
		return last, err
	}
	return result, nil
}
