package utils

import (
	"context"
	"time"
)

var newTimer = time.NewTimer

// WaitFor blocks for d or until ctx is done.
func WaitFor(ctx context.Context, d time.Duration) error {
	return WaitForOrWake(ctx, d, nil)
}

// WaitForOrWake blocks for d, until ctx is done or until something is sent on wake.
// A wake-up is not an error: callers re-check their conditions afterwards.
func WaitForOrWake(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	timer := newTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	}
}
