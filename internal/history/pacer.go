package history

import (
	"context"
	"time"
)

// Pacer throttles page requests.
type Pacer interface {
	Wait(ctx context.Context) error
}

// FixedDelay sleeps for a fixed duration before every request, including
// the first one.
type FixedDelay time.Duration

// Wait blocks for the delay or until ctx is done.
func (d FixedDelay) Wait(ctx context.Context) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(d))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
