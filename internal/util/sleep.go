package util

import (
	"context"
	"time"
)

// SleepContext waits for d or until ctx is cancelled, whichever comes first.
// Returns false when the sleep was cut short by cancellation.
func SleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
