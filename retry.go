package avatarkit

import (
	"context"
	"time"
)

// pollUntil invokes check every interval until it reports true, the attempt
// bound is spent, or ctx is cancelled. It reports whether check succeeded.
// The first check runs after one interval, matching the bounded wait loops
// of the media handshake.
func pollUntil(ctx context.Context, interval time.Duration, attempts int, check func() bool) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if check() {
				return true
			}
		}
	}
	return false
}

// waitOrTimeout blocks until signal fires, the timeout elapses, or ctx is
// cancelled. It reports whether the signal arrived in time.
func waitOrTimeout(ctx context.Context, signal <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-signal:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
