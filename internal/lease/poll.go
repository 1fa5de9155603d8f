package lease

import (
	"context"
	"time"
)

// Poll calls ready immediately and then every interval until it returns true
// or timeout elapses. It reports whether ready succeeded; a cancelled ctx
// is returned as an error.
func Poll(ctx context.Context, timeout, interval time.Duration, ready func(context.Context) bool) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ready(ctx) {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
