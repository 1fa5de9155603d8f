// Package presence tracks short-lived claims on names and addresses so that
// concurrent verification attempts never pick the same identifiers.
package presence

import (
	"context"
	"time"
)

// DefaultTTL bounds how long a claim survives a crashed attempt.
const DefaultTTL = 120 * time.Second

// Cache is a set of keys with a fixed time-to-live.
type Cache interface {
	// Claim records key unless it is already held. It reports whether this
	// call took the claim.
	Claim(ctx context.Context, key string) (bool, error)
	// Held reports whether key is currently claimed.
	Held(ctx context.Context, key string) (bool, error)
	// Release drops the given keys; unknown keys are ignored.
	Release(ctx context.Context, keys ...string) error
}
