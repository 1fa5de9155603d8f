package lease

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrResourceExhausted is matched by every *ExhaustedError.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrBusy is returned when a gate could not be acquired in time.
	ErrBusy = errors.New("allocator busy")
)

// ExhaustedError reports an empty pool. SoonestExpiry is the zero time when
// no lease is pending.
type ExhaustedError struct {
	Resource      string
	SoonestExpiry time.Time
}

func (e *ExhaustedError) Error() string {
	if e.SoonestExpiry.IsZero() {
		return fmt.Sprintf("no %s available", e.Resource)
	}
	return fmt.Sprintf("no %s available, soonest expiry at %s", e.Resource, e.SoonestExpiry.UTC().Format(time.RFC3339))
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrResourceExhausted }

// RetryAfter returns the whole seconds until the soonest expiry, or 0.
func (e *ExhaustedError) RetryAfter(now time.Time) int {
	if e.SoonestExpiry.IsZero() || !e.SoonestExpiry.After(now) {
		return 0
	}
	return int(math.Ceil(e.SoonestExpiry.Sub(now).Seconds()))
}

// ConfigurationError is a setup problem that retrying will not fix.
type ConfigurationError struct {
	Problems []string
	Err      error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
