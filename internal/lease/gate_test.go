package lease

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_AcquireRelease(t *testing.T) {
	g := NewGate(20 * time.Millisecond)
	ctx := context.Background()

	release, err := g.Acquire(ctx)
	require.NoError(t, err)

	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()

	again, err := g.Acquire(ctx)
	require.NoError(t, err)
	again()
}

func TestGate_CallerContextWins(t *testing.T) {
	g := NewGate(0)
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoll(t *testing.T) {
	ctx := context.Background()

	ok, err := Poll(ctx, time.Second, time.Millisecond, func(context.Context) bool { return true })
	require.NoError(t, err)
	assert.True(t, ok)

	var calls atomic.Int32
	ok, err = Poll(ctx, time.Second, time.Millisecond, func(context.Context) bool { return calls.Add(1) >= 3 })
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(3), calls.Load())

	ok, err = Poll(ctx, 10*time.Millisecond, 2*time.Millisecond, func(context.Context) bool { return false })
	require.NoError(t, err)
	assert.False(t, ok)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	ok, err = Poll(cancelled, time.Second, time.Millisecond, func(context.Context) bool { return false })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestExhaustedError(t *testing.T) {
	now := time.Now()
	err := &ExhaustedError{Resource: "wireguard slot", SoonestExpiry: now.Add(1500 * time.Millisecond)}
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, 2, err.RetryAfter(now))
	assert.Contains(t, err.Error(), "soonest expiry")

	empty := &ExhaustedError{Resource: "socks5 credential"}
	assert.Equal(t, 0, empty.RetryAfter(now))
	assert.Equal(t, "no socks5 credential available", empty.Error())

	cfg := &ConfigurationError{Problems: []string{"a", "b"}, Err: context.Canceled}
	assert.ErrorIs(t, cfg, context.Canceled)
	assert.Equal(t, "configuration error: a; b: context canceled", cfg.Error())
}
