package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(5), zerolog.Nop(), "flaky", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), zerolog.Nop(), "doomed", func() error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastRetry(5), zerolog.Nop(), "cancelled", func() error {
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitOpensAndProbes(t *testing.T) {
	b := NewCircuitBreaker("test", 2, 50*time.Millisecond, zerolog.Nop())
	boom := errors.New("boom")

	require.Error(t, b.Do(func() error { return boom }))
	require.Error(t, b.Do(func() error { return boom }))

	open, _ := b.State()
	require.True(t, open)
	assert.ErrorIs(t, b.Do(func() error { return nil }), ErrCircuitOpen)

	// After the cooldown a probe goes through and a success closes the
	// circuit fully.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Do(func() error { return nil }))
	open, failures := b.State()
	assert.False(t, open)
	assert.Zero(t, failures)
}

func TestCircuitProbeFailureReopens(t *testing.T) {
	b := NewCircuitBreaker("test", 2, 20*time.Millisecond, zerolog.Nop())
	boom := errors.New("boom")

	require.Error(t, b.Do(func() error { return boom }))
	require.Error(t, b.Do(func() error { return boom }))
	time.Sleep(30 * time.Millisecond)

	require.Error(t, b.Do(func() error { return boom }))
	open, _ := b.State()
	assert.True(t, open)
}
