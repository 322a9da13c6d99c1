// Package reliability provides retry, circuit breaking and snapshot
// archiving for the platform's external and periodic operations.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig tunes exponential backoff.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay added as random jitter, 0..1
}

// DefaultRetryConfig is suitable for cloud uploads and other slow externals.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Retry runs fn with exponential backoff until it succeeds, the attempts are
// exhausted, or the context is cancelled.
func Retry(ctx context.Context, cfg RetryConfig, log zerolog.Logger, operation string, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.Jitter > 0 {
			wait += time.Duration(rand.Float64() * cfg.Jitter * float64(delay))
		}
		log.Warn().
			Err(lastErr).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Operation failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxAttempts, lastErr)
}

// ErrCircuitOpen is returned while the breaker is open and calls are refused.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreaker trips open after consecutive failures and refuses calls
// until the cooldown passes, then allows a probe.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	log       zerolog.Logger

	mu       sync.Mutex
	failures int
	openedAt time.Time
	open     bool
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive
// failures and stays open for the cooldown.
func NewCircuitBreaker(name string, threshold int, cooldown time.Duration, log zerolog.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		log:       log.With().Str("component", "circuit_breaker").Str("circuit", name).Logger(),
	}
}

// Do runs fn unless the circuit is open.
func (b *CircuitBreaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.open {
		if time.Since(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		// Cooldown over: half-open, let one probe through.
		b.open = false
		b.failures = b.threshold - 1
		b.log.Info().Msg("Circuit half-open, probing")
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		return nil
	}
	b.failures++
	if b.failures >= b.threshold && !b.open {
		b.open = true
		b.openedAt = time.Now()
		b.log.Error().Err(err).Int("failures", b.failures).Msg("Circuit opened")
	}
	return err
}

// State reports whether the circuit is currently open.
func (b *CircuitBreaker) State() (open bool, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open, b.failures
}
