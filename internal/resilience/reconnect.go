package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexiqai/speaking-coach/internal/observability"
)

// ErrRestartsExhausted is returned by Supervise once a task keeps failing
var ErrRestartsExhausted = errors.New("restart attempts exhausted")

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	Backoff     time.Duration // Backoff duration between attempts
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
	// HealthyAfter is how long a supervised run must last before its
	// failure stops counting against MaxAttempts. Zero means never.
	HealthyAfter time.Duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts:  5,
		Backoff:      1 * time.Second,
		Multiplier:   2.0,
		MaxBackoff:   30 * time.Second,
		HealthyAfter: 10 * time.Second,
	}
}

// ReconnectFunc is a function that attempts to reconnect
type ReconnectFunc func() error

// Reconnect attempts to reconnect with exponential backoff
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	logger := observability.Component("resilience")

	backoff := config.Backoff

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		// Check if context is cancelled
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Attempt to reconnect
		err := fn()
		if err == nil {
			logger.Debug().Int("attempts", attempt+1).Msg("Reconnection successful")
			return nil
		}

		// Don't sleep after the last attempt
		if attempt < config.MaxAttempts-1 {
			logger.Debug().
				Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", config.MaxAttempts).
				Dur("backoff", backoff).
				Msg("Reconnection attempt failed, retrying")

			if !sleepContext(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, config)
		}
	}

	return fmt.Errorf("failed to reconnect after %d attempts", config.MaxAttempts)
}

// SupervisedFunc is a long-running task. It returns when the task ends,
// with nil for a clean end that should still be restarted.
type SupervisedFunc func(ctx context.Context) error

// Supervise keeps fn running until ctx is done, restarting it with backoff
// whenever it returns. onRestart, if set, is called before each restart.
// After MaxAttempts consecutive short-lived runs Supervise gives up and
// returns ErrRestartsExhausted wrapping the last error.
func Supervise(ctx context.Context, fn SupervisedFunc, config *ReconnectConfig, onRestart func(attempt int, err error)) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	logger := observability.Component("resilience")

	backoff := config.Backoff
	attempt := 0

	for {
		started := time.Now()
		err := fn(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if config.HealthyAfter > 0 && time.Since(started) >= config.HealthyAfter {
			attempt = 0
			backoff = config.Backoff
		}

		attempt++
		if attempt > config.MaxAttempts {
			logger.Debug().Err(err).Int("attempts", attempt-1).Msg("Supervised task gave up")
			if err == nil {
				return ErrRestartsExhausted
			}
			return fmt.Errorf("%w: %v", ErrRestartsExhausted, err)
		}

		logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Supervised task ended, restarting")

		if !sleepContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, config)

		if onRestart != nil {
			onRestart(attempt, err)
		}
	}
}

func nextBackoff(backoff time.Duration, config *ReconnectConfig) time.Duration {
	if config.Multiplier > 0 {
		backoff = time.Duration(float64(backoff) * config.Multiplier)
	}
	if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
		backoff = config.MaxBackoff
	}
	return backoff
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
