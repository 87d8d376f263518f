// Package retry runs operations with exponential backoff, retrying only errors
// classified as retryable by internal/errors.
package retry

import (
	"context"
	"math"
	"time"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/rs/zerolog"
)

// Policy defines retry behavior. The delay before retry n (0-based) is
// BaseDelay * Multiplier^n.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64

	// Name labels log lines and the OnRetry callback.
	Name string
	// Sleep waits between attempts; nil uses a timer honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry fires before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
	Logger  *zerolog.Logger
}

// DefaultPolicy is 3 retries at 1s, 2s, 4s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2}
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt)))
}

// Do calls op up to 1+MaxRetries times. Non-retryable errors return immediately.
// When ctx ends during a wait the last operation error is returned.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	var err error

	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}
	fallback := zerolog.Nop()
	if p.Logger != nil {
		fallback = *p.Logger
	}

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		result, err = op(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || !apierrors.IsRetryable(err) {
			return result, err
		}
		if attempt == p.MaxRetries {
			break
		}

		delay := p.Delay(attempt)
		log := logger.FromContext(ctx, fallback)
		log.Warn().
			Err(err).
			Str("operation", p.Name).
			Int("attempt", attempt+1).
			Int("max_attempts", p.MaxRetries+1).
			Dur("retry_delay", delay).
			Msg("retry.operation_retry")
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return result, err
		}
	}

	return result, err
}

func timerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
