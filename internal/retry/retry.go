// Package retry runs calls against the generation backend with bounded retries.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrRateLimited marks errors caused by an exhausted quota window.
// Backends wrap their rate-limit failures with it.
var ErrRateLimited = errors.New("rate limited")

// Policy configures retries.
type Policy struct {
	// Attempts is the total number of calls made, including the first.
	Attempts int
	// BaseDelay is doubled after each generic failure.
	BaseDelay time.Duration
	// RateLimitDelay is multiplied by the attempt number after a rate-limit failure.
	RateLimitDelay time.Duration
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

// Default returns the policy used for every backend call.
func Default() Policy {
	return Policy{
		Attempts:       3,
		BaseDelay:      time.Second,
		RateLimitDelay: 4 * time.Second,
	}
}

// Delay returns how long to wait after the failed attempt (0-based) ended with err.
func (p Policy) Delay(attempt int, err error) time.Duration {
	if errors.Is(err, ErrRateLimited) {
		return p.RateLimitDelay * time.Duration(attempt+1)
	}
	return p.BaseDelay * time.Duration(1<<attempt)
}

// Do calls op until it succeeds or the attempts run out. The last error is
// returned unchanged.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		delay := p.Delay(attempt, err)
		logger.Warn("Backend call failed, retrying",
			zap.String("call", name),
			zap.Int("attempt", attempt+1),
			zap.Int("attempts", attempts),
			zap.Bool("rate_limited", errors.Is(err, ErrRateLimited)),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	logger.Error("Backend call failed after retries",
		zap.String("call", name),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
