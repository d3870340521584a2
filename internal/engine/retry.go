package engine

import (
	"context"
	"time"

	"github.com/rendis/chainops/pkg/schema"
)

// BackoffPolicy controls how optimistic-concurrency conflicts are retried.
type BackoffPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultBackoffPolicy is used when the engine is not configured otherwise.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
	}
}

// Delay returns the exponential delay before the given retry attempt (0-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// IsConflict reports whether err is a version mismatch worth retrying on reload.
func IsConflict(err error) bool {
	return schema.IsCode(err, schema.ErrCodeConcurrentModification)
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
