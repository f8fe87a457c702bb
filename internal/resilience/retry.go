package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/runnerforge/engine/internal/engineerr"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, adds randomness

	// Retryable reports whether err deserves another attempt. Nil means
	// always retry. CloudDriverRetryConfig sets this to stop burning
	// attempts against a permanent failure like bad credentials.
	Retryable func(err error) bool
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// CloudDriverRetryConfig is DefaultRetryConfig tuned for Cloud Driver calls:
// only engineerr.CloudTransient is retried. CLOUD_AUTH, RESOURCE_NOT_FOUND,
// and every other kind classify() can return are permanent for the current
// connector, so retrying them would just add latency before the same
// failure (§7).
func CloudDriverRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.Retryable = func(err error) bool {
		return engineerr.KindOf(err) == engineerr.CloudTransient
	}
	return cfg
}

// Retry executes fn with exponential backoff
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(addJitter(delay, cfg.Jitter)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return lastErr
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
