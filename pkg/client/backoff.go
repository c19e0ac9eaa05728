package client

import (
	"time"

	"github.com/core-tools/hsu-console/pkg/errors"
)

// BackoffPolicy bounds how hard Connect tries. Delay receives the number of
// the attempt that just failed, starting at 1.
type BackoffPolicy struct {
	MaxAttempts int
	Delay       func(failedAttempt int) time.Duration
}

func ConstantBackoff(maxAttempts int, delay time.Duration) BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: maxAttempts,
		Delay:       func(int) time.Duration { return delay },
	}
}

// ExponentialBackoff multiplies the delay by rate after every failure,
// capped at maxDelay when maxDelay is positive.
func ExponentialBackoff(maxAttempts int, initial time.Duration, rate float64, maxDelay time.Duration) BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: maxAttempts,
		Delay: func(failedAttempt int) time.Duration {
			multiplier := 1.0
			for i := 1; i < failedAttempt; i++ {
				multiplier *= rate
			}
			delay := time.Duration(float64(initial) * multiplier)
			if maxDelay > 0 && delay > maxDelay {
				delay = maxDelay
			}
			return delay
		},
	}
}

// RetryConfig is the YAML form of a BackoffPolicy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	BackoffRate float64       `yaml:"backoff_rate"` // 1.0 keeps the delay constant
	MaxDelay    time.Duration `yaml:"max_delay,omitempty"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 10,
		RetryDelay:  200 * time.Millisecond,
		BackoffRate: 1.0,
	}
}

func ValidateRetryConfig(config RetryConfig) error {
	if config.MaxAttempts <= 0 {
		return errors.NewValidationError("max_attempts must be positive", nil).WithContext("max_attempts", config.MaxAttempts)
	}
	if config.RetryDelay < 0 {
		return errors.NewValidationError("retry_delay cannot be negative", nil).WithContext("retry_delay", config.RetryDelay)
	}
	if config.BackoffRate < 1.0 {
		return errors.NewValidationError("backoff_rate must be at least 1.0", nil).WithContext("backoff_rate", config.BackoffRate)
	}
	if config.MaxDelay < 0 {
		return errors.NewValidationError("max_delay cannot be negative", nil).WithContext("max_delay", config.MaxDelay)
	}
	return nil
}

func (c RetryConfig) Policy() BackoffPolicy {
	if c.BackoffRate <= 1.0 {
		return ConstantBackoff(c.MaxAttempts, c.RetryDelay)
	}
	return ExponentialBackoff(c.MaxAttempts, c.RetryDelay, c.BackoffRate, c.MaxDelay)
}
