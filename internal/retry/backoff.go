package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/connectnearby/pkg/models"
)

// RetryConfig configures retry behavior with exponential backoff
type RetryConfig struct {
	MaxRetries int           `json:"max_retries"` // Maximum number of retry attempts (default: 3)
	BaseDelay  time.Duration `json:"base_delay"`  // Base delay between retries (default: 200ms)
	MaxDelay   time.Duration `json:"max_delay"`   // Maximum delay between retries (default: 5s)
	Multiplier float64       `json:"multiplier"`  // Exponential backoff multiplier (default: 2.0)
	Jitter     bool          `json:"jitter"`      // Add random jitter to prevent thundering herd (default: true)
	LogRetries bool          `json:"log_retries"` // Whether to log retry attempts (default: true)

	// Retryable decides whether a failed attempt is worth repeating.
	// Nil means every error is retried.
	Retryable func(error) bool `json:"-"`
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`       // Total number of attempts made
	TotalDuration time.Duration `json:"total_duration"` // Total time spent on all attempts
	LastError     error         `json:"-"`              // Last error encountered
	Success       bool          `json:"success"`        // Whether the operation eventually succeeded
	RetryReasons  []string      `json:"retry_reasons"`  // Reasons for each retry attempt
}

// DefaultRetryConfig returns a retry configuration with sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

// LoadRetryConfig returns the configuration used for idempotent storage reads.
// Domain errors (missing rows, bad input, access) are final, everything else is retried.
func LoadRetryConfig(maxRetries int, baseDelay, maxDelay time.Duration) RetryConfig {
	config := DefaultRetryConfig()
	if maxRetries >= 0 {
		config.MaxRetries = maxRetries
	}
	if baseDelay > 0 {
		config.BaseDelay = baseDelay
	}
	if maxDelay > 0 {
		config.MaxDelay = maxDelay
	}
	config.Retryable = func(err error) bool {
		return !errors.Is(err, models.ErrNotFound) &&
			!errors.Is(err, models.ErrValidation) &&
			!errors.Is(err, models.ErrAccessDenied) &&
			!errors.Is(err, models.ErrUnauthenticated)
	}
	return config
}

// Do runs operation with RetryWithBackoff and returns the final error, if any
func Do(ctx context.Context, config RetryConfig, name string, operation func() error) error {
	result := RetryWithBackoff(ctx, config, name, operation)
	if result.Success {
		return nil
	}
	return result.LastError
}

// RetryWithBackoff executes an operation with exponential backoff retry logic
func RetryWithBackoff(ctx context.Context, config RetryConfig, name string, operation func() error) RetryResult {
	return RetryWithBackoffAndReason(ctx, config, name, func() (error, string) {
		err := operation()
		reason := "unknown_error"
		if err != nil {
			reason = err.Error()
		}
		return err, reason
	})
}

// RetryWithBackoffAndReason is RetryWithBackoff with a caller-supplied reason per failure
func RetryWithBackoffAndReason(ctx context.Context, config RetryConfig, name string, operation func() (error, string)) RetryResult {
	started := time.Now()
	result := RetryResult{RetryReasons: make([]string, 0)}
	done := func(err error) RetryResult {
		result.LastError = err
		result.TotalDuration = time.Since(started)
		return result
	}

	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1

		err, reason := operation()
		if err == nil {
			result.Success = true
			if config.LogRetries && attempt > 0 {
				log.Info().Str("operation", name).Int("retries", attempt).Dur("total_duration", time.Since(started)).Msg("Operation succeeded after retries")
			}
			return done(nil)
		}
		result.RetryReasons = append(result.RetryReasons, reason)

		switch {
		case config.Retryable != nil && !config.Retryable(err):
			return done(err)
		case attempt >= config.MaxRetries:
			if config.LogRetries {
				log.Warn().Err(err).Str("operation", name).Int("attempts", result.Attempts).Msg("Operation failed after all attempts")
			}
			return done(err)
		case ctx.Err() != nil:
			return done(ctx.Err())
		}

		delay := calculateDelay(config, attempt)
		if config.LogRetries {
			log.Debug().Err(err).Str("operation", name).Int("attempt", result.Attempts).Dur("delay", delay).Msg("Operation failed, backing off")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return done(ctx.Err())
		case <-timer.C:
		}
	}
}

// calculateDelay calculates the delay for the next retry attempt using exponential backoff
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		// up to 10% either way
		jitterRange := delay * 0.1
		jitter := (rand.Float64() - 0.5) * 2 * jitterRange
		delay += jitter

		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	return time.Duration(delay)
}

// IsRetryableError reports whether err looks transient: network trouble or a
// database that is not accepting work right now
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many connections",
		"the database system is starting up",
		"bad connection",
		"broken pipe",
		"no such host",
		"network unreachable",
		"context deadline exceeded",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
