package httpclient

import (
	"fmt"
	"time"
)

// Config configures the HTTP client with timeout, retry, and breaker settings.
type Config struct {
	// Timeout is the per-request timeout (a single attempt).
	// Default: 120s. Must be > 0.
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts (0 = no retries).
	// Default: 4, for 5 total attempts. Must be >= 0.
	RetryAttempts int

	// RetryBackoff is the initial backoff delay before first retry.
	// Default: 500ms. Must be > 0 if RetryAttempts > 0.
	RetryBackoff time.Duration

	// MaxBackoff is the maximum backoff delay cap.
	// Default: 30s. Must be >= RetryBackoff.
	MaxBackoff time.Duration

	// UserAgent is the User-Agent header value.
	// Required. Must be non-empty.
	UserAgent string

	// AllowNonIdempotentRetry enables retry for non-idempotent methods
	// (POST, PUT, PATCH, DELETE). Default: false. The Provider client sets
	// this because it attaches Idempotency-Key headers to every mutating
	// request.
	AllowNonIdempotentRetry bool

	// BreakerThreshold consecutive failures within BreakerWindow open the
	// circuit. 0 disables the breaker.
	BreakerThreshold int

	// BreakerWindow is the sliding window for counting failures.
	BreakerWindow time.Duration

	// BreakerCooldown is how long an open breaker refuses requests before
	// admitting a single probe.
	BreakerCooldown time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:                 120 * time.Second,
		RetryAttempts:           4,
		RetryBackoff:            500 * time.Millisecond,
		MaxBackoff:              30 * time.Second,
		UserAgent:               "cascade-http-client/1.0",
		AllowNonIdempotentRetry: false,
		BreakerThreshold:        5,
		BreakerWindow:           30 * time.Second,
		BreakerCooldown:         20 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}

	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}

	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be > 0 when retry_attempts > 0, got %v", c.RetryBackoff)
		}

		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff (%v) must be >= retry_backoff (%v)", c.MaxBackoff, c.RetryBackoff)
		}
	}

	if c.BreakerThreshold > 0 {
		if c.BreakerWindow <= 0 {
			return fmt.Errorf("breaker_window must be > 0 when breaker is enabled, got %v", c.BreakerWindow)
		}
		if c.BreakerCooldown <= 0 {
			return fmt.Errorf("breaker_cooldown must be > 0 when breaker is enabled, got %v", c.BreakerCooldown)
		}
	}

	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required and must be non-empty")
	}

	return nil
}
