package httpclient

import (
	"net/http"
	"sync"
	"time"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// breakerState is the circuit breaker state machine position.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breakerTransport wraps an http.RoundTripper with a circuit breaker.
//
// The breaker opens after BreakerThreshold consecutive failures inside
// BreakerWindow. While open it rejects requests with BreakerOpenError
// without sending them. After BreakerCooldown a single probe request is
// admitted; its outcome closes or reopens the circuit.
type breakerTransport struct {
	base      http.RoundTripper
	threshold int
	window    time.Duration
	cooldown  time.Duration

	mu           sync.Mutex
	state        breakerState
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probing      bool
}

// newBreakerTransport creates a breaker transport wrapping base.
func newBreakerTransport(base http.RoundTripper, cfg Config) *breakerTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &breakerTransport{
		base:      base,
		threshold: cfg.BreakerThreshold,
		window:    cfg.BreakerWindow,
		cooldown:  cfg.BreakerCooldown,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.admit(); err != nil {
		breakerRejections.Inc()
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)

	if err != nil || (resp != nil && t.isFailureStatus(resp.StatusCode)) {
		t.recordFailure()
	} else {
		t.recordSuccess()
	}

	return resp, err
}

// admit decides whether a request may proceed given the current state.
func (t *breakerTransport) admit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		retryAt := t.openedAt.Add(t.cooldown)
		if time.Now().Before(retryAt) {
			return &cascadeerrors.BreakerOpenError{RetryAt: retryAt}
		}
		// Cooldown elapsed: admit exactly one probe.
		t.state = breakerHalfOpen
		t.probing = true
		return nil
	case breakerHalfOpen:
		if t.probing {
			return &cascadeerrors.BreakerOpenError{RetryAt: t.openedAt.Add(t.cooldown)}
		}
		t.probing = true
		return nil
	}
	return nil
}

// isFailureStatus reports whether a status counts toward opening the breaker.
// Only server-side trouble counts; a 400 is the caller's problem.
func (t *breakerTransport) isFailureStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

func (t *breakerTransport) recordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	if t.state == breakerHalfOpen {
		// Probe failed: reopen and restart the cooldown.
		t.state = breakerOpen
		t.openedAt = now
		t.probing = false
		return
	}

	// Failures outside the window do not accumulate into a streak.
	if t.failures == 0 || now.Sub(t.firstFailure) > t.window {
		t.failures = 0
		t.firstFailure = now
	}
	t.failures++

	if t.failures >= t.threshold {
		t.state = breakerOpen
		t.openedAt = now
		t.failures = 0
		breakerOpens.Inc()
	}
}

func (t *breakerTransport) recordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = breakerClosed
	t.failures = 0
	t.probing = false
}
