package httpclient

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

func breakerConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.RetryAttempts = 0
	cfg.BreakerThreshold = 3
	cfg.BreakerWindow = time.Minute
	cfg.BreakerCooldown = 50 * time.Millisecond
	return cfg
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := New(breakerConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(server.URL)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		resp.Body.Close()
	}

	// Fourth request must be rejected without reaching the server.
	_, err = client.Get(server.URL)
	var breakerErr *cascadeerrors.BreakerOpenError
	if !errors.As(err, &breakerErr) {
		t.Fatalf("expected BreakerOpenError, got %v", err)
	}
	if breakerErr.RetryAt.IsZero() {
		t.Error("expected RetryAt to be set")
	}
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := New(breakerConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if resp, err := client.Get(server.URL); err == nil {
			resp.Body.Close()
		}
	}

	// Server recovers; wait out the cooldown.
	fail.Store(false)
	time.Sleep(60 * time.Millisecond)

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("probe request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected probe to succeed, got %d", resp.StatusCode)
	}

	// Breaker closed again: next request goes straight through.
	resp, err = client.Get(server.URL)
	if err != nil {
		t.Fatalf("post-recovery request failed: %v", err)
	}
	resp.Body.Close()
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := New(breakerConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if resp, err := client.Get(server.URL); err == nil {
			resp.Body.Close()
		}
	}

	time.Sleep(60 * time.Millisecond)

	// Probe goes through and fails.
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("probe request errored at transport level: %v", err)
	}
	resp.Body.Close()

	// Immediately after the failed probe the breaker is open again.
	_, err = client.Get(server.URL)
	var breakerErr *cascadeerrors.BreakerOpenError
	if !errors.As(err, &breakerErr) {
		t.Fatalf("expected BreakerOpenError after failed probe, got %v", err)
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, err := New(breakerConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		resp, err := client.Get(server.URL)
		if err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
		resp.Body.Close()
	}
}
