// Package provider implements the typed client for the remote Provider's
// OpenAI-compatible /v1 API: responses, files, vector stores, batches and
// model listing.
//
// Every mutating request carries an Idempotency-Key derived from the run
// and step that issued it, which is what makes transport-level retries of
// POSTs safe.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/httpclient"
)

// Config configures the Provider client.
type Config struct {
	// BaseURL is the API root including the version prefix,
	// e.g. "https://api.openai.com/v1".
	BaseURL string

	// APIKey is the bearer token. Never logged.
	APIKey string

	// Timeout bounds a single request attempt.
	Timeout time.Duration

	// RetryAttempts is the number of transport retries (0 disables).
	RetryAttempts int

	// RetryBackoff and MaxBackoff shape the retry delays.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// BreakerThreshold/Window/Cooldown configure the circuit breaker.
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration
}

// DefaultConfig returns a Config with the standard retry policy.
func DefaultConfig() Config {
	hc := httpclient.DefaultConfig()
	return Config{
		BaseURL:          "https://api.openai.com/v1",
		Timeout:          hc.Timeout,
		RetryAttempts:    hc.RetryAttempts,
		RetryBackoff:     hc.RetryBackoff,
		MaxBackoff:       hc.MaxBackoff,
		BreakerThreshold: hc.BreakerThreshold,
		BreakerWindow:    hc.BreakerWindow,
		BreakerCooldown:  hc.BreakerCooldown,
	}
}

// Client talks to the Provider API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Provider client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &cascadeerrors.ConfigError{
			Key:    "provider.api_key",
			Reason: "API key is required",
		}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}

	hc := httpclient.DefaultConfig()
	hc.UserAgent = "cascade/1.0"
	if cfg.Timeout > 0 {
		hc.Timeout = cfg.Timeout
	}
	hc.RetryAttempts = cfg.RetryAttempts
	if cfg.RetryBackoff > 0 {
		hc.RetryBackoff = cfg.RetryBackoff
	}
	if cfg.MaxBackoff > 0 {
		hc.MaxBackoff = cfg.MaxBackoff
	}
	hc.BreakerThreshold = cfg.BreakerThreshold
	hc.BreakerWindow = cfg.BreakerWindow
	hc.BreakerCooldown = cfg.BreakerCooldown
	// Safe because every mutating request carries an Idempotency-Key.
	hc.AllowNonIdempotentRetry = true

	httpClient, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

// errorEnvelope is the Provider's error body shape.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Param   string `json:"param"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// doJSON sends a JSON request and decodes a JSON response into out.
// idempotencyKey may be empty for read-only calls.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.mapTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &cascadeerrors.ProviderError{
			Kind:       cascadeerrors.KindNetwork,
			StatusCode: resp.StatusCode,
			Message:    "failed to read response body",
			Cause:      err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.mapStatusError(resp, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &cascadeerrors.ProviderError{
			Kind:    cascadeerrors.KindServer,
			Message: "failed to parse response body",
			Cause:   err,
		}
	}
	return nil
}

// doRaw sends a request and returns the raw response body. Used for file
// content downloads.
func (c *Client) doRaw(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.mapTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &cascadeerrors.ProviderError{
			Kind:       cascadeerrors.KindNetwork,
			StatusCode: resp.StatusCode,
			Message:    "failed to read response body",
			Cause:      err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.mapStatusError(resp, respBody)
	}
	return respBody, nil
}

// unmarshalBody decodes a successful response body, mapping parse failures
// onto the error taxonomy.
func unmarshalBody(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &cascadeerrors.ProviderError{
			Kind:    cascadeerrors.KindServer,
			Message: "failed to parse response body",
			Cause:   err,
		}
	}
	return nil
}

// mapTransportError classifies connection-level failures.
func (c *Client) mapTransportError(err error) error {
	var breakerErr *cascadeerrors.BreakerOpenError
	if errors.As(err, &breakerErr) {
		return breakerErr
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := cascadeerrors.KindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = cascadeerrors.KindTimeout
	}
	return &cascadeerrors.ProviderError{
		Kind:    kind,
		Message: "request failed",
		Cause:   err,
	}
}

// mapStatusError classifies non-2xx responses into the error taxonomy.
// Provider messages are passed through; they describe the request, not the
// credential.
func (c *Client) mapStatusError(resp *http.Response, body []byte) error {
	var kind cascadeerrors.Kind
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = cascadeerrors.KindAuth
	case resp.StatusCode == http.StatusRequestTimeout:
		kind = cascadeerrors.KindTimeout
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = cascadeerrors.KindRateLimited
	case resp.StatusCode >= 500:
		kind = cascadeerrors.KindServer
	default:
		kind = cascadeerrors.KindBadRequest
	}

	message := fmt.Sprintf("request failed with status %d", resp.StatusCode)
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
		if envelope.Error.Param != "" {
			message = fmt.Sprintf("%s (param: %s)", message, envelope.Error.Param)
		}
	}

	return &cascadeerrors.ProviderError{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    message,
		RequestID:  resp.Header.Get("x-request-id"),
	}
}
