// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"time"
)

// Kind classifies Provider transport failures for retry and reporting
// decisions.
type Kind string

const (
	// KindTimeout is a request deadline or connection timeout.
	KindTimeout Kind = "timeout"
	// KindRateLimited is an HTTP 429 from the Provider.
	KindRateLimited Kind = "rate_limited"
	// KindServer is an HTTP 5xx from the Provider.
	KindServer Kind = "server"
	// KindAuth is an HTTP 401/403 from the Provider.
	KindAuth Kind = "auth"
	// KindBadRequest is an HTTP 4xx that retrying cannot fix.
	KindBadRequest Kind = "bad_request"
	// KindNetwork is a connection-level failure (refused, reset, DNS).
	KindNetwork Kind = "network"
)

// Retryable reports whether requests failing with this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindServer, KindNetwork:
		return true
	}
	return false
}

// ValidationError represents user input validation failures.
// Use this for invalid run requests, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "batch", "model")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ProviderError represents failures originating from the remote Provider.
// Messages are sanitized before construction; they never carry credentials
// or raw request bodies.
type ProviderError struct {
	// Kind classifies the failure for retry decisions
	Kind Kind

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// RequestID correlates this error with Provider-side logs
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider error (%s)", e.Kind)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Message)
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failed request may be retried.
func (e *ProviderError) IsRetryable() bool {
	return e.Kind.Retryable()
}

// ConfigError represents configuration problems detected before a run
// starts. Runs failing with a ConfigError never touch the Provider.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "api_key", "project_root")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts above the transport layer,
// e.g. a vector store that never finishes indexing.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "vector store indexing")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ContractError represents a Provider response that failed structured
// output validation. The offending payload is quarantined by the caller;
// the error itself carries only the location and reason.
type ContractError struct {
	// Contract is the schema name (A1_PLAN, A3_FILE, ...)
	Contract string

	// Pointer locates the failing field (JSON-pointer-ish, e.g. "/files/3/path")
	Pointer string

	// Reason explains the violation
	Reason string
}

// Error implements the error interface.
func (e *ContractError) Error() string {
	if e.Pointer != "" {
		return fmt.Sprintf("contract %s violated at %s: %s", e.Contract, e.Pointer, e.Reason)
	}
	return fmt.Sprintf("contract %s violated: %s", e.Contract, e.Reason)
}

// AssemblyError represents a chunk sequence that cannot be assembled into
// a complete file (gaps, duplicates, inconsistent counts).
type AssemblyError struct {
	// Path is the project-relative path being assembled
	Path string

	// Reason explains the sequence violation
	Reason string
}

// Error implements the error interface.
func (e *AssemblyError) Error() string {
	return fmt.Sprintf("chunk assembly failed for %s: %s", e.Path, e.Reason)
}

// PathPolicyError represents a path that escapes the project root or
// violates the relative-path rules. Callers must not write through it.
type PathPolicyError struct {
	// Path is the offending path as received
	Path string

	// Reason explains the violation
	Reason string
}

// Error implements the error interface.
func (e *PathPolicyError) Error() string {
	return fmt.Sprintf("unsafe path %q: %s", e.Path, e.Reason)
}

// StorageError represents local persistence failures (run log, ledger,
// snapshots). Storage failures degrade the run but never abort it solely
// on their own.
type StorageError struct {
	// Op is the failing operation ("write run_state", "open ledger", ...)
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// CancelledError represents a run stopped by user request. It records the
// last completed step so resume knows where to pick up.
type CancelledError struct {
	// Step is the last step that completed before cancellation
	Step string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("run cancelled after step %s", e.Step)
	}
	return "run cancelled"
}

// BreakerOpenError is returned when the circuit breaker refuses a request
// without sending it. The run pauses rather than fails.
type BreakerOpenError struct {
	// RetryAt is when the breaker next admits a probe request
	RetryAt time.Time
}

// Error implements the error interface.
func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open until %s", e.RetryAt.Format(time.RFC3339))
}
