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

// Package capability tracks what a model supports: response chaining,
// the temperature parameter, and the file_search tool. Verdicts come
// from a live probe and are cached on disk for a week. A capability is
// only ever downgraded on an explicit parameter rejection from the
// provider; transient failures never flip a flag.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/provider"
)

// DefaultTTL is how long a cached record stays trusted.
const DefaultTTL = 7 * 24 * time.Hour

// Record is one model's probed capabilities.
type Record struct {
	Model       string    `json:"model"`
	Chaining    bool      `json:"chaining"`
	Temperature bool      `json:"temperature"`
	FileSearch  bool      `json:"file_search"`
	ProbedAt    time.Time `json:"probed_at"`
}

// Prober is the provider surface the probe needs.
type Prober interface {
	CreateResponse(ctx context.Context, req *provider.ResponsesRequest) (*provider.Response, error)
}

// Store caches capability records in a JSON file, one per model. Safe
// for concurrent use within a process; cross-process writers take a
// lock file beside the cache.
type Store struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

// NewStore loads the cache at path, tolerating a missing or corrupt
// file by starting empty.
func NewStore(path string, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, ttl: ttl, logger: logger, records: make(map[string]Record), now: time.Now}

	data, err := os.ReadFile(path)
	if err == nil {
		var records map[string]Record
		if err := json.Unmarshal(data, &records); err == nil {
			s.records = records
		} else {
			logger.Warn("capability cache unreadable, starting fresh", slog.String("path", path))
		}
	}
	return s
}

// Get returns the cached record for model when it is still fresh.
func (s *Store) Get(model string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[model]
	if !ok || s.now().Sub(rec.ProbedAt) > s.ttl {
		return Record{}, false
	}
	return rec, true
}

// Put stores a record and persists the cache.
func (s *Store) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ProbedAt.IsZero() {
		rec.ProbedAt = s.now().UTC()
	}
	s.records[rec.Model] = rec
	return s.save()
}

// Downgrade clears one capability flag after an explicit parameter
// rejection and persists the change. Unknown models are ignored.
func (s *Store) Downgrade(model, capability string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[model]
	if !ok {
		return nil
	}
	switch capability {
	case "chaining":
		rec.Chaining = false
	case "temperature":
		rec.Temperature = false
	case "file_search":
		rec.FileSearch = false
	default:
		return nil
	}
	s.records[model] = rec
	s.logger.Info("capability downgraded",
		slog.String("model", model),
		slog.String("capability", capability))
	return s.save()
}

// save writes the cache under a sibling lock file so concurrent
// cascade processes do not interleave writes.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return &cascadeerrors.StorageError{Op: "write capability cache", Cause: err}
	}

	unlock, err := acquireLock(s.path + ".lock")
	if err != nil {
		return &cascadeerrors.StorageError{Op: "lock capability cache", Cause: err}
	}
	defer unlock()

	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return &cascadeerrors.StorageError{Op: "encode capability cache", Cause: err}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return &cascadeerrors.StorageError{Op: "write capability cache", Cause: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return &cascadeerrors.StorageError{Op: "write capability cache", Cause: err}
	}
	return nil
}

// Resolve returns a fresh record for model, probing the provider when
// the cache has nothing usable.
func (s *Store) Resolve(ctx context.Context, client Prober, model string) (Record, error) {
	if rec, ok := s.Get(model); ok {
		return rec, nil
	}

	rec, err := Probe(ctx, client, model)
	if err != nil {
		return Record{}, err
	}
	if err := s.Put(rec); err != nil {
		// A cache write failure does not invalidate the probe result.
		s.logger.Warn("capability cache not persisted", slog.String("error", err.Error()))
	}
	return rec, nil
}

// Probe issues two tiny requests to classify the model. The first
// carries a temperature; the second chains on the first's response id.
// Only an explicit bad_request naming the parameter clears a flag, so
// rate limits and outages leave capabilities at their optimistic
// default.
func Probe(ctx context.Context, client Prober, model string) (Record, error) {
	rec := Record{
		Model:       model,
		Chaining:    true,
		Temperature: true,
		FileSearch:  true,
		ProbedAt:    time.Now().UTC(),
	}

	temp := 0.0
	first, err := client.CreateResponse(ctx, &provider.ResponsesRequest{
		Model:           model,
		Input:           []provider.Message{{Role: "user", Content: []provider.ContentPart{provider.TextPart("Reply with OK.")}}},
		Temperature:     &temp,
		MaxOutputTokens: 16,
	})
	if err != nil {
		if param, ok := RejectedParameter(err); ok {
			if strings.Contains(param, "temperature") {
				rec.Temperature = false
			}
			// Retry the probe without the rejected parameter.
			first, err = client.CreateResponse(ctx, &provider.ResponsesRequest{
				Model:           model,
				Input:           []provider.Message{{Role: "user", Content: []provider.ContentPart{provider.TextPart("Reply with OK.")}}},
				MaxOutputTokens: 16,
			})
		}
		if err != nil {
			return Record{}, err
		}
	}

	_, err = client.CreateResponse(ctx, &provider.ResponsesRequest{
		Model:              model,
		Input:              []provider.Message{{Role: "user", Content: []provider.ContentPart{provider.TextPart("Reply with OK again.")}}},
		PreviousResponseID: first.ID,
		MaxOutputTokens:    16,
	})
	if err != nil {
		if param, ok := RejectedParameter(err); ok && strings.Contains(param, "previous_response_id") {
			rec.Chaining = false
		} else {
			return Record{}, err
		}
	}

	return rec, nil
}

// RejectedParameter reports whether err is an explicit bad_request
// rejecting a named parameter, and returns the provider's message so
// the caller can match the parameter. Only this error shape may
// trigger a downgrade.
func RejectedParameter(err error) (string, bool) {
	var perr *cascadeerrors.ProviderError
	if !errors.As(err, &perr) || perr.Kind != cascadeerrors.KindBadRequest {
		return "", false
	}
	msg := strings.ToLower(perr.Message)
	if !strings.Contains(msg, "param") && !strings.Contains(msg, "unsupported") && !strings.Contains(msg, "not supported") {
		return "", false
	}
	return msg, true
}
