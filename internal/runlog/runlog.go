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

// Package runlog persists the per-run audit trail under LOG/<run_id>/.
// Every payload is scrubbed before it touches disk, and every write is
// atomic, so a crash never leaves a half-written state file. When the
// log directory cannot be created the writer degrades to an in-memory
// buffer instead of failing the run.
package runlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/cascade/internal/scrub"
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// Subdirectories of LOG/<run_id>/.
const (
	requestsDir  = "requests"
	responsesDir = "responses"
	manifestsDir = "manifests"

	stateFile  = "run_state.json"
	eventsFile = "events.jsonl"
)

// Writer records one run's requests, responses, events and state.
// Methods are safe for concurrent use.
type Writer struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	degraded bool
	events   *os.File
	buffer   []json.RawMessage
}

// Open creates LOG/<run_id>/ under logRoot and returns a Writer. When
// the directory cannot be created or the event stream cannot be opened,
// the returned Writer is degraded: it buffers events in memory and
// drops file writes, and the run carries on.
func Open(logRoot, runID string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{dir: filepath.Join(logRoot, runID), logger: logger}

	for _, sub := range []string{requestsDir, responsesDir, manifestsDir} {
		if err := os.MkdirAll(filepath.Join(w.dir, sub), 0755); err != nil {
			logger.Warn("run log unavailable, buffering in memory",
				slog.String("dir", w.dir),
				slog.String("error", err.Error()))
			w.degraded = true
			return w
		}
	}

	events, err := os.OpenFile(filepath.Join(w.dir, eventsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.Warn("event stream unavailable, buffering in memory",
			slog.String("error", err.Error()))
		w.degraded = true
		return w
	}
	w.events = events
	return w
}

// Dir returns the run's log directory.
func (w *Writer) Dir() string { return w.dir }

// Degraded reports whether the writer lost its backing directory.
func (w *Writer) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// Close releases the event stream.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.events == nil {
		return nil
	}
	err := w.events.Close()
	w.events = nil
	return err
}

// AppendEvent scrubs and appends one event line to events.jsonl,
// syncing after each line so the stream survives a crash.
func (w *Writer) AppendEvent(event any) error {
	clean, err := redacted(event)
	if err != nil {
		return err
	}
	line, err := json.Marshal(clean)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.degraded || w.events == nil {
		w.buffer = append(w.buffer, line)
		return nil
	}

	if _, err := w.events.Write(append(line, '\n')); err != nil {
		return &cascadeerrors.StorageError{Op: "append event", Cause: err}
	}
	if err := w.events.Sync(); err != nil {
		return &cascadeerrors.StorageError{Op: "sync events", Cause: err}
	}
	return nil
}

// BufferedEvents returns events held in memory by a degraded writer.
func (w *Writer) BufferedEvents() []json.RawMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]json.RawMessage, len(w.buffer))
	copy(out, w.buffer)
	return out
}

// WriteState atomically replaces run_state.json.
func (w *Writer) WriteState(state any) error {
	return w.writeJSON(stateFile, state)
}

// WriteRequest records one scrubbed provider request payload.
func (w *Writer) WriteRequest(stepKey string, payload any) error {
	return w.writeJSON(filepath.Join(requestsDir, stepFileName(stepKey)), payload)
}

// WriteResponse records one scrubbed provider response payload.
func (w *Writer) WriteResponse(stepKey string, payload any) error {
	return w.writeJSON(filepath.Join(responsesDir, stepFileName(stepKey)), payload)
}

// WriteManifest records a named manifest, e.g. the uploaded-file
// registry consulted on resume.
func (w *Writer) WriteManifest(name string, payload any) error {
	return w.writeJSON(filepath.Join(manifestsDir, name+".json"), payload)
}

func (w *Writer) writeJSON(rel string, payload any) error {
	clean, err := redacted(payload)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(clean, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding log payload: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.degraded {
		return nil
	}
	if err := writeAtomic(filepath.Join(w.dir, rel), append(data, '\n')); err != nil {
		return &cascadeerrors.StorageError{Op: "write " + rel, Cause: err}
	}
	return nil
}

// redacted round-trips a value through JSON so scrub.Redact can strip
// secret-keyed fields regardless of the concrete type.
func redacted(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding log payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decoding log payload: %w", err)
	}
	return scrub.Redact(generic), nil
}

// writeAtomic lands data at path via temp file, fsync and rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// stepFileName renders a step key as a stable file name.
func stepFileName(stepKey string) string {
	safe := make([]rune, 0, len(stepKey))
	for _, r := range stepKey {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_' || r == '.':
			safe = append(safe, r)
		default:
			safe = append(safe, '_')
		}
	}
	return string(safe) + ".json"
}

// Event is the common shape of one events.jsonl line. Sequence numbers
// are assigned by the supervisor; the timestamp is set here when zero.
type Event struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Step      string         `json:"step,omitempty"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Stamp fills the timestamp if unset and returns the event.
func (e Event) Stamp() Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}
