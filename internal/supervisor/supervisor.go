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

// Package supervisor owns the run lifecycle: one run at a time, a
// monotone event stream, a heartbeat watch for stalled runs, cooperative
// cancellation with a hard-kill fallback, and the persisted state that
// makes a run resumable.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/cascade/internal/cascade"
	cascadelog "github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/internal/runlog"
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// Mode selects what a run does.
type Mode string

const (
	ModeGenerate Mode = "generate"
	ModeModify   Mode = "modify"
	ModeQA       Mode = "qa"
	ModeQFile    Mode = "qfile"
	ModeBatch    Mode = "batch"
)

// Timing defaults.
const (
	// CancelGrace is how long a cancelled run gets to wind down before
	// it is declared killed.
	CancelGrace = 10 * time.Second
	// StallAfter is how long without an event before the run is flagged
	// stalled.
	StallAfter = 5 * time.Minute
)

// runIDLayout renders day month year hour minute into run ids.
const runIDLayout = "020120061504"

// RunRequest describes a run to start.
type RunRequest struct {
	Mode   Mode
	Task   string
	Model  string
	Root   string
	OutDir string
	// FilePath is the file a qfile question targets.
	FilePath string
	DryRun   bool
	// Versioning snapshots the target tree before the first write.
	Versioning bool
	// AttachedFileIDs are already-uploaded provider files attached to
	// every request of the run.
	AttachedFileIDs []string
	// DiagnosticsIn feeds the attached files to the diagnosis step;
	// DiagnosticsOut includes the diagnosis in the run output.
	DiagnosticsIn  bool
	DiagnosticsOut bool
}

// Validate rejects impossible requests before anything starts.
func (r RunRequest) Validate() error {
	switch r.Mode {
	case ModeGenerate, ModeBatch:
		if r.OutDir == "" {
			return &cascadeerrors.ConfigError{Key: "out_dir", Reason: "output directory is required"}
		}
	case ModeModify:
		if err := requireDir(r.Root); err != nil {
			return err
		}
	case ModeQA:
		// Nothing beyond the task.
	case ModeQFile:
		if err := requireDir(r.Root); err != nil {
			return err
		}
		if r.FilePath == "" {
			return &cascadeerrors.ConfigError{Key: "file", Reason: "qfile needs a target file path"}
		}
	default:
		return &cascadeerrors.ConfigError{Key: "mode", Reason: fmt.Sprintf("unknown mode %q", r.Mode)}
	}
	if strings.TrimSpace(r.Task) == "" {
		return &cascadeerrors.ConfigError{Key: "task", Reason: "task text is required"}
	}
	if r.Model == "" {
		return &cascadeerrors.ConfigError{Key: "model", Reason: "model is required"}
	}
	if r.DiagnosticsIn && len(r.AttachedFileIDs) == 0 {
		return &cascadeerrors.ConfigError{Key: "diagnostics_in", Reason: "diagnostics-in needs attached file ids"}
	}
	return nil
}

func requireDir(path string) error {
	if path == "" {
		return &cascadeerrors.ConfigError{Key: "root", Reason: "project root is required"}
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return &cascadeerrors.ConfigError{Key: "root", Reason: fmt.Sprintf("%s is not a directory", path)}
	}
	return nil
}

// RunState is the persisted run_state.json.
type RunState struct {
	RunID          string           `json:"run_id"`
	Mode           Mode             `json:"mode"`
	Task           string           `json:"task,omitempty"`
	Model          string           `json:"model"`
	Status         string           `json:"status"`
	Step           string           `json:"step,omitempty"`
	Root           string           `json:"root,omitempty"`
	OutDir         string           `json:"out_dir,omitempty"`
	VectorStoreID  string           `json:"vector_store_id,omitempty"`
	Versioning     bool             `json:"versioning,omitempty"`
	AttachedFiles  []string         `json:"attached_files,omitempty"`
	DiagnosticsIn  bool             `json:"diagnostics_in,omitempty"`
	DiagnosticsOut bool             `json:"diagnostics_out,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Outcome        *cascade.Outcome `json:"outcome,omitempty"`
	Error          string           `json:"error,omitempty"`
	HardKilled     bool             `json:"hard_killed,omitempty"`
	LastResponseID string           `json:"last_response_id,omitempty"`
}

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusKilled    = "killed"
)

// RunFunc does the actual work of a run. It must honor ctx and report
// progress through the handle's Emit.
type RunFunc func(ctx context.Context, h *Handle) (*cascade.Outcome, error)

// Supervisor gates and observes runs. One Supervisor serves one
// process.
type Supervisor struct {
	logRoot string
	logger  *slog.Logger

	mu     sync.Mutex
	active *Handle

	// now and the heartbeat timings are swapped in tests.
	now           func() time.Time
	heartbeatTick time.Duration
	stallAfter    time.Duration
	cancelGrace   time.Duration
}

// New returns a Supervisor writing run logs under logRoot.
func New(logRoot string, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logRoot:       logRoot,
		logger:        logger,
		now:           time.Now,
		heartbeatTick: 30 * time.Second,
		stallAfter:    StallAfter,
		cancelGrace:   CancelGrace,
	}
}

// NewRunID mints a run id: RUN_<timestamp>_<4 random hex chars>.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return fmt.Sprintf("RUN_%s_%s", now.Format(runIDLayout), suffix)
}

// Handle tracks one live run.
type Handle struct {
	RunID  string
	Events <-chan runlog.Event

	supervisor *Supervisor
	log        *runlog.Writer
	cancel     context.CancelFunc
	events     chan runlog.Event
	// eventsMu guards events against the heartbeat watcher emitting
	// into a channel finish has already closed.
	eventsMu     sync.Mutex
	eventsClosed bool
	seq          atomic.Int64
	lastEvent    atomic.Int64 // unix nanos of the last emit

	done    chan struct{}
	outcome *cascade.Outcome
	err     error

	state   RunState
	stateMu sync.Mutex
}

// Start validates the request, claims the single-run slot and launches
// the work. It returns immediately; use Wait for the outcome.
func (s *Supervisor) Start(ctx context.Context, req RunRequest, run RunFunc) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.active != nil {
		active := s.active.RunID
		s.mu.Unlock()
		return nil, &cascadeerrors.ConfigError{Key: "run", Reason: fmt.Sprintf("run %s is still active", active)}
	}

	runID := NewRunID(s.now())
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		RunID:      runID,
		supervisor: s,
		log:        runlog.Open(s.logRoot, runID, s.logger),
		cancel:     cancel,
		events:     make(chan runlog.Event, 256),
		done:       make(chan struct{}),
		state: RunState{
			RunID:          runID,
			Mode:           req.Mode,
			Task:           req.Task,
			Model:          req.Model,
			Status:         StatusRunning,
			Root:           req.Root,
			OutDir:         req.OutDir,
			Versioning:     req.Versioning,
			AttachedFiles:  req.AttachedFileIDs,
			DiagnosticsIn:  req.DiagnosticsIn,
			DiagnosticsOut: req.DiagnosticsOut,
			StartedAt:      s.now().UTC(),
		},
	}
	h.Events = h.events
	h.lastEvent.Store(s.now().UnixNano())
	s.active = h
	s.mu.Unlock()

	h.saveState()
	h.Emit("run.started", "", string(req.Mode))

	watchCtx, stopWatch := context.WithCancel(context.Background())
	go h.watchHeartbeat(watchCtx)

	go func() {
		defer stopWatch()
		outcome, err := run(runCtx, h)
		h.finish(runCtx, outcome, err)
	}()

	return h, nil
}

// Emit publishes one sequenced event to the stream and the run log.
func (h *Handle) Emit(eventType, step, message string) {
	ev := runlog.Event{
		Seq:     h.seq.Add(1),
		Type:    eventType,
		RunID:   h.RunID,
		Step:    step,
		Message: message,
	}.Stamp()

	h.lastEvent.Store(time.Now().UnixNano())

	if err := h.log.AppendEvent(ev); err != nil {
		h.supervisor.logger.Warn("event not persisted", slog.String("error", err.Error()))
	}
	h.eventsMu.Lock()
	if !h.eventsClosed {
		select {
		case h.events <- ev:
		default:
			// A slow consumer loses events; the run log keeps them all.
		}
	}
	h.eventsMu.Unlock()

	if step != "" {
		h.stateMu.Lock()
		h.state.Step = step
		h.stateMu.Unlock()
	}
}

// watchHeartbeat warns when the run goes silent for too long.
func (h *Handle) watchHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(h.supervisor.heartbeatTick)
	defer ticker.Stop()
	warned := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silent := time.Since(time.Unix(0, h.lastEvent.Load()))
			if silent > h.supervisor.stallAfter && !warned {
				warned = true
				h.supervisor.logger.Warn("run stalled",
					cascadelog.String(cascadelog.RunIDKey, h.RunID),
					slog.Duration("silent_for", silent))
				h.Emit("run.stalled", "", fmt.Sprintf("no activity for %s", silent.Round(time.Second)))
			} else if silent <= h.supervisor.stallAfter {
				warned = false
			}
		}
	}
}

// finish records the terminal state and releases the single-run slot.
func (h *Handle) finish(runCtx context.Context, outcome *cascade.Outcome, err error) {
	h.stateMu.Lock()
	h.state.UpdatedAt = time.Now().UTC()
	h.state.Outcome = outcome
	switch {
	case err == nil:
		h.state.Status = StatusCompleted
	case cascadeerrors.IsCancelled(err) || runCtx.Err() == context.Canceled:
		h.state.Status = StatusCancelled
		h.state.Error = err.Error()
	default:
		h.state.Status = StatusFailed
		h.state.Error = err.Error()
	}
	status := h.state.Status
	h.stateMu.Unlock()

	h.outcome = outcome
	h.err = err
	h.saveState()
	h.Emit("run.finished", "", status)
	h.log.Close()

	h.supervisor.mu.Lock()
	if h.supervisor.active == h {
		h.supervisor.active = nil
	}
	h.supervisor.mu.Unlock()

	h.eventsMu.Lock()
	h.eventsClosed = true
	close(h.events)
	h.eventsMu.Unlock()

	close(h.done)
}

// Wait blocks until the run ends and returns its outcome.
func (h *Handle) Wait() (*cascade.Outcome, error) {
	<-h.done
	return h.outcome, h.err
}

// Cancel asks the run to stop and, after the grace period, declares it
// killed. The goroutine itself cannot be forced; the marker makes the
// abandonment visible in the state file.
func (h *Handle) Cancel() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(h.supervisor.cancelGrace):
		h.stateMu.Lock()
		h.state.Status = StatusKilled
		h.state.HardKilled = true
		h.state.UpdatedAt = time.Now().UTC()
		h.stateMu.Unlock()
		h.saveState()
		h.supervisor.logger.Error("run did not stop within grace period",
			cascadelog.String(cascadelog.RunIDKey, h.RunID))
	}
}

// Log exposes the run's log writer so the caller can record manifests
// (uploads registry, mirror manifest) under this run.
func (h *Handle) Log() *runlog.Writer { return h.log }

// SetVectorStore records the mirror's vector store on the run state.
func (h *Handle) SetVectorStore(id string) {
	h.stateMu.Lock()
	h.state.VectorStoreID = id
	h.stateMu.Unlock()
	h.saveState()
}

// SetLastResponseID records the chain position for resume.
func (h *Handle) SetLastResponseID(id string) {
	h.stateMu.Lock()
	h.state.LastResponseID = id
	h.stateMu.Unlock()
	h.saveState()
}

func (h *Handle) saveState() {
	h.stateMu.Lock()
	state := h.state
	h.stateMu.Unlock()
	if err := h.log.WriteState(state); err != nil {
		h.supervisor.logger.Warn("run state not persisted", slog.String("error", err.Error()))
	}
}

// Resume loads a previous run's state and uploaded-file registry. Runs
// that completed cannot be resumed.
func (s *Supervisor) Resume(runID string) (*RunState, map[string]string, error) {
	var state RunState
	if err := runlog.ReadState(s.logRoot, runID, &state); err != nil {
		return nil, nil, err
	}
	if state.Status == StatusCompleted {
		return nil, nil, &cascadeerrors.ConfigError{Key: "run", Reason: fmt.Sprintf("run %s already completed", runID)}
	}

	uploads := make(map[string]string)
	if err := runlog.ReadManifest(s.logRoot, runID, "uploads", &uploads); err != nil {
		var nfe *cascadeerrors.NotFoundError
		if !cascadeerrors.As(err, &nfe) {
			return nil, nil, err
		}
		// No uploads manifest simply means nothing was mirrored.
	}
	return &state, uploads, nil
}

// Runs lists known runs with their states, newest first.
func (s *Supervisor) Runs() ([]RunState, error) {
	ids, err := runlog.ListRuns(s.logRoot)
	if err != nil {
		return nil, err
	}
	states := make([]RunState, 0, len(ids))
	for _, id := range ids {
		var state RunState
		if err := runlog.ReadState(s.logRoot, id, &state); err != nil {
			continue
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].StartedAt.After(states[j].StartedAt) })
	return states, nil
}
