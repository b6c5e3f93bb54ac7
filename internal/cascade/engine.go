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

// Package cascade drives the multi-step Provider conversation that
// turns a task description into files on disk. GENERATE plans a project
// and emits every file; MODIFY diagnoses an existing tree and rewrites
// the touched files; QA answers questions without writing anything.
// Each step's response must satisfy a strict JSON contract, and a
// contract violation on one file never takes down the rest of the run.
package cascade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/cascade/internal/capability"
	"github.com/tombee/cascade/internal/contract"
	cascadelog "github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/internal/pathsafe"
	"github.com/tombee/cascade/internal/pricing"
	"github.com/tombee/cascade/internal/receipt"
	"github.com/tombee/cascade/internal/runlog"
	"github.com/tombee/cascade/internal/snapshot"
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/provider"
)

// Ingest and chunking limits.
const (
	// MaxInlineTaskChars is the task size above which the task is fed
	// in chained chunks before planning starts.
	MaxInlineTaskChars = 150_000
	// IngestChunkChars is the size of one ingest chunk.
	IngestChunkChars = 20_000
	// ChunkLoopLimit bounds the per-file chunk loop against a model
	// that never sets has_more to false.
	ChunkLoopLimit = 5000
)

// Step temperatures. File-producing steps run cold.
const (
	FileTemperature = 0.0
	PlanTemperature = 0.2
)

// Responder is the provider surface the engine needs.
type Responder interface {
	CreateResponse(ctx context.Context, req *provider.ResponsesRequest) (*provider.Response, error)
}

// Config carries one run's fixed parameters.
type Config struct {
	Model string
	RunID string
	// Root is the working tree for MODIFY and QFILE.
	Root string
	// OutDir is where GENERATE writes the new project.
	OutDir string
	// DryRun halts MODIFY after the change plan, before any write.
	DryRun bool
	// VectorStoreID enables the file_search tool when set.
	VectorStoreID string
	// UploadedFiles lists mirrored files as id -> relative path. The
	// listing is repeated in prompts so the model never invents ids.
	UploadedFiles map[string]string
	// SkipPaths are doublestar globs; planned files matching one are
	// never requested or written.
	SkipPaths []string
	// SkipExts are extensions (with dot) excluded the same way.
	SkipExts []string
	// MaxOutputTokens caps each response. Zero means provider default.
	MaxOutputTokens int
	// ManifestFileID is the uploaded mirror manifest, attached as an
	// input part on every request.
	ManifestFileID string
	// AttachedFiles are caller-supplied file ids attached the same way.
	AttachedFiles []string
	// Mode and Project label this run's receipts for later querying.
	Mode    string
	Project string
	// DiagnosticsOut surfaces the MODIFY diagnosis text in the outcome.
	DiagnosticsOut bool
}

// Deps are the engine's collaborators. Ledger, Prices, Snap and Log may
// be nil; the engine then skips the corresponding bookkeeping.
type Deps struct {
	Client Responder
	Caps   capability.Record
	Log    *runlog.Writer
	Ledger *receipt.Ledger
	Prices *pricing.Manager
	Snap   *snapshot.Snapshotter
	Logger *slog.Logger
	// CapStore persists capability downgrades learned mid-run; nil
	// keeps them in-memory for this run only.
	CapStore *capability.Store
	// Emit publishes one run event; nil to discard.
	Emit func(eventType, step, message string)
}

// QuarantinedFile records a path abandoned after contract failures.
type QuarantinedFile struct {
	Path string `json:"path"`
	// QuarantineFile is where the rejected payload was saved.
	QuarantineFile string `json:"quarantine_file"`
	Reason         string `json:"reason"`
}

// Outcome summarizes a completed (or halted) run.
type Outcome struct {
	FilesWritten []string          `json:"files_written"`
	Quarantined  []QuarantinedFile `json:"quarantined"`
	// Skipped lists planned paths excluded by the skip lists.
	Skipped []string `json:"skipped,omitempty"`
	// Halted is set when a dry run stopped after the change plan.
	Halted bool `json:"halted"`
	// Plan carries the B2 structure for dry-run reporting.
	Plan *contract.B2Structure `json:"plan,omitempty"`
	// Answer is the QA / QFILE response text.
	Answer string `json:"answer,omitempty"`
}

// Engine runs one cascade. Not safe for concurrent use; the supervisor
// runs at most one engine at a time.
type Engine struct {
	cfg  Config
	deps Deps

	prevResponseID string
	wroteAnything  bool
}

// New returns an Engine. The logger defaults to slog's.
func New(cfg Config, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Emit == nil {
		deps.Emit = func(string, string, string) {}
	}
	return &Engine{cfg: cfg, deps: deps}
}

// callModel issues one provider request for a step and returns the
// response text. It threads the chain id, applies capability-gated
// parameters, logs the scrubbed exchange and records the receipt. An
// open breaker pauses the step until the breaker is due to close; an
// explicit parameter rejection downgrades the capability and retries
// without it.
func (e *Engine) callModel(ctx context.Context, stepKey, instructions, input string, fileProducing bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &cascadeerrors.CancelledError{Step: stepKey}
	}

	e.deps.Emit("step.started", stepKey, "")
	start := time.Now()

	var resp *provider.Response
	for {
		req := e.buildRequest(stepKey, instructions, input, fileProducing)

		if e.deps.Log != nil {
			if err := e.deps.Log.WriteRequest(stepKey, req); err != nil {
				e.deps.Logger.Warn("request not logged", slog.String("error", err.Error()))
			}
		}

		var err error
		resp, err = e.deps.Client.CreateResponse(ctx, req)
		if err == nil {
			break
		}

		var boe *cascadeerrors.BreakerOpenError
		if cascadeerrors.As(err, &boe) {
			if werr := e.waitForBreaker(ctx, stepKey, boe); werr != nil {
				e.deps.Emit("step.failed", stepKey, werr.Error())
				return "", werr
			}
			continue
		}
		if msg, ok := capability.RejectedParameter(err); ok && e.downgradeFor(stepKey, msg) {
			continue
		}

		e.deps.Emit("step.failed", stepKey, err.Error())
		return "", err
	}

	if e.deps.Caps.Chaining {
		e.prevResponseID = resp.ID
	}

	if e.deps.Log != nil {
		if err := e.deps.Log.WriteResponse(stepKey, resp); err != nil {
			e.deps.Logger.Warn("response not logged", slog.String("error", err.Error()))
		}
	}
	e.recordReceipt(ctx, stepKey, resp, instructions+"\n"+input)

	e.deps.Logger.Debug("step completed",
		cascadelog.String(cascadelog.StepKey, stepKey),
		cascadelog.String(cascadelog.ModelKey, e.cfg.Model),
		cascadelog.Duration(cascadelog.DurationKey, time.Since(start).Milliseconds()))
	e.deps.Emit("step.completed", stepKey, "")

	return provider.ExtractText(resp), nil
}

// buildRequest assembles one step's request under the current
// capability flags, so a mid-step downgrade takes effect on the retry.
func (e *Engine) buildRequest(stepKey, instructions, input string, fileProducing bool) *provider.ResponsesRequest {
	req := &provider.ResponsesRequest{
		Model:           e.cfg.Model,
		Instructions:    instructions,
		Input:           []provider.Message{{Role: "user", Content: e.inputParts(input)}},
		MaxOutputTokens: e.cfg.MaxOutputTokens,
		IdempotencyKey:  e.cfg.RunID + "_" + stepKey,
	}
	if e.deps.Caps.Temperature {
		temp := PlanTemperature
		if fileProducing {
			temp = FileTemperature
		}
		req.Temperature = &temp
	}
	if e.deps.Caps.Chaining && e.prevResponseID != "" {
		req.PreviousResponseID = e.prevResponseID
	}
	if e.cfg.VectorStoreID != "" && e.deps.Caps.FileSearch {
		req.Tools = []provider.Tool{provider.FileSearchTool(e.cfg.VectorStoreID)}
	}
	return req
}

// inputParts builds the request content: the step text followed by
// every mirrored file id, the manifest id and any caller-attached ids.
// The attachments repeat what the instructions already list; models
// without file_search have no other path to the sources.
func (e *Engine) inputParts(input string) []provider.ContentPart {
	parts := []provider.ContentPart{provider.TextPart(input)}

	ids := make([]string, 0, len(e.cfg.UploadedFiles)+len(e.cfg.AttachedFiles)+1)
	for id := range e.cfg.UploadedFiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if e.cfg.ManifestFileID != "" {
		ids = append(ids, e.cfg.ManifestFileID)
	}
	ids = append(ids, e.cfg.AttachedFiles...)

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		parts = append(parts, provider.FilePart(id))
	}
	return parts
}

// waitForBreaker pauses the cascade until the breaker is due to close.
// A cooling-down provider is a pause, never a run failure; only
// cancellation gets the step out of the wait early.
func (e *Engine) waitForBreaker(ctx context.Context, stepKey string, boe *cascadeerrors.BreakerOpenError) error {
	wait := time.Until(boe.RetryAt)
	if wait < 0 {
		wait = 0
	}
	e.deps.Emit("step.paused", stepKey, fmt.Sprintf("provider cooling down for %s", wait.Round(time.Second)))
	e.deps.Logger.Warn("provider cooling down",
		cascadelog.String(cascadelog.StepKey, stepKey),
		slog.Duration("wait", wait))

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &cascadeerrors.CancelledError{Step: stepKey}
	case <-timer.C:
		return nil
	}
}

// downgradeFor clears the capability flag gating a rejected parameter
// and reports whether the request should be rebuilt without it. The
// downgrade is persisted when a store is wired.
func (e *Engine) downgradeFor(stepKey, rejection string) bool {
	var name string
	switch {
	case strings.Contains(rejection, "temperature") && e.deps.Caps.Temperature:
		e.deps.Caps.Temperature = false
		name = "temperature"
	case strings.Contains(rejection, "previous_response_id") && e.deps.Caps.Chaining:
		e.deps.Caps.Chaining = false
		e.prevResponseID = ""
		name = "chaining"
	case (strings.Contains(rejection, "file_search") || strings.Contains(rejection, "tools")) && e.deps.Caps.FileSearch:
		e.deps.Caps.FileSearch = false
		name = "file_search"
	default:
		return false
	}

	e.deps.Emit("capability.downgraded", stepKey, name)
	e.deps.Logger.Warn("capability downgraded",
		cascadelog.String(cascadelog.StepKey, stepKey),
		slog.String("capability", name))
	if e.deps.CapStore != nil {
		if err := e.deps.CapStore.Downgrade(e.cfg.Model, name); err != nil {
			e.deps.Logger.Warn("downgrade not persisted", slog.String("error", err.Error()))
		}
	}
	return true
}

// recordReceipt writes the step's cost receipt. Ledger failures are
// logged, never fatal.
func (e *Engine) recordReceipt(ctx context.Context, stepKey string, resp *provider.Response, prompt string) {
	if e.deps.Ledger == nil {
		return
	}

	rec := receipt.Receipt{
		RunID:        e.cfg.RunID,
		StepKey:      stepKey,
		Model:        e.cfg.Model,
		Mode:         e.cfg.Mode,
		Project:      e.cfg.Project,
		ResponseID:   resp.ID,
		InputTokens:  int64(resp.Usage.InputTokens),
		OutputTokens: int64(resp.Usage.OutputTokens),
		TotalTokens:  int64(resp.Usage.TotalTokens),
		PromptDigest: promptDigest(prompt),
		Status:       "completed",
	}
	if e.deps.Prices != nil {
		cost := e.deps.Prices.CostFor(e.cfg.Model, rec.InputTokens, rec.OutputTokens)
		rec.CostUSD = cost.USD
		rec.CostEstimated = cost.Estimated
	}
	if _, err := e.deps.Ledger.Record(ctx, rec); err != nil {
		e.deps.Logger.Warn("receipt not recorded",
			cascadelog.String(cascadelog.StepKey, stepKey),
			slog.String("error", err.Error()))
	}
}

// promptDigest hashes the first 4000 chars of a prompt, enough to tie
// a receipt back to what was asked without storing the prompt itself.
func promptDigest(prompt string) string {
	if len(prompt) > 4000 {
		prompt = prompt[:4000]
	}
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// ingest feeds an oversized task in chained chunks so the planning
// steps see the whole thing through the response chain. Without
// chaining support the task is sent inline regardless of size.
func (e *Engine) ingest(ctx context.Context, task string) (string, error) {
	if len(task) <= MaxInlineTaskChars || !e.deps.Caps.Chaining {
		return task, nil
	}

	total := (len(task) + IngestChunkChars - 1) / IngestChunkChars
	for i := 0; i < total; i++ {
		end := (i + 1) * IngestChunkChars
		if end > len(task) {
			end = len(task)
		}
		chunk := task[i*IngestChunkChars : end]

		stepKey := fmt.Sprintf("A0:%d", i+1)
		input := fmt.Sprintf("Task material, part %d of %d. Acknowledge with OK and wait for the rest.\n\n%s", i+1, total, chunk)
		if _, err := e.callModel(ctx, stepKey, ingestInstructions, input, false); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("The full task was provided in the preceding %d messages.", total), nil
}

// saveManifest persists a planning structure so a rerun can pick up
// where this one stopped. Failures are logged, never fatal.
func (e *Engine) saveManifest(name string, payload any) {
	if e.deps.Log == nil {
		return
	}
	if err := e.deps.Log.WriteManifest(name, payload); err != nil {
		e.deps.Logger.Warn("manifest not persisted",
			slog.String("manifest", name),
			slog.String("error", err.Error()))
	}
}

// skipFile applies the request's skip lists to a planned path.
func (e *Engine) skipFile(relPath string) (bool, string) {
	ext := filepath.Ext(relPath)
	for _, skip := range e.cfg.SkipExts {
		if ext == skip {
			return true, "extension " + skip
		}
	}
	for _, pattern := range e.cfg.SkipPaths {
		if ok, err := doublestar.Match(pattern, relPath); err == nil && ok {
			return true, "pattern " + pattern
		}
	}
	return false, ""
}

// writeDeliverable lands one completed file under dir, snapshotting the
// tree before the first write of the run. The before/after digests go
// to the run log as an fs.change event.
func (e *Engine) writeDeliverable(dir, relPath, content string) error {
	target, err := pathsafe.SafeJoin(dir, relPath)
	if err != nil {
		return err
	}

	if !e.wroteAnything && e.deps.Snap != nil {
		if _, err := e.deps.Snap.EnsureTaken(); err != nil {
			return err
		}
	}

	beforeSHA, beforeSize := digestFile(target)

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return &cascadeerrors.StorageError{Op: "create deliverable dir", Cause: err}
	}
	if err := os.WriteFile(target, []byte(content), 0644); err != nil {
		return &cascadeerrors.StorageError{Op: "write " + relPath, Cause: err}
	}

	afterSum := sha256.Sum256([]byte(content))
	afterSHA := hex.EncodeToString(afterSum[:])

	e.wroteAnything = true
	e.deps.Emit("fs.change", "", relPath)
	e.deps.Logger.Info("file written",
		cascadelog.String(cascadelog.PathKey, relPath),
		slog.String("before_sha256", beforeSHA),
		slog.Int64("before_bytes", beforeSize),
		slog.String("after_sha256", afterSHA),
		slog.Int("after_bytes", len(content)))
	return nil
}

// digestFile returns the sha256 and size of an existing file, or empty
// values for a new path.
func digestFile(target string) (string, int64) {
	data, err := os.ReadFile(target)
	if err != nil {
		return "", 0
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data))
}
