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

// Package batchmon runs the C-phase: the whole project requested as a
// single batch job. The task goes up as one JSONL request against the
// responses endpoint, gets polled to a terminal state, and the
// C_FILES_ALL payload in the output file becomes the project tree.
// Failed batches still leave a zero-token receipt so the ledger shows
// the attempt.
package batchmon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tombee/cascade/internal/contract"
	"github.com/tombee/cascade/internal/pathsafe"
	"github.com/tombee/cascade/internal/pricing"
	"github.com/tombee/cascade/internal/receipt"
	"github.com/tombee/cascade/internal/snapshot"
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/provider"
)

// Batch construction constants.
const (
	// customIDSuffix makes the single request's custom id
	// "<run_id>_C1".
	customIDSuffix = "_C1"
	batchEndpoint  = "/v1/responses"
	batchPurpose   = "batch"

	DefaultCompletionWindow = "24h"
	DefaultPollInitial      = 5 * time.Second
	DefaultPollMax          = 60 * time.Second
)

const cSchema = `{
  "contract": "C_FILES_ALL",
  "project": "<short project name>",
  "root": "<project root directory name>",
  "files": [
    {"path": "<relative/path>", "purpose": "<one line>", "content": "<complete file content>"},
    ...
  ],
  "build_run": "<how to build and run>",
  "notes": "<anything the user should know>"
}`

// Client is the provider surface the monitor needs.
type Client interface {
	UploadFile(ctx context.Context, filename, purpose string, content io.Reader, idempotencyKey string) (*provider.File, error)
	CreateBatch(ctx context.Context, inputFileID, completionWindow string, metadata map[string]string, idempotencyKey string) (*provider.Batch, error)
	GetBatch(ctx context.Context, id string) (*provider.Batch, error)
	CancelBatch(ctx context.Context, id string) (*provider.Batch, error)
	FileContent(ctx context.Context, id string) ([]byte, error)
}

// Config tunes one batch run.
type Config struct {
	Model            string
	RunID            string
	Project          string
	OutDir           string
	CompletionWindow string
	PollInitial      time.Duration
	PollMax          time.Duration
	MaxOutputTokens  int
}

// Monitor submits and shepherds one batch. Ledger, Prices and Snap may
// be nil.
type Monitor struct {
	client Client
	cfg    Config
	ledger *receipt.Ledger
	prices *pricing.Manager
	snap   *snapshot.Snapshotter
	logger *slog.Logger
}

// Result is a collected batch.
type Result struct {
	Status       string   `json:"status"`
	FilesWritten []string `json:"files_written"`
	BuildRun     string   `json:"build_run,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// New returns a Monitor. A non-nil snap snapshots the output tree
// before the first collected file lands.
func New(client Client, cfg Config, ledger *receipt.Ledger, prices *pricing.Manager, snap *snapshot.Snapshotter, logger *slog.Logger) *Monitor {
	if cfg.CompletionWindow == "" {
		cfg.CompletionWindow = DefaultCompletionWindow
	}
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = DefaultPollInitial
	}
	if cfg.PollMax <= 0 {
		cfg.PollMax = DefaultPollMax
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{client: client, cfg: cfg, ledger: ledger, prices: prices, snap: snap, logger: logger}
}

// batchRequestLine is one JSONL line of the batch input file.
type batchRequestLine struct {
	CustomID string                     `json:"custom_id"`
	Method   string                     `json:"method"`
	URL      string                     `json:"url"`
	Body     *provider.ResponsesRequest `json:"body"`
}

// batchOutputLine is one JSONL line of the batch output file.
type batchOutputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int               `json:"status_code"`
		Body       provider.Response `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Submit uploads the task as a one-line JSONL batch input and creates
// the batch.
func (m *Monitor) Submit(ctx context.Context, task string) (*provider.Batch, error) {
	temp := 0.0
	line := batchRequestLine{
		CustomID: m.cfg.RunID + customIDSuffix,
		Method:   "POST",
		URL:      batchEndpoint,
		Body: &provider.ResponsesRequest{
			Model:        m.cfg.Model,
			Instructions: cInstructions(),
			Input: []provider.Message{{Role: "user", Content: []provider.ContentPart{
				provider.TextPart(fmt.Sprintf("Task:\n%s\n\nProduce the C_FILES_ALL object now. Schema:\n%s", task, cSchema)),
			}}},
			Temperature:     &temp,
			MaxOutputTokens: m.cfg.MaxOutputTokens,
		},
	}
	payload, err := json.Marshal(line)
	if err != nil {
		return nil, fmt.Errorf("encoding batch request: %w", err)
	}
	payload = append(payload, '\n')

	file, err := m.client.UploadFile(ctx, m.cfg.RunID+"_batch_input.jsonl", batchPurpose, bytes.NewReader(payload), m.cfg.RunID+"_batch_input")
	if err != nil {
		return nil, err
	}

	batch, err := m.client.CreateBatch(ctx, file.ID, m.cfg.CompletionWindow,
		map[string]string{"run_id": m.cfg.RunID}, m.cfg.RunID+"_batch")
	if err != nil {
		return nil, err
	}

	m.logger.Info("batch submitted",
		slog.String("batch_id", batch.ID),
		slog.String("input_file", file.ID))
	return batch, nil
}

// Wait polls the batch to a terminal state, backing off from
// PollInitial to PollMax.
func (m *Monitor) Wait(ctx context.Context, batchID string) (*provider.Batch, error) {
	delay := m.cfg.PollInitial
	for {
		batch, err := m.client.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if batch.IsTerminal() {
			return batch, nil
		}

		m.logger.Debug("batch pending",
			slog.String("batch_id", batchID),
			slog.String("status", batch.Status))

		select {
		case <-ctx.Done():
			return nil, &cascadeerrors.CancelledError{Step: "C1"}
		case <-time.After(delay):
		}
		delay *= 2
		if delay > m.cfg.PollMax {
			delay = m.cfg.PollMax
		}
	}
}

// Cancel asks the provider to stop the batch.
func (m *Monitor) Cancel(ctx context.Context, batchID string) error {
	_, err := m.client.CancelBatch(ctx, batchID)
	return err
}

// Collect turns a terminal batch into files on disk. Non-completed
// terminal states record an estimated zero-token receipt and fail.
func (m *Monitor) Collect(ctx context.Context, batch *provider.Batch) (*Result, error) {
	if batch.Status != "completed" {
		m.recordReceipt(ctx, nil, batch.ID, batch.Status)
		return &Result{Status: batch.Status}, &cascadeerrors.ProviderError{
			Kind:    cascadeerrors.KindServer,
			Message: fmt.Sprintf("batch %s ended %s", batch.ID, batch.Status),
		}
	}

	raw, err := m.client.FileContent(ctx, batch.OutputFileID)
	if err != nil {
		return nil, err
	}

	response, err := m.outputFor(raw, m.cfg.RunID+customIDSuffix)
	if err != nil {
		m.recordReceipt(ctx, nil, batch.ID, "completed")
		return nil, err
	}
	m.recordReceipt(ctx, response, batch.ID, "completed")

	all, err := contract.ParseCFilesAll(provider.ExtractText(response))
	if err != nil {
		return nil, err
	}

	files := make([]contract.FullFile, len(all.Files))
	copy(files, all.Files)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	result := &Result{Status: "completed", BuildRun: all.BuildRun, Notes: all.Notes}
	if len(files) > 0 && m.snap != nil {
		if _, err := m.snap.EnsureTaken(); err != nil {
			return nil, err
		}
	}
	for _, f := range files {
		target, err := pathsafe.SafeJoin(m.cfg.OutDir, f.Path)
		if err != nil {
			return nil, err
		}
		if err := writeFile(target, f.Content); err != nil {
			return nil, err
		}
		result.FilesWritten = append(result.FilesWritten, f.Path)
	}

	m.logger.Info("batch collected",
		slog.String("batch_id", batch.ID),
		slog.Int("files", len(result.FilesWritten)))
	return result, nil
}

// Run is Submit, Wait and Collect in sequence.
func (m *Monitor) Run(ctx context.Context, task string) (*Result, error) {
	batch, err := m.Submit(ctx, task)
	if err != nil {
		return nil, err
	}
	batch, err = m.Wait(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	return m.Collect(ctx, batch)
}

// outputFor finds the output line for customID and returns its body.
func (m *Monitor) outputFor(raw []byte, customID string) (*provider.Response, error) {
	for _, lineBytes := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(lineBytes)) == 0 {
			continue
		}
		var line batchOutputLine
		if err := json.Unmarshal(lineBytes, &line); err != nil {
			return nil, &cascadeerrors.ContractError{Contract: contract.NameCFilesAll, Reason: "batch output line is not valid JSON"}
		}
		if line.CustomID != customID {
			continue
		}
		if line.Error != nil {
			return nil, &cascadeerrors.ProviderError{
				Kind:    cascadeerrors.KindServer,
				Message: fmt.Sprintf("batch request failed: %s (%s)", line.Error.Message, line.Error.Code),
			}
		}
		if line.Response == nil {
			return nil, &cascadeerrors.ContractError{Contract: contract.NameCFilesAll, Reason: "batch output line has no response"}
		}
		return &line.Response.Body, nil
	}
	return nil, &cascadeerrors.NotFoundError{Resource: "batch output", ID: customID}
}

// recordReceipt writes the C1 receipt; with no response the receipt is
// a zero-token estimate so the run still shows in the ledger.
func (m *Monitor) recordReceipt(ctx context.Context, resp *provider.Response, batchID, status string) {
	if m.ledger == nil {
		return
	}
	rec := receipt.Receipt{
		RunID:   m.cfg.RunID,
		StepKey: "C1",
		Model:   m.cfg.Model,
		Mode:    "batch",
		Project: m.cfg.Project,
		BatchID: batchID,
		Status:  status,
	}
	if resp != nil {
		rec.ResponseID = resp.ID
		rec.InputTokens = int64(resp.Usage.InputTokens)
		rec.OutputTokens = int64(resp.Usage.OutputTokens)
		rec.TotalTokens = int64(resp.Usage.TotalTokens)
		if m.prices != nil {
			cost := m.prices.CostFor(m.cfg.Model, rec.InputTokens, rec.OutputTokens)
			rec.CostUSD = cost.USD
			rec.CostEstimated = cost.Estimated
		}
	} else {
		rec.CostEstimated = true
	}
	if _, err := m.ledger.Record(ctx, rec); err != nil {
		m.logger.Warn("batch receipt not recorded", slog.String("error", err.Error()))
	}
}

func cInstructions() string {
	return fmt.Sprintf(`You are generating a complete project in one response.
Produce the C_FILES_ALL object with every file's full content.

%s

C_FILES_ALL schema:
%s`, jsonOnlyRule, cSchema)
}

const jsonOnlyRule = `Respond with EXACTLY ONE JSON object and nothing else.
No markdown fences, no prose before or after the object.`

func writeFile(target, content string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return &cascadeerrors.StorageError{Op: "create output dir", Cause: err}
	}
	if err := os.WriteFile(target, []byte(content), 0644); err != nil {
		return &cascadeerrors.StorageError{Op: "write " + target, Cause: err}
	}
	return nil
}
