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

package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/internal/capability"
	"github.com/tombee/cascade/internal/contract"
	"github.com/tombee/cascade/internal/receipt"
	"github.com/tombee/cascade/internal/runlog"
	"github.com/tombee/cascade/internal/snapshot"
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/provider"
)

// scriptedResponder pops one scripted payload per call. Strings become
// completed responses; errors are returned as-is.
type scriptedResponder struct {
	script []any
	calls  []*provider.ResponsesRequest
	nextID int
}

func (s *scriptedResponder) CreateResponse(_ context.Context, req *provider.ResponsesRequest) (*provider.Response, error) {
	s.calls = append(s.calls, req)
	if len(s.script) == 0 {
		return nil, fmt.Errorf("unscripted call %d", len(s.calls))
	}
	next := s.script[0]
	s.script = s.script[1:]

	switch v := next.(type) {
	case error:
		return nil, v
	case string:
		s.nextID++
		return &provider.Response{
			ID:         fmt.Sprintf("resp_%d", s.nextID),
			Status:     "completed",
			OutputText: v,
			Usage:      provider.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
		}, nil
	default:
		panic("bad script entry")
	}
}

func allCaps() capability.Record {
	return capability.Record{Model: "gpt-4.1", Chaining: true, Temperature: true, FileSearch: true}
}

func planJSON() string {
	return `{
		"contract": "A1_PLAN",
		"project": "greeter",
		"assumptions": [],
		"requirements": ["greet the user"],
		"architecture": "single script",
		"build_run": "python main.py",
		"deliverable_policy": {"max_lines_per_chunk": 500}
	}`
}

func structureJSON(paths ...string) string {
	files := make([]map[string]string, len(paths))
	for i, p := range paths {
		files[i] = map[string]string{"path": p, "purpose": "part of greeter", "language": "python", "generated_in_phase": "A3"}
	}
	out, _ := json.Marshal(map[string]any{"contract": "A2_STRUCTURE", "root": "greeter", "files": files})
	return string(out)
}

func chunkJSON(path, content string, index, count int) string {
	return chunkPayload(contract.NameA3File, path, content, index, count)
}

func b3ChunkJSON(path, content string, index, count int) string {
	return chunkPayload(contract.NameB3File, path, content, index, count)
}

func chunkPayload(contractName, path, content string, index, count int) string {
	chunking := map[string]any{
		"max_lines":   500,
		"chunk_index": index,
		"chunk_count": count,
		"has_more":    index+1 < count,
	}
	if index+1 < count {
		chunking["next_chunk_index"] = index + 1
	} else {
		chunking["next_chunk_index"] = nil
	}
	out, _ := json.Marshal(map[string]any{"contract": contractName, "path": path, "content": content, "chunking": chunking})
	return string(out)
}

func newEngine(t *testing.T, responder *scriptedResponder, mutate func(*Config, *Deps)) *Engine {
	t.Helper()
	cfg := Config{
		Model:  "gpt-4.1",
		RunID:  "RUN_140320260926_ab12",
		OutDir: filepath.Join(t.TempDir(), "out"),
	}
	deps := Deps{Client: responder, Caps: allCaps()}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	return New(cfg, deps)
}

func TestGenerateHappyPath(t *testing.T) {
	r := &scriptedResponder{script: []any{
		planJSON(),
		structureJSON("main.py", "README.md"),
		chunkJSON("README.md", "# greeter\n", 0, 1),
		chunkJSON("main.py", "print('hello')\n", 0, 1),
	}}
	e := newEngine(t, r, nil)

	outcome, err := e.Generate(context.Background(), "Write a greeter.")
	require.NoError(t, err)

	// Files are produced in lexical path order.
	assert.Equal(t, []string{"README.md", "main.py"}, outcome.FilesWritten)
	assert.Empty(t, outcome.Quarantined)

	data, err := os.ReadFile(filepath.Join(e.cfg.OutDir, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hello')\n", string(data))

	// Every call after the first chains on the previous response.
	require.Len(t, r.calls, 4)
	assert.Empty(t, r.calls[0].PreviousResponseID)
	for i := 1; i < len(r.calls); i++ {
		assert.Equal(t, fmt.Sprintf("resp_%d", i), r.calls[i].PreviousResponseID)
	}

	// Idempotency keys are run-and-step scoped.
	assert.Equal(t, "RUN_140320260926_ab12_A1", r.calls[0].IdempotencyKey)
}

func TestGenerateTemperatures(t *testing.T) {
	r := &scriptedResponder{script: []any{
		planJSON(),
		structureJSON("main.py"),
		chunkJSON("main.py", "x = 1\n", 0, 1),
	}}
	e := newEngine(t, r, nil)

	_, err := e.Generate(context.Background(), "task")
	require.NoError(t, err)

	require.Len(t, r.calls, 3)
	require.NotNil(t, r.calls[0].Temperature)
	assert.Equal(t, PlanTemperature, *r.calls[0].Temperature)
	require.NotNil(t, r.calls[2].Temperature)
	assert.Equal(t, FileTemperature, *r.calls[2].Temperature)
}

func TestGenerateTemperatureOmittedWhenUnsupported(t *testing.T) {
	r := &scriptedResponder{script: []any{
		planJSON(),
		structureJSON("main.py"),
		chunkJSON("main.py", "x = 1\n", 0, 1),
	}}
	e := newEngine(t, r, func(_ *Config, d *Deps) {
		caps := allCaps()
		caps.Temperature = false
		d.Caps = caps
	})

	_, err := e.Generate(context.Background(), "task")
	require.NoError(t, err)
	for _, call := range r.calls {
		assert.Nil(t, call.Temperature)
	}
}

func TestGenerateMultiChunkFile(t *testing.T) {
	r := &scriptedResponder{script: []any{
		planJSON(),
		structureJSON("big.py"),
		chunkJSON("big.py", "part0\n", 0, 3),
		chunkJSON("big.py", "part1\n", 1, 3),
		chunkJSON("big.py", "part2\n", 2, 3),
	}}
	e := newEngine(t, r, nil)

	outcome, err := e.Generate(context.Background(), "task")
	require.NoError(t, err)
	require.Equal(t, []string{"big.py"}, outcome.FilesWritten)

	data, err := os.ReadFile(filepath.Join(e.cfg.OutDir, "big.py"))
	require.NoError(t, err)
	assert.Equal(t, "part0\npart1\npart2\n", string(data))

	// The chunk loop issues one provider call per chunk.
	assert.Len(t, r.calls, 5)
	assert.Contains(t, r.calls[3].IdempotencyKey, "A3:big.py#1")
}

func TestGenerateQuarantineIsolation(t *testing.T) {
	r := &scriptedResponder{script: []any{
		planJSON(),
		structureJSON("bad.py", "good.py"),
		"this is not json at all, not even close",
		chunkJSON("good.py", "ok\n", 0, 1),
	}}
	e := newEngine(t, r, nil)

	outcome, err := e.Generate(context.Background(), "task")
	require.NoError(t, err)

	assert.Equal(t, []string{"good.py"}, outcome.FilesWritten)
	require.Len(t, outcome.Quarantined, 1)
	assert.Equal(t, "bad.py", outcome.Quarantined[0].Path)
	assert.NotEmpty(t, outcome.Quarantined[0].QuarantineFile)
	assert.Equal(t, "A3_bad.py.json", filepath.Base(outcome.Quarantined[0].QuarantineFile))

	// The rejected payload survives for inspection.
	data, err := os.ReadFile(outcome.Quarantined[0].QuarantineFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "not json at all")
}

func TestGeneratePlanContractRetry(t *testing.T) {
	r := &scriptedResponder{script: []any{
		"sorry, here is some prose with no object",
		planJSON(),
		structureJSON("main.py"),
		chunkJSON("main.py", "x\n", 0, 1),
	}}
	e := newEngine(t, r, nil)

	_, err := e.Generate(context.Background(), "task")
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(r.calls), 2)
	assert.Contains(t, r.calls[0].IdempotencyKey, "_A1")
	assert.Contains(t, r.calls[1].IdempotencyKey, "_A1_retry")
	// The reprompt names the violation.
	assert.Contains(t, textOf(r.calls[1]), "violated the output contract")
}

func TestGenerateWaitsOutOpenBreaker(t *testing.T) {
	r := &scriptedResponder{script: []any{
		planJSON(),
		structureJSON("a.py"),
		&cascadeerrors.BreakerOpenError{RetryAt: time.Now().Add(20 * time.Millisecond)},
		chunkJSON("a.py", "x\n", 0, 1),
	}}
	e := newEngine(t, r, nil)

	outcome, err := e.Generate(context.Background(), "task")
	require.NoError(t, err)
	// A cooling-down provider pauses the step and the run resumes.
	assert.Equal(t, []string{"a.py"}, outcome.FilesWritten)
	assert.Empty(t, outcome.Quarantined)
	assert.Len(t, r.calls, 4)
}

func TestBreakerWaitHonorsCancellation(t *testing.T) {
	r := &scriptedResponder{script: []any{
		planJSON(),
		structureJSON("a.py"),
		&cascadeerrors.BreakerOpenError{RetryAt: time.Now().Add(time.Hour)},
	}}
	e := newEngine(t, r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.Generate(ctx, "task")
	var cerr *cascadeerrors.CancelledError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, r.calls, 3)
}

func TestIngestChunksLargeTask(t *testing.T) {
	task := strings.Repeat("x", MaxInlineTaskChars+IngestChunkChars+5)
	r := &scriptedResponder{script: []any{
		"OK", "OK", "OK", "OK", "OK", "OK", "OK", "OK", "OK",
		planJSON(),
		structureJSON("main.py"),
		chunkJSON("main.py", "x\n", 0, 1),
	}}
	e := newEngine(t, r, nil)

	_, err := e.Generate(context.Background(), task)
	require.NoError(t, err)

	wantChunks := (len(task) + IngestChunkChars - 1) / IngestChunkChars
	var ingestCalls int
	for _, call := range r.calls {
		if strings.Contains(call.IdempotencyKey, "_A0:") {
			ingestCalls++
		}
	}
	assert.Equal(t, wantChunks, ingestCalls)

	// The planning input references the chain instead of inlining 150k+.
	planCall := r.calls[ingestCalls]
	assert.Less(t, len(textOf(planCall)), 10_000)
}

func TestModifyDryRunHalts(t *testing.T) {
	r := &scriptedResponder{script: []any{
		`{"contract": "B1_PLAN", "diagnosis": "greeting is hardcoded", "change_plan": ["parameterize name"], "missing_inputs": []}`,
		`{"contract": "B2_STRUCTURE", "touched_files": [{"path": "main.py", "action": "modify", "intent": "parameterize"}], "invariants": ["exit code stays 0"]}`,
	}}
	e := newEngine(t, r, func(cfg *Config, _ *Deps) {
		cfg.DryRun = true
		cfg.Root = t.TempDir()
	})

	outcome, err := e.Modify(context.Background(), "make the name configurable")
	require.NoError(t, err)
	assert.True(t, outcome.Halted)
	require.NotNil(t, outcome.Plan)
	assert.Equal(t, "main.py", outcome.Plan.TouchedFiles[0].Path)

	// Exactly B1 and B2; no file step ran.
	assert.Len(t, r.calls, 2)
	assert.Empty(t, outcome.FilesWritten)
}

func TestModifySnapshotsBeforeFirstWrite(t *testing.T) {
	root := filepath.Join(t.TempDir(), "proj")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("old\n"), 0644))

	r := &scriptedResponder{script: []any{
		`{"contract": "B1_PLAN", "diagnosis": "d", "change_plan": ["c"], "missing_inputs": []}`,
		`{"contract": "B2_STRUCTURE", "touched_files": [{"path": "main.py", "action": "modify", "intent": "i"}], "invariants": []}`,
		b3ChunkJSON("main.py", "new\n", 0, 1),
	}}

	snap := snapshot.New(root, nil)
	e := newEngine(t, r, func(cfg *Config, d *Deps) {
		cfg.Root = root
		d.Snap = snap
	})

	outcome, err := e.Modify(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, []string{"main.py"}, outcome.FilesWritten)

	// The tree was rewritten and the snapshot holds the old content.
	data, err := os.ReadFile(filepath.Join(root, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))

	require.NotEmpty(t, snap.Dir())
	old, err := os.ReadFile(filepath.Join(snap.Dir(), "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(old))
}

func TestQAReturnsAnswer(t *testing.T) {
	r := &scriptedResponder{script: []any{"The retry loop lives in queue/retry.py."}}
	e := newEngine(t, r, func(cfg *Config, _ *Deps) {
		cfg.UploadedFiles = map[string]string{"file-1": "queue/retry.py"}
		cfg.VectorStoreID = "vs-1"
	})

	outcome, err := e.QA(context.Background(), "Where is the retry loop?")
	require.NoError(t, err)
	assert.Contains(t, outcome.Answer, "retry.py")

	// The uploaded-file registry and file_search tool both travel.
	require.Len(t, r.calls, 1)
	assert.Contains(t, textOf(r.calls[0]), "file-1: queue/retry.py")
	require.Len(t, r.calls[0].Tools, 1)
}

func TestQFileInlinesSmallCleanFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("print('x')\n"), 0644))

	r := &scriptedResponder{script: []any{"It prints x."}}
	e := newEngine(t, r, func(cfg *Config, _ *Deps) { cfg.Root = root })

	outcome, err := e.QFile(context.Background(), "What does it do?", "main.py")
	require.NoError(t, err)
	assert.Equal(t, "It prints x.", outcome.Answer)
	assert.Contains(t, textOf(r.calls[0]), "print('x')")
}

func TestQFileRejectsEscapingPath(t *testing.T) {
	e := newEngine(t, &scriptedResponder{}, func(cfg *Config, _ *Deps) { cfg.Root = t.TempDir() })

	_, err := e.QFile(context.Background(), "q", "../outside.py")
	var perr *cascadeerrors.PathPolicyError
	assert.ErrorAs(t, err, &perr)
}

func TestCancelledContextSurfaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newEngine(t, &scriptedResponder{}, nil)
	_, err := e.Generate(ctx, "task")
	var cerr *cascadeerrors.CancelledError
	assert.ErrorAs(t, err, &cerr)
}

func TestGenerateSkipLists(t *testing.T) {
	r := &scriptedResponder{script: []any{
		planJSON(),
		structureJSON("main.py", "assets/logo.svg", "docs/notes.md"),
		chunkJSON("main.py", "print('hello')\n", 0, 1),
	}}
	e := newEngine(t, r, nil)
	e.cfg.SkipExts = []string{".svg"}
	e.cfg.SkipPaths = []string{"docs/**"}

	outcome, err := e.Generate(context.Background(), "Write a greeter.")
	require.NoError(t, err)

	assert.Equal(t, []string{"main.py"}, outcome.FilesWritten)
	assert.ElementsMatch(t, []string{"assets/logo.svg", "docs/notes.md"}, outcome.Skipped)
	// Skipped files are never requested from the model.
	require.Len(t, r.calls, 3)
}

func TestGeneratePersistsStructureManifest(t *testing.T) {
	logRoot := t.TempDir()
	r := &scriptedResponder{script: []any{
		planJSON(),
		structureJSON("main.py"),
		chunkJSON("main.py", "print('hello')\n", 0, 1),
	}}
	e := newEngine(t, r, func(_ *Config, deps *Deps) {
		deps.Log = runlog.Open(logRoot, "RUN_140320260926_ab12", nil)
	})

	_, err := e.Generate(context.Background(), "Write a greeter.")
	require.NoError(t, err)

	var structure contract.A2Structure
	require.NoError(t, runlog.ReadManifest(logRoot, "RUN_140320260926_ab12", "structure", &structure))
	require.Len(t, structure.Files, 1)
	assert.Equal(t, "main.py", structure.Files[0].Path)
}

func TestRequestsAttachUploadedFiles(t *testing.T) {
	r := &scriptedResponder{script: []any{"answer"}}
	e := newEngine(t, r, func(cfg *Config, _ *Deps) {
		cfg.UploadedFiles = map[string]string{"file-2": "b.py", "file-1": "a.py"}
		cfg.ManifestFileID = "file-manifest"
		cfg.AttachedFiles = []string{"file-extra", "file-1"}
	})

	_, err := e.QA(context.Background(), "question")
	require.NoError(t, err)

	require.Len(t, r.calls, 1)
	parts := r.calls[0].Input[0].Content
	require.Len(t, parts, 5)
	assert.Equal(t, "input_text", parts[0].Type)

	// Every mirrored file, the manifest and the caller's attachments ride
	// along as input parts, deduplicated.
	var ids []string
	for _, part := range parts[1:] {
		assert.Equal(t, "input_file", part.Type)
		ids = append(ids, part.FileID)
	}
	assert.Equal(t, []string{"file-1", "file-2", "file-manifest", "file-extra"}, ids)
}

func TestFilePartsPresentWithoutFileSearch(t *testing.T) {
	r := &scriptedResponder{script: []any{"answer"}}
	e := newEngine(t, r, func(cfg *Config, d *Deps) {
		cfg.UploadedFiles = map[string]string{"file-1": "a.py"}
		caps := allCaps()
		caps.FileSearch = false
		d.Caps = caps
	})

	_, err := e.QA(context.Background(), "question")
	require.NoError(t, err)

	// Without file_search the attachments are the model's only path to
	// the sources.
	require.Len(t, r.calls, 1)
	assert.Empty(t, r.calls[0].Tools)
	parts := r.calls[0].Input[0].Content
	require.Len(t, parts, 2)
	assert.Equal(t, "file-1", parts[1].FileID)
}

func TestTemperatureRejectionDowngradesAndRetries(t *testing.T) {
	r := &scriptedResponder{script: []any{
		&cascadeerrors.ProviderError{Kind: cascadeerrors.KindBadRequest, Message: "Unsupported parameter: 'temperature'"},
		planJSON(),
		structureJSON("main.py"),
		chunkJSON("main.py", "x\n", 0, 1),
	}}
	e := newEngine(t, r, nil)

	outcome, err := e.Generate(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, []string{"main.py"}, outcome.FilesWritten)

	// The rejected request carried a temperature; every retry and later
	// step omits it.
	require.Len(t, r.calls, 4)
	assert.NotNil(t, r.calls[0].Temperature)
	for _, call := range r.calls[1:] {
		assert.Nil(t, call.Temperature)
	}
	assert.False(t, e.deps.Caps.Temperature)
}

func TestReceiptsCarryModeAndProject(t *testing.T) {
	led, err := receipt.Open(":memory:")
	require.NoError(t, err)
	defer led.Close()

	r := &scriptedResponder{script: []any{
		planJSON(),
		structureJSON("main.py"),
		chunkJSON("main.py", "x\n", 0, 1),
	}}
	e := newEngine(t, r, func(cfg *Config, d *Deps) {
		cfg.Mode = "generate"
		cfg.Project = "greeter"
		d.Ledger = led
	})

	_, err = e.Generate(context.Background(), "task")
	require.NoError(t, err)

	rec, err := led.Get(context.Background(), e.cfg.RunID, "A1")
	require.NoError(t, err)
	assert.Equal(t, "generate", rec.Mode)
	assert.Equal(t, "greeter", rec.Project)
}

// textOf extracts the user text of a scripted request.
func textOf(req *provider.ResponsesRequest) string {
	var b strings.Builder
	for _, msg := range req.Input {
		for _, part := range msg.Content {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
