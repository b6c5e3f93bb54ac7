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

// Package run wires one cascade run end to end: config, credentials,
// capability probe, project mirror, engine and supervisor.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/cascade/internal/batchmon"
	"github.com/tombee/cascade/internal/capability"
	"github.com/tombee/cascade/internal/cascade"
	"github.com/tombee/cascade/internal/commands/shared"
	"github.com/tombee/cascade/internal/config"
	"github.com/tombee/cascade/internal/mirror"
	"github.com/tombee/cascade/internal/pricing"
	"github.com/tombee/cascade/internal/receipt"
	"github.com/tombee/cascade/internal/snapshot"
	"github.com/tombee/cascade/internal/supervisor"
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/provider"
)

type options struct {
	mode      string
	task      string
	taskFile  string
	root      string
	out       string
	file      string
	model      string
	dryRun     bool
	noMirror   bool
	versioning bool
	attach     []string
	diagIn     bool
	diagOut    bool
	skipPaths  []string
	skipExts   []string
	maxTokens  int

	// reuse and skipWritten are set by resume.
	reuse       map[string]string
	skipWritten []string
}

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Start a run",
		Long: `Start a cascade run.

Modes:
  generate  plan a new project and write it under --out
  modify    change an existing tree at --root (snapshot taken first)
  qa        answer a question about the mirrored tree at --root
  qfile     answer a question about one file (--file, relative to --root)
  batch     defer the whole project to the batch API

The task comes from the positional argument, --task, or --task-file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.task = args[0]
			}
			return runRun(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.mode, "mode", "generate", "Run mode: generate, modify, qa, qfile, batch")
	cmd.Flags().StringVar(&opts.task, "task", "", "Task text")
	cmd.Flags().StringVar(&opts.taskFile, "task-file", "", "Read the task from a file")
	cmd.Flags().StringVar(&opts.root, "root", "", "Existing project tree (modify, qa, qfile)")
	cmd.Flags().StringVar(&opts.out, "out", "", "Output directory (generate, batch)")
	cmd.Flags().StringVar(&opts.file, "file", "", "Target file for qfile, relative to --root")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model to use (default from config)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Stop after the change plan, write nothing (modify)")
	cmd.Flags().BoolVar(&opts.noMirror, "no-mirror", false, "Skip mirroring the tree to the Provider")
	cmd.Flags().BoolVar(&opts.versioning, "versioning", false, "Snapshot the target tree before the first write")
	cmd.Flags().StringSliceVar(&opts.attach, "attach", nil, "Provider file id to attach to every request (repeatable)")
	cmd.Flags().BoolVar(&opts.diagIn, "diagnostics-in", false, "Feed the attached files to the diagnosis step")
	cmd.Flags().BoolVar(&opts.diagOut, "diagnostics-out", false, "Include the diagnosis text in the run output")
	cmd.Flags().StringSliceVar(&opts.skipPaths, "skip", nil, "Glob of planned paths to skip (repeatable)")
	cmd.Flags().StringSliceVar(&opts.skipExts, "skip-ext", nil, "File extensions to skip (repeatable)")
	cmd.Flags().IntVar(&opts.maxTokens, "max-output-tokens", 0, "Per-response output token cap")

	return cmd
}

// NewResumeCommand creates the resume command
func NewResumeCommand() *cobra.Command {
	var workDir string

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a non-terminal run",
		Long: `Resume a run that failed or was cancelled. A new run is started with
the old run's request; files the old run already wrote are skipped and
mirrored uploads are reused instead of re-uploaded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, workDir, args[0])
		},
	}

	cmd.Flags().StringVar(&workDir, "root", ".", "Working tree holding the LOG directory")

	return cmd
}

func runRun(cmd *cobra.Command, opts *options) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if opts.model == "" {
		opts.model = cfg.Provider.Model
	}
	if opts.taskFile != "" {
		data, err := os.ReadFile(opts.taskFile)
		if err != nil {
			return &cascadeerrors.ConfigError{Key: "task-file", Reason: "cannot read task file", Cause: err}
		}
		opts.task = string(data)
	}

	logger := shared.NewLogger()

	client, err := shared.BuildClient(cfg)
	if err != nil {
		return err
	}

	ledger, err := shared.OpenLedger(cfg)
	if err != nil {
		logger.Warn("receipt ledger unavailable, costs will not be recorded", "error", err.Error())
		ledger = nil
	} else {
		defer ledger.Close()
	}

	prices, err := shared.NewPricing(cfg)
	if err != nil {
		return err
	}

	req := supervisor.RunRequest{
		Mode:            supervisor.Mode(opts.mode),
		Task:            opts.task,
		Model:           opts.model,
		Root:            opts.root,
		OutDir:          opts.out,
		FilePath:        opts.file,
		DryRun:          opts.dryRun,
		Versioning:      opts.versioning,
		AttachedFileIDs: opts.attach,
		DiagnosticsIn:   opts.diagIn,
		DiagnosticsOut:  opts.diagOut,
	}

	workingDir := opts.root
	if workingDir == "" {
		workingDir = opts.out
	}
	logRoot, err := shared.LogRoot(workingDir)
	if err != nil {
		return err
	}

	sup := supervisor.New(logRoot, logger)
	deps := runDeps{cfg: cfg, client: client, ledger: ledger, prices: prices, logger: logger}

	h, err := sup.Start(cmd.Context(), req, makeRunFunc(opts, deps))
	if err != nil {
		return err
	}

	// Ctrl-C cancels cooperatively; a second one kills the process.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			h.Cancel()
		}
	}()

	if !shared.GetQuiet() && !shared.GetJSON() {
		cmd.Printf("run %s started\n", h.RunID)
		go func() {
			for ev := range h.Events {
				switch ev.Type {
				case "step.started", "file.quarantined", "file.skipped", "run.stalled", "run.halted", "fs.change":
					cmd.Printf("  %-16s %s %s\n", ev.Type, ev.Step, ev.Message)
				}
			}
		}()
	}

	outcome, err := h.Wait()
	if err != nil {
		return err
	}
	return printOutcome(cmd, h.RunID, outcome)
}

func runResume(cmd *cobra.Command, workDir, runID string) error {
	logRoot, err := shared.LogRoot(workDir)
	if err != nil {
		return err
	}

	logger := shared.NewLogger()
	sup := supervisor.New(logRoot, logger)

	state, uploads, err := sup.Resume(runID)
	if err != nil {
		return err
	}

	opts := &options{
		mode:       string(state.Mode),
		task:       state.Task,
		root:       state.Root,
		out:        state.OutDir,
		model:      state.Model,
		versioning: state.Versioning,
		attach:     state.AttachedFiles,
		diagIn:     state.DiagnosticsIn,
		diagOut:    state.DiagnosticsOut,
		reuse:      uploads,
	}
	if state.Outcome != nil {
		opts.skipWritten = state.Outcome.FilesWritten
	}
	if opts.task == "" {
		return &cascadeerrors.ConfigError{Key: "run", Reason: fmt.Sprintf("run %s has no recorded task to resume", runID)}
	}

	cmd.Printf("resuming %s as a new run (%d uploads reused, %d files already written)\n",
		runID, len(uploads), len(opts.skipWritten))
	return runRun(cmd, opts)
}

// runDeps bundles the shared collaborators a run needs.
type runDeps struct {
	cfg    *config.Config
	client *provider.Client
	ledger *receipt.Ledger
	prices *pricing.Manager
	logger *slog.Logger
}

// makeRunFunc builds the RunFunc for the requested mode. Everything
// that needs the run id or the run log happens inside, once the
// supervisor has minted them.
func makeRunFunc(opts *options, d runDeps) supervisor.RunFunc {
	return func(ctx context.Context, h *supervisor.Handle) (*cascade.Outcome, error) {
		if opts.mode == string(supervisor.ModeBatch) {
			return runBatch(ctx, opts, d, h)
		}
		return runCascade(ctx, opts, d, h)
	}
}

func runBatch(ctx context.Context, opts *options, d runDeps, h *supervisor.Handle) (*cascade.Outcome, error) {
	var snap *snapshot.Snapshotter
	if opts.versioning {
		snap = snapshot.New(opts.out, d.logger)
	}
	monitor := batchmon.New(d.client, batchmon.Config{
		Model:            opts.model,
		RunID:            h.RunID,
		Project:          projectName(opts.out),
		OutDir:           opts.out,
		CompletionWindow: d.cfg.Batch.CompletionWindow,
		PollInitial:      d.cfg.Batch.PollInitial,
		PollMax:          d.cfg.Batch.PollMax,
		MaxOutputTokens:  opts.maxTokens,
	}, d.ledger, d.prices, snap, d.logger)

	result, err := monitor.Run(ctx, opts.task)
	if err != nil {
		return nil, err
	}

	outcome := &cascade.Outcome{FilesWritten: result.FilesWritten}
	if result.BuildRun != "" {
		outcome.Answer = "build/run: " + result.BuildRun
	}
	return outcome, nil
}

func runCascade(ctx context.Context, opts *options, d runDeps, h *supervisor.Handle) (*cascade.Outcome, error) {
	capPath, err := d.cfg.CapabilityCachePath()
	if err != nil {
		return nil, err
	}
	caps := capability.NewStore(capPath, d.cfg.Capability.TTL, d.logger)
	record, err := caps.Resolve(ctx, d.client, opts.model)
	if err != nil {
		return nil, err
	}

	project := projectName(opts.root)
	if opts.root == "" {
		project = projectName(opts.out)
	}

	engineCfg := cascade.Config{
		Model:           opts.model,
		RunID:           h.RunID,
		Root:            opts.root,
		OutDir:          opts.out,
		DryRun:          opts.dryRun,
		SkipPaths:       append(append([]string{}, opts.skipPaths...), opts.skipWritten...),
		SkipExts:        opts.skipExts,
		MaxOutputTokens: opts.maxTokens,
		AttachedFiles:   opts.attach,
		Mode:            opts.mode,
		Project:         project,
		DiagnosticsOut:  opts.diagOut,
	}

	if opts.root != "" && !opts.noMirror {
		res, err := mirror.Mirror(ctx, d.client, opts.root, mirror.Config{
			Project:        project,
			RunID:          h.RunID,
			DenyExtensions: d.cfg.Mirror.DenyExtensions,
			DenyGlobs:      d.cfg.Mirror.DenyGlobs,
			MaxFileSize:    d.cfg.Mirror.MaxFileSize,
			Workers:        d.cfg.Mirror.UploadWorkers,
			UploadRate:     d.cfg.Mirror.UploadRate,
			FileSearch:     record.FileSearch,
			Reuse:          opts.reuse,
		}, d.logger)
		if err != nil {
			return nil, err
		}

		h.SetVectorStore(res.Manifest.VectorStoreID)
		engineCfg.VectorStoreID = res.Manifest.VectorStoreID
		engineCfg.ManifestFileID = res.ManifestFileID
		engineCfg.UploadedFiles = make(map[string]string, len(res.Manifest.Files))
		registry := make(map[string]string, len(res.Manifest.Files))
		for _, f := range res.Manifest.Files {
			engineCfg.UploadedFiles[f.FileID] = f.Path
			registry[f.Path+"\x00"+f.SHA256] = f.FileID
		}
		if err := h.Log().WriteManifest("uploads", registry); err != nil {
			d.logger.Warn("uploads registry not persisted", "error", err.Error())
		}
	}

	deps := cascade.Deps{
		Client:   d.client,
		Caps:     record,
		Log:      h.Log(),
		Ledger:   d.ledger,
		Prices:   d.prices,
		Logger:   d.logger,
		CapStore: caps,
		Emit:     h.Emit,
	}
	// MODIFY always snapshots its root; --versioning extends the same
	// guard to the generate output tree.
	switch {
	case opts.mode == string(supervisor.ModeModify):
		deps.Snap = snapshot.New(opts.root, d.logger)
	case opts.versioning && opts.out != "":
		deps.Snap = snapshot.New(opts.out, d.logger)
	}

	engine := cascade.New(engineCfg, deps)

	switch supervisor.Mode(opts.mode) {
	case supervisor.ModeGenerate:
		return engine.Generate(ctx, opts.task)
	case supervisor.ModeModify:
		return engine.Modify(ctx, opts.task)
	case supervisor.ModeQA:
		return engine.QA(ctx, opts.task)
	case supervisor.ModeQFile:
		return engine.QFile(ctx, opts.task, opts.file)
	default:
		return nil, &cascadeerrors.ConfigError{Key: "mode", Reason: fmt.Sprintf("unknown mode %q", opts.mode)}
	}
}

func projectName(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		return filepath.Base(root)
	}
	return filepath.Base(abs)
}

func printOutcome(cmd *cobra.Command, runID string, outcome *cascade.Outcome) error {
	if shared.GetJSON() {
		return shared.PrintJSON(cmd, map[string]any{"run_id": runID, "outcome": outcome})
	}

	if outcome.Halted {
		cmd.Println("dry run: change plan produced, nothing written")
		if outcome.Plan != nil {
			for _, f := range outcome.Plan.TouchedFiles {
				cmd.Printf("  %-6s %s  (%s)\n", f.Action, f.Path, f.Intent)
			}
		}
		return nil
	}
	if outcome.Answer != "" {
		cmd.Println(outcome.Answer)
	}
	for _, path := range outcome.FilesWritten {
		cmd.Printf("  wrote %s\n", path)
	}
	for _, path := range outcome.Skipped {
		cmd.Printf("  skipped %s\n", path)
	}
	for _, q := range outcome.Quarantined {
		cmd.Printf("  quarantined %s: %s\n", q.Path, q.Reason)
	}
	if len(outcome.Quarantined) > 0 {
		cmd.Printf("%d file(s) quarantined; rejected payloads are under _invalid/\n", len(outcome.Quarantined))
	}
	return nil
}
