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

// Package batches exposes batch monitor operations: list open batches,
// watch one to completion, cancel, fetch results.
package batches

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tombee/cascade/internal/batchmon"
	"github.com/tombee/cascade/internal/commands/shared"
	"github.com/tombee/cascade/internal/pricing"
	"github.com/tombee/cascade/internal/receipt"
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

type options struct {
	watch  string
	cancel string
	fetch  string
	out    string
	runID  string
}

// NewCommand creates the batches command
func NewCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List and manage batch jobs",
		Long: `List the Provider's batch jobs, or act on one:

  --watch <id>   poll the batch until it reaches a terminal state
  --cancel <id>  ask the Provider to cancel the batch
  --fetch <id>   collect a completed batch's files into --out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatches(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.watch, "watch", "", "Batch id to poll to completion")
	cmd.Flags().StringVar(&opts.cancel, "cancel", "", "Batch id to cancel")
	cmd.Flags().StringVar(&opts.fetch, "fetch", "", "Batch id to collect")
	cmd.Flags().StringVar(&opts.out, "out", "", "Output directory for --fetch")
	cmd.Flags().StringVar(&opts.runID, "run", "", "Run id the batch belongs to (for --fetch receipts)")

	return cmd
}

func runBatches(cmd *cobra.Command, opts *options) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	client, err := shared.BuildClient(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	logger := shared.NewLogger()

	newMonitor := func() *batchmon.Monitor {
		var (
			ledger *receipt.Ledger
			prices *pricing.Manager
		)
		if opts.runID != "" {
			if l, err := shared.OpenLedger(cfg); err == nil {
				ledger = l
			}
			if p, err := shared.NewPricing(cfg); err == nil {
				prices = p
			}
		}
		var project string
		if opts.out != "" {
			project = filepath.Base(filepath.Clean(opts.out))
		}
		return batchmon.New(client, batchmon.Config{
			Model:            cfg.Provider.Model,
			RunID:            opts.runID,
			Project:          project,
			OutDir:           opts.out,
			CompletionWindow: cfg.Batch.CompletionWindow,
			PollInitial:      cfg.Batch.PollInitial,
			PollMax:          cfg.Batch.PollMax,
		}, ledger, prices, nil, logger)
	}

	switch {
	case opts.cancel != "":
		if _, err := client.CancelBatch(ctx, opts.cancel); err != nil {
			return err
		}
		cmd.Printf("batch %s cancelling\n", opts.cancel)
		return nil

	case opts.watch != "":
		batch, err := newMonitor().Wait(ctx, opts.watch)
		if err != nil {
			return err
		}
		if shared.GetJSON() {
			return shared.PrintJSON(cmd, batch)
		}
		cmd.Printf("batch %s %s\n", batch.ID, batch.Status)
		return nil

	case opts.fetch != "":
		if opts.out == "" {
			return &cascadeerrors.ConfigError{Key: "out", Reason: "--fetch needs --out"}
		}
		batch, err := client.GetBatch(ctx, opts.fetch)
		if err != nil {
			return err
		}
		result, err := newMonitor().Collect(ctx, batch)
		if err != nil {
			return err
		}
		if shared.GetJSON() {
			return shared.PrintJSON(cmd, result)
		}
		for _, path := range result.FilesWritten {
			cmd.Printf("  wrote %s\n", path)
		}
		return nil

	default:
		batches, err := client.ListBatches(ctx)
		if err != nil {
			return err
		}
		if shared.GetJSON() {
			return shared.PrintJSON(cmd, batches)
		}
		if len(batches) == 0 {
			cmd.Println("no batches")
			return nil
		}
		for _, b := range batches {
			cmd.Printf("%-32s %-12s %s\n", b.ID, b.Status, b.Metadata["run_id"])
		}
		return nil
	}
}
