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

// Package receipts queries the cost ledger.
package receipts

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/cascade/internal/commands/shared"
	"github.com/tombee/cascade/internal/receipt"
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

type options struct {
	runID   string
	model   string
	mode    string
	project string
	batchID string
	since   string
	until   string
	limit   int
	totals  bool
}

// NewCommand creates the receipts command
func NewCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Query the cost ledger",
		Long: `Query the per-step cost receipts. Filters combine: run id, model,
date range (YYYY-MM-DD). With --totals the per-run token and cost sums
are printed instead of individual receipts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceipts(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.runID, "run", "", "Filter by run id")
	cmd.Flags().StringVar(&opts.model, "model", "", "Filter by model")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "Filter by run mode")
	cmd.Flags().StringVar(&opts.project, "project", "", "Filter by project name")
	cmd.Flags().StringVar(&opts.batchID, "batch", "", "Filter by batch id")
	cmd.Flags().StringVar(&opts.since, "since", "", "Only receipts on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.until, "until", "", "Only receipts before this date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Maximum receipts to return")
	cmd.Flags().BoolVar(&opts.totals, "totals", false, "Print run totals (needs --run)")

	return cmd
}

func runReceipts(cmd *cobra.Command, opts *options) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	ledger, err := shared.OpenLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx := cmd.Context()

	if opts.totals {
		if opts.runID == "" {
			return &cascadeerrors.ConfigError{Key: "run", Reason: "--totals needs --run"}
		}
		totals, err := ledger.TotalsForRun(ctx, opts.runID)
		if err != nil {
			return err
		}
		if shared.GetJSON() {
			return shared.PrintJSON(cmd, totals)
		}
		cmd.Printf("steps: %d\n", totals.Steps)
		cmd.Printf("tokens: %d in, %d out, %d total\n", totals.InputTokens, totals.OutputTokens, totals.TotalTokens)
		cmd.Printf("cost: $%.4f%s\n", totals.CostUSD, estimatedSuffix(totals.AnyEstimated))
		return nil
	}

	filter := receipt.Filter{
		RunID:   opts.runID,
		Model:   opts.model,
		Mode:    opts.mode,
		Project: opts.project,
		BatchID: opts.batchID,
		Limit:   opts.limit,
	}
	if filter.Since, err = parseDate(opts.since, "since"); err != nil {
		return err
	}
	if filter.Until, err = parseDate(opts.until, "until"); err != nil {
		return err
	}

	records, err := ledger.Query(ctx, filter)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.PrintJSON(cmd, records)
	}

	if len(records) == 0 {
		cmd.Println("no receipts")
		return nil
	}
	for _, r := range records {
		cmd.Printf("%-24s %-20s %-14s %7d tok  $%.4f%s\n",
			r.RunID, r.StepKey, r.Model, r.TotalTokens, r.CostUSD, estimatedSuffix(r.CostEstimated))
	}
	return nil
}

func parseDate(value, key string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, &cascadeerrors.ConfigError{Key: key, Reason: "expected YYYY-MM-DD", Cause: err}
	}
	return t, nil
}

func estimatedSuffix(estimated bool) string {
	if estimated {
		return " (estimated)"
	}
	return ""
}
