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

package receipt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func sample(runID, stepKey string) Receipt {
	return Receipt{
		RunID:        runID,
		StepKey:      stepKey,
		Model:        "gpt-4.1",
		Mode:         "generate",
		Project:      "greeter",
		ResponseID:   "resp_1",
		InputTokens:  1200,
		OutputTokens: 800,
		TotalTokens:  2000,
		CostUSD:      0.0123,
		PromptDigest: "digest",
		Status:       "completed",
	}
}

func TestRecordAndGet(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	recorded, err := l.Record(ctx, sample("RUN_1", "A1"))
	require.NoError(t, err)
	assert.True(t, recorded)

	got, err := l.Get(ctx, "RUN_1", "A1")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", got.Model)
	assert.Equal(t, "generate", got.Mode)
	assert.Equal(t, "greeter", got.Project)
	assert.Equal(t, int64(2000), got.TotalTokens)
	assert.Equal(t, 0.0123, got.CostUSD)
	assert.False(t, got.CostEstimated)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestRecordIdempotent(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	first := sample("RUN_1", "A1")
	recorded, err := l.Record(ctx, first)
	require.NoError(t, err)
	require.True(t, recorded)

	// A resumed run re-records the step with different numbers; the
	// original row wins.
	second := first
	second.TotalTokens = 9999
	recorded, err = l.Record(ctx, second)
	require.NoError(t, err)
	assert.False(t, recorded)

	got, err := l.Get(ctx, "RUN_1", "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.TotalTokens)
}

func TestRecordValidation(t *testing.T) {
	l := openLedger(t)
	_, err := l.Record(context.Background(), Receipt{RunID: "RUN_1"})
	var verr *cascadeerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestGetMissing(t *testing.T) {
	l := openLedger(t)
	_, err := l.Get(context.Background(), "RUN_x", "A1")
	var nfe *cascadeerrors.NotFoundError
	assert.ErrorAs(t, err, &nfe)
}

func TestQueryFilters(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i, step := range []string{"A1", "A2", "A3:main.py"} {
		r := sample("RUN_1", step)
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := l.Record(ctx, r)
		require.NoError(t, err)
	}
	other := sample("RUN_2", "A1")
	other.Model = "gpt-4.1-mini"
	other.Mode = "batch"
	other.Project = "other"
	other.BatchID = "batch-7"
	other.CreatedAt = base.Add(time.Hour)
	_, err := l.Record(ctx, other)
	require.NoError(t, err)

	byRun, err := l.Query(ctx, Filter{RunID: "RUN_1"})
	require.NoError(t, err)
	require.Len(t, byRun, 3)
	assert.Equal(t, "A1", byRun[0].StepKey)

	byModel, err := l.Query(ctx, Filter{Model: "gpt-4.1-mini"})
	require.NoError(t, err)
	require.Len(t, byModel, 1)
	assert.Equal(t, "RUN_2", byModel[0].RunID)

	byMode, err := l.Query(ctx, Filter{Mode: "batch"})
	require.NoError(t, err)
	require.Len(t, byMode, 1)
	assert.Equal(t, "batch-7", byMode[0].BatchID)

	byProject, err := l.Query(ctx, Filter{Project: "greeter"})
	require.NoError(t, err)
	require.Len(t, byProject, 3)

	byBatch, err := l.Query(ctx, Filter{BatchID: "batch-7"})
	require.NoError(t, err)
	require.Len(t, byBatch, 1)
	assert.Equal(t, "RUN_2", byBatch[0].RunID)

	since, err := l.Query(ctx, Filter{Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 2)

	limited, err := l.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestTotalsForRun(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	for _, step := range []string{"A1", "A2"} {
		_, err := l.Record(ctx, sample("RUN_1", step))
		require.NoError(t, err)
	}
	estimated := sample("RUN_1", "C1")
	estimated.CostEstimated = true
	estimated.InputTokens, estimated.OutputTokens, estimated.TotalTokens = 0, 0, 0
	estimated.CostUSD = 0
	_, err := l.Record(ctx, estimated)
	require.NoError(t, err)

	totals, err := l.TotalsForRun(ctx, "RUN_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), totals.Steps)
	assert.Equal(t, int64(4000), totals.TotalTokens)
	assert.InDelta(t, 0.0246, totals.CostUSD, 1e-9)
	assert.True(t, totals.AnyEstimated)

	empty, err := l.TotalsForRun(ctx, "RUN_none")
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Steps)
	assert.False(t, empty.AnyEstimated)
}
