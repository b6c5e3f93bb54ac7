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
	"fmt"
	"sort"

	"github.com/tombee/cascade/internal/assemble"
	"github.com/tombee/cascade/internal/contract"
)

// Modify runs the B-phase cascade against an existing tree: diagnose,
// plan the file changes, then rewrite each touched file completely.
// With DryRun set the run halts after the change plan and writes
// nothing.
func (e *Engine) Modify(ctx context.Context, task string) (*Outcome, error) {
	taskInput, err := e.ingest(ctx, task)
	if err != nil {
		return nil, err
	}

	filesBlock := uploadedFilesBlock(e.cfg.UploadedFiles)

	// B1: diagnosis.
	diagInput := fmt.Sprintf("Change request:\n%s\n\n%sProduce the B1_PLAN object now. Schema:\n%s", taskInput, filesBlock, b1Schema)
	diagnosis, err := parseWithRetry(ctx, e, "B1", diagnosisInstructions(), diagInput, contract.ParseB1Plan)
	if err != nil {
		return nil, err
	}

	// B2: change plan.
	planInput := fmt.Sprintf("Diagnosis:\n%s\n\nChange plan:\n%s\n\n%sProduce the B2_STRUCTURE object now. Schema:\n%s",
		diagnosis.Diagnosis, joinLines(diagnosis.ChangePlan), filesBlock, b2Schema)
	structure, err := parseWithRetry(ctx, e, "B2", changePlanInstructions(), planInput, contract.ParseB2Structure)
	if err != nil {
		return nil, err
	}
	e.saveManifest("plan", structure)

	if e.cfg.DryRun {
		e.deps.Emit("run.halted", "B2", "dry run: change plan produced, nothing written")
		halted := &Outcome{Halted: true, Plan: structure}
		if e.cfg.DiagnosticsOut {
			halted.Answer = diagnosis.Diagnosis
		}
		return halted, nil
	}

	touched := make([]contract.TouchedFile, len(structure.TouchedFiles))
	copy(touched, structure.TouchedFiles)
	sort.Slice(touched, func(i, j int) bool { return touched[i].Path < touched[j].Path })

	outcome := &Outcome{Plan: structure}
	if e.cfg.DiagnosticsOut {
		outcome.Answer = diagnosis.Diagnosis
	}
	asm := assemble.New()

	for _, file := range touched {
		if skip, reason := e.skipFile(file.Path); skip {
			e.deps.Emit("file.skipped", file.Path, reason)
			outcome.Skipped = append(outcome.Skipped, file.Path)
			continue
		}
		content, payload, err := e.produceFile(ctx, asm, contract.NameB3File, file.Path, file.Intent)
		if err != nil {
			if ctx.Err() != nil || isRunFatal(err) {
				return nil, err
			}
			outcome.Quarantined = append(outcome.Quarantined, e.quarantine("B3_"+file.Path, file.Path, payload, err))
			asm.Drop(file.Path)
			continue
		}
		if err := e.writeDeliverable(e.cfg.Root, file.Path, content); err != nil {
			return nil, err
		}
		outcome.FilesWritten = append(outcome.FilesWritten, file.Path)
	}

	return outcome, nil
}

func joinLines(lines []string) string {
	out := ""
	for i, line := range lines {
		out += fmt.Sprintf("%d. %s\n", i+1, line)
	}
	return out
}
