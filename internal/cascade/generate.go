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
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// Generate runs the A-phase cascade: ingest the task, plan, lay out the
// file structure, then emit every file in lexical path order. A contract
// failure on one file quarantines that file and moves on.
func (e *Engine) Generate(ctx context.Context, task string) (*Outcome, error) {
	taskInput, err := e.ingest(ctx, task)
	if err != nil {
		return nil, err
	}

	filesBlock := uploadedFilesBlock(e.cfg.UploadedFiles)

	// A1: plan.
	planInput := fmt.Sprintf("Task:\n%s\n\n%sProduce the A1_PLAN object now. Schema:\n%s", taskInput, filesBlock, a1Schema)
	plan, err := parseWithRetry(ctx, e, "A1", planInstructions(), planInput, contract.ParseA1Plan)
	if err != nil {
		return nil, err
	}

	// A2: structure.
	structureInput := fmt.Sprintf("Project: %s\nArchitecture: %s\n\n%sProduce the A2_STRUCTURE object now. Schema:\n%s",
		plan.Project, plan.Architecture, filesBlock, a2Schema)
	structure, err := parseWithRetry(ctx, e, "A2", structureInstructions(), structureInput, contract.ParseA2Structure)
	if err != nil {
		return nil, err
	}
	e.saveManifest("structure", structure)

	planned := make([]contract.PlannedFile, len(structure.Files))
	copy(planned, structure.Files)
	sort.Slice(planned, func(i, j int) bool { return planned[i].Path < planned[j].Path })

	outcome := &Outcome{}
	asm := assemble.New()

	for _, file := range planned {
		if skip, reason := e.skipFile(file.Path); skip {
			e.deps.Emit("file.skipped", file.Path, reason)
			outcome.Skipped = append(outcome.Skipped, file.Path)
			continue
		}
		content, payload, err := e.produceFile(ctx, asm, contract.NameA3File, file.Path, file.Purpose)
		if err != nil {
			if ctx.Err() != nil || isRunFatal(err) {
				return nil, err
			}
			outcome.Quarantined = append(outcome.Quarantined, e.quarantine("A3_"+file.Path, file.Path, payload, err))
			asm.Drop(file.Path)
			continue
		}
		if err := e.writeDeliverable(e.cfg.OutDir, file.Path, content); err != nil {
			return nil, err
		}
		outcome.FilesWritten = append(outcome.FilesWritten, file.Path)
	}

	return outcome, nil
}

// produceFile drives the chunk loop for one path until the assembler
// reports completion. On failure the last model payload is returned so
// the caller can quarantine it.
func (e *Engine) produceFile(ctx context.Context, asm *assemble.Assembler, contractName, path, purpose string) (content, payload string, err error) {
	parse := contract.ParseA3File
	if contractName == contract.NameB3File {
		parse = contract.ParseB3File
	}

	request := fmt.Sprintf("Produce the file %q (%s), starting at chunk 0. Schema:\n%s", path, purpose, fileSchema(contractName))

	for attempt := 0; attempt < ChunkLoopLimit; attempt++ {
		stepKey := fmt.Sprintf("%s:%s#%d", contractName[:2], path, attempt)
		text, err := e.callModel(ctx, stepKey, fileInstructions(contractName), request, true)
		if err != nil {
			return "", "", err
		}

		chunk, err := parse(text)
		if err != nil {
			return "", text, err
		}
		if chunk.Path != path {
			return "", text, &cascadeerrors.ContractError{Contract: contractName, Pointer: "/path", Reason: fmt.Sprintf("got %q, requested %q", chunk.Path, path)}
		}

		full, complete, err := asm.Add(chunk)
		if err != nil {
			return "", text, err
		}
		if complete {
			return full, "", nil
		}

		request = fmt.Sprintf("Continue the file %q with chunk %d. Schema:\n%s", path, chunk.Chunking.ChunkIndex+1, fileSchema(contractName))
	}
	return "", "", &cascadeerrors.AssemblyError{Path: path, Reason: fmt.Sprintf("chunk loop exceeded %d iterations", ChunkLoopLimit)}
}

// quarantine persists a failure's payload (when one exists) under the
// contract-prefixed step key and records the abandoned path.
func (e *Engine) quarantine(stepKey, path, payload string, cause error) QuarantinedFile {
	q := QuarantinedFile{Path: path, Reason: cause.Error()}
	if e.cfg.OutDir != "" && payload != "" {
		if file, err := contract.Quarantine(e.cfg.OutDir, stepKey, payload, cause); err == nil {
			q.QuarantineFile = file
		}
	}
	e.deps.Emit("file.quarantined", path, cause.Error())
	return q
}

// parseWithRetry calls the model once, and on a contract violation
// reprompts exactly once with the violation spelled out.
func parseWithRetry[T any](ctx context.Context, e *Engine, stepKey, instructions, input string, parse func(string) (*T, error)) (*T, error) {
	text, err := e.callModel(ctx, stepKey, instructions, input, false)
	if err != nil {
		return nil, err
	}
	parsed, perr := parse(text)
	if perr == nil {
		return parsed, nil
	}

	var cerr *cascadeerrors.ContractError
	if !cascadeerrors.As(perr, &cerr) {
		return nil, perr
	}

	text, err = e.callModel(ctx, stepKey+"_retry", instructions, input+contractRetryNote(cerr.Reason), false)
	if err != nil {
		return nil, err
	}
	return parse(text)
}

// isRunFatal reports errors that must stop the whole run rather than
// quarantine a single file: cancellation and auth. An open breaker is
// never fatal; callModel waits it out.
func isRunFatal(err error) bool {
	if cascadeerrors.IsCancelled(err) {
		return true
	}
	var perr *cascadeerrors.ProviderError
	if cascadeerrors.As(err, &perr) {
		return perr.Kind == cascadeerrors.KindAuth
	}
	return false
}
