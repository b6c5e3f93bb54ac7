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

package contract

import (
	"encoding/json"
	"fmt"

	"github.com/tombee/cascade/internal/pathsafe"
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// Contract names, as used in instructions, quarantine files and errors.
const (
	NameA1Plan      = "A1_PLAN"
	NameA2Structure = "A2_STRUCTURE"
	NameA3File      = "A3_FILE"
	NameB1Plan      = "B1_PLAN"
	NameB2Structure = "B2_STRUCTURE"
	NameB3File      = "B3_FILE"
	NameCFilesAll   = "C_FILES_ALL"
)

// MaxLinesPerChunk is the deliverable policy every file-producing step
// announces and every chunk must respect.
const MaxLinesPerChunk = 500

// DeliverablePolicy is the chunking policy block of an A1 plan.
type DeliverablePolicy struct {
	MaxLinesPerChunk int `json:"max_lines_per_chunk"`
}

// A1Plan is the GENERATE planning contract.
type A1Plan struct {
	Contract          string            `json:"contract"`
	Project           string            `json:"project"`
	Assumptions       []string          `json:"assumptions"`
	Requirements      []string          `json:"requirements"`
	Architecture      string            `json:"architecture"`
	BuildRun          string            `json:"build_run"`
	DeliverablePolicy DeliverablePolicy `json:"deliverable_policy"`
}

// PlannedFile is one entry of an A2 structure.
type PlannedFile struct {
	Path             string `json:"path"`
	Purpose          string `json:"purpose"`
	Language         string `json:"language"`
	GeneratedInPhase string `json:"generated_in_phase"`
}

// A2Structure is the GENERATE file-plan contract.
type A2Structure struct {
	Contract string        `json:"contract"`
	Root     string        `json:"root"`
	Files    []PlannedFile `json:"files"`
}

// Chunking is the chunk bookkeeping block of a file contract.
type Chunking struct {
	MaxLines       int  `json:"max_lines"`
	ChunkIndex     int  `json:"chunk_index"`
	ChunkCount     int  `json:"chunk_count"`
	HasMore        bool `json:"has_more"`
	NextChunkIndex *int `json:"next_chunk_index"`
}

// FileChunk is one A3_FILE or B3_FILE message.
type FileChunk struct {
	Contract string   `json:"contract"`
	Path     string   `json:"path"`
	Content  string   `json:"content"`
	Chunking Chunking `json:"chunking"`
}

// B1Plan is the MODIFY diagnosis contract.
type B1Plan struct {
	Contract      string   `json:"contract"`
	Diagnosis     string   `json:"diagnosis"`
	ChangePlan    []string `json:"change_plan"`
	MissingInputs []string `json:"missing_inputs"`
}

// TouchedFile is one entry of a B2 structure.
type TouchedFile struct {
	Path   string `json:"path"`
	Action string `json:"action"`
	Intent string `json:"intent"`
}

// B2Structure is the MODIFY file-plan contract.
type B2Structure struct {
	Contract     string        `json:"contract"`
	TouchedFiles []TouchedFile `json:"touched_files"`
	Invariants   []string      `json:"invariants"`
}

// FullFile is one complete file of a C_FILES_ALL payload.
type FullFile struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose"`
	Content string `json:"content"`
}

// CFilesAll is the single-shot batch contract carrying a whole project.
type CFilesAll struct {
	Contract string     `json:"contract"`
	Project  string     `json:"project"`
	Root     string     `json:"root"`
	Files    []FullFile `json:"files"`
	BuildRun string     `json:"build_run"`
	Notes    string     `json:"notes"`
}

// decodeInto re-marshals an extracted object into a typed contract,
// mapping type mismatches onto ContractError. The mandatory top-level
// contract discriminator is checked first, so a payload for the wrong
// step never half-parses into the wrong type.
func decodeInto(contractName string, obj map[string]any, out any) error {
	declared, _ := obj["contract"].(string)
	if declared == "" {
		return &cascadeerrors.ContractError{Contract: contractName, Pointer: "/contract", Reason: "missing or empty"}
	}
	if declared != contractName {
		return &cascadeerrors.ContractError{Contract: contractName, Pointer: "/contract", Reason: fmt.Sprintf("contract mismatch: declared %q", declared)}
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return &cascadeerrors.ContractError{Contract: contractName, Reason: "payload not re-encodable"}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &cascadeerrors.ContractError{Contract: contractName, Reason: fmt.Sprintf("field type mismatch: %v", err)}
	}
	return nil
}

// ParseA1Plan parses and validates an A1_PLAN payload.
func ParseA1Plan(text string) (*A1Plan, error) {
	obj, err := ExtractObject(NameA1Plan, text)
	if err != nil {
		return nil, err
	}
	var plan A1Plan
	if err := decodeInto(NameA1Plan, obj, &plan); err != nil {
		return nil, err
	}
	if plan.Project == "" {
		return nil, &cascadeerrors.ContractError{Contract: NameA1Plan, Pointer: "/project", Reason: "missing or empty"}
	}
	if len(plan.Requirements) == 0 {
		return nil, &cascadeerrors.ContractError{Contract: NameA1Plan, Pointer: "/requirements", Reason: "must not be empty"}
	}
	if plan.DeliverablePolicy.MaxLinesPerChunk <= 0 {
		return nil, &cascadeerrors.ContractError{Contract: NameA1Plan, Pointer: "/deliverable_policy/max_lines_per_chunk", Reason: "must be positive"}
	}
	return &plan, nil
}

// ParseA2Structure parses and validates an A2_STRUCTURE payload. Every
// planned path passes the relative-path rules and the set is
// duplicate-free.
func ParseA2Structure(text string) (*A2Structure, error) {
	obj, err := ExtractObject(NameA2Structure, text)
	if err != nil {
		return nil, err
	}
	var structure A2Structure
	if err := decodeInto(NameA2Structure, obj, &structure); err != nil {
		return nil, err
	}
	if len(structure.Files) == 0 {
		return nil, &cascadeerrors.ContractError{Contract: NameA2Structure, Pointer: "/files", Reason: "must not be empty"}
	}
	paths := make([]string, len(structure.Files))
	for i, f := range structure.Files {
		if f.Path == "" {
			return nil, &cascadeerrors.ContractError{Contract: NameA2Structure, Pointer: fmt.Sprintf("/files/%d/path", i), Reason: "missing or empty"}
		}
		paths[i] = f.Path
	}
	if err := pathsafe.ValidateRelPaths(paths); err != nil {
		return nil, &cascadeerrors.ContractError{Contract: NameA2Structure, Pointer: "/files", Reason: err.Error()}
	}
	return &structure, nil
}

// parseFileChunk is the shared A3_FILE / B3_FILE validation.
func parseFileChunk(contractName, text string) (*FileChunk, error) {
	obj, err := ExtractObject(contractName, text)
	if err != nil {
		return nil, err
	}
	var chunk FileChunk
	if err := decodeInto(contractName, obj, &chunk); err != nil {
		return nil, err
	}
	if chunk.Path == "" {
		return nil, &cascadeerrors.ContractError{Contract: contractName, Pointer: "/path", Reason: "missing or empty"}
	}
	if err := pathsafe.ValidateRelPath(chunk.Path); err != nil {
		return nil, &cascadeerrors.ContractError{Contract: contractName, Pointer: "/path", Reason: err.Error()}
	}

	ch := chunk.Chunking
	if ch.ChunkCount < 1 {
		return nil, &cascadeerrors.ContractError{Contract: contractName, Pointer: "/chunking/chunk_count", Reason: "must be at least 1"}
	}
	if ch.ChunkIndex < 0 || ch.ChunkIndex >= ch.ChunkCount {
		return nil, &cascadeerrors.ContractError{Contract: contractName, Pointer: "/chunking/chunk_index", Reason: fmt.Sprintf("index %d outside [0, %d)", ch.ChunkIndex, ch.ChunkCount)}
	}
	wantMore := ch.ChunkIndex+1 < ch.ChunkCount
	if ch.HasMore != wantMore {
		return nil, &cascadeerrors.ContractError{Contract: contractName, Pointer: "/chunking/has_more", Reason: "inconsistent with chunk_index and chunk_count"}
	}
	if wantMore {
		if ch.NextChunkIndex == nil || *ch.NextChunkIndex != ch.ChunkIndex+1 {
			return nil, &cascadeerrors.ContractError{Contract: contractName, Pointer: "/chunking/next_chunk_index", Reason: "must be chunk_index + 1 while more chunks remain"}
		}
	}
	return &chunk, nil
}

// ParseA3File parses and validates an A3_FILE payload.
func ParseA3File(text string) (*FileChunk, error) {
	return parseFileChunk(NameA3File, text)
}

// ParseB3File parses and validates a B3_FILE payload.
func ParseB3File(text string) (*FileChunk, error) {
	return parseFileChunk(NameB3File, text)
}

// ParseB1Plan parses and validates a B1_PLAN payload.
func ParseB1Plan(text string) (*B1Plan, error) {
	obj, err := ExtractObject(NameB1Plan, text)
	if err != nil {
		return nil, err
	}
	var plan B1Plan
	if err := decodeInto(NameB1Plan, obj, &plan); err != nil {
		return nil, err
	}
	if plan.Diagnosis == "" {
		return nil, &cascadeerrors.ContractError{Contract: NameB1Plan, Pointer: "/diagnosis", Reason: "missing or empty"}
	}
	return &plan, nil
}

// ParseB2Structure parses and validates a B2_STRUCTURE payload.
func ParseB2Structure(text string) (*B2Structure, error) {
	obj, err := ExtractObject(NameB2Structure, text)
	if err != nil {
		return nil, err
	}
	var structure B2Structure
	if err := decodeInto(NameB2Structure, obj, &structure); err != nil {
		return nil, err
	}
	if len(structure.TouchedFiles) == 0 {
		return nil, &cascadeerrors.ContractError{Contract: NameB2Structure, Pointer: "/touched_files", Reason: "must not be empty"}
	}
	paths := make([]string, len(structure.TouchedFiles))
	for i, f := range structure.TouchedFiles {
		if f.Action != "modify" && f.Action != "add" {
			return nil, &cascadeerrors.ContractError{Contract: NameB2Structure, Pointer: fmt.Sprintf("/touched_files/%d/action", i), Reason: fmt.Sprintf("unknown action %q", f.Action)}
		}
		paths[i] = f.Path
	}
	if err := pathsafe.ValidateRelPaths(paths); err != nil {
		return nil, &cascadeerrors.ContractError{Contract: NameB2Structure, Pointer: "/touched_files", Reason: err.Error()}
	}
	return &structure, nil
}

// ParseCFilesAll parses and validates a C_FILES_ALL payload.
func ParseCFilesAll(text string) (*CFilesAll, error) {
	obj, err := ExtractObject(NameCFilesAll, text)
	if err != nil {
		return nil, err
	}
	var all CFilesAll
	if err := decodeInto(NameCFilesAll, obj, &all); err != nil {
		return nil, err
	}
	if len(all.Files) == 0 {
		return nil, &cascadeerrors.ContractError{Contract: NameCFilesAll, Pointer: "/files", Reason: "must not be empty"}
	}
	paths := make([]string, len(all.Files))
	for i, f := range all.Files {
		if f.Path == "" {
			return nil, &cascadeerrors.ContractError{Contract: NameCFilesAll, Pointer: fmt.Sprintf("/files/%d/path", i), Reason: "missing or empty"}
		}
		paths[i] = f.Path
	}
	if err := pathsafe.ValidateRelPaths(paths); err != nil {
		return nil, &cascadeerrors.ContractError{Contract: NameCFilesAll, Pointer: "/files", Reason: err.Error()}
	}
	return &all, nil
}
