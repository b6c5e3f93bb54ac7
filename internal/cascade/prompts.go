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
	"fmt"
	"sort"
	"strings"
)

// Contract shapes are spelled out twice per step, once in the
// instructions and once in the user input. Models follow the format far
// more reliably when both channels carry it.

const jsonOnlyRule = `Respond with EXACTLY ONE JSON object and nothing else.
No markdown fences, no prose before or after the object.`

const ingestInstructions = `You are receiving a large task description in parts.
Read each part carefully. Reply only with OK until told otherwise.`

const a1Schema = `{
  "contract": "A1_PLAN",
  "project": "<short project name>",
  "assumptions": ["<assumption>", ...],
  "requirements": ["<requirement>", ...],
  "architecture": "<how the pieces fit together>",
  "build_run": "<how to build and run the result>",
  "deliverable_policy": {"max_lines_per_chunk": 500}
}`

const a2Schema = `{
  "contract": "A2_STRUCTURE",
  "root": "<project root directory name>",
  "files": [
    {"path": "<relative/path>", "purpose": "<one line>", "language": "<language>", "generated_in_phase": "A3"},
    ...
  ]
}`

// fileSchema renders the A3_FILE / B3_FILE schema with its contract
// name filled in.
func fileSchema(contractName string) string {
	return fmt.Sprintf(`{
  "contract": %q,
  "path": "<relative/path>",
  "content": "<file content for this chunk>",
  "chunking": {
    "max_lines": 500,
    "chunk_index": <0-based index>,
    "chunk_count": <total chunks for this file>,
    "has_more": <true while chunks remain>,
    "next_chunk_index": <chunk_index + 1, or null on the last chunk>
  }
}`, contractName)
}

const b1Schema = `{
  "contract": "B1_PLAN",
  "diagnosis": "<what is wrong or missing and why>",
  "change_plan": ["<ordered change>", ...],
  "missing_inputs": ["<anything you still need>", ...]
}`

const b2Schema = `{
  "contract": "B2_STRUCTURE",
  "touched_files": [
    {"path": "<relative/path>", "action": "modify" | "add", "intent": "<one line>"},
    ...
  ],
  "invariants": ["<behavior that must not change>", ...]
}`

func planInstructions() string {
	return fmt.Sprintf(`You are a software project planner.
Produce the A1_PLAN object for the task.

%s

A1_PLAN schema:
%s`, jsonOnlyRule, a1Schema)
}

func structureInstructions() string {
	return fmt.Sprintf(`You are a software architect.
Produce the A2_STRUCTURE object listing every file the project needs.
Paths are relative, forward-slash, no "..", each path unique.

%s

A2_STRUCTURE schema:
%s`, jsonOnlyRule, a2Schema)
}

func fileInstructions(contractName string) string {
	return fmt.Sprintf(`You are writing one project file.
Produce the %s object. Keep each chunk at or under 500 lines of content;
split longer files across chunks and keep the chunking block consistent.

%s

%s schema:
%s`, contractName, jsonOnlyRule, contractName, fileSchema(contractName))
}

func diagnosisInstructions() string {
	return fmt.Sprintf(`You are diagnosing an existing codebase against a change request.
Use file_search over the mirrored sources before concluding anything.
Produce the B1_PLAN object.

%s

B1_PLAN schema:
%s`, jsonOnlyRule, b1Schema)
}

func changePlanInstructions() string {
	return fmt.Sprintf(`You are planning the concrete file changes for the diagnosed task.
Produce the B2_STRUCTURE object. Only list files that must change or be added.

%s

B2_STRUCTURE schema:
%s`, jsonOnlyRule, b2Schema)
}

const qaInstructions = `You are answering a question about the mirrored codebase.
Use file_search to ground every claim in actual file content.
Answer in plain text. Do not invent files or symbols.`

// uploadedFilesBlock renders the mirrored file registry for inclusion
// in prompts, sorted by path for stable output.
func uploadedFilesBlock(files map[string]string) string {
	if len(files) == 0 {
		return ""
	}
	type pair struct{ id, path string }
	pairs := make([]pair, 0, len(files))
	for id, path := range files {
		pairs = append(pairs, pair{id, path})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].path < pairs[j].path })

	var b strings.Builder
	b.WriteString("Files already uploaded to the mirror (id: path):\n")
	for _, p := range pairs {
		fmt.Fprintf(&b, "  %s: %s\n", p.id, p.path)
	}
	return b.String()
}

// contractRetryNote is appended to the input when a step's first
// response violated its contract and one reprompt is attempted.
func contractRetryNote(reason string) string {
	return fmt.Sprintf(`

Your previous response violated the output contract: %s.
Respond again with exactly one valid JSON object matching the schema.`, reason)
}
