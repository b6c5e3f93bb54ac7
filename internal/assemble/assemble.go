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

// Package assemble reconstructs complete files from chunked contract
// messages. Chunks for one path must arrive in order, agree on the
// total count, and cover the full sequence before the file is released.
package assemble

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tombee/cascade/internal/contract"
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// pending tracks the in-flight chunk sequence for one path.
type pending struct {
	chunkCount int
	next       int
	parts      []string
}

// Assembler accumulates file chunks for a single run. It is not safe
// for concurrent use; the step loop feeds it from one goroutine.
type Assembler struct {
	inFlight map[string]*pending
	done     map[string]string
}

// New returns an empty Assembler.
func New() *Assembler {
	return &Assembler{
		inFlight: make(map[string]*pending),
		done:     make(map[string]string),
	}
}

// Add feeds one validated chunk. When the chunk completes its sequence
// the full content is returned with complete=true; until then content
// is empty. Sequence violations return AssemblyError and leave the
// path's buffer intact so the caller can decide whether to retry.
func (a *Assembler) Add(chunk *contract.FileChunk) (content string, complete bool, err error) {
	path := chunk.Path
	ch := chunk.Chunking

	if _, already := a.done[path]; already {
		return "", false, &cascadeerrors.AssemblyError{Path: path, Reason: "chunk received after file was completed"}
	}

	p, ok := a.inFlight[path]
	if !ok {
		if ch.ChunkIndex != 0 {
			return "", false, &cascadeerrors.AssemblyError{Path: path, Reason: fmt.Sprintf("first chunk has index %d, want 0", ch.ChunkIndex)}
		}
		p = &pending{chunkCount: ch.ChunkCount}
		a.inFlight[path] = p
	}

	if ch.ChunkCount != p.chunkCount {
		return "", false, &cascadeerrors.AssemblyError{Path: path, Reason: fmt.Sprintf("chunk_count changed from %d to %d mid-sequence", p.chunkCount, ch.ChunkCount)}
	}
	if ch.ChunkIndex != p.next {
		if ch.ChunkIndex < p.next {
			return "", false, &cascadeerrors.AssemblyError{Path: path, Reason: fmt.Sprintf("duplicate chunk %d", ch.ChunkIndex)}
		}
		return "", false, &cascadeerrors.AssemblyError{Path: path, Reason: fmt.Sprintf("gap in sequence: got chunk %d, want %d", ch.ChunkIndex, p.next)}
	}

	p.parts = append(p.parts, chunk.Content)
	p.next++

	if p.next < p.chunkCount {
		if !ch.HasMore {
			return "", false, &cascadeerrors.AssemblyError{Path: path, Reason: "has_more is false before the final chunk"}
		}
		return "", false, nil
	}

	if ch.HasMore {
		return "", false, &cascadeerrors.AssemblyError{Path: path, Reason: "has_more is true on the final chunk"}
	}

	full := strings.Join(p.parts, "")
	delete(a.inFlight, path)
	a.done[path] = full
	return full, true, nil
}

// Drop discards any in-flight buffer for path, typically after the
// caller quarantines a bad sequence.
func (a *Assembler) Drop(path string) {
	delete(a.inFlight, path)
}

// Completed returns the finished files, keyed by relative path.
func (a *Assembler) Completed() map[string]string {
	out := make(map[string]string, len(a.done))
	for k, v := range a.done {
		out[k] = v
	}
	return out
}

// Incomplete lists paths that started a sequence but never finished,
// sorted for stable reporting.
func (a *Assembler) Incomplete() []string {
	paths := make([]string, 0, len(a.inFlight))
	for path := range a.inFlight {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
