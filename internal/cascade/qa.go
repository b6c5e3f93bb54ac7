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
	"os"

	"github.com/tombee/cascade/internal/pathsafe"
	"github.com/tombee/cascade/internal/scrub"
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// qfileInlineLimit caps how much of a file QFile inlines into the
// prompt; anything longer relies on the mirror via file_search.
const qfileInlineLimit = 60_000

// QA answers a free-form question about the mirrored codebase. Nothing
// is written to disk.
func (e *Engine) QA(ctx context.Context, question string) (*Outcome, error) {
	input := fmt.Sprintf("%sQuestion:\n%s", uploadedFilesBlock(e.cfg.UploadedFiles), question)
	answer, err := e.callModel(ctx, "QA", qaInstructions, input, false)
	if err != nil {
		return nil, err
	}
	return &Outcome{Answer: answer}, nil
}

// QFile answers a question about one specific file, inlining its
// current content when it is small enough and safe to send.
func (e *Engine) QFile(ctx context.Context, question, relPath string) (*Outcome, error) {
	abs, err := pathsafe.SafeJoin(e.cfg.Root, relPath)
	if err != nil {
		return nil, err
	}

	input := fmt.Sprintf("%sQuestion about %q:\n%s", uploadedFilesBlock(e.cfg.UploadedFiles), relPath, question)

	class, err := scrub.Classify(abs)
	if err != nil {
		return nil, &cascadeerrors.StorageError{Op: "read " + relPath, Cause: err}
	}
	if class == scrub.ClassClean {
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, &cascadeerrors.StorageError{Op: "read " + relPath, Cause: err}
		}
		if len(data) <= qfileInlineLimit {
			input = fmt.Sprintf("%s\n\nCurrent content of %q:\n%s", input, relPath, string(data))
		}
	}

	answer, err := e.callModel(ctx, "QFILE:"+relPath, qaInstructions, input, false)
	if err != nil {
		return nil, err
	}
	return &Outcome{Answer: answer}, nil
}
