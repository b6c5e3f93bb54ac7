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
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// quarantineDir is the output subdirectory holding rejected payloads.
const quarantineDir = "_invalid"

// Quarantine writes a rejected payload to outDir/_invalid/<step>.json
// so the raw text survives for inspection without ever being written
// into the deliverable tree. The reason is recorded alongside the
// payload; a retried step overwrites its earlier rejection. A
// quarantine failure is reported but never masks the contract error
// that caused it.
func Quarantine(outDir, stepKey, payload string, cause error) (string, error) {
	dir := filepath.Join(outDir, quarantineDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating quarantine dir: %w", err)
	}

	path := filepath.Join(dir, sanitizeStepKey(stepKey)+".json")

	var b strings.Builder
	b.WriteString("// rejected: ")
	if cause != nil {
		b.WriteString(cause.Error())
	} else {
		b.WriteString("unknown")
	}
	b.WriteString("\n")
	b.WriteString(payload)

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("writing quarantine file: %w", err)
	}
	return path, nil
}

// sanitizeStepKey keeps quarantine file names filesystem-safe.
func sanitizeStepKey(stepKey string) string {
	if stepKey == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, stepKey)
}
