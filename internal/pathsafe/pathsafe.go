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

// Package pathsafe enforces the project-root jail. Every path received
// from the Provider goes through ValidateRelPath and SafeJoin before any
// byte is written; nothing in the rest of the codebase joins paths by hand.
package pathsafe

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// snapshotSuffix matches the 12-digit DDMMYYYYHHMM timestamp appended to
// versioning snapshot directory names.
var snapshotSuffix = regexp.MustCompile(`\d{12}$`)

// ValidateRelPath checks that a Provider-supplied path is a safe relative
// path: forward slashes only, no leading separator, no drive letter, no
// ".." segment, no NUL or control characters.
func ValidateRelPath(path string) error {
	if path == "" {
		return &cascadeerrors.PathPolicyError{Path: path, Reason: "empty path"}
	}
	if strings.ContainsRune(path, '\\') {
		return &cascadeerrors.PathPolicyError{Path: path, Reason: "backslashes are not allowed"}
	}
	if strings.HasPrefix(path, "/") {
		return &cascadeerrors.PathPolicyError{Path: path, Reason: "absolute paths are not allowed"}
	}
	if len(path) >= 2 && path[1] == ':' && unicode.IsLetter(rune(path[0])) {
		return &cascadeerrors.PathPolicyError{Path: path, Reason: "drive-letter paths are not allowed"}
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return &cascadeerrors.PathPolicyError{Path: path, Reason: "parent traversal is not allowed"}
		}
		if segment == "" {
			return &cascadeerrors.PathPolicyError{Path: path, Reason: "empty path segment"}
		}
	}
	for _, r := range path {
		if r == 0 || (r < 0x20 && r != '\t') {
			return &cascadeerrors.PathPolicyError{Path: path, Reason: "control characters are not allowed"}
		}
	}
	return nil
}

// ValidateRelPaths validates a batch of paths and rejects duplicates
// (case-insensitive, so the same file cannot be planned twice on
// case-folding filesystems).
func ValidateRelPaths(paths []string) error {
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		if err := ValidateRelPath(p); err != nil {
			return err
		}
		key := strings.ToLower(p)
		if prev, ok := seen[key]; ok {
			reason := "duplicate path"
			if prev != p {
				reason = "duplicate path (case collision with " + prev + ")"
			}
			return &cascadeerrors.PathPolicyError{Path: p, Reason: reason}
		}
		seen[key] = p
	}
	return nil
}

// SafeJoin joins a validated relative path onto root and verifies the
// result stays inside root after cleaning. It is the only sanctioned way
// to turn a Provider path into a filesystem path.
func SafeJoin(root, rel string) (string, error) {
	if err := ValidateRelPath(rel); err != nil {
		return "", err
	}

	joined := filepath.Join(root, filepath.FromSlash(rel))

	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", &cascadeerrors.PathPolicyError{Path: rel, Reason: "escapes project root"}
	}
	return joined, nil
}

// IsSnapshotDir reports whether name looks like a versioning snapshot of
// rootName: the root's base name followed by a 12-digit timestamp.
// Snapshot directories are excluded from walks and from later snapshots.
func IsSnapshotDir(name, rootName string) bool {
	if !strings.HasPrefix(name, rootName) {
		return false
	}
	rest := name[len(rootName):]
	return len(rest) == 12 && snapshotSuffix.MatchString(rest)
}
