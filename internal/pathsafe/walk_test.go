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

package pathsafe

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestWalkAdmitsInLexicalOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "b.txt", "bee")
	writeFile(t, root, "a/z.go", "zed")
	writeFile(t, root, "a/a.go", "aye")

	entries, skips, err := Walk(root, WalkOptions{})
	require.NoError(t, err)
	assert.Empty(t, skips)

	var rels []string
	for _, e := range entries {
		rels = append(rels, e.RelPath)
	}
	assert.Equal(t, []string{"a/a.go", "a/z.go", "b.txt"}, rels)
	assert.True(t, sort.StringsAreSorted(rels))
	assert.NotEmpty(t, entries[0].SHA256)
	assert.Equal(t, int64(3), entries[0].Size)
}

func TestWalkDeniesDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "ok")
	writeFile(t, root, "venv/lib.py", "nope")
	writeFile(t, root, ".venv/lib.py", "nope")
	writeFile(t, root, "LOG/run.json", "nope")

	entries, skips, err := Walk(root, WalkOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "main.go", entries[0].RelPath)

	reasons := map[string]string{}
	for _, s := range skips {
		reasons[s.RelPath] = s.Reason
	}
	assert.Equal(t, SkipDeniedDir, reasons["venv"])
	assert.Equal(t, SkipDeniedDir, reasons[".venv"])
	assert.Equal(t, SkipDeniedDir, reasons["LOG"])
}

func TestWalkDenyGlobsAndExtensions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.go", "ok")
	writeFile(t, root, "node_modules/pkg/index.js", "nope")
	writeFile(t, root, "model.onnx", "binary")

	entries, skips, err := Walk(root, WalkOptions{
		DenyGlobs:      []string{"**/node_modules/**"},
		DenyExtensions: []string{".onnx"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "src/main.go", entries[0].RelPath)

	var reasons []string
	for _, s := range skips {
		reasons = append(reasons, s.Reason)
	}
	assert.Contains(t, reasons, SkipDeniedExt)
}

func TestWalkSizeCap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "small.txt", "ok")
	writeFile(t, root, "big.txt", "this one is over the cap")

	entries, skips, err := Walk(root, WalkOptions{MaxFileSize: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "small.txt", entries[0].RelPath)
	require.Len(t, skips, 1)
	assert.Equal(t, SkipTooLarge, skips[0].Reason)
}

func TestWalkSkipsSnapshotDirs(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "proj")
	require.NoError(t, os.MkdirAll(root, 0755))
	writeFile(t, root, "main.go", "ok")
	writeFile(t, root, "proj251220261430/old.go", "stale copy")

	entries, skips, err := Walk(root, WalkOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "main.go", entries[0].RelPath)
	require.Len(t, skips, 1)
	assert.Equal(t, SkipSnapshot, skips[0].Reason)
}

func TestWalkSkipsEscapingSymlink(t *testing.T) {
	outside := t.TempDir()
	writeFile(t, outside, "secret.txt", "outside")

	root := t.TempDir()
	writeFile(t, root, "main.go", "ok")
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "link.txt")))

	entries, skips, err := Walk(root, WalkOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "main.go", entries[0].RelPath)
	require.Len(t, skips, 1)
	assert.Equal(t, SkipSymlinkEscape, skips[0].Reason)
}
