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

package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func newRoot(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "myproject")
	writeFile(t, filepath.Join(root, "main.py"), "print('hi')\n")
	writeFile(t, filepath.Join(root, "src", "util.py"), "def f(): pass\n")
	writeFile(t, filepath.Join(root, "venv", "lib.py"), "ignored")
	writeFile(t, filepath.Join(root, "LOG", "run.jsonl"), "ignored")
	return root
}

func TestEnsureTakenCopiesTree(t *testing.T) {
	root := newRoot(t)
	s := New(root, nil)
	s.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC) }

	dir, err := s.EnsureTaken()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(root), "myproject140320260926"), dir)

	data, err := os.ReadFile(filepath.Join(dir, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))

	_, err = os.Stat(filepath.Join(dir, "src", "util.py"))
	assert.NoError(t, err)
}

func TestEnsureTakenSkipsIgnoredDirs(t *testing.T) {
	root := newRoot(t)
	s := New(root, nil)

	dir, err := s.EnsureTaken()
	require.NoError(t, err)

	for _, skipped := range []string{"venv", "LOG"} {
		_, err := os.Stat(filepath.Join(dir, skipped))
		assert.True(t, os.IsNotExist(err), skipped)
	}
}

func TestEnsureTakenOncePerRun(t *testing.T) {
	root := newRoot(t)
	s := New(root, nil)

	first, err := s.EnsureTaken()
	require.NoError(t, err)

	// Mutate the tree; a second call must not re-copy.
	writeFile(t, filepath.Join(root, "new.py"), "later\n")
	second, err := s.EnsureTaken()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = os.Stat(filepath.Join(first, "new.py"))
	assert.True(t, os.IsNotExist(err))
}

func TestEnsureTakenSkipsPriorSnapshots(t *testing.T) {
	root := newRoot(t)

	// A leftover snapshot from an earlier run sits inside the root.
	writeFile(t, filepath.Join(root, "myproject010120260000", "old.py"), "old")

	s := New(root, nil)
	dir, err := s.EnsureTaken()
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "myproject010120260000"))
	assert.True(t, os.IsNotExist(err))
}

func TestEnsureTakenMissingRoot(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist"), nil)

	dir, err := s.EnsureTaken()
	require.NoError(t, err)
	assert.Equal(t, "", dir)
	assert.Equal(t, "", s.Dir())
}

func TestDirEmptyBeforeSnapshot(t *testing.T) {
	s := New(newRoot(t), nil)
	assert.Equal(t, "", s.Dir())
}
