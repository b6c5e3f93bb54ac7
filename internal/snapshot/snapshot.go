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

// Package snapshot takes a one-time copy of the working tree before the
// first destructive write of a run. The copy lands in a sibling
// directory named after the root plus a timestamp, so repeated runs
// leave an ordered trail of before states.
package snapshot

import (
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/cascade/internal/pathsafe"
	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// timestampLayout renders day month year hour minute, matching the
// snapshot directory suffix IsSnapshotDir expects.
const timestampLayout = "020120061504"

// skippedDirs are never copied into a snapshot.
var skippedDirs = map[string]bool{
	"venv":  true,
	".venv": true,
	"LOG":   true,
	".git":  true,
}

// Snapshotter guards a root directory with an at-most-once snapshot per
// run. It is safe for concurrent use; only the first EnsureTaken copies
// anything.
type Snapshotter struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	taken bool
	dir   string
	now   func() time.Time
}

// New returns a Snapshotter for root. The logger may be nil.
func New(root string, logger *slog.Logger) *Snapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{root: root, logger: logger, now: time.Now}
}

// Dir returns the snapshot directory, or "" when no snapshot has been
// taken yet.
func (s *Snapshotter) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// EnsureTaken copies the root before the first destructive write of the
// run. Later calls return the existing snapshot path without touching
// the filesystem. A run that never writes never snapshots.
func (s *Snapshotter) EnsureTaken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taken {
		return s.dir, nil
	}

	// A root that does not exist yet has no before state to preserve.
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		s.taken = true
		return "", nil
	}

	rootName := filepath.Base(filepath.Clean(s.root))
	dirName := rootName + s.now().Format(timestampLayout)
	dest := filepath.Join(filepath.Dir(filepath.Clean(s.root)), dirName)

	start := time.Now()
	copied, err := copyTree(s.root, dest, rootName)
	if err != nil {
		// Leave a partial snapshot in place for inspection rather than
		// deleting files during a failure.
		return "", &cascadeerrors.StorageError{Op: "snapshot " + s.root, Cause: err}
	}

	s.taken = true
	s.dir = dest
	s.logger.Info("snapshot taken",
		slog.String("dir", dest),
		slog.Int("files", copied),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return dest, nil
}

// copyTree copies root into dest, skipping ignored directories, prior
// snapshots of the same root, and symlinks. Returns the file count.
func copyTree(root, dest, rootName string) (int, error) {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, err
	}

	copied := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if skippedDirs[name] || pathsafe.IsSnapshotDir(name, rootName) {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dest, rel), 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		if err := copyFile(path, filepath.Join(dest, rel)); err != nil {
			return err
		}
		copied++
		return nil
	})
	return copied, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
