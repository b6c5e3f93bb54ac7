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
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Entry is one file the walk admitted.
type Entry struct {
	// RelPath is the forward-slash path relative to the walk root.
	RelPath string

	// AbsPath is the resolved filesystem path.
	AbsPath string

	// Size is the file size in bytes.
	Size int64

	// SHA256 is the hex content digest.
	SHA256 string
}

// Skip records a file or directory the walk refused, with the policy
// reason. Skips are logged, never silent.
type Skip struct {
	RelPath string
	Reason  string
}

// Skip reasons.
const (
	SkipDeniedDir     = "denied_directory"
	SkipDeniedGlob    = "denied_glob"
	SkipDeniedExt     = "denied_extension"
	SkipTooLarge      = "too_large"
	SkipSymlinkEscape = "symlink_escape"
	SkipSnapshot      = "snapshot_directory"
	SkipUnreadable    = "unreadable"
)

// WalkOptions configures a mirror walk.
type WalkOptions struct {
	// DenyGlobs are doublestar patterns matched against relative paths.
	DenyGlobs []string

	// DenyExtensions are lowercase extensions (with dot) never admitted.
	DenyExtensions []string

	// MaxFileSize is the per-file byte cap. 0 means unlimited.
	MaxFileSize int64
}

// alwaysDeniedDirs are never walked regardless of configuration.
var alwaysDeniedDirs = map[string]bool{
	"venv":  true,
	".venv": true,
	"LOG":   true,
}

// Walk traverses root and returns admitted entries in lexical relative
// path order, plus every skip with its reason. Symlinks resolving outside
// root are skipped, not followed.
func Walk(root string, opts WalkOptions) ([]Entry, []Skip, error) {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, nil, err
	}
	rootName := filepath.Base(resolvedRoot)

	denyExt := make(map[string]bool, len(opts.DenyExtensions))
	for _, ext := range opts.DenyExtensions {
		denyExt[strings.ToLower(ext)] = true
	}

	var entries []Entry
	var skips []Skip

	err = filepath.WalkDir(resolvedRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == resolvedRoot {
				return walkErr
			}
			skips = append(skips, Skip{RelPath: relOf(resolvedRoot, path), Reason: SkipUnreadable})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path == resolvedRoot {
			return nil
		}

		rel := relOf(resolvedRoot, path)

		if d.IsDir() {
			if alwaysDeniedDirs[d.Name()] {
				skips = append(skips, Skip{RelPath: rel, Reason: SkipDeniedDir})
				return filepath.SkipDir
			}
			if IsSnapshotDir(d.Name(), rootName) {
				skips = append(skips, Skip{RelPath: rel, Reason: SkipSnapshot})
				return filepath.SkipDir
			}
			if matchAny(opts.DenyGlobs, rel+"/") || matchAny(opts.DenyGlobs, rel) {
				skips = append(skips, Skip{RelPath: rel, Reason: SkipDeniedGlob})
				return filepath.SkipDir
			}
			return nil
		}

		if matchAny(opts.DenyGlobs, rel) {
			skips = append(skips, Skip{RelPath: rel, Reason: SkipDeniedGlob})
			return nil
		}

		if ext := strings.ToLower(filepath.Ext(d.Name())); denyExt[ext] {
			skips = append(skips, Skip{RelPath: rel, Reason: SkipDeniedExt})
			return nil
		}

		// Symlinks must resolve back inside the root.
		if d.Type()&fs.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(path)
			if err != nil {
				skips = append(skips, Skip{RelPath: rel, Reason: SkipUnreadable})
				return nil
			}
			if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
				skips = append(skips, Skip{RelPath: rel, Reason: SkipSymlinkEscape})
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			skips = append(skips, Skip{RelPath: rel, Reason: SkipUnreadable})
			return nil
		}

		if opts.MaxFileSize > 0 && info.Size() > opts.MaxFileSize {
			skips = append(skips, Skip{RelPath: rel, Reason: SkipTooLarge})
			return nil
		}

		digest, err := hashFile(path)
		if err != nil {
			skips = append(skips, Skip{RelPath: rel, Reason: SkipUnreadable})
			return nil
		}

		entries = append(entries, Entry{
			RelPath: rel,
			AbsPath: path,
			Size:    info.Size(),
			SHA256:  digest,
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, skips, nil
}

// relOf returns the forward-slash relative path of path under root.
func relOf(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// matchAny reports whether rel matches any doublestar pattern.
func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// hashFile computes the hex sha256 of a file without loading it whole.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile is the exported variant used by the run log's fs.change events.
func HashFile(path string) (string, error) {
	return hashFile(path)
}
