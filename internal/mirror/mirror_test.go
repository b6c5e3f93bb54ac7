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

package mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/pkg/provider"
)

// fakeUploader records provider traffic and can fail named paths.
type fakeUploader struct {
	mu          sync.Mutex
	nextID      int
	uploadCalls int
	uploads     map[string]string // filename -> file id
	uploadKeys  map[string]string // filename -> idempotency key
	attached    map[string]map[string]string
	failPaths   map[string]bool
	storeNames  []string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		uploads:    make(map[string]string),
		uploadKeys: make(map[string]string),
		attached:   make(map[string]map[string]string),
		failPaths:  make(map[string]bool),
	}
}

func (f *fakeUploader) UploadFile(_ context.Context, filename, purpose string, content io.Reader, idempotencyKey string) (*provider.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPaths[filename] {
		return nil, fmt.Errorf("simulated upload failure for %s", filename)
	}
	if _, err := io.ReadAll(content); err != nil {
		return nil, err
	}
	f.uploadCalls++
	f.nextID++
	id := fmt.Sprintf("file-%03d", f.nextID)
	f.uploads[filename] = id
	f.uploadKeys[filename] = idempotencyKey
	return &provider.File{ID: id, Filename: filename, Purpose: purpose}, nil
}

func (f *fakeUploader) CreateVectorStore(_ context.Context, name string, _ int, _ string) (*provider.VectorStore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeNames = append(f.storeNames, name)
	return &provider.VectorStore{ID: "vs-1", Name: name}, nil
}

func (f *fakeUploader) AddVectorStoreFile(_ context.Context, storeID, fileID string, attributes map[string]string, _ string) (*provider.VectorStoreFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached[storeID] == nil {
		f.attached[storeID] = make(map[string]string)
	}
	f.attached[storeID][fileID] = attributes["source_path"]
	return &provider.VectorStoreFile{ID: fileID, Status: "completed"}, nil
}

func (f *fakeUploader) WaitForIndexing(_ context.Context, storeID string, _, _ time.Duration) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attached[storeID]), 0, nil
}

func writeTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "myproject")
	files := map[string]string{
		"main.py":         "print('hello')\n",
		"src/util.py":     "def f(): pass\n",
		".env":            "API_KEY=topsecret\n",
		"venv/ignored.py": "ignored\n",
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.dat"), []byte{0x00, 0x01, 0x02}, 0644))
	return root
}

func testConfig() Config {
	return Config{
		Project:    "myproject",
		RunID:      "RUN_140320260926_ab12",
		ExpireDays: 7,
		IndexPoll:  time.Millisecond,
		FileSearch: true,
	}
}

func TestMirrorUploadsCleanFiles(t *testing.T) {
	root := writeTree(t)
	f := newFakeUploader()

	res, err := Mirror(context.Background(), f, root, testConfig(), nil)
	require.NoError(t, err)

	paths := make([]string, 0, len(res.Manifest.Files))
	for _, up := range res.Manifest.Files {
		paths = append(paths, up.Path)
		assert.NotEmpty(t, up.FileID)
		assert.Len(t, up.SHA256, 64)
	}
	assert.Equal(t, []string{"main.py", "src/util.py"}, paths)
	assert.Equal(t, "vs-1", res.Manifest.VectorStoreID)

	// Each upload carries a run-scoped idempotency key.
	for name, key := range f.uploadKeys {
		assert.Contains(t, key, "RUN_140320260926_ab12", name)
	}
}

func TestMirrorUploadOnlyWithoutFileSearch(t *testing.T) {
	root := writeTree(t)
	f := newFakeUploader()

	cfg := testConfig()
	cfg.FileSearch = false

	res, err := Mirror(context.Background(), f, root, cfg, nil)
	require.NoError(t, err)

	// Files still go up; no vector store is ever created or populated.
	require.Len(t, res.Manifest.Files, 2)
	assert.Empty(t, f.storeNames)
	assert.Empty(t, f.attached)
	assert.Empty(t, res.Manifest.VectorStoreID)
	assert.NotEmpty(t, res.ManifestFileID)
	assert.Zero(t, res.IndexedOK)
}

func TestMirrorSkipsSecretsAndBinaries(t *testing.T) {
	root := writeTree(t)
	f := newFakeUploader()

	res, err := Mirror(context.Background(), f, root, testConfig(), nil)
	require.NoError(t, err)

	reasons := make(map[string]string)
	for _, s := range res.Manifest.Skips {
		reasons[s.RelPath] = s.Reason
	}
	assert.Equal(t, SkipSecret, reasons[".env"])
	assert.Equal(t, SkipBinary, reasons["blob.dat"])

	// Nothing secret ever reached the uploader.
	_, uploaded := f.uploads[".env"]
	assert.False(t, uploaded)
}

func TestMirrorToleratesUploadFailure(t *testing.T) {
	root := writeTree(t)
	f := newFakeUploader()
	f.failPaths["src/util.py"] = true

	res, err := Mirror(context.Background(), f, root, testConfig(), nil)
	require.NoError(t, err)

	reasons := make(map[string]string)
	for _, s := range res.Manifest.Skips {
		reasons[s.RelPath] = s.Reason
	}
	assert.Equal(t, SkipUploadFailed, reasons["src/util.py"])

	// The healthy file still made it.
	require.Len(t, res.Manifest.Files, 1)
	assert.Equal(t, "main.py", res.Manifest.Files[0].Path)
}

func TestMirrorStoreNameCarriesTimestamp(t *testing.T) {
	root := writeTree(t)
	f := newFakeUploader()

	_, err := Mirror(context.Background(), f, root, testConfig(), nil)
	require.NoError(t, err)

	require.Len(t, f.storeNames, 1)
	name := f.storeNames[0]
	require.True(t, len(name) > len("myproject"))
	assert.Equal(t, "myproject", name[:len("myproject")])
	assert.Regexp(t, `^\d{12}$`, name[len("myproject"):])
}

func TestMirrorAttachesSourcePaths(t *testing.T) {
	root := writeTree(t)
	f := newFakeUploader()

	res, err := Mirror(context.Background(), f, root, testConfig(), nil)
	require.NoError(t, err)

	attached := f.attached["vs-1"]
	sources := make(map[string]bool)
	for _, src := range attached {
		sources[src] = true
	}
	assert.True(t, sources["main.py"])
	assert.True(t, sources["src/util.py"])
	assert.True(t, sources["mirror_manifest.json"])
	assert.NotEmpty(t, res.ManifestFileID)
}

func TestMirrorReusesUploadedFiles(t *testing.T) {
	root := writeTree(t)
	f := newFakeUploader()

	first, err := Mirror(context.Background(), f, root, testConfig(), nil)
	require.NoError(t, err)

	reuse := make(map[string]string)
	for _, up := range first.Manifest.Files {
		reuse[up.Path+"\x00"+up.SHA256] = up.FileID
	}

	cfg := testConfig()
	cfg.Reuse = reuse
	callsBefore := f.uploadCalls

	second, err := Mirror(context.Background(), f, root, cfg, nil)
	require.NoError(t, err)

	// Only the manifest is uploaded again; sources are reused by id.
	assert.Equal(t, callsBefore+1, f.uploadCalls)
	require.Len(t, second.Manifest.Files, 2)
	assert.Equal(t, first.Manifest.Files[0].FileID, second.Manifest.Files[0].FileID)
}
