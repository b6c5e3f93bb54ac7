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

// Package mirror uploads the safe subset of a working tree to the
// Provider and, when the model supports file_search, indexes it in a
// run-scoped vector store. Policy skips,
// secret skips and per-file upload failures are recorded in a manifest
// rather than failing the run; the mirror is advisory context for the
// model, not a deliverable.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/cascade/internal/pathsafe"
	"github.com/tombee/cascade/internal/scrub"
	"github.com/tombee/cascade/pkg/provider"
)

// Skip reasons added on top of the walker's.
const (
	SkipSecret       = "secret"
	SkipBinary       = "binary"
	SkipUploadFailed = "upload_failed"
)

// filePurpose is the Provider purpose for mirrored sources.
const filePurpose = "assistants"

// storeTimestampLayout matches the snapshot suffix: day month year hour
// minute.
const storeTimestampLayout = "020120061504"

// Uploader is the provider surface the mirror needs.
type Uploader interface {
	UploadFile(ctx context.Context, filename, purpose string, content io.Reader, idempotencyKey string) (*provider.File, error)
	CreateVectorStore(ctx context.Context, name string, expireDays int, idempotencyKey string) (*provider.VectorStore, error)
	AddVectorStoreFile(ctx context.Context, storeID, fileID string, attributes map[string]string, idempotencyKey string) (*provider.VectorStoreFile, error)
	WaitForIndexing(ctx context.Context, storeID string, poll, timeout time.Duration) (completed, failed int, err error)
}

// Config tunes one mirror pass.
type Config struct {
	Project        string
	RunID          string
	DenyExtensions []string
	DenyGlobs      []string
	MaxFileSize    int64
	// Workers is the upload pool size.
	Workers int
	// UploadRate caps uploads per second across the pool.
	UploadRate float64
	// ExpireDays is the vector store's last-active expiry.
	ExpireDays int
	// IndexPoll and IndexTimeout bound the indexing wait.
	IndexPoll    time.Duration
	IndexTimeout time.Duration
	// FileSearch creates and populates a vector store. Without it the
	// mirror is upload-only; the attached file ids are the model's only
	// path to the sources.
	FileSearch bool
	// Reuse maps relative paths to already-uploaded file ids, consulted
	// on resume so unchanged files are not re-uploaded. Keyed by
	// path + "\x00" + sha256.
	Reuse map[string]string
}

// UploadedFile records one mirrored file.
type UploadedFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	FileID string `json:"file_id"`
}

// Manifest is the mirror's record of what went up and what did not.
type Manifest struct {
	Project         string          `json:"project"`
	RunID           string          `json:"run_id"`
	CreatedAt       time.Time       `json:"created_at"`
	VectorStoreID   string          `json:"vector_store_id"`
	VectorStoreName string          `json:"vector_store_name"`
	Files           []UploadedFile  `json:"files"`
	Skips           []pathsafe.Skip `json:"skips"`
}

// Result is the outcome of a mirror pass.
type Result struct {
	Manifest       *Manifest
	ManifestFileID string
	// IndexedOK and IndexedFailed are the vector store's terminal file
	// counts after the indexing wait.
	IndexedOK     int
	IndexedFailed int
}

// Mirror walks, classifies, uploads and indexes the tree at root.
func Mirror(ctx context.Context, client Uploader, root string, cfg Config, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.UploadRate <= 0 {
		cfg.UploadRate = 5
	}
	if cfg.IndexPoll <= 0 {
		cfg.IndexPoll = 2 * time.Second
	}
	if cfg.IndexTimeout <= 0 {
		cfg.IndexTimeout = 5 * time.Minute
	}

	entries, skips, err := pathsafe.Walk(root, pathsafe.WalkOptions{
		DenyExtensions: cfg.DenyExtensions,
		DenyGlobs:      cfg.DenyGlobs,
		MaxFileSize:    cfg.MaxFileSize,
	})
	if err != nil {
		return nil, err
	}

	// Content classification happens before any byte leaves the machine.
	uploadable := make([]pathsafe.Entry, 0, len(entries))
	for _, entry := range entries {
		class, err := scrub.Classify(entry.AbsPath)
		if err != nil {
			skips = append(skips, pathsafe.Skip{RelPath: entry.RelPath, Reason: pathsafe.SkipUnreadable})
			continue
		}
		switch class {
		case scrub.ClassSecret:
			skips = append(skips, pathsafe.Skip{RelPath: entry.RelPath, Reason: SkipSecret})
		case scrub.ClassBinary:
			skips = append(skips, pathsafe.Skip{RelPath: entry.RelPath, Reason: SkipBinary})
		default:
			uploadable = append(uploadable, entry)
		}
	}

	var storeID, storeName string
	if cfg.FileSearch {
		storeName = cfg.Project + time.Now().Format(storeTimestampLayout)
		store, err := client.CreateVectorStore(ctx, storeName, cfg.ExpireDays, cfg.RunID+"_vectorstore")
		if err != nil {
			return nil, err
		}
		storeID = store.ID
	}

	uploaded, failedSkips := uploadAll(ctx, client, storeID, uploadable, cfg, logger)
	skips = append(skips, failedSkips...)

	sort.Slice(uploaded, func(i, j int) bool { return uploaded[i].Path < uploaded[j].Path })
	sort.Slice(skips, func(i, j int) bool { return skips[i].RelPath < skips[j].RelPath })

	manifest := &Manifest{
		Project:         cfg.Project,
		RunID:           cfg.RunID,
		CreatedAt:       time.Now().UTC(),
		VectorStoreID:   storeID,
		VectorStoreName: storeName,
		Files:           uploaded,
		Skips:           skips,
	}

	result := &Result{Manifest: manifest}

	// The manifest itself goes up so the model can answer "what files
	// exist" without guessing.
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		if f, upErr := client.UploadFile(ctx, "mirror_manifest.json", filePurpose, bytes.NewReader(manifestJSON), cfg.RunID+"_manifest_upload"); upErr == nil {
			result.ManifestFileID = f.ID
			if storeID != "" {
				if _, addErr := client.AddVectorStoreFile(ctx, storeID, f.ID, map[string]string{"source_path": "mirror_manifest.json"}, cfg.RunID+"_manifest"); addErr != nil {
					logger.Warn("manifest not indexed", slog.String("error", addErr.Error()))
				}
			}
		} else {
			logger.Warn("manifest upload failed", slog.String("error", upErr.Error()))
		}
	}

	if storeID != "" {
		ok, failed, err := client.WaitForIndexing(ctx, storeID, cfg.IndexPoll, cfg.IndexTimeout)
		if err != nil {
			return nil, err
		}
		result.IndexedOK = ok
		result.IndexedFailed = failed
	}

	logger.Info("mirror complete",
		slog.String("vector_store", storeID),
		slog.Int("uploaded", len(uploaded)),
		slog.Int("skipped", len(skips)),
		slog.Int("index_failed", result.IndexedFailed))
	return result, nil
}

// uploadAll runs the worker pool. Each file is uploaded, attached to
// the store with its source path, and recorded; failures become skips.
func uploadAll(ctx context.Context, client Uploader, storeID string, entries []pathsafe.Entry, cfg Config, logger *slog.Logger) ([]UploadedFile, []pathsafe.Skip) {
	limiter := rate.NewLimiter(rate.Limit(cfg.UploadRate), 1)

	var (
		mu       sync.Mutex
		uploaded []UploadedFile
		skips    []pathsafe.Skip
	)

	jobs := make(chan pathsafe.Entry)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				file, err := uploadOne(ctx, client, limiter, storeID, entry, cfg)
				mu.Lock()
				if err != nil {
					logger.Warn("upload failed",
						slog.String("path", entry.RelPath),
						slog.String("error", err.Error()))
					skips = append(skips, pathsafe.Skip{RelPath: entry.RelPath, Reason: SkipUploadFailed})
				} else {
					uploaded = append(uploaded, *file)
				}
				mu.Unlock()
			}
		}()
	}

	for _, entry := range entries {
		jobs <- entry
	}
	close(jobs)
	wg.Wait()

	return uploaded, skips
}

func uploadOne(ctx context.Context, client Uploader, limiter *rate.Limiter, storeID string, entry pathsafe.Entry, cfg Config) (*UploadedFile, error) {
	reuseKey := entry.RelPath + "\x00" + entry.SHA256
	fileID, reused := cfg.Reuse[reuseKey]

	if !reused {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(entry.AbsPath)
		if err != nil {
			return nil, err
		}
		uploadKey := fmt.Sprintf("%s_upload_%s", cfg.RunID, entry.SHA256[:16])
		file, err := client.UploadFile(ctx, entry.RelPath, filePurpose, bytes.NewReader(data), uploadKey)
		if err != nil {
			return nil, err
		}
		fileID = file.ID
	}

	if storeID != "" {
		attrs := map[string]string{"source_path": entry.RelPath}
		idemKey := fmt.Sprintf("%s_mirror_%s", cfg.RunID, entry.SHA256[:16])
		if _, err := client.AddVectorStoreFile(ctx, storeID, fileID, attrs, idemKey); err != nil {
			return nil, err
		}
	}

	return &UploadedFile{
		Path:   entry.RelPath,
		SHA256: entry.SHA256,
		Size:   entry.Size,
		FileID: fileID,
	}, nil
}
