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

package provider

import (
	"context"
	"net/http"
	"time"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// VectorStore is the Provider's vector store object.
type VectorStore struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

// VectorStoreFile tracks one file's indexing state inside a store.
type VectorStoreFile struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error,omitempty"`
}

// expiresAfter is the store expiration policy sent on creation.
type expiresAfter struct {
	Anchor string `json:"anchor"`
	Days   int    `json:"days"`
}

type createVectorStoreRequest struct {
	Name         string        `json:"name"`
	ExpiresAfter *expiresAfter `json:"expires_after,omitempty"`
}

type addVectorStoreFileRequest struct {
	FileID     string            `json:"file_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type vectorStoreFileList struct {
	Data []VectorStoreFile `json:"data"`
}

// CreateVectorStore creates a named store. expireDays > 0 attaches a
// last-active expiration policy so abandoned stores clean themselves up.
func (c *Client) CreateVectorStore(ctx context.Context, name string, expireDays int, idempotencyKey string) (*VectorStore, error) {
	req := createVectorStoreRequest{Name: name}
	if expireDays > 0 {
		req.ExpiresAfter = &expiresAfter{Anchor: "last_active_at", Days: expireDays}
	}
	var store VectorStore
	if err := c.doJSON(ctx, http.MethodPost, "/vector_stores", req, idempotencyKey, &store); err != nil {
		return nil, err
	}
	return &store, nil
}

// AddVectorStoreFile attaches an uploaded file to a store. Attributes carry
// the project-relative source path so file_search hits can be traced back.
func (c *Client) AddVectorStoreFile(ctx context.Context, storeID, fileID string, attributes map[string]string, idempotencyKey string) (*VectorStoreFile, error) {
	req := addVectorStoreFileRequest{FileID: fileID, Attributes: attributes}
	var vsf VectorStoreFile
	if err := c.doJSON(ctx, http.MethodPost, "/vector_stores/"+storeID+"/files", req, idempotencyKey, &vsf); err != nil {
		return nil, err
	}
	return &vsf, nil
}

// ListVectorStoreFiles lists the files attached to a store with their
// indexing status.
func (c *Client) ListVectorStoreFiles(ctx context.Context, storeID string) ([]VectorStoreFile, error) {
	var list vectorStoreFileList
	if err := c.doJSON(ctx, http.MethodGet, "/vector_stores/"+storeID+"/files", nil, "", &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// DeleteVectorStore removes a store.
func (c *Client) DeleteVectorStore(ctx context.Context, storeID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/vector_stores/"+storeID, nil, "", nil)
}

// WaitForIndexing polls until every file in the store reaches a terminal
// indexing state or the deadline passes. Files that fail indexing are
// reported, not fatal; search quality degrades but the run continues.
func (c *Client) WaitForIndexing(ctx context.Context, storeID string, poll, timeout time.Duration) (completed, failed int, err error) {
	deadline := time.Now().Add(timeout)
	for {
		files, err := c.ListVectorStoreFiles(ctx, storeID)
		if err != nil {
			return 0, 0, err
		}

		completed, failed = 0, 0
		pending := 0
		for _, f := range files {
			switch f.Status {
			case "completed":
				completed++
			case "failed", "cancelled":
				failed++
			default:
				pending++
			}
		}
		if pending == 0 {
			return completed, failed, nil
		}

		if time.Now().After(deadline) {
			return completed, failed, &cascadeerrors.TimeoutError{
				Operation: "vector store indexing",
				Duration:  timeout,
			}
		}

		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return completed, failed, ctx.Err()
		}
	}
}
