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
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// File is the Provider's file object.
type File struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
}

// fileList is the envelope for GET /files.
type fileList struct {
	Data []File `json:"data"`
}

// UploadFile uploads content as a named file with the given purpose
// ("assistants" for mirror files, "batch" for batch input). A non-empty
// idempotencyKey keeps a retried upload from duplicating the file.
func (c *Client) UploadFile(ctx context.Context, filename, purpose string, content io.Reader, idempotencyKey string) (*File, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("purpose", purpose); err != nil {
		return nil, fmt.Errorf("failed to write purpose field: %w", err)
	}

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.mapTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.mapTransportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.mapStatusError(resp, respBody)
	}

	var file File
	if err := unmarshalBody(respBody, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// GetFile fetches file metadata.
func (c *Client) GetFile(ctx context.Context, id string) (*File, error) {
	var file File
	if err := c.doJSON(ctx, http.MethodGet, "/files/"+id, nil, "", &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// ListFiles lists uploaded files, optionally filtered by purpose.
func (c *Client) ListFiles(ctx context.Context, purpose string) ([]File, error) {
	path := "/files"
	if purpose != "" {
		path += "?purpose=" + purpose
	}
	var list fileList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, "", &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// DeleteFile removes a file from the Provider.
func (c *Client) DeleteFile(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/files/"+id, nil, "", nil)
}

// FileContent downloads a file's raw bytes. Used for batch output and
// error files.
func (c *Client) FileContent(ctx context.Context, id string) ([]byte, error) {
	return c.doRaw(ctx, http.MethodGet, "/files/"+id+"/content")
}
