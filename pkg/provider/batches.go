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
)

// Batch is the Provider's batch object.
type Batch struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Endpoint         string `json:"endpoint"`
	InputFileID      string `json:"input_file_id"`
	OutputFileID     string `json:"output_file_id,omitempty"`
	ErrorFileID      string `json:"error_file_id,omitempty"`
	CompletionWindow string `json:"completion_window"`
	CreatedAt        int64  `json:"created_at"`
	RequestCounts    struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TerminalBatchStates are the states a batch never leaves.
var TerminalBatchStates = map[string]bool{
	"completed": true,
	"failed":    true,
	"expired":   true,
	"cancelled": true,
}

// IsTerminal reports whether the batch has finished one way or another.
func (b *Batch) IsTerminal() bool {
	return TerminalBatchStates[b.Status]
}

type createBatchRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type batchList struct {
	Data []Batch `json:"data"`
}

// CreateBatch submits a JSONL input file for deferred execution against
// the Responses endpoint.
func (c *Client) CreateBatch(ctx context.Context, inputFileID, completionWindow string, metadata map[string]string, idempotencyKey string) (*Batch, error) {
	req := createBatchRequest{
		InputFileID:      inputFileID,
		Endpoint:         "/v1/responses",
		CompletionWindow: completionWindow,
		Metadata:         metadata,
	}
	var batch Batch
	if err := c.doJSON(ctx, http.MethodPost, "/batches", req, idempotencyKey, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// GetBatch fetches a batch's current state.
func (c *Client) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var batch Batch
	if err := c.doJSON(ctx, http.MethodGet, "/batches/"+id, nil, "", &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// ListBatches lists batches known to the Provider.
func (c *Client) ListBatches(ctx context.Context) ([]Batch, error) {
	var list batchList
	if err := c.doJSON(ctx, http.MethodGet, "/batches", nil, "", &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// CancelBatch requests cancellation of a running batch.
func (c *Client) CancelBatch(ctx context.Context, id string) (*Batch, error) {
	var batch Batch
	if err := c.doJSON(ctx, http.MethodPost, "/batches/"+id+"/cancel", nil, "", &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}
