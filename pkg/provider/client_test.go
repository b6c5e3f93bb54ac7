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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.APIKey = "sk-test"
	cfg.Timeout = 5 * time.Second
	cfg.RetryAttempts = 0
	cfg.BreakerThreshold = 0

	client, err := New(cfg)
	require.NoError(t, err)
	return client, server
}

func TestNewRequiresAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = ""
	_, err := New(cfg)

	var configErr *cascadeerrors.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "provider.api_key", configErr.Key)
}

func TestCreateResponseSendsAuthAndIdempotency(t *testing.T) {
	var gotAuth, gotIdem string
	var gotBody map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(Response{ID: "resp_1", Status: "completed", OutputText: "{}"})
	}))

	temp := 0.0
	resp, err := client.CreateResponse(context.Background(), &ResponsesRequest{
		Model:          "gpt-4.1",
		Instructions:   "emit a JSON object",
		Input:          []Message{{Role: "user", Content: []ContentPart{TextPart("hello")}}},
		Temperature:    &temp,
		IdempotencyKey: "RUN_x_A1",
	})
	require.NoError(t, err)

	assert.Equal(t, "resp_1", resp.ID)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "RUN_x_A1", gotIdem)
	assert.Equal(t, float64(0), gotBody["temperature"])
	// The idempotency key must never appear in the body.
	_, inBody := gotBody["IdempotencyKey"]
	assert.False(t, inBody)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   cascadeerrors.Kind
	}{
		{http.StatusUnauthorized, cascadeerrors.KindAuth},
		{http.StatusForbidden, cascadeerrors.KindAuth},
		{http.StatusTooManyRequests, cascadeerrors.KindRateLimited},
		{http.StatusBadRequest, cascadeerrors.KindBadRequest},
		{http.StatusInternalServerError, cascadeerrors.KindServer},
	}
	for _, tt := range tests {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("x-request-id", "req_42")
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":{"message":"it broke","type":"test_error"}}`))
		}))

		_, err := client.ListModels(context.Background())
		var provErr *cascadeerrors.ProviderError
		require.ErrorAs(t, err, &provErr, "status %d", tt.status)
		assert.Equal(t, tt.kind, provErr.Kind)
		assert.Equal(t, tt.status, provErr.StatusCode)
		assert.Equal(t, "it broke", provErr.Message)
		assert.Equal(t, "req_42", provErr.RequestID)
	}
}

func TestErrorMappingParamIncluded(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"unsupported value","param":"temperature"}}`))
	}))

	_, err := client.ListModels(context.Background())
	var provErr *cascadeerrors.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Contains(t, provErr.Message, "param: temperature")
}

func TestExtractTextPrefersOutputText(t *testing.T) {
	resp := &Response{
		OutputText: "direct",
		Output: []OutputItem{
			{Type: "message", Content: []OutputContent{{Type: "output_text", Text: "walked"}}},
		},
	}
	assert.Equal(t, "direct", ExtractText(resp))
}

func TestExtractTextWalksOutput(t *testing.T) {
	resp := &Response{
		Output: []OutputItem{
			{Type: "message", Content: []OutputContent{
				{Type: "output_text", Text: "part one "},
				{Type: "text", Text: "part two"},
				{Type: "refusal", Text: "ignored"},
			}},
			{Type: "file_search_call"},
		},
	}
	assert.Equal(t, "part one part two", ExtractText(resp))
	assert.Equal(t, "", ExtractText(nil))
}

func TestUploadFileMultipart(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "batch", r.FormValue("purpose"))
		assert.Equal(t, "RUN_1_batch_input", r.Header.Get("Idempotency-Key"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "input.jsonl", header.Filename)

		json.NewEncoder(w).Encode(File{ID: "file_1", Filename: header.Filename, Purpose: "batch"})
	}))

	file, err := client.UploadFile(context.Background(), "input.jsonl", "batch", jsonlReader(), "RUN_1_batch_input")
	require.NoError(t, err)
	assert.Equal(t, "file_1", file.ID)
}

func TestCreateBatchTargetsResponses(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/batches", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(Batch{ID: "batch_1", Status: "validating"})
	}))

	batch, err := client.CreateBatch(context.Background(), "file_1", "24h", map[string]string{"run_id": "RUN_x"}, "RUN_x_C_submit")
	require.NoError(t, err)
	assert.Equal(t, "batch_1", batch.ID)
	assert.Equal(t, "/v1/responses", gotBody["endpoint"])
	assert.Equal(t, "24h", gotBody["completion_window"])
}

func TestBatchIsTerminal(t *testing.T) {
	for _, status := range []string{"completed", "failed", "expired", "cancelled"} {
		assert.True(t, (&Batch{Status: status}).IsTerminal(), status)
	}
	for _, status := range []string{"validating", "in_progress", "finalizing", "cancelling"} {
		assert.False(t, (&Batch{Status: status}).IsTerminal(), status)
	}
}

func TestWaitForIndexing(t *testing.T) {
	var polls int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "in_progress"
		if polls >= 2 {
			status = "completed"
		}
		json.NewEncoder(w).Encode(vectorStoreFileList{Data: []VectorStoreFile{
			{ID: "vsf_1", Status: status},
			{ID: "vsf_2", Status: "failed"},
		}})
	}))

	completed, failed, err := client.WaitForIndexing(context.Background(), "vs_1", time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
	assert.GreaterOrEqual(t, polls, 2)
}

func TestWaitForIndexingTimeout(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(vectorStoreFileList{Data: []VectorStoreFile{{ID: "vsf_1", Status: "in_progress"}}})
	}))

	_, _, err := client.WaitForIndexing(context.Background(), "vs_1", time.Millisecond, 10*time.Millisecond)
	var timeoutErr *cascadeerrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func jsonlReader() *strings.Reader {
	return strings.NewReader(`{"custom_id":"RUN_x_C1"}` + "\n")
}
