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
	"strings"
)

// ContentPart is one element of a message content array. Exactly one of
// Text or FileID is set, selected by Type.
type ContentPart struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

// TextPart builds an input_text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "input_text", Text: text}
}

// FilePart builds an input_file content part referencing an uploaded file.
func FilePart(fileID string) ContentPart {
	return ContentPart{Type: "input_file", FileID: fileID}
}

// Message is one input message.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// Tool declares a tool available to the model. Only file_search is used.
type Tool struct {
	Type           string   `json:"type"`
	VectorStoreIDs []string `json:"vector_store_ids,omitempty"`
}

// FileSearchTool builds a file_search tool bound to vector stores.
func FileSearchTool(vectorStoreIDs ...string) Tool {
	return Tool{Type: "file_search", VectorStoreIDs: vectorStoreIDs}
}

// ResponsesRequest is the body for POST /responses.
type ResponsesRequest struct {
	Model              string    `json:"model"`
	Instructions       string    `json:"instructions,omitempty"`
	Input              []Message `json:"input"`
	PreviousResponseID string    `json:"previous_response_id,omitempty"`
	Temperature        *float64  `json:"temperature,omitempty"`
	Tools              []Tool    `json:"tools,omitempty"`
	MaxOutputTokens    int       `json:"max_output_tokens,omitempty"`

	// IdempotencyKey is sent as a header, not in the body. It is derived
	// from (run_id, step_key) so a retried request cannot double-bill.
	IdempotencyKey string `json:"-"`
}

// Usage is the token accounting attached to a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// OutputContent is one content element of an output item.
type OutputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// OutputItem is one element of the response output array.
type OutputItem struct {
	Type    string          `json:"type"`
	Content []OutputContent `json:"content"`
}

// Response is the envelope returned by the Responses endpoint.
type Response struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	Model      string       `json:"model"`
	OutputText string       `json:"output_text"`
	Output     []OutputItem `json:"output"`
	Usage      Usage        `json:"usage"`
}

// CreateResponse issues a Responses call. The request's IdempotencyKey is
// attached as a header.
func (c *Client) CreateResponse(ctx context.Context, req *ResponsesRequest) (*Response, error) {
	var resp Response
	if err := c.doJSON(ctx, http.MethodPost, "/responses", req, req.IdempotencyKey, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetResponse fetches a previously created response by id.
func (c *Client) GetResponse(ctx context.Context, id string) (*Response, error) {
	var resp Response
	if err := c.doJSON(ctx, http.MethodGet, "/responses/"+id, nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExtractText mines the generated text out of a response envelope. The
// convenience output_text field wins when present; otherwise message
// output items are concatenated in order.
func ExtractText(resp *Response) string {
	if resp == nil {
		return ""
	}
	if resp.OutputText != "" {
		return resp.OutputText
	}

	var sb strings.Builder
	for _, item := range resp.Output {
		if item.Type != "" && item.Type != "message" {
			continue
		}
		for _, content := range item.Content {
			switch content.Type {
			case "output_text", "text":
				sb.WriteString(content.Text)
			}
		}
	}
	return sb.String()
}
