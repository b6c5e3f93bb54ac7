package provider

import (
	"context"
	"net/http"
)

// Model is the Provider's model listing entry.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}

type modelList struct {
	Data []Model `json:"data"`
}

// ListModels lists the models the credential can see. Also serves as the
// cheapest possible connectivity check.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var list modelList
	if err := c.doJSON(ctx, http.MethodGet, "/models", nil, "", &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}
