package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pesio-ai/be-wm-workflow/internal/errors"
)

// DocumentRegistryClient answers "has the required document been received"
// for an entity. The registry is an optional capability: when no base URL
// is configured the client reports not_available and document gates fail
// closed rather than silently passing.
type DocumentRegistryClient struct {
	client *httpClient
}

// NewDocumentRegistryClient creates a registry client. An empty baseURL
// yields a client whose capability is not available.
func NewDocumentRegistryClient(baseURL string) *DocumentRegistryClient {
	if baseURL == "" {
		return &DocumentRegistryClient{}
	}
	return &DocumentRegistryClient{client: newHTTPClient(baseURL)}
}

// Available reports whether the registry capability is configured.
func (c *DocumentRegistryClient) Available() bool {
	return c.client != nil
}

type documentStatusResponse struct {
	EntityID     string `json:"entity_id"`
	DocumentType string `json:"document_type"`
	Received     bool   `json:"received"`
}

// Received reports whether a document of the given type has been received
// for the entity.
func (c *DocumentRegistryClient) Received(ctx context.Context, entityID, documentType string) (bool, error) {
	if c.client == nil {
		return false, errors.New(errors.ErrCodeNotAvailable, "document registry is not configured")
	}

	path := fmt.Sprintf("/api/v1/documents/status?entity_id=%s&document_type=%s",
		url.QueryEscape(entityID), url.QueryEscape(documentType))

	var resp documentStatusResponse
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return false, fmt.Errorf("failed to check document status: %w", err)
	}

	return resp.Received, nil
}
