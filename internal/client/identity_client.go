package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pesio-ai/be-wm-workflow/internal/errors"
)

// IdentityClient answers role membership questions against the platform
// identity service. Approval authorization depends on it: when no base URL
// is configured the client reports not_available so decisions fail rather
// than silently authorizing.
type IdentityClient struct {
	client *httpClient
}

// NewIdentityClient creates an identity client. An empty baseURL yields a
// client whose capability is not available.
func NewIdentityClient(baseURL string) *IdentityClient {
	if baseURL == "" {
		return &IdentityClient{}
	}
	return &IdentityClient{client: newHTTPClient(baseURL)}
}

// Available reports whether the identity capability is configured.
func (c *IdentityClient) Available() bool {
	return c.client != nil
}

type userRolesResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// UserHasRole reports whether the user holds the given role.
func (c *IdentityClient) UserHasRole(ctx context.Context, userID, role string) (bool, error) {
	if c.client == nil {
		return false, errors.New(errors.ErrCodeNotAvailable, "identity service is not configured")
	}

	path := fmt.Sprintf("/api/v1/users/%s/roles", url.PathEscape(userID))

	var resp userRolesResponse
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return false, fmt.Errorf("failed to fetch user roles: %w", err)
	}

	for _, r := range resp.Roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}
