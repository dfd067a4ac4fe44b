package admin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// RegistrationToken gates account registration on the homeserver.
type RegistrationToken struct {
	Token       string `json:"token"`
	UsesAllowed *int   `json:"uses_allowed"`
	Pending     int    `json:"pending"`
	Completed   int    `json:"completed"`
	ExpiryTime  *int64 `json:"expiry_time"`
}

// NewRegistrationTokenRequest configures a token to create. Nil fields
// leave the server defaults: a random token, unlimited uses, no expiry.
type NewRegistrationTokenRequest struct {
	Token       *string `json:"token,omitempty"`
	UsesAllowed *int    `json:"uses_allowed,omitempty"`
	ExpiryTime  *int64  `json:"expiry_time,omitempty"`
	Length      *int    `json:"length,omitempty"`
}

// ListRegistrationTokens fetches all registration tokens. When valid is
// non-nil the listing is filtered to tokens that are (or are not) still
// usable.
func (c *Client) ListRegistrationTokens(ctx context.Context, valid *bool) ([]RegistrationToken, error) {
	query := url.Values{}
	if valid != nil {
		query.Set("valid", fmt.Sprintf("%t", *valid))
	}

	var resp struct {
		RegistrationTokens []RegistrationToken `json:"registration_tokens"`
	}

	if err := c.do(ctx, http.MethodGet, "/_synapse/admin/v1/registration_tokens", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("listing registration tokens: %w", err)
	}

	return resp.RegistrationTokens, nil
}

// NewRegistrationToken creates a registration token.
func (c *Client) NewRegistrationToken(ctx context.Context, req NewRegistrationTokenRequest) (*RegistrationToken, error) {
	var token RegistrationToken
	if err := c.do(ctx, http.MethodPost, "/_synapse/admin/v1/registration_tokens/new", nil, req, &token); err != nil {
		return nil, fmt.Errorf("creating registration token: %w", err)
	}

	return &token, nil
}

// DeleteRegistrationToken removes a registration token. Tokens already
// used for completed registrations stay counted on the server side.
func (c *Client) DeleteRegistrationToken(ctx context.Context, token string) error {
	endpoint := "/_synapse/admin/v1/registration_tokens/" + url.PathEscape(token)
	if err := c.do(ctx, http.MethodDelete, endpoint, nil, nil, nil); err != nil {
		return fmt.Errorf("deleting registration token: %w", err)
	}

	return nil
}
