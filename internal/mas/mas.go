// Package mas talks to the Matrix Authentication Service admin API. The
// API follows the JSON:API shape: typed resources under a data envelope
// and cursor-based paging through page[first]/page[after] parameters.
package mas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	interrors "github.com/element-hq/element-admin-sub000/internal/errors"
)

const (
	httpClientTimeout   = 30 * time.Second
	maxAPIResponseBytes = 1024 * 1024
)

// TokenSource supplies a valid bearer token for each request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client talks to the auth service's admin API at its issuer URL.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
}

// NewClient creates a client for the auth service at issuerURL. If
// httpClient is nil, a client with a 30-second timeout is used.
func NewClient(issuerURL string, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(issuerURL, "/"),
		tokens:     tokens,
	}
}

// User is an auth service account.
type User struct {
	ID        string
	Username  string
	Admin     bool
	CreatedAt time.Time
	LockedAt  *time.Time
}

// UsersPage is one page of users. NextCursor is empty on the last page;
// otherwise pass it as the After cursor of the next request.
type UsersPage struct {
	Users      []User
	NextCursor string
}

// ListUsersRequest pages and filters a user listing.
type ListUsersRequest struct {
	First int
	After string
	Admin *bool
}

// resource is the JSON:API envelope entry every MAS response uses.
type resource struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Attributes json.RawMessage `json:"attributes"`
}

type listResponse struct {
	Data  []resource `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// ListUsers fetches one page of auth service accounts.
func (c *Client) ListUsers(ctx context.Context, req ListUsersRequest) (*UsersPage, error) {
	query := url.Values{}

	if req.First > 0 {
		query.Set("page[first]", strconv.Itoa(req.First))
	}

	if req.After != "" {
		query.Set("page[after]", req.After)
	}

	if req.Admin != nil {
		query.Set("filter[admin]", strconv.FormatBool(*req.Admin))
	}

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/api/admin/v1/users", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	page := &UsersPage{Users: make([]User, 0, len(resp.Data))}

	for _, res := range resp.Data {
		var attrs struct {
			Username  string     `json:"username"`
			Admin     bool       `json:"admin"`
			CreatedAt time.Time  `json:"created_at"`
			LockedAt  *time.Time `json:"locked_at"`
		}

		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			return nil, fmt.Errorf("%w: decoding user %s: %w", interrors.ErrAPIResponse, res.ID, err)
		}

		page.Users = append(page.Users, User{
			ID:        res.ID,
			Username:  attrs.Username,
			Admin:     attrs.Admin,
			CreatedAt: attrs.CreatedAt,
			LockedAt:  attrs.LockedAt,
		})
	}

	page.NextCursor = cursorFromLink(resp.Links.Next)

	return page, nil
}

// PersonalAccessToken is a long-lived token the auth service issued for
// a user outside the interactive login flow.
type PersonalAccessToken struct {
	ID        string
	UserID    string
	Name      string
	Scope     string
	CreatedAt time.Time
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

// ListPersonalAccessTokens fetches one page of personal access tokens.
// An empty after cursor starts from the beginning.
func (c *Client) ListPersonalAccessTokens(ctx context.Context, first int, after string) ([]PersonalAccessToken, string, error) {
	query := url.Values{}

	if first > 0 {
		query.Set("page[first]", strconv.Itoa(first))
	}

	if after != "" {
		query.Set("page[after]", after)
	}

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/api/admin/v1/personal-sessions", query, nil, &resp); err != nil {
		return nil, "", fmt.Errorf("listing personal access tokens: %w", err)
	}

	tokens := make([]PersonalAccessToken, 0, len(resp.Data))

	for _, res := range resp.Data {
		var attrs struct {
			UserID    string     `json:"user_id"`
			Name      string     `json:"human_name"`
			Scope     string     `json:"scope"`
			CreatedAt time.Time  `json:"created_at"`
			ExpiresAt *time.Time `json:"expires_at"`
			RevokedAt *time.Time `json:"revoked_at"`
		}

		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			return nil, "", fmt.Errorf("%w: decoding personal session %s: %w", interrors.ErrAPIResponse, res.ID, err)
		}

		tokens = append(tokens, PersonalAccessToken{
			ID:        res.ID,
			UserID:    attrs.UserID,
			Name:      attrs.Name,
			Scope:     attrs.Scope,
			CreatedAt: attrs.CreatedAt,
			ExpiresAt: attrs.ExpiresAt,
			RevokedAt: attrs.RevokedAt,
		})
	}

	return tokens, cursorFromLink(resp.Links.Next), nil
}

// RevokePersonalAccessToken ends the personal session with the given ID.
func (c *Client) RevokePersonalAccessToken(ctx context.Context, id string) error {
	endpoint := "/api/admin/v1/personal-sessions/" + url.PathEscape(id) + "/end"
	if err := c.do(ctx, http.MethodPost, endpoint, nil, nil, nil); err != nil {
		return fmt.Errorf("revoking personal access token %s: %w", id, err)
	}

	return nil
}

// cursorFromLink extracts the page[after] cursor out of a JSON:API next
// link. An absent or unparsable link means the listing is exhausted.
func cursorFromLink(link string) string {
	if link == "" {
		return ""
	}

	u, err := url.Parse(link)
	if err != nil {
		return ""
	}

	return u.Query().Get("page[after]")
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, result any) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("getting access token: %w", err)
	}

	var reqBody io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reqBody = bytes.NewReader(payload)
	}

	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %w", interrors.ErrAPIRequest, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", interrors.ErrAPIRequest, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// JSON:API errors carry an errors array with titles.
		if title := gjson.GetBytes(respBody, "errors.0.title").String(); title != "" {
			return fmt.Errorf("%w: %s (%d): %s", interrors.ErrAPIResponse, endpoint, resp.StatusCode, title)
		}

		return fmt.Errorf("%w: %s returned status %d", interrors.ErrAPIResponse, endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", interrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}
