// Package admin talks to the Synapse admin API on behalf of a signed-in
// administrator. Tokens come from a TokenSource so every request picks
// up refreshed credentials automatically.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	interrors "github.com/element-hq/element-admin-sub000/internal/errors"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// TokenSource supplies a valid bearer token for each request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client talks to the Synapse admin API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
}

// NewClient creates a client for the homeserver at baseURL. If
// httpClient is nil, a client with a 30-second timeout is used.
func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
	}
}

// do sends an authenticated request and decodes the JSON response into
// result. Matrix error bodies ({"errcode": ..., "error": ...}) become
// ErrAPIResponse errors carrying both fields.
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

	// Cap response reads at 1MB. Admin API responses are small JSON
	// payloads.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", interrors.ErrAPIRequest, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(endpoint, resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", interrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// apiError turns a non-2xx Matrix response into an error. The errcode
// and message are pulled out of the body when present.
func apiError(endpoint string, status int, body []byte) error {
	errcode := gjson.GetBytes(body, "errcode").String()
	message := gjson.GetBytes(body, "error").String()

	if errcode != "" {
		return fmt.Errorf("%w: %s (%d): %s: %s", interrors.ErrAPIResponse, endpoint, status, errcode, message)
	}

	return fmt.Errorf("%w: %s returned status %d", interrors.ErrAPIResponse, endpoint, status)
}
