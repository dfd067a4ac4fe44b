// Package discovery resolves a server name to its client API base URL
// and its authorization server metadata (RFC 8414, via MSC2965).
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	interrors "github.com/element-hq/element-admin-sub000/internal/errors"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps discovery response reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxResponseBytes = 1024 * 1024

	wellKnownPath    = "/.well-known/matrix/client"
	authMetadataPath = "/_matrix/client/unstable/org.matrix.msc2965/auth_metadata"
	authIssuerPath   = "/_matrix/client/v1/auth_issuer"
	openIDConfigPath = "/.well-known/openid-configuration"
)

// clientWellKnown is the .well-known/matrix/client response.
type clientWellKnown struct {
	Homeserver struct {
		BaseURL string `json:"base_url"`
	} `json:"m.homeserver"`
}

// authIssuer is the MSC2965 auth_issuer response.
type authIssuer struct {
	Issuer string `json:"issuer"`
}

// AuthServerMetadata is the RFC 8414 authorization server metadata,
// limited to the fields the login and refresh flows consume.
type AuthServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// validate checks the fields the flows depend on are present.
func (m *AuthServerMetadata) validate() error {
	if m.Issuer == "" {
		return fmt.Errorf("missing issuer: %w", interrors.ErrAPIResponse)
	}

	if m.AuthorizationEndpoint == "" {
		return fmt.Errorf("missing authorization_endpoint: %w", interrors.ErrAPIResponse)
	}

	if m.TokenEndpoint == "" {
		return fmt.Errorf("missing token_endpoint: %w", interrors.ErrAPIResponse)
	}

	return nil
}

// Resolver resolves server names to endpoints. Lookups are memoized for
// the resolver's lifetime; one resolver is expected per command run.
type Resolver struct {
	httpClient *http.Client

	mu       sync.Mutex
	baseURLs map[string]string
	metadata map[string]*AuthServerMetadata
}

// NewResolver creates a resolver. If httpClient is nil, a client with a
// 30-second timeout is used.
func NewResolver(httpClient *http.Client) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Resolver{
		httpClient: httpClient,
		baseURLs:   make(map[string]string),
		metadata:   make(map[string]*AuthServerMetadata),
	}
}

// BaseURL resolves a server name to its client API base URL via
// .well-known/matrix/client. A 404 well-known falls back to
// https://<serverName>.
func (r *Resolver) BaseURL(ctx context.Context, serverName string) (string, error) {
	r.mu.Lock()
	cached, ok := r.baseURLs[serverName]
	r.mu.Unlock()

	if ok {
		return cached, nil
	}

	base, err := r.lookupBaseURL(ctx, serverName)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.baseURLs[serverName] = base
	r.mu.Unlock()

	return base, nil
}

func (r *Resolver) lookupBaseURL(ctx context.Context, serverName string) (string, error) {
	var wk clientWellKnown

	status, err := r.getJSON(ctx, "https://"+serverName+wellKnownPath, &wk)
	if err != nil {
		if status == http.StatusNotFound {
			// No well-known delegation; the server name is the host.
			return "https://" + serverName, nil
		}

		return "", fmt.Errorf("resolving well-known for %s: %w", serverName, err)
	}

	base := strings.TrimRight(wk.Homeserver.BaseURL, "/")
	if base == "" {
		return "", fmt.Errorf("well-known for %s has no m.homeserver base_url: %w", serverName, interrors.ErrAPIResponse)
	}

	return base, nil
}

// AuthMetadata resolves the authorization server metadata for a server
// name: well-known, then the MSC2965 auth_metadata endpoint, falling
// back to auth_issuer plus the issuer's openid-configuration for older
// servers.
func (r *Resolver) AuthMetadata(ctx context.Context, serverName string) (*AuthServerMetadata, error) {
	r.mu.Lock()
	cached, ok := r.metadata[serverName]
	r.mu.Unlock()

	if ok {
		return cached, nil
	}

	base, err := r.BaseURL(ctx, serverName)
	if err != nil {
		return nil, err
	}

	meta := &AuthServerMetadata{}

	status, err := r.getJSON(ctx, base+authMetadataPath, meta)
	if err != nil {
		if status != http.StatusNotFound {
			return nil, fmt.Errorf("fetching auth metadata for %s: %w", serverName, err)
		}

		meta, err = r.lookupViaIssuer(ctx, base)
		if err != nil {
			return nil, fmt.Errorf("fetching auth metadata for %s: %w", serverName, err)
		}
	}

	if err := meta.validate(); err != nil {
		return nil, fmt.Errorf("auth metadata for %s: %w", serverName, err)
	}

	r.mu.Lock()
	r.metadata[serverName] = meta
	r.mu.Unlock()

	return meta, nil
}

func (r *Resolver) lookupViaIssuer(ctx context.Context, base string) (*AuthServerMetadata, error) {
	var issuer authIssuer

	if _, err := r.getJSON(ctx, base+authIssuerPath, &issuer); err != nil {
		return nil, err
	}

	if issuer.Issuer == "" {
		return nil, fmt.Errorf("auth_issuer has no issuer: %w", interrors.ErrAPIResponse)
	}

	meta := &AuthServerMetadata{}
	if _, err := r.getJSON(ctx, strings.TrimRight(issuer.Issuer, "/")+openIDConfigPath, meta); err != nil {
		return nil, err
	}

	return meta, nil
}

// getJSON fetches a URL and decodes the JSON body into result. It
// returns the HTTP status code when one was received so callers can
// branch on 404 fallbacks.
func (r *Resolver) getJSON(ctx context.Context, url string, result any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("GET %s: status %d: %w", url, resp.StatusCode, interrors.ErrAPIRequest)
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		return resp.StatusCode, fmt.Errorf("GET %s: unexpected content-type %q: %w", url, ct, interrors.ErrAPIResponse)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(result); err != nil {
		return resp.StatusCode, fmt.Errorf("GET %s: decoding body: %w", url, interrors.ErrAPIResponse)
	}

	return resp.StatusCode, nil
}
