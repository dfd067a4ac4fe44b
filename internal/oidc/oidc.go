// Package oidc is the wire-level OAuth2 client: dynamic client
// registration (RFC 7591), the authorization redirect URL, and the
// token endpoint grants. Session state lives elsewhere; everything
// here is a stateless request/response.
package oidc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	interrors "github.com/element-hq/element-admin-sub000/internal/errors"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps registration response reads.
	maxResponseBytes = 1024 * 1024
)

// TokenSet is the result of a successful token grant.
type TokenSet struct {
	AccessToken  string
	RefreshToken string

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64
}

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	ApplicationType         string   `json:"application_type,omitempty"`
}

// registrationResponse is the DCR response.
type registrationResponse struct {
	ClientID string `json:"client_id"`
}

// Client performs the wire-level OAuth2 requests.
type Client struct {
	httpClient *http.Client
}

// NewClient creates an OAuth2 wire client. If httpClient is nil, a
// client with a 30-second timeout is used.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{httpClient: httpClient}
}

// Register performs dynamic client registration and returns the issued
// client_id. The client is registered as a public native client
// (token_endpoint_auth_method "none") with the code and refresh grants.
func (c *Client) Register(ctx context.Context, registrationEndpoint, clientName, redirectURI string) (string, error) {
	if registrationEndpoint == "" {
		return "", fmt.Errorf("server does not support dynamic client registration: %w", interrors.ErrAPIResponse)
	}

	payload, err := json.Marshal(registrationRequest{
		ClientName:              clientName,
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		ApplicationType:         "native",
	})
	if err != nil {
		return "", fmt.Errorf("marshalling registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building registration request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("POST %s: %w", registrationEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("client registration: status %d: %w", resp.StatusCode, interrors.ErrAPIRequest)
	}

	var reg registrationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&reg); err != nil {
		return "", fmt.Errorf("decoding registration response: %w", interrors.ErrAPIResponse)
	}

	if reg.ClientID == "" {
		return "", fmt.Errorf("registration response has no client_id: %w", interrors.ErrAPIResponse)
	}

	return reg.ClientID, nil
}

// AuthorizationRequest describes an authorization redirect.
type AuthorizationRequest struct {
	AuthorizationEndpoint string
	ClientID              string
	RedirectURI           string
	Scopes                []string
	State                 string
	CodeVerifier          string
}

// AuthorizationURL builds the browser navigation URL for the code flow:
// response_type=code, client_id, redirect_uri, scope, state,
// code_challenge and code_challenge_method=S256.
func AuthorizationURL(req AuthorizationRequest) string {
	cfg := &oauth2.Config{
		ClientID:    req.ClientID,
		RedirectURL: req.RedirectURI,
		Scopes:      req.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL: req.AuthorizationEndpoint,
		},
	}

	return cfg.AuthCodeURL(req.State, oauth2.S256ChallengeOption(req.CodeVerifier))
}

// Exchange performs the authorization_code grant: code, code_verifier,
// client_id and redirect_uri as a form-encoded POST.
func (c *Client) Exchange(ctx context.Context, tokenEndpoint, clientID, redirectURI, code, codeVerifier string) (*TokenSet, error) {
	cfg := c.config(tokenEndpoint, clientID, redirectURI)

	tok, err := cfg.Exchange(c.withClient(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, grantError("authorization code exchange", err)
	}

	return toTokenSet(tok)
}

// Refresh performs the refresh_token grant: refresh_token and client_id
// as a form-encoded POST.
func (c *Client) Refresh(ctx context.Context, tokenEndpoint, clientID, refreshToken string) (*TokenSet, error) {
	cfg := c.config(tokenEndpoint, clientID, "")

	tok, err := cfg.TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, grantError("token refresh", err)
	}

	return toTokenSet(tok)
}

func (c *Client) config(tokenEndpoint, clientID, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL: tokenEndpoint,
			// Public client: client_id goes in the form body.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (c *Client) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// grantError maps token endpoint failures onto the error taxonomy:
// OAuth error responses and malformed bodies are protocol failures,
// cancellation passes through untouched.
func grantError(op string, err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if retrieve.ErrorCode != "" {
			return fmt.Errorf("%s: %s (%s): %w", op, retrieve.ErrorCode, retrieve.ErrorDescription, interrors.ErrAPIResponse)
		}

		return fmt.Errorf("%s: status %d: %w", op, retrieve.Response.StatusCode, interrors.ErrAPIRequest)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// toTokenSet validates the grant response shape: access_token,
// refresh_token and expires_in are all required.
func toTokenSet(tok *oauth2.Token) (*TokenSet, error) {
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("grant response has no access_token: %w", interrors.ErrAPIResponse)
	}

	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("grant response has no refresh_token: %w", interrors.ErrAPIResponse)
	}

	expiresIn := tok.ExpiresIn
	if expiresIn == 0 {
		if tok.Expiry.IsZero() {
			return nil, fmt.Errorf("grant response has no expires_in: %w", interrors.ErrAPIResponse)
		}

		expiresIn = int64(time.Until(tok.Expiry) / time.Second)
	}

	return &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}
