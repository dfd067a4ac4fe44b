// Package session holds the auth session state machine: the
// in-progress authorization session, the persisted credentials, and
// the cross-process refresh contract.
package session

import (
	"context"
	"fmt"

	"github.com/element-hq/element-admin-sub000/internal/discovery"
	"github.com/element-hq/element-admin-sub000/internal/oidc"
)

// AuthorizationSession is the ephemeral pre-login state. CodeChallenge
// is always the S256 transform of CodeVerifier; the pair is generated
// together and never mutated.
type AuthorizationSession struct {
	ServerName    string `json:"server_name"`
	ClientID      string `json:"client_id"`
	RedirectURI   string `json:"redirect_uri"`
	CodeVerifier  string `json:"code_verifier"`
	CodeChallenge string `json:"code_challenge"`
	State         string `json:"state"`
}

// Credentials is the persisted post-login state. At most one value is
// active per store; it is replaced wholesale on every refresh and
// destroyed only by Clear.
type Credentials struct {
	ServerName   string `json:"server_name"`
	ClientID     string `json:"client_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// ExpiresAt is the absolute access token expiry in epoch milliseconds.
	ExpiresAt int64 `json:"expires_at"`
}

// Record is the flat persisted shape of the store, shared by every
// process using the same state directory.
type Record struct {
	Session     *AuthorizationSession `json:"session,omitempty"`
	Credentials *Credentials          `json:"credentials,omitempty"`
}

// Persistence is the durable storage port. SaveAuth must replace the
// record atomically; LoadAuth reports whether a record existed.
type Persistence interface {
	LoadAuth() (Record, bool, error)
	SaveAuth(Record) error
}

// MetadataResolver resolves a server name to its authorization server
// metadata. Consumed before the refresh lock is taken.
type MetadataResolver interface {
	AuthMetadata(ctx context.Context, serverName string) (*discovery.AuthServerMetadata, error)
}

// TokenExchanger performs the wire-level token grants.
type TokenExchanger interface {
	Exchange(ctx context.Context, tokenEndpoint, clientID, redirectURI, code, codeVerifier string) (*oidc.TokenSet, error)
	Refresh(ctx context.Context, tokenEndpoint, clientID, refreshToken string) (*oidc.TokenSet, error)
}

// AuthorizationError is an error the identity provider sent back on the
// redirect, surfaced verbatim.
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("authorization failed: %s", e.Code)
	}

	return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
}
