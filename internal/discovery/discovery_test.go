package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	interrors "github.com/element-hq/element-admin-sub000/internal/errors"
)

// testTransport rewrites https://<host>/... to the test server so the
// resolver's URL construction stays untouched.
type testTransport struct {
	server *httptest.Server
}

func (t *testTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, _ := url.Parse(t.server.URL)
	req = req.Clone(req.Context())
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host

	return t.server.Client().Transport.RoundTrip(req)
}

func newTestResolver(server *httptest.Server) *Resolver {
	return NewResolver(&http.Client{Transport: &testTransport{server: server}})
}

func serveJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestBaseURL_WellKnownDelegation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/.well-known/matrix/client", r.URL.Path)
		serveJSON(w, map[string]any{
			"m.homeserver": map[string]string{"base_url": "https://synapse.example.org/"},
		})
	}))
	defer srv.Close()

	base, err := newTestResolver(srv).BaseURL(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, "https://synapse.example.org", base, "trailing slash should be stripped")
}

func TestBaseURL_NoWellKnownFallsBackToServerName(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	base, err := newTestResolver(srv).BaseURL(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, "https://example.org", base)
}

func TestBaseURL_EmptyBaseURLRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		serveJSON(w, map[string]any{"m.homeserver": map[string]string{}})
	}))
	defer srv.Close()

	_, err := newTestResolver(srv).BaseURL(context.Background(), "example.org")
	require.Error(t, err)
	assert.ErrorIs(t, err, interrors.ErrAPIResponse)
}

func TestBaseURL_Memoized(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		serveJSON(w, map[string]any{
			"m.homeserver": map[string]string{"base_url": "https://synapse.example.org"},
		})
	}))
	defer srv.Close()

	r := newTestResolver(srv)
	for i := 0; i < 3; i++ {
		_, err := r.BaseURL(context.Background(), "example.org")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, calls)
}

func TestAuthMetadata_MSC2965Endpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/matrix/client":
			serveJSON(w, map[string]any{
				"m.homeserver": map[string]string{"base_url": "https://example.org"},
			})
		case "/_matrix/client/unstable/org.matrix.msc2965/auth_metadata":
			serveJSON(w, AuthServerMetadata{
				Issuer:                "https://auth.example.org/",
				AuthorizationEndpoint: "https://auth.example.org/authorize",
				TokenEndpoint:         "https://auth.example.org/oauth2/token",
				RegistrationEndpoint:  "https://auth.example.org/oauth2/registration",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	meta, err := newTestResolver(srv).AuthMetadata(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.org/oauth2/token", meta.TokenEndpoint)
	assert.Equal(t, "https://auth.example.org/authorize", meta.AuthorizationEndpoint)
}

func TestAuthMetadata_AuthIssuerFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/matrix/client":
			serveJSON(w, map[string]any{
				"m.homeserver": map[string]string{"base_url": "https://example.org"},
			})
		case "/_matrix/client/v1/auth_issuer":
			serveJSON(w, map[string]string{"issuer": "https://auth.example.org"})
		case "/.well-known/openid-configuration":
			serveJSON(w, AuthServerMetadata{
				Issuer:                "https://auth.example.org",
				AuthorizationEndpoint: "https://auth.example.org/authorize",
				TokenEndpoint:         "https://auth.example.org/oauth2/token",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	meta, err := newTestResolver(srv).AuthMetadata(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.org", meta.Issuer)
}

func TestAuthMetadata_MissingTokenEndpointRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/matrix/client":
			serveJSON(w, map[string]any{
				"m.homeserver": map[string]string{"base_url": "https://example.org"},
			})
		case "/_matrix/client/unstable/org.matrix.msc2965/auth_metadata":
			serveJSON(w, AuthServerMetadata{
				Issuer:                "https://auth.example.org",
				AuthorizationEndpoint: "https://auth.example.org/authorize",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	_, err := newTestResolver(srv).AuthMetadata(context.Background(), "example.org")
	require.Error(t, err)
	assert.ErrorIs(t, err, interrors.ErrAPIResponse)
	assert.Contains(t, err.Error(), "token_endpoint")
}

func TestAuthMetadata_ServerErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/matrix/client" {
			serveJSON(w, map[string]any{
				"m.homeserver": map[string]string{"base_url": "https://example.org"},
			})
			return
		}

		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestResolver(srv).AuthMetadata(context.Background(), "example.org")
	require.Error(t, err)
	assert.ErrorIs(t, err, interrors.ErrAPIRequest)
}

func TestGetJSON_RejectsWrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	}))
	defer srv.Close()

	r := newTestResolver(srv)

	var out map[string]any
	_, err := r.getJSON(context.Background(), srv.URL+"/whatever", &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, interrors.ErrAPIResponse)
	assert.True(t, strings.Contains(err.Error(), "content-type"))
}
