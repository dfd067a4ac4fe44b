package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	interrors "github.com/element-hq/element-admin-sub000/internal/errors"
)

type staticTokens string

func (t staticTokens) AccessToken(_ context.Context) (string, error) {
	return string(t), nil
}

type failingTokens struct{ err error }

func (t failingTokens) AccessToken(_ context.Context) (string, error) {
	return "", t.err
}

func TestListUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_synapse/admin/v2/users", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "alice", r.URL.Query().Get("name"))
		assert.Equal(t, "false", r.URL.Query().Get("deactivated"))
		assert.Equal(t, "name", r.URL.Query().Get("order_by"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"users": [
				{"name": "@alice:example.org", "displayname": "Alice", "admin": true, "is_guest": 0, "deactivated": 0},
				{"name": "@bob:example.org", "displayname": "Bob", "is_guest": 0, "deactivated": 1}
			],
			"next_token": "2",
			"total": 12
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticTokens("token-1"), srv.Client())

	deactivated := false
	page, err := client.ListUsers(context.Background(), ListUsersRequest{
		Limit:       10,
		Name:        "alice",
		Deactivated: &deactivated,
		OrderBy:     "name",
	})
	require.NoError(t, err)

	require.Len(t, page.Users, 2)
	assert.Equal(t, "@alice:example.org", page.Users[0].Name)
	assert.True(t, page.Users[0].IsAdmin)
	assert.False(t, bool(page.Users[0].Deactivated))
	assert.True(t, bool(page.Users[1].Deactivated))
	assert.Equal(t, "2", page.NextToken)
	assert.Equal(t, 12, page.Total)
}

func TestGetUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_synapse/admin/v2/users/@alice:example.org", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"displayname": "Alice", "admin": false, "deactivated": false, "creation_ts": 1700000000000}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticTokens("token-1"), srv.Client())

	user, err := client.GetUser(context.Background(), "@alice:example.org")
	require.NoError(t, err)

	// The per-user endpoint omits the name field; the client fills it in.
	assert.Equal(t, "@alice:example.org", user.Name)
	assert.Equal(t, "Alice", user.DisplayName)
	assert.Equal(t, int64(1700000000000), user.CreationTs)
}

func TestDeactivateUser(t *testing.T) {
	var gotBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/_synapse/admin/v1/deactivate/@bob:example.org", r.URL.Path)

		buf := make([]byte, 128)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id_server_unbind_result": "success"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticTokens("token-1"), srv.Client())

	require.NoError(t, client.DeactivateUser(context.Background(), "@bob:example.org", true))
	assert.JSONEq(t, `{"erase": true}`, gotBody)
}

func TestListRooms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_synapse/admin/v1/rooms", r.URL.Path)
		assert.Equal(t, "general", r.URL.Query().Get("search_term"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"rooms": [{"room_id": "!abc:example.org", "name": "General", "joined_members": 42, "public": true}],
			"offset": 0,
			"total_rooms": 1
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticTokens("token-1"), srv.Client())

	page, err := client.ListRooms(context.Background(), ListRoomsRequest{SearchTerm: "general"})
	require.NoError(t, err)

	require.Len(t, page.Rooms, 1)
	assert.Equal(t, "!abc:example.org", page.Rooms[0].RoomID)
	assert.Equal(t, 42, page.Rooms[0].JoinedMembers)
	assert.True(t, page.Rooms[0].Public)
}

func TestRegistrationTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodGet:
			assert.Equal(t, "/_synapse/admin/v1/registration_tokens", r.URL.Path)
			assert.Equal(t, "true", r.URL.Query().Get("valid"))
			_, _ = w.Write([]byte(`{"registration_tokens": [{"token": "abc", "uses_allowed": 5, "pending": 1, "completed": 2}]}`))
		case r.Method == http.MethodPost:
			assert.Equal(t, "/_synapse/admin/v1/registration_tokens/new", r.URL.Path)
			_, _ = w.Write([]byte(`{"token": "fresh", "uses_allowed": null, "pending": 0, "completed": 0}`))
		case r.Method == http.MethodDelete:
			assert.Equal(t, "/_synapse/admin/v1/registration_tokens/abc", r.URL.Path)
			_, _ = w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticTokens("token-1"), srv.Client())
	ctx := context.Background()

	valid := true
	tokens, err := client.ListRegistrationTokens(ctx, &valid)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "abc", tokens[0].Token)
	require.NotNil(t, tokens[0].UsesAllowed)
	assert.Equal(t, 5, *tokens[0].UsesAllowed)

	created, err := client.NewRegistrationToken(ctx, NewRegistrationTokenRequest{})
	require.NoError(t, err)
	assert.Equal(t, "fresh", created.Token)
	assert.Nil(t, created.UsesAllowed)

	require.NoError(t, client.DeleteRegistrationToken(ctx, "abc"))
}

func TestWhoami(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/client/v3/account/whoami", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_id": "@admin:example.org", "device_id": "DEVICE1"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticTokens("token-1"), srv.Client())

	identity, err := client.Whoami(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "@admin:example.org", identity.UserID)
	assert.Equal(t, "DEVICE1", identity.DeviceID)
}

func TestDo_MatrixErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode": "M_FORBIDDEN", "error": "You are not a server admin"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticTokens("token-1"), srv.Client())

	_, err := client.ListUsers(context.Background(), ListUsersRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, interrors.ErrAPIResponse)
	assert.Contains(t, err.Error(), "M_FORBIDDEN")
	assert.Contains(t, err.Error(), "You are not a server admin")
}

func TestDo_NonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticTokens("token-1"), srv.Client())

	_, err := client.ListRooms(context.Background(), ListRoomsRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, interrors.ErrAPIResponse)
	assert.Contains(t, err.Error(), "502")
}

func TestDo_TokenSourceFailurePropagates(t *testing.T) {
	sentinel := errors.New("session expired")
	client := NewClient("https://unreachable.invalid", failingTokens{err: sentinel}, nil)

	_, err := client.ListUsers(context.Background(), ListUsersRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}

func TestIntBool_Decoding(t *testing.T) {
	tests := []struct {
		input   string
		want    bool
		wantErr bool
	}{
		{input: "true", want: true},
		{input: "false", want: false},
		{input: "1", want: true},
		{input: "0", want: false},
		{input: "null", want: false},
		{input: `"yes"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var b intBool
			err := b.UnmarshalJSON([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, bool(b))
		})
	}
}
