package admin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// User is a Synapse account as the admin API reports it.
type User struct {
	Name         string  `json:"name"`
	DisplayName  string  `json:"displayname"`
	IsAdmin      bool    `json:"admin"`
	IsGuest      intBool `json:"is_guest"`
	Deactivated  intBool `json:"deactivated"`
	Locked       bool    `json:"locked"`
	UserType     string  `json:"user_type"`
	CreationTs   int64   `json:"creation_ts"`
	LastSeenTs   *int64  `json:"last_seen_ts,omitempty"`
	AvatarURL    string  `json:"avatar_url"`
	ShadowBanned bool    `json:"shadow_banned"`
}

// intBool decodes the admin API fields that are sometimes booleans and
// sometimes 0/1 integers depending on the endpoint.
type intBool bool

func (b *intBool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true", "1":
		*b = true
	case "false", "0", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean value %q", data)
	}

	return nil
}

// ListUsersRequest narrows and pages a user listing. Zero values mean
// the server defaults.
type ListUsersRequest struct {
	From        int
	Limit       int
	Name        string
	Guests      *bool
	Deactivated *bool
	Admins      *bool
	OrderBy     string
	Dir         string
}

// UsersPage is one page of a user listing. NextToken is empty on the
// last page.
type UsersPage struct {
	Users     []User `json:"users"`
	NextToken string `json:"next_token"`
	Total     int    `json:"total"`
}

// ListUsers fetches one page of accounts from the homeserver.
func (c *Client) ListUsers(ctx context.Context, req ListUsersRequest) (*UsersPage, error) {
	query := url.Values{}

	if req.From > 0 {
		query.Set("from", strconv.Itoa(req.From))
	}

	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}

	if req.Name != "" {
		query.Set("name", req.Name)
	}

	if req.Guests != nil {
		query.Set("guests", strconv.FormatBool(*req.Guests))
	}

	if req.Deactivated != nil {
		query.Set("deactivated", strconv.FormatBool(*req.Deactivated))
	}

	if req.Admins != nil {
		query.Set("admins", strconv.FormatBool(*req.Admins))
	}

	if req.OrderBy != "" {
		query.Set("order_by", req.OrderBy)
	}

	if req.Dir != "" {
		query.Set("dir", req.Dir)
	}

	var page UsersPage
	if err := c.do(ctx, http.MethodGet, "/_synapse/admin/v2/users", query, nil, &page); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return &page, nil
}

// GetUser fetches a single account by its full Matrix ID.
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/_synapse/admin/v2/users/"+url.PathEscape(userID), nil, nil, &user); err != nil {
		return nil, fmt.Errorf("getting user %s: %w", userID, err)
	}

	if user.Name == "" {
		user.Name = userID
	}

	return &user, nil
}

// DeactivateUser deactivates an account. When erase is set the server
// also redacts the user's profile and removes them from rooms.
func (c *Client) DeactivateUser(ctx context.Context, userID string, erase bool) error {
	body := struct {
		Erase bool `json:"erase"`
	}{Erase: erase}

	endpoint := "/_synapse/admin/v1/deactivate/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodPost, endpoint, nil, body, nil); err != nil {
		return fmt.Errorf("deactivating user %s: %w", userID, err)
	}

	return nil
}

// Identity describes who the current access token belongs to.
type Identity struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	IsGuest  bool   `json:"is_guest"`
}

// Whoami asks the homeserver which account the token authenticates.
func (c *Client) Whoami(ctx context.Context) (*Identity, error) {
	var identity Identity
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil, &identity); err != nil {
		return nil, fmt.Errorf("querying identity: %w", err)
	}

	return &identity, nil
}
