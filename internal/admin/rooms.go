package admin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Room is a room summary as the admin API reports it.
type Room struct {
	RoomID         string `json:"room_id"`
	Name           string `json:"name"`
	CanonicalAlias string `json:"canonical_alias"`
	JoinedMembers  int    `json:"joined_members"`
	JoinedLocal    int    `json:"joined_local_members"`
	Creator        string `json:"creator"`
	Encryption     string `json:"encryption"`
	Public         bool   `json:"public"`
	RoomVersion    string `json:"version"`
	JoinRules      string `json:"join_rules"`
	GuestAccess    string `json:"guest_access"`
	HistoryVisible string `json:"history_visibility"`
	StateEvents    int    `json:"state_events"`
}

// ListRoomsRequest narrows and pages a room listing.
type ListRoomsRequest struct {
	From       int
	Limit      int
	SearchTerm string
	OrderBy    string
	Dir        string
}

// RoomsPage is one page of a room listing. NextBatch is zero on the
// last page, signalled by Offset+len(Rooms) reaching TotalRooms.
type RoomsPage struct {
	Rooms      []Room `json:"rooms"`
	Offset     int    `json:"offset"`
	TotalRooms int    `json:"total_rooms"`
	NextBatch  int    `json:"next_batch"`
	PrevBatch  int    `json:"prev_batch"`
}

// ListRooms fetches one page of rooms from the homeserver.
func (c *Client) ListRooms(ctx context.Context, req ListRoomsRequest) (*RoomsPage, error) {
	query := url.Values{}

	if req.From > 0 {
		query.Set("from", strconv.Itoa(req.From))
	}

	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}

	if req.SearchTerm != "" {
		query.Set("search_term", req.SearchTerm)
	}

	if req.OrderBy != "" {
		query.Set("order_by", req.OrderBy)
	}

	if req.Dir != "" {
		query.Set("dir", req.Dir)
	}

	var page RoomsPage
	if err := c.do(ctx, http.MethodGet, "/_synapse/admin/v1/rooms", query, nil, &page); err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}

	return &page, nil
}
