package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

// Client talks to the chat REST API: authentication, room and user
// records, message history, and the HTTP send path used when the push
// channel is down.
type Client struct {
	rc *resty.Client
}

// NewClient creates an API client for the given base URL. If httpClient
// is nil, resty's default transport is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	var rc *resty.Client
	if httpClient != nil {
		rc = resty.NewWithClient(httpClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimRight(baseURL, "/"))
	rc.SetHeader("Content-Type", "application/json")
	// DRF token authentication expects "Authorization: Token <key>".
	rc.SetAuthScheme("Token")
	return &Client{rc: rc}
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out LoginResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(LoginRequest{Username: username, Password: password}).
		SetResult(&out).
		Post("/api/auth/login/")
	if err != nil {
		return "", fmt.Errorf("%w: login: %v", chaterrors.ErrAPIRequest, err)
	}
	if resp.StatusCode() == http.StatusBadRequest || resp.StatusCode() == http.StatusUnauthorized {
		return "", chaterrors.ErrInvalidCredentials
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("%w: login returned status %d", chaterrors.ErrAPIResponse, resp.StatusCode())
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: login response carried no token", chaterrors.ErrAPIResponse)
	}
	return out.Token, nil
}

// Messages fetches the ordered history of a room. Non-list bodies,
// including DRF pagination envelopes, are normalized to a plain list; a
// body with no usable list at all yields an empty history rather than a
// shape error.
func (c *Client) Messages(ctx context.Context, token string, roomID int64) ([]Message, error) {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("chat_room", strconv.FormatInt(roomID, 10)).
		Get("/api/messages/")
	if err != nil {
		return nil, fmt.Errorf("%w: fetching messages: %v", chaterrors.ErrAPIRequest, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: messages returned status %d", chaterrors.ErrAPIResponse, resp.StatusCode())
	}
	return decodeMessageList(resp.Body()), nil
}

// decodeMessageList extracts a message list from either a bare JSON
// array or a pagination envelope with a "results" array. Anything else
// decodes to an empty list.
func decodeMessageList(body []byte) []Message {
	v := gjson.ParseBytes(body)
	raw := v.Raw
	if !v.IsArray() {
		results := v.Get("results")
		if !results.IsArray() {
			return []Message{}
		}
		raw = results.Raw
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return []Message{}
	}
	return msgs
}

// SendMessage posts a message and returns the stored record with its
// server-assigned id.
func (c *Client) SendMessage(ctx context.Context, token string, roomID int64, text string) (Message, error) {
	var out Message
	resp, err := c.rc.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]any{"chat_room": roomID, "text": text}).
		SetResult(&out).
		Post("/api/messages/")
	if err != nil {
		return Message{}, fmt.Errorf("%w: sending message: %v", chaterrors.ErrAPIRequest, err)
	}
	if !resp.IsSuccess() {
		return Message{}, fmt.Errorf("%w: send returned status %d", chaterrors.ErrAPIResponse, resp.StatusCode())
	}
	return out, nil
}

// MarkRoomRead marks every message in the room as read for the
// authenticated user.
func (c *Client) MarkRoomRead(ctx context.Context, token string, roomID int64) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]any{"chat_room_id": roomID}).
		Post("/api/messages/mark_room_read/")
	if err != nil {
		return fmt.Errorf("%w: marking room read: %v", chaterrors.ErrAPIRequest, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: mark_room_read returned status %d", chaterrors.ErrAPIResponse, resp.StatusCode())
	}
	return nil
}

// Rooms lists the chat rooms the authenticated user belongs to.
func (c *Client) Rooms(ctx context.Context, token string) ([]Room, error) {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetAuthToken(token).
		Get("/api/chatrooms/")
	if err != nil {
		return nil, fmt.Errorf("%w: listing rooms: %v", chaterrors.ErrAPIRequest, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: chatrooms returned status %d", chaterrors.ErrAPIResponse, resp.StatusCode())
	}

	v := gjson.ParseBytes(resp.Body())
	raw := v.Raw
	if !v.IsArray() {
		results := v.Get("results")
		if !results.IsArray() {
			return []Room{}, nil
		}
		raw = results.Raw
	}
	var rooms []Room
	if err := json.Unmarshal([]byte(raw), &rooms); err != nil {
		return []Room{}, nil
	}
	return rooms, nil
}

// PrivateRoom returns the private room shared with userID, creating it
// if none exists yet.
func (c *Client) PrivateRoom(ctx context.Context, token string, userID int64) (Room, error) {
	var out Room
	resp, err := c.rc.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]any{"user_id": userID}).
		SetResult(&out).
		Post("/api/chatrooms/get_or_create_private/")
	if err != nil {
		return Room{}, fmt.Errorf("%w: resolving private room: %v", chaterrors.ErrAPIRequest, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Room{}, chaterrors.ErrRoomNotFound
	}
	if !resp.IsSuccess() {
		return Room{}, fmt.Errorf("%w: get_or_create_private returned status %d", chaterrors.ErrAPIResponse, resp.StatusCode())
	}
	return out, nil
}

// Users lists known users, for finding someone to chat with.
func (c *Client) Users(ctx context.Context, token string) ([]User, error) {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetAuthToken(token).
		Get("/api/users/")
	if err != nil {
		return nil, fmt.Errorf("%w: listing users: %v", chaterrors.ErrAPIRequest, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: users returned status %d", chaterrors.ErrAPIResponse, resp.StatusCode())
	}

	v := gjson.ParseBytes(resp.Body())
	raw := v.Raw
	if !v.IsArray() {
		results := v.Get("results")
		if !results.IsArray() {
			return []User{}, nil
		}
		raw = results.Raw
	}
	var users []User
	if err := json.Unmarshal([]byte(raw), &users); err != nil {
		return []User{}, nil
	}
	return users, nil
}
