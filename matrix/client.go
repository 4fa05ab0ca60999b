package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config configures one per-connection Matrix session.
type Config struct {
	HomeserverURL string
	AccessToken   string
	HTTPClient    *http.Client
}

// Client wraps the mautrix client for a single gateway connection. Each IRC
// session owns exactly one Client.
type Client struct {
	cli *mautrix.Client
}

// NewClient creates a Client authenticated with the given access token.
func NewClient(cfg Config) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, errors.New("homeserver url is required")
	}
	if cfg.AccessToken == "" {
		return nil, errors.New("access token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// The sync long poll holds the request open; leave headroom past
		// the server-side timeout.
		httpClient = &http.Client{Timeout: 3 * time.Minute}
	}

	client, err := mautrix.NewClient(cfg.HomeserverURL, "", cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create mautrix client: %w", err)
	}
	client.Client = httpClient

	return &Client{cli: client}, nil
}

// Whoami verifies the credentials and returns the session's user ID.
func (c *Client) Whoami(ctx context.Context) (id.UserID, error) {
	resp, err := c.cli.Whoami(ctx)
	if err != nil {
		return "", fmt.Errorf("matrix whoami: %w", err)
	}
	c.cli.UserID = resp.UserID
	return resp.UserID, nil
}

// Sync performs one long-poll /sync request from the given cursor.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*mautrix.RespSync, error) {
	return c.cli.SyncRequest(ctx, int(timeout.Milliseconds()), since, "", false, event.PresenceOnline)
}

// JoinRoom joins a room by ID or alias.
func (c *Client) JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	resp, err := c.cli.JoinRoom(ctx, roomIDOrAlias, &mautrix.ReqJoinRoom{})
	if err != nil {
		return "", fmt.Errorf("join room: %w", err)
	}
	return resp.RoomID, nil
}

// SendMessage sends an m.room.message event to a room.
func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, msgType event.MessageType, body string) (id.EventID, error) {
	content := &event.MessageEventContent{
		MsgType: msgType,
		Body:    body,
	}
	resp, err := c.cli.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.EventID, nil
}

// ResolveAlias resolves a room alias to a room ID.
func (c *Client) ResolveAlias(ctx context.Context, alias string) (id.RoomID, error) {
	resp, err := c.cli.ResolveAlias(ctx, id.RoomAlias(alias))
	if err != nil {
		return "", fmt.Errorf("resolve room alias: %w", err)
	}
	return resp.RoomID, nil
}

// IsAuthError reports whether the error is a fatal authentication failure
// (401/403 class) that must terminate the Matrix session.
func IsAuthError(err error) bool {
	return errors.Is(err, mautrix.MUnknownToken) ||
		errors.Is(err, mautrix.MMissingToken) ||
		errors.Is(err, mautrix.MForbidden)
}
