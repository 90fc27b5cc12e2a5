// Package getstream binds the chat interfaces to the Stream Chat API.
//
// A ServerClient performs server-auth REST calls (user/channel admin, token
// issuance). Each agent gets its own Client: a bot identity attached to one
// channel, receiving events over a WebSocket connection.
package getstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://chat.stream-io-api.com"
	defaultWSURL   = "wss://chat.stream-io-api.com/connect"
)

// Config holds Stream Chat credentials and endpoints.
type Config struct {
	APIKey    string
	APISecret string

	// BaseURL overrides the REST endpoint. Used by tests.
	BaseURL string

	// WSURL overrides the WebSocket endpoint. Used by tests.
	WSURL string

	// HTTPClient overrides the default REST client. Used by tests.
	HTTPClient *http.Client
}

// ServerClient performs server-authenticated calls against the Stream Chat
// REST API.
type ServerClient struct {
	config      Config
	httpClient  *http.Client
	serverToken string
	logger      *slog.Logger
}

// NewServerClient creates a server-side Stream Chat client.
func NewServerClient(config Config, logger *slog.Logger) (*ServerClient, error) {
	if config.APIKey == "" || config.APISecret == "" {
		return nil, fmt.Errorf("getstream: api key and secret are required")
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.WSURL == "" {
		config.WSURL = defaultWSURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	serverToken, err := serverToken(config.APISecret)
	if err != nil {
		return nil, fmt.Errorf("getstream: sign server token: %w", err)
	}

	return &ServerClient{
		config:      config,
		httpClient:  httpClient,
		serverToken: serverToken,
		logger:      logger,
	}, nil
}

// APIKey returns the configured API key, exposed to clients for display.
func (c *ServerClient) APIKey() string {
	return c.config.APIKey
}

// UpsertUser creates or updates a user.
func (c *ServerClient) UpsertUser(ctx context.Context, id, name string) error {
	payload := map[string]any{
		"users": map[string]any{
			id: map[string]any{"id": id, "name": name},
		},
	}
	return c.do(ctx, http.MethodPost, "/users", nil, payload, nil)
}

// DeleteUser removes a user. Hard deletion erases the user's messages too.
func (c *ServerClient) DeleteUser(ctx context.Context, id string, hard bool) error {
	query := url.Values{}
	if hard {
		query.Set("hard_delete", "true")
	}
	return c.do(ctx, http.MethodDelete, "/users/"+url.PathEscape(id), query, nil, nil)
}

// AddChannelMembers adds users to a channel.
func (c *ServerClient) AddChannelMembers(ctx context.Context, channelType, channelID string, userIDs ...string) error {
	payload := map[string]any{"add_members": userIDs}
	path := fmt.Sprintf("/channels/%s/%s", url.PathEscape(channelType), url.PathEscape(channelID))
	return c.do(ctx, http.MethodPost, path, nil, payload, nil)
}

// do performs one REST call with server auth. Responses outside 2xx surface
// as errors carrying the response detail.
func (c *ServerClient) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	endpoint := c.config.BaseURL + path
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.config.APIKey)
	endpoint += "?" + query.Encode()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.serverToken)
	req.Header.Set("stream-auth-type", "jwt")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
