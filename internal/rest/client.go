// Package rest implements types.MessageStore against the backend HTTP API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/chatsync/internal/types"
)

// Error codes carried in API error bodies.
const (
	CodeNotProvisioned = "not_provisioned"
	CodeDuplicate      = "duplicate"
)

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is the HTTP message store.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

var _ types.MessageStore = (*Client)(nil)

// NewClient creates a client for the API at cfg.BaseURL.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// Is maps API error codes onto the store sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case types.ErrNotProvisioned:
		return e.Code == CodeNotProvisioned
	case types.ErrDuplicate:
		return e.Code == CodeDuplicate
	}
	return false
}

// ErrorBody is the JSON shape of API errors.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// MessagesResponse is the body of a backfill response.
type MessagesResponse struct {
	Messages []types.Message `json:"messages"`
}

// MessagesPath returns the API path of a channel's messages.
func MessagesPath(channel string) string {
	return "/v1/channels/" + url.PathEscape(channel) + "/messages"
}

// InitializePath is the RPC that provisions message storage.
const InitializePath = "/v1/rpc/initialize_messages_table"

// Backfill returns up to limit of the most recent messages, oldest first.
func (c *Client) Backfill(ctx context.Context, channel string, limit int) ([]types.Message, error) {
	path := MessagesPath(channel) + "?limit=" + strconv.Itoa(limit)
	var out MessagesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Insert durably writes msg to the channel.
func (c *Client) Insert(ctx context.Context, channel string, msg types.Message) error {
	return c.do(ctx, http.MethodPost, MessagesPath(channel), msg, nil)
}

// Initialize provisions message storage on the backend.
func (c *Client) Initialize(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, InitializePath, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var eb ErrorBody
		if json.Unmarshal(respBody, &eb) == nil && eb.Error != "" {
			apiErr.Code = eb.Code
			apiErr.Message = eb.Error
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
