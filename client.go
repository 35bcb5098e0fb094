package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raulk/clock"
)

const (
	DefaultBaseURL    = "http://localhost:5000"
	DefaultTimeout    = 30 * time.Second
	DefaultStaleAfter = 2 * time.Second

	// historyPageSize is the largest page the server hands out.
	historyPageSize = 50
)

var _ SnapshotSource = (*Client)(nil)

// ============================================================================
// Client
// ============================================================================

// Client is the REST snapshot source. It implements SnapshotSource.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	staleAfter time.Duration
	clock      clock.Clock

	cacheMu  sync.Mutex
	cached   []json.RawMessage
	cachedAt time.Time
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithStaleAfter sets how long a non-forced conversation list may be served
// from cache. Zero disables the cache.
func WithStaleAfter(d time.Duration) ClientOption {
	return func(c *Client) { c.staleAfter = d }
}

func WithClientClock(clk clock.Clock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

// NewClient creates a REST client authenticating with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		staleAfter: DefaultStaleAfter,
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, query map[string]string, header http.Header) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// errorMessage pulls "message" or "error" out of an error body.
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		return e.Error
	}
	return ""
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations API
// ============================================================================

type conversationsResponse struct {
	Success       bool              `json:"success"`
	Message       string            `json:"message"`
	Conversations []json.RawMessage `json:"conversations"`
}

type conversationResponse struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message"`
	Conversation json.RawMessage `json:"conversation"`
	Messages     struct {
		Items []json.RawMessage `json:"items"`
	} `json:"messages"`
}

// FetchConversations returns the raw conversation list. Unless force is set,
// a list fetched within StaleAfter is returned without a request.
func (c *Client) FetchConversations(ctx context.Context, force bool) ([]json.RawMessage, error) {
	if !force && c.staleAfter > 0 {
		c.cacheMu.Lock()
		if c.cached != nil && c.clock.Now().Sub(c.cachedAt) < c.staleAfter {
			out := append([]json.RawMessage(nil), c.cached...)
			c.cacheMu.Unlock()
			return out, nil
		}
		c.cacheMu.Unlock()
	}

	var header http.Header
	if force {
		header = http.Header{"Cache-Control": []string{"no-cache"}}
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, header)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[conversationsResponse](data)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &APIError{Status: http.StatusOK, Message: resp.Message}
	}

	c.cacheMu.Lock()
	c.cached = resp.Conversations
	c.cachedAt = c.clock.Now()
	c.cacheMu.Unlock()
	return append([]json.RawMessage(nil), resp.Conversations...), nil
}

// FetchConversation returns one conversation and its most recent messages.
func (c *Client) FetchConversation(ctx context.Context, id int64) (*ConversationDetail, error) {
	path := "/api/conversations/" + strconv.FormatInt(id, 10)
	data, err := c.doRequest(ctx, http.MethodGet, path, map[string]string{"per_page": strconv.Itoa(historyPageSize)}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[conversationResponse](data)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &APIError{Status: http.StatusOK, Message: resp.Message}
	}
	if isNull(resp.Conversation) {
		return nil, fmt.Errorf("conversation %d missing from response", id)
	}
	return &ConversationDetail{
		Conversation: resp.Conversation,
		Messages:     resp.Messages.Items,
	}, nil
}
