// Package chatsync is the client-side messaging layer of the campus
// lost-and-found marketplace.
//
// It keeps a conversation list, per-conversation timelines and read state
// consistent across the REST backend and a real-time push channel, merging
// optimistic local sends with server confirmations.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.WithBaseURL("https://lost.example.edu"), chatsync.WithToken(token))
//	rt := chatsync.NewRealtimeClient(client, nil)
//	sess := chatsync.NewSession(client, rt)
//	defer sess.Close()
//
//	_ = sess.Start(ctx, &chatsync.User{ID: 7})
//	_ = sess.SelectConversation(ctx, 42)
//	_, _ = sess.Send(ctx, "Is the umbrella still at the library desk?")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 15 * time.Second
)

// Client talks to the marketplace REST backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

// WithHTTPClient sets the HTTP client requests are based on. The client is
// copied, so a jar added for the session cookie or a WithTimeout value never
// changes the caller's client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken authenticates requests with a bearer token in addition to the
// session cookie.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	hc := *c.httpClient
	if c.timeout > 0 {
		hc.Timeout = c.timeout
	}
	if hc.Jar == nil {
		jar, _ := cookiejar.New(nil)
		hc.Jar = jar
	}
	c.httpClient = &hc
	return c
}

// SetToken sets or clears the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured backend address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the HTTP client shared with the real-time transport so
// both carry the same session cookies.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req.Header)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("rest request", "method", method, "path", path,
		"status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func conversationPath(id int64, suffix string) string {
	return "/api/conversations/" + strconv.FormatInt(id, 10) + suffix
}

// ============================================================================
// Endpoints
// ============================================================================

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListConversations returns all conversations of the current user in server order.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// EnsureConversation creates the conversation about an item, or returns the
// existing one.
func (c *Client) EnsureConversation(ctx context.Context, itemID int64) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", &EnsureConversationRequest{ItemID: itemID}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListMessages returns the (bounded) history of a conversation, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "/messages"), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage posts a message and returns the stored record.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, req *SendMessageRequest) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "/messages"), req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkConversationRead marks every counterpart message of a conversation read.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID int64) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "/read"), nil, nil)
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, conversationID int64) error {
	return c.do(ctx, http.MethodDelete, conversationPath(conversationID, ""), nil, nil)
}

// realtimeURL derives the push endpoint from the REST base URL.
func (c *Client) realtimeURL(path string, websocket bool) string {
	base := c.baseURL
	if websocket {
		base = strings.Replace(base, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
	}
	u, err := url.Parse(base + path)
	if err != nil {
		return base + path
	}
	return u.String()
}
