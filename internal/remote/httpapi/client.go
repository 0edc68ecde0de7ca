// Package httpapi implements remote.Backend over the hosted service's REST API.
package httpapi

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

	"github.com/google/uuid"

	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/remote"
)

// DefaultTimeout bounds every request unless overridden.
const DefaultTimeout = 15 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client is a REST backend client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ remote.Backend = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content string) error {
	body := map[string]string{
		"content":           content,
		"client_message_id": uuid.NewString(),
	}
	return c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, body, nil)
}

func (c *Client) SetConversationField(ctx context.Context, conversationID string, field model.Field, value any) error {
	body := map[string]any{string(field): value}
	return c.do(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(conversationID), nil, body, nil)
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID), nil, nil, nil)
}

func (c *Client) SearchConversations(ctx context.Context, term string, limit int) ([]*model.Conversation, error) {
	var out []*model.Conversation
	q := url.Values{"q": {term}, "limit": {strconv.Itoa(limit)}}
	if err := c.do(ctx, http.MethodGet, "/conversations/search", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SearchMessages(ctx context.Context, term string, limit int) ([]*model.Message, error) {
	var out []*model.Message
	q := url.Values{"q": {term}, "limit": {strconv.Itoa(limit)}}
	if err := c.do(ctx, http.MethodGet, "/messages/search", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetConversations(ctx context.Context, ids []string) ([]*model.Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []*model.Conversation
	q := url.Values{"ids": {strings.Join(ids, ",")}}
	if err := c.do(ctx, http.MethodGet, "/conversations", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListConversations(ctx context.Context, scope string) ([]*model.Conversation, error) {
	var out []*model.Conversation
	q := url.Values{}
	if scope != "" {
		q.Set("scope", scope)
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	var out []*model.Message
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do sends one request. A non-nil out receives the decoded JSON response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, remote.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
