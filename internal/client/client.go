// Package client talks to the chat HTTP API and drives the polling agent of
// one chat widget.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds every API request.
const DefaultTimeout = 10 * time.Second

const nonceHeader = "X-Chat-Nonce"

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api: status %d", e.Status)
	}
	return fmt.Sprintf("chat api: status %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type Message struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name"`
	AvatarURL string `json:"avatar_url"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type Product struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"`
	Image string `json:"image"`
	URL   string `json:"url"`
}

type LoginResult struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	AuthToken string `json:"auth_token"`
	Nonce     string `json:"nonce"`
}

type EmbedResult struct {
	SessionID int64  `json:"session_id"`
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name"`
	Nonce     string `json:"nonce"`
	ProductID int64  `json:"product_id,omitempty"`
}

// Client is safe for concurrent use.
type Client struct {
	base string
	http *http.Client

	mu    sync.RWMutex
	token string
	nonce string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithCredentials presets the bearer token and request nonce.
func WithCredentials(token, nonce string) Option {
	return func(c *Client) {
		c.token, c.nonce = token, nonce
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) credentials() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.nonce
}

func (c *Client) setCredentials(token, nonce string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != "" {
		c.token = token
	}
	if nonce != "" {
		c.nonce = nonce
	}
}

// Login authenticates and keeps the returned token and nonce for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var out LoginResult
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/users/login", body, &out); err != nil {
		return nil, err
	}
	c.setCredentials(out.AuthToken, out.Nonce)
	return &out, nil
}

// Embed resolves the session a widget should open. Zero ids are omitted.
func (c *Client) Embed(ctx context.Context, sessionID, productID int64) (*EmbedResult, error) {
	body := map[string]int64{}
	if sessionID > 0 {
		body["session_id"] = sessionID
	}
	if productID > 0 {
		body["product_id"] = productID
	}
	var out EmbedResult
	if err := c.do(ctx, http.MethodPost, "/api/sessions/embed", body, &out); err != nil {
		return nil, err
	}
	c.setCredentials("", out.Nonce)
	return &out, nil
}

func (c *Client) FetchMessages(ctx context.Context, sessionID int64) ([]Message, error) {
	var out []Message
	if err := c.do(ctx, http.MethodGet, sessionPath("/api/messages/", sessionID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, sessionID int64, body string) error {
	return c.do(ctx, http.MethodPost, sessionPath("/api/messages/", sessionID), map[string]string{"message": body}, nil)
}

func (c *Client) SetTyping(ctx context.Context, sessionID int64, isTyping bool) error {
	flag := 0
	if isTyping {
		flag = 1
	}
	return c.do(ctx, http.MethodPost, sessionPath("/api/typing/", sessionID), map[string]int{"is_typing": flag}, nil)
}

func (c *Client) FetchTyping(ctx context.Context, sessionID int64) ([]string, error) {
	var out struct {
		TypingUsers []string `json:"typing_users"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath("/api/typing/", sessionID), nil, &out); err != nil {
		return nil, err
	}
	return out.TypingUsers, nil
}

// FetchProduct returns found=false when the session has no product card.
func (c *Client) FetchProduct(ctx context.Context, sessionID int64) (*Product, bool, error) {
	var out Product
	err := c.do(ctx, http.MethodGet, "/api/session/"+strconv.FormatInt(sessionID, 10)+"/product", nil, &out)
	if err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &out, true, nil
}

func sessionPath(prefix string, sessionID int64) string {
	return prefix + url.PathEscape(strconv.FormatInt(sessionID, 10))
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	token, nonce := c.credentials()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if nonce != "" {
		req.Header.Set(nonceHeader, nonce)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Message = envelope.Message
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
