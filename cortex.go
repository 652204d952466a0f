// Package cortex provides the official Go SDK for the Cortex chat and
// knowledge-base API.
//
// The SDK is built around a client resilience layer: bearer-token auth with
// single-flight refresh and loop detection, an offline action queue with
// ordered replay, a TTL response cache for offline reads, and a realtime
// event channel with heartbeat and backoff reconnect.
//
// Example:
//
//	client := cortex.NewClient(cortex.WithBaseURL("https://api.cortex.chat"))
//	if err := client.Login(ctx, "dev@example.com", "secret"); err != nil { ... }
//
//	offline := cortex.NewOffline(client, cortex.NewMemoryStore(), nil)
//	offline.Start()
//	defer offline.Stop()
//
//	chat := cortex.NewChat(offline)
//	chat.SendMessage(ctx, "conv-1", "hello", nil)
package cortex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production API endpoint.
	DefaultBaseURL = "https://api.cortex.chat"

	// DefaultTimeout bounds every HTTP call.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP transport for the Cortex API. Every call runs through
// the request interceptor: a bearer token is obtained from the auth gateway,
// a 401 triggers exactly one refresh-and-retry, and auth endpoints are
// exempt from both.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	tokens  *TokenStore
	gateway *AuthGateway
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the structured logger used across the SDK.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithGateway applies extra options to the client's auth gateway.
func WithGateway(opts ...GatewayOption) ClientOption {
	return func(c *Client) {
		for _, opt := range opts {
			opt(c.gateway)
		}
	}
}

// NewClient creates a Cortex API client. Services are constructed
// explicitly and injected, one set per client; there is no package-level
// state, so multiple independent sessions can coexist in one process.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
		tokens: NewTokenStore(),
	}
	c.gateway = NewAuthGateway(c.tokens, c.refreshCall)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Gateway exposes the auth gateway, e.g. to register a SessionExpired
// handler or to inspect the loop-detection state.
func (c *Client) Gateway() *AuthGateway { return c.gateway }

// Tokens exposes the token store for snapshot reads.
func (c *Client) Tokens() *TokenStore { return c.tokens }

// BaseURL returns the configured API endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Auth endpoints
// ============================================================================

// Login authenticates with credentials and installs the returned session.
func (c *Client) Login(ctx context.Context, email, password string) error {
	res, err := c.do(ctx, "POST", "/api/auth/login", map[string]string{
		"email": email, "password": password,
	}, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != nil {
			return fmt.Errorf("%w: %v", ErrAuthRequired, res.Error)
		}
		return ErrAuthRequired
	}
	var data LoginData
	if err := res.Decode(&data); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	c.gateway.SetSession(tokenFromLogin(data))
	return nil
}

// Logout clears the session. The server call is best-effort.
func (c *Client) Logout(ctx context.Context) {
	_, err := c.do(ctx, "POST", "/api/auth/logout", nil, nil)
	if err != nil {
		c.logger.Debug("logout call failed", "error", err)
	}
	c.gateway.ClearSession()
}

// refreshCall is the gateway's RefreshFunc. It goes straight to the auth
// endpoint, which is exempt from interception, so a refresh can never
// recursively trigger another refresh.
func (c *Client) refreshCall(ctx context.Context, refreshToken string) (Token, error) {
	res, err := c.do(ctx, "POST", "/api/auth/refresh", map[string]string{
		"refreshToken": refreshToken,
	}, nil)
	if err != nil {
		return Token{}, err
	}
	if !res.OK {
		if res.Error != nil {
			return Token{}, fmt.Errorf("refresh rejected: %v", res.Error)
		}
		return Token{}, fmt.Errorf("refresh rejected")
	}
	var data LoginData
	if err := res.Decode(&data); err != nil {
		return Token{}, fmt.Errorf("decode refresh response: %w", err)
	}
	return tokenFromLogin(data), nil
}

func tokenFromLogin(d LoginData) Token {
	return Token{
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(d.ExpiresIn) * time.Second),
	}
}

// ============================================================================
// Request interceptor
// ============================================================================

// isAuthPath reports whether a path belongs to the auth endpoints, which
// are exempt from token attachment and 401 retry.
func isAuthPath(path string) bool {
	return strings.HasPrefix(path, "/api/auth/")
}

// retryPolicy is the explicit one-shot retry state for a single request.
// Loop termination is a structural property: once retried flips, no second
// refresh-and-retry can occur.
type retryPolicy struct {
	retried bool
}

func (p *retryPolicy) shouldRetry(status int) bool {
	if status != http.StatusUnauthorized || p.retried {
		return false
	}
	p.retried = true
	return true
}

// HTTPStatusError carries a non-2xx response that is not covered by a
// sentinel error.
type HTTPStatusError struct {
	Status int
	API    *APIError
}

func (e *HTTPStatusError) Error() string {
	if e.API != nil {
		return fmt.Sprintf("http %d: %v", e.Status, e.API)
	}
	return fmt.Sprintf("http %d", e.Status)
}

// HTTPStatus extracts the status code from an error chain, or 0.
func HTTPStatus(err error) int {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// do sends one API request through the interceptor.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	var policy retryPolicy
	for {
		var tok Token
		if !isAuthPath(path) {
			var err error
			tok, err = c.gateway.Token(ctx)
			if err != nil {
				return nil, err
			}
		}

		res, status, err := c.send(ctx, method, path, body, query, tok.AccessToken)
		if err != nil {
			return nil, err
		}

		switch {
		case status == http.StatusUnauthorized && !isAuthPath(path):
			if policy.shouldRetry(status) {
				// The server rejected a token the store may still consider
				// valid. Force the refresh past the freshness shortcut.
				if _, err := c.gateway.ForceRefresh(ctx, tok); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("%w: request unauthorized after retry", ErrAuthRequired)
		case status == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: %s %s", ErrRateLimited, method, path)
		case status < 200 || status >= 300:
			e := &HTTPStatusError{Status: status}
			if res != nil {
				e.API = res.Error
			}
			return nil, e
		}
		return res, nil
	}
}

// send performs a single HTTP round trip. bearer is empty for auth paths.
func (c *Client) send(ctx context.Context, method, path string, body interface{}, query map[string]string, bearer string) (*Result, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	var res Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			// Non-JSON bodies on error statuses are common (proxies);
			// surface the status, not a decode error.
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil, resp.StatusCode, fmt.Errorf("failed to unmarshal response: %w", err)
			}
			return nil, resp.StatusCode, nil
		}
	}
	return &res, resp.StatusCode, nil
}
