package crestron

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"crestron-shades-backend/internal/model"
)

const (
	// AuthTokenHeader carries the long-lived token on login and ping.
	AuthTokenHeader = "Crestron-RestAPI-AuthToken"
	// AuthKeyHeader carries the session key on every other call.
	AuthKeyHeader = "Crestron-RestAPI-AuthKey"

	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 10 * time.Second

	apiPath = "/cws/api"
)

// RetryConfig configures the bounded retry applied to every call.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts for transient failures (default: 3).
	MaxAttempts int
	// Delay is the fixed wait between attempts (default: 2s).
	Delay time.Duration
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
	}
}

// Client talks to the REST API of a single Crestron hub.
type Client struct {
	host       string
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
	sessionTTL time.Duration
	session    *Session
	logger     *slog.Logger

	mu     sync.RWMutex
	shades map[int]model.Shade
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. The client is copied, so later
// options never modify the caller's value. A nil client is ignored.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client == nil {
			return
		}
		cp := *client
		c.httpClient = &cp
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithRetry overrides the retry policy. Zero fields keep their defaults.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) {
		if cfg.MaxAttempts > 0 {
			c.retry.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.Delay > 0 {
			c.retry.Delay = cfg.Delay
		}
	}
}

// WithSessionTTL bounds how long a session key is trusted.
// Zero keeps a key until the hub rejects it.
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.sessionTTL = ttl
	}
}

// WithLogger sets the logger used for retries and, at debug level, every request.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the hub at host. host is either a bare
// address ("192.168.1.20") or a URL with scheme.
func NewClient(host, token string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(host) == "" {
		return nil, ErrEmptyHost
	}
	if token == "" {
		return nil, ErrEmptyToken
	}

	base := strings.TrimSuffix(host, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	base = strings.TrimSuffix(base, apiPath)

	c := &Client{
		host:    host,
		baseURL: base + apiPath,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		retry:  DefaultRetryConfig(),
		logger: slog.Default(),
		shades: make(map[int]model.Shade),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient.Transport == nil {
		c.httpClient.Transport = &LoggingTransport{Base: http.DefaultTransport, Logger: c.logger}
	}
	c.session = newSession(token, c.sessionTTL, c.fetchAuthKey)

	return c, nil
}

// Host returns the hub address the client was created with.
func (c *Client) Host() string {
	return c.host
}

// Session exposes the client's auth session.
func (c *Client) Session() *Session {
	return c.session
}

// SetToken replaces the auth token. The next authenticated call logs in again.
func (c *Client) SetToken(token string) {
	c.session.SetToken(token)
}

// request describes a single HTTP exchange with the hub.
type request struct {
	op     string
	method string
	path   string
	header http.Header
	body   any
}

// do performs one HTTP exchange and maps failures to *Error.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	var reqBody io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, &Error{Kind: KindProtocol, Op: r.op, Err: fmt.Errorf("failed to marshal request body: %w", err)}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, reqBody)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: r.op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(r.op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(r.op, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &Error{Kind: KindAuth, Op: r.op, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: KindProtocol, Op: r.op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}

// fetchAuthKey performs the login request.
func (c *Client) fetchAuthKey(ctx context.Context, token string) (string, error) {
	c.logger.Debug("Requesting Crestron auth key", "host", c.host)

	body, err := c.do(ctx, request{
		op:     "login",
		method: http.MethodGet,
		path:   "/login",
		header: http.Header{AuthTokenHeader: []string{token}},
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		AuthKey string `json:"authkey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &Error{Kind: KindProtocol, Op: "login", Err: fmt.Errorf("failed to unmarshal login response: %w", err)}
	}
	if resp.AuthKey == "" {
		return "", &Error{Kind: KindAuth, Op: "login", Body: "no auth key received"}
	}

	c.logger.Debug("Obtained Crestron auth key", "host", c.host)
	return resp.AuthKey, nil
}

// Login makes sure the session holds a valid key.
func (c *Client) Login(ctx context.Context) error {
	return c.executeWithRetry(ctx, operation{
		name: "login",
		call: func(ctx context.Context, _ string) error {
			_, err := c.session.Login(ctx)
			return err
		},
	})
}

// operation is one retryable unit of work. Authenticated operations receive
// the current session key.
type operation struct {
	name          string
	authenticated bool
	call          func(ctx context.Context, key string) error
}

// executeWithRetry runs op under the client's retry policy. An auth failure
// invalidates the key and re-runs login once; connection and timeout failures
// are retried with a fixed delay; anything else is returned immediately.
func (c *Client) executeWithRetry(ctx context.Context, op operation) error {
	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	reauthed := false

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		key := ""
		if op.authenticated {
			k, err := c.session.Login(ctx)
			if err != nil {
				lastErr = err
				if IsTransient(err) && attempt < attempts {
					if err := c.wait(ctx, op.name); err != nil {
						return err
					}
					continue
				}
				return err
			}
			key = k
		}

		err := op.call(ctx, key)
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case IsAuth(err) && op.authenticated && !reauthed:
			c.logger.Debug("Auth key rejected, logging in again", "host", c.host, "op", op.name)
			c.session.Invalidate(key)
			reauthed = true
			if attempt == attempts {
				attempts++
			}
		case IsTransient(err):
			c.logger.Debug("Transient Crestron error",
				"host", c.host, "op", op.name, "attempt", attempt, "max_attempts", attempts, "error", err)
			if attempt < attempts {
				if err := c.wait(ctx, op.name); err != nil {
					return err
				}
			}
		default:
			return err
		}
	}

	return lastErr
}

// wait sleeps for the retry delay or until ctx is done. A done context is
// reported as a transient *Error for op.
func (c *Client) wait(ctx context.Context, op string) error {
	if c.retry.Delay <= 0 {
		if err := ctx.Err(); err != nil {
			return transportError(op, err)
		}
		return nil
	}
	timer := time.NewTimer(c.retry.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return transportError(op, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Ping checks that the hub answers with the configured token.
func (c *Client) Ping(ctx context.Context) error {
	return c.executeWithRetry(ctx, operation{
		name: "ping",
		call: func(ctx context.Context, _ string) error {
			_, err := c.do(ctx, request{
				op:     "ping",
				method: http.MethodGet,
				header: http.Header{AuthTokenHeader: []string{c.session.Token()}},
			})
			return err
		},
	})
}
