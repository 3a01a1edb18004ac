package deyecloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds every single HTTP call.
	DefaultTimeout  = 30 * time.Second
	defaultTokenTTL = time.Hour
)

// Client issues calls against the Deye Cloud API and owns the token cache.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	dialect    Dialect
	creds      Credentials
	logger     *slog.Logger
	now        func() time.Time
	tokens     *TokenManager
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call timeout budget.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithDialect selects the API shape. Defaults to DialectV1.
func WithDialect(d Dialect) Option {
	return func(c *Client) { c.dialect = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides time.Now, used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, creds Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		dialect:    DialectV1,
		creds:      creds,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tokens = newTokenManager(c.login, c.dialect.SafetyMargin(), c.now)
	return c
}

// Tokens returns the client's token manager.
func (c *Client) Tokens() *TokenManager { return c.tokens }

// Dialect returns the API shape in use.
func (c *Client) Dialect() Dialect { return c.dialect }

// Connect obtains a token. It is the setup-time connection test.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.tokens.EnsureValid(ctx)
	return err
}

// Execute performs one call and returns the response payload. It never retries.
func (c *Client) Execute(ctx context.Context, method, path string, body map[string]any, requireAuth bool) (json.RawMessage, error) {
	payload, _, err := c.execute(ctx, method, path, body, requireAuth)
	return payload, err
}

func (c *Client) execute(ctx context.Context, method, path string, body map[string]any, requireAuth bool) (json.RawMessage, string, error) {
	body = maps.Clone(body)
	if body == nil {
		body = map[string]any{}
	}
	header := http.Header{}

	var token string
	if requireAuth {
		t, err := c.tokens.EnsureValid(ctx)
		if err != nil {
			return nil, "", err
		}
		token = t.AccessToken
		c.dialect.Authorize(header, body, token)
	}

	payload, err := c.send(ctx, method, path, nil, body, header)
	return payload, token, err
}

// call runs an authenticated request and decodes the payload into out. A
// rejected token is dropped and the request retried exactly once.
func (c *Client) call(ctx context.Context, method, path string, body map[string]any, out any) error {
	payload, used, err := c.execute(ctx, method, path, body, true)
	if errors.Is(err, ErrAuth) && used != "" {
		c.logger.DebugContext(ctx, "access token rejected, logging in again", slog.String("path", path))
		c.tokens.Invalidate(used)
		payload, _, err = c.execute(ctx, method, path, body, true)
	}
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return transportError(path, fmt.Errorf("failed to decode payload: %w", err))
	}
	return nil
}

// send performs the HTTP round trip and classifies the result.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body map[string]any, header http.Header) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if query == nil {
		query = url.Values{}
	}
	var reqBody io.Reader
	if method == http.MethodGet {
		for k, v := range body {
			query.Set(k, fmt.Sprint(v))
		}
	} else {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, validationErrorf("failed to marshal request body for %s: %v", path, err)
		}
		reqBody = bytes.NewReader(b)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, transportError(path, fmt.Errorf("failed to create request: %w", err))
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, transportError(path, fmt.Errorf("unexpected status code %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(path, fmt.Errorf("failed to read body: %w", err))
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, transportError(path, fmt.Errorf("failed to decode JSON: %w", err))
	}
	if !env.OK() {
		kind := ErrAPI
		if env.Code.IsAuth() {
			kind = ErrAuth
		}
		msg := env.Msg
		if msg == "" {
			msg = "unknown error"
		}
		return nil, &APIError{Kind: kind, Code: string(env.Code), Msg: msg, Path: path}
	}

	payload, err := c.dialect.Payload(raw)
	if err != nil {
		return nil, transportError(path, fmt.Errorf("failed to extract payload: %w", err))
	}
	return payload, nil
}

type tokenPayload struct {
	AccessToken string  `json:"accessToken"`
	ExpiresIn   flexInt `json:"expiresIn"`
}

// login asks for a fresh token. Any application error from the token endpoint
// means the credentials were rejected.
func (c *Client) login(ctx context.Context) (string, time.Duration, error) {
	lr := c.dialect.Login(c.creds)
	payload, err := c.send(ctx, http.MethodPost, lr.Path, lr.Query, lr.Body, http.Header{})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			apiErr.Kind = ErrAuth
		}
		c.logger.ErrorContext(ctx, "token request failed", slog.Any("error", err))
		return "", 0, err
	}

	var tp tokenPayload
	if err := json.Unmarshal(payload, &tp); err != nil {
		return "", 0, transportError(lr.Path, fmt.Errorf("failed to decode token: %w", err))
	}
	if tp.AccessToken == "" {
		return "", 0, &APIError{Kind: ErrAuth, Msg: "no access token in response", Path: lr.Path}
	}

	ttl := time.Duration(tp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	c.logger.InfoContext(ctx, "obtained access token", slog.Duration("expires_in", ttl), slog.String("dialect", c.dialect.Name()))
	return tp.AccessToken, ttl, nil
}
