package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nugget/insight-relay/internal/events"
	"github.com/nugget/insight-relay/internal/httpkit"
)

// levelTrace mirrors config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// DefaultTokenPath is the credential acquisition endpoint.
const DefaultTokenPath = "/api/celery-token/"

// DefaultTokenTTL is how long an acquired token is trusted. The backend
// returns no expiry, so this is a lower bound on the real lifetime.
const DefaultTokenTTL = time.Hour

// maxBodySize caps how much of a response body is buffered.
const maxBodySize = 1 << 20

// ErrCredentialAcquisition is matched by every *CredentialError.
var ErrCredentialAcquisition = errors.New("credential acquisition failed")

// ErrUnauthorized is matched by a *StatusError carrying a 401.
var ErrUnauthorized = errors.New("unauthorized")

// CredentialError reports a failed token acquisition. The outer call
// that needed the token was not attempted.
type CredentialError struct {
	StatusCode int // zero when the request never completed
	Err        error
}

func (e *CredentialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("acquire token: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("acquire token: %v", e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Is matches ErrCredentialAcquisition.
func (e *CredentialError) Is(target error) bool { return target == ErrCredentialAcquisition }

// StatusError is returned when the backend rejected the bearer token.
type StatusError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: status %d", e.Path, e.StatusCode)
}

// Is matches ErrUnauthorized for 401 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Response is a fully read backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Config holds the settings for a Client.
type Config struct {
	BaseURL    string
	TokenPath  string        // default DefaultTokenPath
	APIKey     string        // shared secret sent to TokenPath
	TokenTTL   time.Duration // default DefaultTokenTTL
	HTTPClient *http.Client  // default httpkit.NewClient()
	Cache      *TokenCache   // default NewTokenCache()
	Logger     *slog.Logger
	Bus        *events.Bus
}

// Client calls the insight backend, attaching a bearer token it keeps
// fresh through the shared TokenCache.
type Client struct {
	baseURL   string
	tokenPath string
	apiKey    string
	ttl       time.Duration
	http      *http.Client
	cache     *TokenCache
	logger    *slog.Logger
	bus       *events.Bus
}

// NewClient creates a Client from cfg, filling in defaults.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		tokenPath: cfg.TokenPath,
		apiKey:    cfg.APIKey,
		ttl:       cfg.TokenTTL,
		http:      cfg.HTTPClient,
		cache:     cfg.Cache,
		logger:    cfg.Logger,
		bus:       cfg.Bus,
	}
	if c.tokenPath == "" {
		c.tokenPath = DefaultTokenPath
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTokenTTL
	}
	if c.http == nil {
		c.http = httpkit.NewClient()
	}
	if c.cache == nil {
		c.cache = NewTokenCache()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Cache returns the token cache shared by this client.
func (c *Client) Cache() *TokenCache { return c.cache }

// Get is Do with GET and no body.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Do performs a backend call. Calls to the token path go out as-is.
// Every other call first makes sure the cache holds a valid token,
// acquiring one if needed, and sends it as a bearer credential. A 401
// clears the cache and returns a *StatusError; the call is not retried.
// Other statuses are returned in the Response with a nil error.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	if path == c.tokenPath {
		return c.send(ctx, method, path, body, nil)
	}

	tok, ok := c.cache.Token()
	if !ok {
		var err error
		tok, err = c.refresh(ctx)
		if err != nil {
			return nil, err
		}
	}

	resp, err := c.send(ctx, method, path, body, tok)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.cache.Clear()
		c.logger.Warn("backend rejected token, cache cleared", "path", path)
		c.bus.Emit(events.SourceAuth, events.KindTokenCleared, map[string]any{"path": path})
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Path:       path,
			Body:       snippet(resp.Body),
		}
	}
	return resp, nil
}

// Ping checks that the backend answers HTTP at all. Any status counts
// as reachable; only transport errors fail.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping backend: %w", err)
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

// tokenResponse is the acquisition endpoint's reply.
type tokenResponse struct {
	Access string `json:"access"`
}

// refresh acquires a new token and stores it in the cache. Concurrent
// refreshes are not coalesced.
func (c *Client) refresh(ctx context.Context) (*oauth2.Token, error) {
	resp, err := c.send(ctx, http.MethodPost, c.tokenPath, map[string]string{"api_key": c.apiKey}, nil)
	if err != nil {
		return nil, &CredentialError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &CredentialError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", snippet(resp.Body)),
		}
	}

	var tr tokenResponse
	if err := resp.DecodeJSON(&tr); err != nil {
		return nil, &CredentialError{StatusCode: resp.StatusCode, Err: err}
	}
	if tr.Access == "" {
		return nil, &CredentialError{StatusCode: resp.StatusCode, Err: errors.New("response has no access token")}
	}

	c.cache.Set(tr.Access, c.ttl)
	exp := c.cache.ExpiresAt()
	c.logger.Info("new authentication token acquired", "expires_at", exp.Format(time.RFC3339))
	c.bus.Emit(events.SourceAuth, events.KindTokenAcquired, map[string]any{"expires_at": exp})

	return &oauth2.Token{AccessToken: tr.Access, TokenType: "Bearer", Expiry: exp}, nil
}

// send performs one HTTP exchange and reads the whole body. A nil tok
// sends no Authorization header.
func (c *Client) send(ctx context.Context, method, path string, body any, tok *oauth2.Token) (*Response, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != nil {
		tok.SetAuthHeader(req)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	c.logger.Log(ctx, levelTrace, "backend response",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"bytes", len(data),
		"elapsed", time.Since(start),
	)

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// snippet trims a body for inclusion in an error message.
func snippet(b []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}
