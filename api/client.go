// Package api is the admin REST client. Every call goes through a session.Client, so
// requests carry the session headers and survive an access token expiring mid-flight.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-authgate/command-center/session"
)

// DefaultTimeout bounds one API call, including a refresh-and-replay cycle.
const DefaultTimeout = 15 * time.Second

// Error is a failed API call. Its message only names the status; Code and Message
// carry what the server said.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("API Error: %d", e.Status)
}

// IsNotFound reports whether err is an API 404.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// envelope wraps every response body.
type envelope struct {
	Status  *bool           `json:"status"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l.With().Str("component", "api").Logger()
		}
	}
}

// Client talks to the admin API.
type Client struct {
	baseURL *url.URL
	http    *session.Client
	timeout time.Duration
	log     zerolog.Logger

	Users        *Resource[User]
	Agencies     *Resource[Agency]
	Gifts        *GiftResource
	CoinPlans    *Resource[CoinPlan]
	WealthLevels *Resource[WealthLevel]
	SubAdmins    *Resource[SubAdmin]
	Reports      *Resource[Report]
}

// New returns a Client rooted at baseURL.
func New(baseURL string, sc *session.Client, opts ...Option) (*Client, error) {
	if sc == nil {
		return nil, errors.New("session client is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid API URL scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL: u,
		http:    sc,
		timeout: DefaultTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Users = newResource[User](c, "/users")
	c.Agencies = newResource[Agency](c, "/agencies")
	c.Gifts = &GiftResource{Resource: newResource[Gift](c, "/gifts")}
	c.CoinPlans = newResource[CoinPlan](c, "/coin-plans")
	c.WealthLevels = newResource[WealthLevel](c, "/wealth-levels")
	c.SubAdmins = newResource[SubAdmin](c, "/sub-admins")
	c.Reports = newResource[Report](c, "/reports")
	return c, nil
}

// Profile fetches the signed-in admin and caches the snapshot in the session store.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/profile", nil, nil, &raw); err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	if err := c.http.Manager().CacheProfile(ctx, raw); err != nil {
		c.log.Warn().Err(err).Msg("failed to cache profile")
	}
	return &p, nil
}

// CachedProfile returns the profile stored by the last Profile call, if any.
func (c *Client) CachedProfile(ctx context.Context) (*Profile, bool, error) {
	raw, ok, err := c.http.Manager().CachedProfile(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached profile: %w", err)
	}
	return &p, true, nil
}

// doJSON sends a JSON body (when in is non-nil) and decodes the envelope data into out.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	return c.do(ctx, method, path, query, body, "", in, out)
}

func (c *Client) do(
	ctx context.Context,
	method, path string,
	query url.Values,
	body io.Reader,
	contentType string,
	payload, out any,
) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req, session.HeaderOptions{Payload: payload})
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api call")

	var env envelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
			}
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (env.Status != nil && !*env.Status) {
		return &Error{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}
