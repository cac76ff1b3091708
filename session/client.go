package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Doer sends one HTTP request. *retry.Client from go-httpretry satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client sends requests with session headers and recovers from expired-token 401s by
// refreshing and replaying the request once.
type Client struct {
	manager *Manager
	doer    Doer
}

// NewClient returns a Client that authenticates through m and sends through doer.
func NewClient(m *Manager, doer Doer) *Client {
	return &Client{manager: m, doer: doer}
}

// Manager returns the session the client authenticates with.
func (c *Client) Manager() *Manager {
	return c.manager
}

// Do sends req. A non-expiry 401 and every other status come back unchanged. An
// expired-token 401 triggers a refresh and a single replay whose response is returned
// as is, even if it is another 401. When the session cannot be recovered the Manager
// logs out and the error wraps ErrSessionEnded.
func (c *Client) Do(req *http.Request, opts HeaderOptions) (*http.Response, error) {
	ctx := req.Context()

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	resp, token, err := c.send(ctx, req, body, opts)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))

	if ClassifyUnauthorized(raw) != FailureExpired {
		return resp, nil
	}

	m := c.manager
	m.observer.AccessTokenRejected()

	remember, err := m.RememberMe(ctx)
	if err != nil {
		return nil, err
	}
	if !remember {
		m.endSession(ctx, token, "access token expired")
		return nil, fmt.Errorf("%w: access token expired", ErrSessionEnded)
	}

	if _, err := m.refreshFrom(ctx, token, true); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSessionEnded, err)
	}

	m.observer.TokenRefreshedRetrying()
	resp, _, err = c.send(ctx, req, body, opts)
	return resp, err
}

// send attaches session headers to a copy of req and sends it. It returns the access
// token the request carried.
func (c *Client) send(
	ctx context.Context,
	req *http.Request,
	body []byte,
	opts HeaderOptions,
) (*http.Response, string, error) {
	headers, err := c.manager.Headers(ctx, opts)
	if err != nil {
		return nil, "", err
	}

	out := req.Clone(ctx)
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	for name, values := range headers {
		if name == "Content-Type" && out.Header.Get("Content-Type") != "" {
			continue
		}
		out.Header[name] = values
	}

	resp, err := c.doer.DoWithContext(ctx, out)
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimPrefix(headers.Get("Authorization"), "Bearer ")
	return resp, token, nil
}

// bufferBody reads the request body so it can be sent twice.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}
