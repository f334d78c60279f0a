// Package httpexec forwards tool calls to the booking application's HTTP API.
//
// The application exposes:
//
//	GET  {base}/tools          -> [executor.Descriptor]
//	POST {base}/tools/{name}   <- {"arguments": ..., "caller": {...}}
//	                           -> 2xx with the JSON result, or
//	                              4xx/5xx with {"error": {"code": n, "message": "..."}}
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ggoodman/booking-gateway/auth"
	"github.com/ggoodman/booking-gateway/executor"
)

const maxResponseBytes = 4 << 20

// Client is an executor.Executor backed by HTTP.
type Client struct {
	base  *url.URL
	http  *http.Client
	tools []executor.Descriptor
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New loads the tool catalogue from baseURL and returns a ready Client.
func New(ctx context.Context, baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid executor URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("executor URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	c := &Client{base: u, http: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath("tools").String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load tool catalogue: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("load tool catalogue: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&c.tools); err != nil {
		return nil, fmt.Errorf("decode tool catalogue: %w", err)
	}
	return c, nil
}

func (c *Client) Tools() []executor.Descriptor {
	return append([]executor.Descriptor(nil), c.tools...)
}

type caller struct {
	UserID string   `json:"userId"`
	Email  string   `json:"email,omitempty"`
	Role   string   `json:"role,omitempty"`
	Scopes []string `json:"scopes"`
}

type callBody struct {
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Caller    caller          `json:"caller"`
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Execute(ctx context.Context, name string, args json.RawMessage, ident *auth.Identity) (any, error) {
	body := callBody{Arguments: args}
	if ident != nil {
		body.Caller = caller{UserID: ident.UserID(), Email: ident.Email(), Role: ident.Role(), Scopes: ident.Scopes()}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath("tools", name).String(), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", name, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, nil
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("call %s: response is not valid JSON", name)
		}
		return json.RawMessage(raw), nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", executor.ErrUnknownTool, name)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", executor.ErrForbidden, errorMessage(raw, resp.Status))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, executor.InvalidParams("%s", errorMessage(raw, resp.Status))
	default:
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Code != 0 {
			return nil, &executor.Error{Code: eb.Error.Code, Message: eb.Error.Message}
		}
		return nil, errors.New(errorMessage(raw, resp.Status))
	}
}

func errorMessage(raw []byte, fallback string) string {
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
		return eb.Error.Message
	}
	return fallback
}
