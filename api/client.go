// Package api issues authenticated JSON requests to the quiz backend.
//
// Requests go through an auth.Manager client, so a 401 triggers one token
// refresh and a replay before the error reaches the caller.
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

	"github.com/google/uuid"
	"github.com/mnehpets/tunequiz/auth"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const maxBodyBytes = 4 << 20

// Client sends requests relative to a base URL.
type Client struct {
	base *url.URL
	http *http.Client
	log  log.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l log.FieldLogger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithTimeout sets the overall timeout of each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// New creates a Client for baseURL that authenticates with m.
func New(baseURL string, m *auth.Manager, opts ...Option) (*Client, error) {
	return NewWithHTTPClient(baseURL, m.Client(nil), opts...)
}

// NewWithHTTPClient creates a Client over an existing HTTP client, which is
// expected to authenticate requests itself. The client is copied.
func NewWithHTTPClient(baseURL string, hc *http.Client, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api: invalid base URL %q", baseURL)
	}
	cp := *hc
	c := &Client{base: u, http: &cp, log: log.StandardLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("api: invalid path %q: %w", path, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return "", fmt.Errorf("api: path %q must be relative to the backend", path)
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

// Do sends method to path with body encoded as JSON. A []byte or
// json.RawMessage body is sent as is. The response is returned with any
// {"data": ...} envelope removed; an empty body yields a zero Result.
// Non-2xx responses are returned as *auth.BackendError.
func (c *Client) Do(ctx context.Context, method, path string, body any) (gjson.Result, error) {
	target, err := c.resolve(path)
	if err != nil {
		return gjson.Result{}, err
	}

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	case json.RawMessage:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("api: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("api: create request: %w", err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	l := c.log.WithFields(log.Fields{"request_id": reqID, "method": method, "path": req.URL.Path})
	resp, err := c.http.Do(req)
	if err != nil {
		l.WithError(err).Debug("api request failed")
		var ue *url.Error
		if errors.As(err, &ue) {
			// Return auth errors without the url.Error wrapper.
			var ae *auth.Error
			if errors.As(ue.Err, &ae) {
				return gjson.Result{}, ae
			}
		}
		return gjson.Result{}, err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			l.Errorf("failed to close response body: %v", errClose)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("api: read response: %w", err)
	}
	l.WithField("status", resp.StatusCode).Debug("api response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return gjson.Result{}, auth.ParseBackendError(resp.StatusCode, raw)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("api: %s %s: response is not valid JSON", method, req.URL.Path)
	}
	return auth.UnwrapEnvelope(gjson.ParseBytes(raw)), nil
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, path string) (gjson.Result, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post sends a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (gjson.Result, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Put sends a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (gjson.Result, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

// Delete sends a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (gjson.Result, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}
