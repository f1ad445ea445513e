package auth

import (
	"bytes"
	"io"
	"net/http"
)

// Transport is an http.RoundTripper that adds the stored bearer token.
//
// When a response is 401 it refreshes once through the Manager and replays
// the request. A second 401 is returned as an Unauthorized error. Tokens are
// not refreshed ahead of expiry; the server's 401 is the signal.
type Transport struct {
	Base    http.RoundTripper
	Manager *Manager
}

// NewTransport creates a Transport. A nil base uses http.DefaultTransport.
func NewTransport(m *Manager, base http.RoundTripper) *Transport {
	return &Transport{Base: base, Manager: m}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	token, ok := t.Manager.AccessToken(ctx)
	if !ok {
		closeRequestBody(req)
		return nil, newError(KindUnauthorized, "not signed in", nil)
	}

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	first, err := withToken(req, token, getBody)
	if err != nil {
		return nil, err
	}
	resp, err := t.base().RoundTrip(first)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	drainAndClose(resp)

	rec, err := t.Manager.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	second, err := withToken(req, rec.AccessToken, getBody)
	if err != nil {
		return nil, err
	}
	resp, err = t.base().RoundTrip(second)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drainAndClose(resp)
		return nil, newError(KindUnauthorized, "request rejected after refresh",
			&BackendError{StatusCode: http.StatusUnauthorized})
	}
	return resp, nil
}

// replayableBody returns a function producing a fresh copy of the request
// body, or nil when there is no body.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		closeRequestBody(req)
		return req.GetBody, nil
	}
	data, err := io.ReadAll(req.Body)
	closeRequestBody(req)
	if err != nil {
		return nil, err
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func withToken(req *http.Request, token string, getBody func() (io.ReadCloser, error)) (*http.Request, error) {
	out := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
		out.GetBody = getBody
	}
	out.Header.Set("Authorization", "Bearer "+token)
	return out, nil
}

func closeRequestBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
}
