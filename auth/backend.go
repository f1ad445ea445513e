package auth

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
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// LoginParams is sent to the backend to obtain an authorization URL.
type LoginParams struct {
	RedirectURI         string `json:"redirectUri"`
	CodeChallenge       string `json:"codeChallenge"`
	CodeChallengeMethod string `json:"codeChallengeMethod"`
	State               string `json:"state"`
}

// LoginResponse is the backend's answer to a login request. CodeVerifier and
// State are only set when the backend chose to generate its own.
type LoginResponse struct {
	AuthorizationURL string
	CodeVerifier     string
	State            string
}

// ExchangeParams is sent to the backend token-exchange endpoint.
type ExchangeParams struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"codeVerifier"`
	RedirectURI  string `json:"redirectUri"`
	State        string `json:"state"`
}

// ExchangeResult holds the tokens issued by an exchange and the user the
// backend reported alongside them, if any.
type ExchangeResult struct {
	Tokens TokenRecord
	User   *UserProfile
}

// UserProfile is the music-service user as reported by the backend.
type UserProfile struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Country     string         `json:"country,omitempty"`
	Product     string         `json:"product,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// Backend is the server side of the flow. HTTPBackend talks to the quiz
// backend; ProviderBackend talks to an OAuth provider directly.
type Backend interface {
	InitiateLogin(ctx context.Context, p LoginParams) (*LoginResponse, error)
	Exchange(ctx context.Context, p ExchangeParams) (*ExchangeResult, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenRecord, error)
	Profile(ctx context.Context, accessToken string) (*UserProfile, error)
}

// Endpoints are the backend paths, relative to the base URL.
type Endpoints struct {
	Login    string
	Exchange string
	Refresh  string
	Profile  string
}

// DefaultEndpoints are used for any empty Endpoints field.
var DefaultEndpoints = Endpoints{
	Login:    "/api/auth/login",
	Exchange: "/api/auth/callback",
	Refresh:  "/api/auth/refresh",
	Profile:  "/api/auth/me",
}

// maxResponseBytes bounds how much of a backend response is read.
const maxResponseBytes = 1 << 20

// HTTPBackend implements Backend over the quiz backend's JSON API.
//
// Responses are normalized at this boundary: snake_case and camelCase field
// names are both accepted, and a {"data": ...} envelope is unwrapped.
type HTTPBackend struct {
	base      *url.URL
	endpoints Endpoints
	client    *http.Client
	log       logrus.FieldLogger
}

// BackendOption configures an HTTPBackend.
type BackendOption func(*HTTPBackend)

// WithEndpoints overrides backend paths. Empty fields keep their defaults.
func WithEndpoints(e Endpoints) BackendOption {
	return func(b *HTTPBackend) {
		if e.Login != "" {
			b.endpoints.Login = e.Login
		}
		if e.Exchange != "" {
			b.endpoints.Exchange = e.Exchange
		}
		if e.Refresh != "" {
			b.endpoints.Refresh = e.Refresh
		}
		if e.Profile != "" {
			b.endpoints.Profile = e.Profile
		}
	}
}

// WithHTTPClient sets the HTTP client used for backend calls.
func WithHTTPClient(c *http.Client) BackendOption {
	return func(b *HTTPBackend) {
		b.client = c
	}
}

// WithBackendLogger sets the logger.
func WithBackendLogger(l logrus.FieldLogger) BackendOption {
	return func(b *HTTPBackend) {
		b.log = l
	}
}

// NewHTTPBackend creates a backend client rooted at baseURL.
func NewHTTPBackend(baseURL string, opts ...BackendOption) (*HTTPBackend, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, newError(KindConfiguration, "backend base URL is not set", nil)
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, newError(KindConfiguration, "invalid backend base URL", err)
	}
	b := &HTTPBackend{
		base:      u,
		endpoints: DefaultEndpoints,
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *HTTPBackend) InitiateLogin(ctx context.Context, p LoginParams) (*LoginResponse, error) {
	res, err := b.do(ctx, http.MethodPost, b.endpoints.Login, p, "")
	if err != nil {
		return nil, err
	}
	out := &LoginResponse{
		AuthorizationURL: firstOf(res, "authorizationUrl", "authorization_url", "authUrl", "auth_url", "url").String(),
		CodeVerifier:     firstOf(res, "codeVerifier", "code_verifier").String(),
		State:            firstOf(res, "state").String(),
	}
	if out.AuthorizationURL == "" {
		return nil, errors.New("auth: login response has no authorization URL")
	}
	return out, nil
}

func (b *HTTPBackend) Exchange(ctx context.Context, p ExchangeParams) (*ExchangeResult, error) {
	res, err := b.do(ctx, http.MethodPost, b.endpoints.Exchange, p, "")
	if err != nil {
		return nil, err
	}
	tokens, err := parseTokens(res)
	if err != nil {
		return nil, err
	}
	out := &ExchangeResult{Tokens: *tokens}
	if u := res.Get("user"); u.IsObject() {
		out.User = parseUser(u)
	}
	return out, nil
}

func (b *HTTPBackend) Refresh(ctx context.Context, refreshToken string) (*TokenRecord, error) {
	body := map[string]string{"refreshToken": refreshToken}
	res, err := b.do(ctx, http.MethodPost, b.endpoints.Refresh, body, "")
	if err != nil {
		return nil, err
	}
	return parseTokens(res)
}

func (b *HTTPBackend) Profile(ctx context.Context, accessToken string) (*UserProfile, error) {
	res, err := b.do(ctx, http.MethodGet, b.endpoints.Profile, nil, accessToken)
	if err != nil {
		return nil, err
	}
	u := res
	if nested := res.Get("user"); nested.IsObject() {
		u = nested
	}
	user := parseUser(u)
	if user.ID == "" {
		return nil, errors.New("auth: profile response has no user id")
	}
	if s := res.Get("settings"); s.IsObject() {
		if m, ok := s.Value().(map[string]any); ok {
			user.Settings = m
		}
	}
	return user, nil
}

func (b *HTTPBackend) resolve(path string) string {
	u := *b.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String()
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body any, bearer string) (gjson.Result, error) {
	return doJSON(ctx, b.client, b.log, method, b.resolve(path), body, bearer)
}

// doJSON sends one JSON request and returns the normalized response body.
// Non-2xx responses are returned as *BackendError.
func doJSON(ctx context.Context, client *http.Client, l logrus.FieldLogger, method, target string, body any, bearer string) (gjson.Result, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("auth: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("auth: create request: %w", err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	log := l.WithFields(logrus.Fields{"request_id": reqID, "method": method, "path": req.URL.Path})
	resp, err := client.Do(req)
	if err != nil {
		log.WithError(err).Debug("backend request failed")
		return gjson.Result{}, fmt.Errorf("auth: %s %s: %w", method, req.URL.Path, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("auth: read response: %w", err)
	}
	log.WithField("status", resp.StatusCode).Debug("backend response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return gjson.Result{}, ParseBackendError(resp.StatusCode, raw)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("auth: %s %s: response is not valid JSON", method, req.URL.Path)
	}
	return UnwrapEnvelope(gjson.ParseBytes(raw)), nil
}

// UnwrapEnvelope returns the "data" member of an object response when that
// member is an object or array, and r otherwise. Sibling members such as
// "meta" are dropped.
func UnwrapEnvelope(r gjson.Result) gjson.Result {
	if !r.IsObject() {
		return r
	}
	if d := r.Get("data"); d.IsObject() || d.IsArray() {
		return d
	}
	return r
}

// firstOf returns the first of paths present in r.
func firstOf(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func parseTokens(r gjson.Result) (*TokenRecord, error) {
	rec := &TokenRecord{
		AccessToken:      firstOf(r, "accessToken", "access_token").String(),
		RefreshToken:     firstOf(r, "refreshToken", "refresh_token").String(),
		TokenType:        firstOf(r, "tokenType", "token_type").String(),
		GrantedScope:     firstOf(r, "scope", "grantedScope", "granted_scope").String(),
		ExpiresInSeconds: firstOf(r, "expiresIn", "expires_in").Int(),
	}
	if rec.AccessToken == "" {
		return nil, errors.New("auth: token response has no access token")
	}
	if rec.TokenType == "" || strings.EqualFold(rec.TokenType, "bearer") {
		rec.TokenType = "Bearer"
	}
	return rec, nil
}

func parseUser(r gjson.Result) *UserProfile {
	return &UserProfile{
		ID:          firstOf(r, "id", "userId", "user_id", "spotifyId", "spotify_id", "sub").String(),
		DisplayName: firstOf(r, "displayName", "display_name", "name").String(),
		Email:       firstOf(r, "email").String(),
		Country:     firstOf(r, "country").String(),
		Product:     firstOf(r, "product").String(),
	}
}

// ParseBackendError builds a BackendError from a non-2xx response body. It
// reads OAuth-style {"error", "error_description"} bodies, {"error": {...}}
// objects and plain text.
func ParseBackendError(status int, raw []byte) *BackendError {
	be := &BackendError{StatusCode: status}
	if !gjson.ValidBytes(raw) {
		be.Description = strings.TrimSpace(string(raw))
		if len(be.Description) > 200 {
			be.Description = be.Description[:200]
		}
		return be
	}
	r := gjson.ParseBytes(raw)
	if e := r.Get("error"); e.IsObject() {
		be.Code = firstOf(e, "code", "reason").String()
		be.Description = firstOf(e, "message", "description").String()
		return be
	}
	be.Code = firstOf(r, "error", "code").String()
	be.Description = firstOf(r, "error_description", "errorDescription", "message").String()
	return be
}

var _ Backend = (*HTTPBackend)(nil)
