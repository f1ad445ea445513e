package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Phase is the position of a Manager in the login flow.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoginRequested
	PhaseAwaitingRedirect
	PhaseCallbackReceived
	PhaseExchanging
	PhaseAuthenticated
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoginRequested:
		return "login_requested"
	case PhaseAwaitingRedirect:
		return "awaiting_redirect"
	case PhaseCallbackReceived:
		return "callback_received"
	case PhaseExchanging:
		return "exchanging"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// AuthState is a snapshot of the session for display.
type AuthState struct {
	IsAuthenticated bool
	User            *UserProfile
	Phase           Phase
	// LastError is a user-facing message for the most recent failure.
	LastError string
	ExpiresAt time.Time
}

// LoginRequest is returned by InitiateLogin. The caller sends the user agent
// to AuthorizationURL.
type LoginRequest struct {
	AuthorizationURL string
	State            string
}

const refreshKey = "refresh"

// Manager runs the authorization flow and owns the token lifecycle for one
// client. It is safe for concurrent use.
type Manager struct {
	backend     Backend
	tokens      *TokenStore
	ephemeral   EphemeralStore
	redirectURI string
	buffer      time.Duration
	log         logrus.FieldLogger

	flight singleflight.Group

	mu      sync.Mutex
	phase   Phase
	user    *UserProfile
	lastErr error
}

// Option configures a Manager.
type Option func(*Manager)

// WithTokenStore sets the token store. Defaults to an in-memory store.
func WithTokenStore(s *TokenStore) Option {
	return func(m *Manager) {
		m.tokens = s
	}
}

// WithEphemeralStore sets where the verifier and state are kept between
// InitiateLogin and HandleCallback.
func WithEphemeralStore(s EphemeralStore) Option {
	return func(m *Manager) {
		m.ephemeral = s
	}
}

// WithRedirectURI sets the registered redirect URI.
func WithRedirectURI(uri string) Option {
	return func(m *Manager) {
		m.redirectURI = uri
	}
}

// WithRefreshBuffer sets how long before expiry a token is treated as expired.
func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) {
		m.buffer = d
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// New creates a Manager. Missing configuration is reported by InitiateLogin,
// not here, so a manager can still serve stored tokens.
func New(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		buffer:  DefaultRefreshBuffer,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tokens == nil {
		m.tokens = NewTokenStore(nil, WithStoreLogger(m.log))
	}
	if m.ephemeral == nil {
		m.ephemeral = NewMemoryEphemeralStore()
	}
	return m
}

// Tokens returns the manager's token store.
func (m *Manager) Tokens() *TokenStore {
	return m.tokens
}

// RedirectURI returns the configured redirect URI.
func (m *Manager) RedirectURI() string {
	return m.redirectURI
}

// InitiateLogin generates fresh PKCE parameters and state, remembers them for
// the callback, and asks the backend for the authorization URL.
//
// Starting a new login invalidates any login still in progress.
func (m *Manager) InitiateLogin(ctx context.Context) (*LoginRequest, error) {
	if err := m.checkConfig(); err != nil {
		m.fail(err)
		return nil, err
	}
	m.setPhase(PhaseLoginRequested)

	pkce, err := GeneratePKCE()
	if err != nil {
		m.fail(err)
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		m.fail(err)
		return nil, err
	}
	m.ephemeral.StoreVerifier(pkce.CodeVerifier)
	m.ephemeral.StoreState(state)

	resp, err := m.backend.InitiateLogin(ctx, LoginParams{
		RedirectURI:         m.redirectURI,
		CodeChallenge:       pkce.CodeChallenge,
		CodeChallengeMethod: CodeChallengeMethod,
		State:               state,
	})
	if err != nil {
		m.ephemeral.Clear()
		e := newError(KindInitiateFailed, "login initiation failed", err)
		m.fail(e)
		return nil, e
	}
	if resp.CodeVerifier != "" || (resp.State != "" && resp.State != state) {
		// The client's own PKCE material is authoritative.
		m.log.Debug("ignoring backend-supplied code verifier or state")
	}

	m.setPhase(PhaseAwaitingRedirect)
	m.log.WithField("state_prefix", state[:6]).Debug("login initiated")
	return &LoginRequest{AuthorizationURL: resp.AuthorizationURL, State: state}, nil
}

func (m *Manager) checkConfig() error {
	if m.backend == nil {
		return newError(KindConfiguration, "no backend configured", nil)
	}
	if m.redirectURI == "" {
		return newError(KindConfiguration, "redirect URI is not set", nil)
	}
	u, err := url.Parse(m.redirectURI)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return newError(KindConfiguration, "redirect URI must be an absolute URL", err)
	}
	return nil
}

// HandleCallback completes a login with the code and state from the redirect.
//
// The stored verifier and state are consumed before anything else, so they
// are gone whatever the outcome. A missing or mismatched state fails with
// CsrfMismatch without contacting the backend. A replayed redirect that
// arrives while signed in is rejected without touching the session state.
func (m *Manager) HandleCallback(ctx context.Context, code, state string) (*UserProfile, error) {
	prev := m.Phase()
	expected, hasState := m.ephemeral.TakeState()
	verifier, hasVerifier := m.ephemeral.TakeVerifier()

	if !hasState || !ValidateState(state, expected) {
		e := newError(KindCsrfMismatch, "state mismatch", nil)
		if _, signedIn := m.tokens.AccessToken(ctx); !hasState && prev == PhaseAuthenticated && signedIn {
			m.log.Warn("ignoring callback with no pending login")
			return nil, e
		}
		m.fail(e)
		return nil, e
	}
	m.setPhase(PhaseCallbackReceived)
	if !hasVerifier {
		e := newError(KindCsrfMismatch, "no code verifier for this login", nil)
		m.fail(e)
		return nil, e
	}
	if code == "" {
		e := newError(KindExchangeFailed, "authorization code missing", nil)
		m.fail(e)
		return nil, e
	}

	m.setPhase(PhaseExchanging)
	res, err := m.backend.Exchange(ctx, ExchangeParams{
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  m.redirectURI,
		State:        state,
	})
	if err != nil {
		e := newError(KindExchangeFailed, "token exchange failed", err)
		m.fail(e)
		return nil, e
	}
	rec := res.Tokens
	if err := m.tokens.Save(ctx, &rec); err != nil {
		m.fail(err)
		return nil, err
	}

	// Validate the new tokens once. A 401 here is not retried with a refresh.
	user, err := m.backend.Profile(ctx, rec.AccessToken)
	if err != nil {
		if clearErr := m.tokens.Clear(ctx); clearErr != nil {
			m.log.WithError(clearErr).Error("failed to purge tokens after validation failure")
		}
		e := newError(KindPostExchangeValidationFailed, "could not load user profile", err)
		m.fail(e)
		return nil, e
	}

	m.mu.Lock()
	m.phase = PhaseAuthenticated
	m.user = user
	m.lastErr = nil
	m.mu.Unlock()
	m.log.WithField("user_id", user.ID).Info("signed in")
	return user, nil
}

// HandleCallbackURL completes a login from the full redirect URL, for when the
// user pastes it. Parameters are read from the query, or from the fragment
// when the query carries none of code, state and error. A provider error is
// returned as a *ProviderError.
func (m *Manager) HandleCallbackURL(ctx context.Context, rawURL string) (*UserProfile, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		m.ephemeral.Clear()
		e := newError(KindExchangeFailed, "invalid callback URL", err)
		m.fail(e)
		return nil, e
	}
	q := u.Query()
	if !hasCallbackParams(q) && u.Fragment != "" {
		if fq, err := url.ParseQuery(u.Fragment); err == nil {
			q = fq
		}
	}
	if code := q.Get("error"); code != "" {
		return nil, m.HandleCallbackError(code, q.Get("error_description"))
	}
	return m.HandleCallback(ctx, q.Get("code"), q.Get("state"))
}

func hasCallbackParams(q url.Values) bool {
	return q.Has("code") || q.Has("state") || q.Has("error")
}

// HandleCallbackError records an error the provider reported on the redirect
// and drops the pending login.
func (m *Manager) HandleCallbackError(code, description string) error {
	m.ephemeral.Clear()
	e := newError(KindExchangeFailed, "provider returned error", &ProviderError{Code: code, Description: description})
	m.fail(e)
	return e
}

// Refresh exchanges the stored refresh token for new tokens.
//
// Concurrent callers share one backend call and its result. The shared call
// is not cancelled when one caller's ctx is; that caller just stops waiting.
// On failure the stored tokens are cleared and a RefreshFailed error returned.
func (m *Manager) Refresh(ctx context.Context) (*TokenRecord, error) {
	ch := m.flight.DoChan(refreshKey, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		rec := *res.Val.(*TokenRecord)
		return &rec, nil
	}
}

func (m *Manager) refresh(ctx context.Context) (*TokenRecord, error) {
	current, err := m.tokens.Load(ctx)
	if err != nil || current.RefreshToken == "" {
		if err == nil {
			err = errors.New("no refresh token stored")
		}
		return nil, m.refreshFailed(ctx, err)
	}

	next, err := m.backend.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return nil, m.refreshFailed(ctx, err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if next.GrantedScope == "" {
		next.GrantedScope = current.GrantedScope
	}
	if err := m.tokens.Save(ctx, next); err != nil {
		return nil, err
	}
	m.log.Debug("tokens refreshed")
	return next, nil
}

func (m *Manager) refreshFailed(ctx context.Context, cause error) error {
	if err := m.tokens.Clear(ctx); err != nil {
		m.log.WithError(err).Error("failed to purge tokens after refresh failure")
	}
	e := newError(KindRefreshFailed, "token refresh failed", cause)
	m.mu.Lock()
	m.phase = PhaseFailed
	m.user = nil
	m.lastErr = e
	m.mu.Unlock()
	m.log.WithError(cause).Warn("token refresh failed, session cleared")
	return e
}

// CurrentUser fetches the profile with the stored access token. A 401 triggers
// one refresh and one retry; a second 401 is Unauthorized.
func (m *Manager) CurrentUser(ctx context.Context) (*UserProfile, error) {
	token, ok := m.tokens.AccessToken(ctx)
	if !ok {
		return nil, newError(KindUnauthorized, "not signed in", nil)
	}
	user, err := m.backend.Profile(ctx, token)
	if err != nil && isUnauthorized(err) {
		rec, rerr := m.Refresh(ctx)
		if rerr != nil {
			return nil, rerr
		}
		user, err = m.backend.Profile(ctx, rec.AccessToken)
		if err != nil && isUnauthorized(err) {
			return nil, newError(KindUnauthorized, "profile request rejected after refresh", err)
		}
	}
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.user = user
	if m.phase != PhaseAuthenticated {
		m.phase = PhaseAuthenticated
	}
	m.mu.Unlock()
	return user, nil
}

// Logout clears all tokens and any pending login. It is safe to call when
// already signed out.
func (m *Manager) Logout(ctx context.Context) error {
	m.ephemeral.Clear()
	err := m.tokens.Clear(ctx)
	m.mu.Lock()
	m.phase = PhaseIdle
	m.user = nil
	m.lastErr = nil
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	m.log.Debug("signed out")
	return nil
}

// IsAuthenticated reports whether a stored token is usable (outside the
// refresh buffer), or can be renewed with a refresh token.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	rec, err := m.tokens.Load(ctx)
	if err != nil {
		return false
	}
	return !m.tokens.expired(rec, m.buffer) || rec.RefreshToken != ""
}

// AccessToken returns the stored access token without checking expiry.
func (m *Manager) AccessToken(ctx context.Context) (string, bool) {
	return m.tokens.AccessToken(ctx)
}

// Phase returns the current flow phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// State returns a snapshot of the session.
func (m *Manager) State(ctx context.Context) AuthState {
	st := AuthState{IsAuthenticated: m.IsAuthenticated(ctx)}
	if rec, err := m.tokens.Load(ctx); err == nil {
		st.ExpiresAt = rec.ExpiresAt()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st.Phase = m.phase
	st.User = m.user
	if m.lastErr != nil {
		st.LastError = UserMessage(m.lastErr)
	}
	return st
}

// Token returns a token that is not within the refresh buffer of expiry,
// refreshing first if needed.
func (m *Manager) Token(ctx context.Context) (*oauth2.Token, error) {
	rec, err := m.tokens.Load(ctx)
	if err != nil {
		return nil, newError(KindUnauthorized, "not signed in", err)
	}
	if m.tokens.expired(rec, m.buffer) {
		if rec, err = m.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return rec.OAuth2(), nil
}

// TokenSource returns an oauth2.TokenSource backed by the manager.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerTokenSource{ctx: ctx, m: m}
}

type managerTokenSource struct {
	ctx context.Context
	m   *Manager
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	return s.m.Token(s.ctx)
}

// Client returns an HTTP client that authenticates requests with the stored
// token and retries once after refreshing on 401. A nil base uses
// http.DefaultTransport.
func (m *Manager) Client(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: NewTransport(m, base)}
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
	m.log.WithField("phase", p.String()).Debug("auth phase")
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.phase = PhaseFailed
	m.lastErr = err
	m.mu.Unlock()
	m.log.WithField("kind", KindOf(err).String()).WithError(err).Warn("auth flow failed")
}
