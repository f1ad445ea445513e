package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// maxPendingNonces is the maximum number of concurrent OIDC nonces kept by a
// ProviderBackend. The oldest is evicted when a new login exceeds it.
const maxPendingNonces = 3

// nonceTTL is how long a nonce stays valid.
const nonceTTL = time.Hour

// ProviderBackend implements Backend by talking to an OAuth 2.0 provider
// directly, for deployments without a token-exchange backend. The client
// secret, if any, lives in this process.
type ProviderBackend struct {
	config      *oauth2.Config
	userInfoURL string
	verifier    *oidc.IDTokenVerifier // nil if not OIDC
	client      *http.Client
	log         logrus.FieldLogger

	mu     sync.Mutex
	nonces map[string]pendingNonce // keyed by state
	seq    uint64
}

type pendingNonce struct {
	value     string
	expiresAt time.Time
	seq       uint64
}

// ProviderOption configures a ProviderBackend.
type ProviderOption func(*ProviderBackend)

// WithUserInfoURL sets the endpoint used by Profile. For OIDC providers it
// defaults to the discovered userinfo endpoint.
func WithUserInfoURL(u string) ProviderOption {
	return func(p *ProviderBackend) {
		p.userInfoURL = u
	}
}

// WithProviderHTTPClient sets the HTTP client used for token and userinfo calls.
func WithProviderHTTPClient(c *http.Client) ProviderOption {
	return func(p *ProviderBackend) {
		p.client = c
	}
}

// WithProviderLogger sets the logger.
func WithProviderLogger(l logrus.FieldLogger) ProviderOption {
	return func(p *ProviderBackend) {
		p.log = l
	}
}

// OIDCProviderOption configures the token verifier for an OIDC provider.
type OIDCProviderOption func(*oidc.Config)

// WithSkipIssuerCheck disables issuer validation in the token verifier.
// Use this for providers that issue tokens with a per-tenant issuer.
func WithSkipIssuerCheck() OIDCProviderOption {
	return func(c *oidc.Config) {
		c.SkipIssuerCheck = true
	}
}

// NewProviderBackend creates a plain OAuth 2.0 backend (no ID token).
func NewProviderBackend(config *oauth2.Config, opts ...ProviderOption) (*ProviderBackend, error) {
	if config == nil || config.ClientID == "" {
		return nil, newError(KindConfiguration, "OAuth client ID is not set", nil)
	}
	if config.Endpoint.AuthURL == "" || config.Endpoint.TokenURL == "" {
		return nil, newError(KindConfiguration, "OAuth endpoints are not set", nil)
	}
	p := &ProviderBackend{
		config: config,
		client: http.DefaultClient,
		log:    logrus.StandardLogger(),
		nonces: make(map[string]pendingNonce),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NewOIDCProviderBackend performs OIDC discovery against issuer and returns a
// backend that verifies ID tokens and their nonce on exchange.
func NewOIDCProviderBackend(ctx context.Context, issuer, clientID, clientSecret string, scopes []string, opts []ProviderOption, verifierOpts ...OIDCProviderOption) (*ProviderBackend, error) {
	if clientID == "" {
		return nil, newError(KindConfiguration, "OAuth client ID is not set", nil)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, newError(KindConfiguration, fmt.Sprintf("failed to query provider %q", issuer), err)
	}
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}
	vc := &oidc.Config{ClientID: clientID}
	for _, opt := range verifierOpts {
		opt(vc)
	}

	p, err := NewProviderBackend(conf, append([]ProviderOption{WithUserInfoURL(provider.UserInfoEndpoint())}, opts...)...)
	if err != nil {
		return nil, err
	}
	p.verifier = provider.Verifier(vc)
	return p, nil
}

// Config returns the oauth2.Config for the provider.
func (p *ProviderBackend) Config() *oauth2.Config {
	return p.config
}

func (p *ProviderBackend) InitiateLogin(_ context.Context, params LoginParams) (*LoginResponse, error) {
	conf := *p.config
	conf.RedirectURL = params.RedirectURI

	method := params.CodeChallengeMethod
	if method == "" {
		method = CodeChallengeMethod
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", params.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", method),
	}
	if p.verifier != nil {
		nonce, err := GenerateState()
		if err != nil {
			return nil, err
		}
		p.putNonce(params.State, nonce)
		opts = append(opts, oidc.Nonce(nonce))
	}
	return &LoginResponse{AuthorizationURL: conf.AuthCodeURL(params.State, opts...)}, nil
}

func (p *ProviderBackend) Exchange(ctx context.Context, params ExchangeParams) (*ExchangeResult, error) {
	conf := *p.config
	conf.RedirectURL = params.RedirectURI

	token, err := conf.Exchange(p.clientContext(ctx), params.Code, oauth2.VerifierOption(params.CodeVerifier))
	nonce, hasNonce := p.takeNonce(params.State)
	if err != nil {
		return nil, mapRetrieveError(err)
	}
	out := &ExchangeResult{Tokens: *recordFromOAuth2(token)}

	if p.verifier == nil {
		return out, nil
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("auth: no id_token returned")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("auth: id_token verification failed: %w", err)
	}
	if !hasNonce || subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return nil, errors.New("auth: nonce mismatch")
	}
	var claims struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("auth: decode id_token claims: %w", err)
	}
	out.User = &UserProfile{ID: idToken.Subject, DisplayName: claims.Name, Email: claims.Email}
	return out, nil
}

func (p *ProviderBackend) Refresh(ctx context.Context, refreshToken string) (*TokenRecord, error) {
	// A token with no access token is never valid, so the source refreshes.
	src := p.config.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, mapRetrieveError(err)
	}
	return recordFromOAuth2(token), nil
}

func (p *ProviderBackend) Profile(ctx context.Context, accessToken string) (*UserProfile, error) {
	if p.userInfoURL == "" {
		return nil, newError(KindConfiguration, "no userinfo endpoint configured", nil)
	}
	res, err := doJSON(ctx, p.client, p.log, http.MethodGet, p.userInfoURL, nil, accessToken)
	if err != nil {
		return nil, err
	}
	user := parseUser(res)
	if user.ID == "" {
		return nil, errors.New("auth: userinfo response has no subject")
	}
	return user, nil
}

func (p *ProviderBackend) clientContext(ctx context.Context) context.Context {
	if p.client == nil || p.client == http.DefaultClient {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func (p *ProviderBackend) putNonce(state, nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for k, v := range p.nonces {
		if now.After(v.expiresAt) {
			delete(p.nonces, k)
		}
	}
	if _, replacing := p.nonces[state]; !replacing && len(p.nonces) >= maxPendingNonces {
		var oldestKey string
		var oldest uint64
		for k, v := range p.nonces {
			if oldestKey == "" || v.seq < oldest {
				oldestKey = k
				oldest = v.seq
			}
		}
		delete(p.nonces, oldestKey)
	}
	p.seq++
	p.nonces[state] = pendingNonce{value: nonce, expiresAt: now.Add(nonceTTL), seq: p.seq}
}

func (p *ProviderBackend) takeNonce(state string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nonces[state]
	delete(p.nonces, state)
	if !ok || time.Now().After(n.expiresAt) {
		return "", false
	}
	return n.value, true
}

func recordFromOAuth2(t *oauth2.Token) *TokenRecord {
	rec := &TokenRecord{
		AccessToken:      t.AccessToken,
		RefreshToken:     t.RefreshToken,
		TokenType:        t.Type(),
		ExpiresInSeconds: t.ExpiresIn,
	}
	if rec.ExpiresInSeconds == 0 && !t.Expiry.IsZero() {
		rec.ExpiresInSeconds = int64(time.Until(t.Expiry).Seconds())
	}
	if scope, ok := t.Extra("scope").(string); ok {
		rec.GrantedScope = scope
	}
	return rec
}

// mapRetrieveError converts token endpoint failures to *BackendError so they
// carry the HTTP status.
func mapRetrieveError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	be := &BackendError{Code: re.ErrorCode, Description: re.ErrorDescription}
	if re.Response != nil {
		be.StatusCode = re.Response.StatusCode
	}
	if be.Code == "" && be.Description == "" {
		be.Description = string(re.Body)
	}
	return be
}

var _ Backend = (*ProviderBackend)(nil)
