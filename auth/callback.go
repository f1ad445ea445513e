package auth

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mnehpets/tunequiz/endpoint"
	"github.com/mnehpets/tunequiz/middleware"
	"github.com/sirupsen/logrus"
)

// CallbackParams are the query parameters of the OAuth redirect.
type CallbackParams struct {
	State     string `query:"state" maxLength:"256"`
	Code      string `query:"code" maxLength:"2048"`
	Error     string `query:"error" maxLength:"256"`
	ErrorDesc string `query:"error_description" maxLength:"1024"`
}

// AuthResult is the outcome of one redirect. Exactly one of User and Error
// is set.
type AuthResult struct {
	User  *UserProfile
	Error error
}

const resultPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title>
<style>body{font-family:sans-serif;max-width:32rem;margin:4rem auto;text-align:center}</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
<p>You can close this window and return to the terminal.</p>
</body>
</html>
`

type resultPageData struct {
	Title   string
	Message string
}

// CallbackHandler serves the redirect URI on a loopback address and feeds the
// redirect into a Manager. It also serves GET /login, which redirects to the
// authorization URL of the pending login.
type CallbackHandler struct {
	mux        *http.ServeMux
	manager    *Manager
	path       string
	processors []endpoint.Processor
	page       *template.Template
	log        logrus.FieldLogger

	results chan *AuthResult
	once    sync.Once

	mu       sync.Mutex
	loginURL string
	server   *http.Server
}

// CallbackOption configures a CallbackHandler.
type CallbackOption func(*CallbackHandler)

// WithCallbackPath overrides the path taken from the manager's redirect URI.
func WithCallbackPath(p string) CallbackOption {
	return func(h *CallbackHandler) {
		h.path = p
	}
}

// WithCallbackProcessors replaces the default processors.
func WithCallbackProcessors(p ...endpoint.Processor) CallbackOption {
	return func(h *CallbackHandler) {
		h.processors = p
	}
}

// WithResultTemplate replaces the result page. It receives Title and Message.
func WithResultTemplate(t *template.Template) CallbackOption {
	return func(h *CallbackHandler) {
		h.page = t
	}
}

// WithCallbackLogger sets the logger.
func WithCallbackLogger(l logrus.FieldLogger) CallbackOption {
	return func(h *CallbackHandler) {
		h.log = l
	}
}

// NewCallbackHandler creates a handler for m's redirect URI.
func NewCallbackHandler(m *Manager, opts ...CallbackOption) *CallbackHandler {
	h := &CallbackHandler{
		mux:     http.NewServeMux(),
		manager: m,
		path:    "/callback",
		page:    template.Must(template.New("result").Parse(resultPage)),
		log:     logrus.StandardLogger(),
		results: make(chan *AuthResult, 1),
	}
	if u, err := url.Parse(m.RedirectURI()); err == nil && u.Path != "" {
		h.path = u.Path
	}
	h.processors = []endpoint.Processor{
		middleware.LoopbackProcessor{},
		middleware.AccessLogProcessor{Log: h.log},
		middleware.NewCallbackHeadersProcessor(),
	}
	for _, opt := range opts {
		opt(h)
	}

	cb := endpoint.Handler(h.callback, h.processors...)
	cb.Log = h.log
	h.mux.Handle("GET "+h.path, cb)
	login := endpoint.Handler(h.login, h.processors...)
	login.Log = h.log
	h.mux.Handle("GET /login", login)
	return h
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// SetLoginURL sets where GET /login redirects.
func (h *CallbackHandler) SetLoginURL(u string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loginURL = u
}

// Results delivers the first completed redirect.
func (h *CallbackHandler) Results() <-chan *AuthResult {
	return h.results
}

// Wait blocks until a redirect completes or ctx is done.
func (h *CallbackHandler) Wait(ctx context.Context) (*AuthResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-h.results:
		return res, nil
	}
}

func (h *CallbackHandler) login(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
	h.mu.Lock()
	target := h.loginURL
	h.mu.Unlock()
	if target == "" {
		return nil, endpoint.Error(http.StatusNotFound, "no login in progress", nil)
	}
	return &endpoint.RedirectRenderer{URL: target, Status: http.StatusFound}, nil
}

func (h *CallbackHandler) callback(_ http.ResponseWriter, r *http.Request, p CallbackParams) (endpoint.Renderer, error) {
	// Stray requests must not consume the pending login.
	if p.Error == "" && p.Code == "" && p.State == "" {
		return nil, endpoint.Error(http.StatusBadRequest, "missing authorization response", nil)
	}

	res := &AuthResult{}
	if p.Error != "" {
		res.Error = h.manager.HandleCallbackError(p.Error, p.ErrorDesc)
	} else {
		res.User, res.Error = h.manager.HandleCallback(r.Context(), p.Code, p.State)
	}
	h.once.Do(func() {
		h.results <- res
	})

	data := resultPageData{Title: "Signed in"}
	status := http.StatusOK
	if res.Error != nil {
		data.Title = "Sign-in failed"
		data.Message = UserMessage(res.Error)
		status = http.StatusBadRequest
	} else if res.User.DisplayName != "" {
		data.Message = fmt.Sprintf("Welcome, %s.", res.User.DisplayName)
	}
	return &endpoint.HTMLTemplateRenderer{Status: status, Template: h.page, Values: data}, nil
}

// Start listens on the host and port of the manager's redirect URI and serves
// in the background. It returns the bound address.
func (h *CallbackHandler) Start() (string, error) {
	u, err := url.Parse(h.manager.RedirectURI())
	if err != nil || u.Host == "" {
		return "", newError(KindConfiguration, "redirect URI has no host", err)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}
	ln, err := net.Listen("tcp", host)
	if err != nil {
		return "", fmt.Errorf("auth: listen on %s: %w", host, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	h.mu.Lock()
	h.server = srv
	h.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.WithError(err).Error("callback server stopped")
		}
	}()
	h.log.WithField("addr", ln.Addr().String()).Debug("callback server listening")
	return ln.Addr().String(), nil
}

// Shutdown stops a server started with Start.
func (h *CallbackHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	srv := h.server
	h.server = nil
	h.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
