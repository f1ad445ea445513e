package middleware

import (
	"net/http"

	"github.com/mnehpets/tunequiz/endpoint"
)

// SecurityHeadersProcessor sets response headers for pages served by the
// local callback server. Those pages are reached with an authorization code
// in the URL, so the defaults forbid referrers, caching and framing.
//
// Empty fields are not written.
type SecurityHeadersProcessor struct {
	ReferrerPolicy        string
	CacheControl          string
	FrameOptions          string
	ContentSecurityPolicy string
	// ContentTypeOptions adds X-Content-Type-Options: nosniff.
	ContentTypeOptions bool
	// CrossOriginOpenerPolicy isolates the page from the provider's window.
	CrossOriginOpenerPolicy string
}

// SecurityHeadersOption configures a SecurityHeadersProcessor.
type SecurityHeadersOption func(*SecurityHeadersProcessor)

// NewCallbackHeadersProcessor returns a processor with defaults for the
// OAuth redirect landing page.
func NewCallbackHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		ReferrerPolicy:          "no-referrer",
		CacheControl:            "no-store",
		FrameOptions:            "DENY",
		ContentSecurityPolicy:   "default-src 'none'; style-src 'unsafe-inline'; base-uri 'none'; form-action 'none'; frame-ancestors 'none'",
		ContentTypeOptions:      true,
		CrossOriginOpenerPolicy: "same-origin",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithReferrerPolicy sets Referrer-Policy.
func WithReferrerPolicy(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.ReferrerPolicy = policy
	}
}

// WithCSP sets Content-Security-Policy.
func WithCSP(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.ContentSecurityPolicy = policy
	}
}

// WithFrameOptions sets X-Frame-Options.
func WithFrameOptions(options string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.FrameOptions = options
	}
}

func (p *SecurityHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	set := func(key, value string) {
		if value != "" {
			h.Set(key, value)
		}
	}
	set("Referrer-Policy", p.ReferrerPolicy)
	set("Cache-Control", p.CacheControl)
	if p.CacheControl == "no-store" {
		h.Set("Pragma", "no-cache")
	}
	set("X-Frame-Options", p.FrameOptions)
	set("Content-Security-Policy", p.ContentSecurityPolicy)
	set("Cross-Origin-Opener-Policy", p.CrossOriginOpenerPolicy)
	if p.ContentTypeOptions {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	return next(w, r)
}

var _ endpoint.Processor = (*SecurityHeadersProcessor)(nil)
