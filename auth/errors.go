package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures of the authorization flow.
type Kind int

const (
	// KindUnknown is the zero Kind.
	KindUnknown Kind = iota
	// KindConfiguration means client or redirect configuration is missing.
	KindConfiguration
	// KindInitiateFailed means the backend could not start a login.
	KindInitiateFailed
	// KindCsrfMismatch means the callback state was missing or did not match.
	KindCsrfMismatch
	// KindExchangeFailed means the backend rejected the authorization code.
	KindExchangeFailed
	// KindPostExchangeValidationFailed means freshly issued tokens could not
	// fetch the user profile and were purged.
	KindPostExchangeValidationFailed
	// KindRefreshFailed means the refresh token was rejected; tokens were purged.
	KindRefreshFailed
	// KindUnauthorized means a request was still rejected after one refresh.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration_error"
	case KindInitiateFailed:
		return "initiate_failed"
	case KindCsrfMismatch:
		return "csrf_mismatch"
	case KindExchangeFailed:
		return "exchange_failed"
	case KindPostExchangeValidationFailed:
		return "post_exchange_validation_failed"
	case KindRefreshFailed:
		return "refresh_failed"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Error is the error type returned by Manager operations.
//
// StatusCode is the backend HTTP status when one was received, 0 otherwise.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "auth: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return "auth: " + msg + ": " + e.Cause.Error()
	}
	return "auth: " + msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is regardless of status code or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrConfiguration                = &Error{Kind: KindConfiguration}
	ErrInitiateFailed               = &Error{Kind: KindInitiateFailed}
	ErrCsrfMismatch                 = &Error{Kind: KindCsrfMismatch}
	ErrExchangeFailed               = &Error{Kind: KindExchangeFailed}
	ErrPostExchangeValidationFailed = &Error{Kind: KindPostExchangeValidationFailed}
	ErrRefreshFailed                = &Error{Kind: KindRefreshFailed}
	ErrUnauthorized                 = &Error{Kind: KindUnauthorized}
)

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, StatusCode: statusOf(cause), Message: message, Cause: cause}
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindUnknown
}

// BackendError is a non-2xx response from the backend or provider.
type BackendError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *BackendError) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("backend returned %d: %s (%s)", e.StatusCode, e.Code, e.Description)
	case e.Code != "":
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Code)
	case e.Description != "":
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Description)
	default:
		return fmt.Sprintf("backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
}

// ProviderError is an error the authorization server reported on the
// redirect (the error and error_description callback parameters).
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

// statusOf extracts an HTTP status from err, or 0.
func statusOf(err error) int {
	var be *BackendError
	if errors.As(err, &be) {
		return be.StatusCode
	}
	var ae *Error
	if errors.As(err, &ae) && ae != nil {
		return ae.StatusCode
	}
	return 0
}

// isUnauthorized reports whether err is a 401 from the backend.
func isUnauthorized(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.StatusCode == http.StatusUnauthorized
}

// UserMessage returns a short text suitable for showing to the user. Login
// failures ask the user to try again; session failures ask them to sign in again.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Code == "access_denied" {
			return "Authentication was cancelled or denied."
		}
		return "Authentication failed. Please try again."
	}
	switch KindOf(err) {
	case KindConfiguration:
		return "The client is not configured for sign-in. Check the client ID and redirect URI."
	case KindInitiateFailed, KindCsrfMismatch, KindExchangeFailed, KindPostExchangeValidationFailed:
		return "Authentication failed. Please try again."
	case KindRefreshFailed, KindUnauthorized:
		return "Your session has expired. Please sign in again."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
