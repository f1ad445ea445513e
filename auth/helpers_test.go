package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testRedirectURI = "http://127.0.0.1:8765/callback"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
	return m
}

func bearer(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) < len(prefix) {
		return ""
	}
	return h[len(prefix):]
}

// fixedClock is a settable time source.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time { return c.t }

func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// newTestManager builds a Manager against baseURL with an in-memory token
// store on clock.
func newTestManager(t *testing.T, baseURL string, clock *fixedClock, opts ...Option) *Manager {
	t.Helper()
	b, err := NewHTTPBackend(baseURL, WithBackendLogger(quietLogger()))
	require.NoError(t, err)
	store := NewTokenStore(nil, WithClock(clock.Now), WithStoreLogger(quietLogger()))
	base := []Option{
		WithRedirectURI(testRedirectURI),
		WithTokenStore(store),
		WithLogger(quietLogger()),
	}
	return New(b, append(base, opts...)...)
}

func seedTokens(t *testing.T, m *Manager, access, refresh string, expiresIn int64) {
	t.Helper()
	require.NoError(t, m.Tokens().Save(context.Background(), &TokenRecord{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresInSeconds: expiresIn,
	}))
}
