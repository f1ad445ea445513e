package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newAPIServer accepts only token "access-2" and echoes the request body.
func newAPIServer(t *testing.T, accept string) (*httptest.Server, *atomic.Int32) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if bearer(r) != accept {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestTransport_RetriesOnceAfterRefresh(t *testing.T) {
	qb := newQuizBackend(t)
	api, apiCalls := newAPIServer(t, "access-2")
	clock := newClock()
	m := newTestManager(t, qb.srv.URL, clock)
	seedTokens(t, m, "access-1", "refresh-1", 3600)

	req, err := http.NewRequest(http.MethodPost, api.URL+"/api/quiz", strings.NewReader(`{"genre":"jazz"}`))
	require.NoError(t, err)
	resp, err := m.Client(nil).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"genre":"jazz"}`, string(body))
	assert.EqualValues(t, 2, apiCalls.Load())
	assert.EqualValues(t, 1, qb.refreshCalls.Load())

	tok, ok := m.AccessToken(context.Background())
	require.True(t, ok)
	assert.Equal(t, "access-2", tok)
}

func TestTransport_ExpiredTokenStillSentThenRefreshed(t *testing.T) {
	qb := newQuizBackend(t)
	var calls atomic.Int32
	var mu sync.Mutex
	var sent []string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sent = append(sent, bearer(r))
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(api.Close)

	clock := newClock()
	m := newTestManager(t, qb.srv.URL, clock)
	seedTokens(t, m, "access-1", "refresh-1", 3600)
	clock.Advance(2 * time.Hour)
	require.True(t, m.Tokens().IsExpired(context.Background(), 0))

	resp, err := m.Client(nil).Get(api.URL + "/api/quiz")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, qb.refreshCalls.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"access-1", "access-2"}, sent)
}

func TestTransport_BodyWithoutGetBody(t *testing.T) {
	qb := newQuizBackend(t)
	api, _ := newAPIServer(t, "access-2")
	m := newTestManager(t, qb.srv.URL, newClock())
	seedTokens(t, m, "access-1", "refresh-1", 3600)

	req, err := http.NewRequest(http.MethodPut, api.URL, io.NopCloser(strings.NewReader("replay me")))
	require.NoError(t, err)
	require.Nil(t, req.GetBody)
	resp, err := m.Client(nil).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "replay me", string(body))
}

func TestTransport_NoProactiveRefresh(t *testing.T) {
	qb := newQuizBackend(t)
	api, apiCalls := newAPIServer(t, "access-1")
	m := newTestManager(t, qb.srv.URL, newClock())
	// Already inside the refresh buffer; the server still accepts it.
	seedTokens(t, m, "access-1", "refresh-1", 10)

	resp, err := m.Client(nil).Get(api.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, apiCalls.Load())
	assert.EqualValues(t, 0, qb.refreshCalls.Load())
}

func TestTransport_SecondUnauthorized(t *testing.T) {
	qb := newQuizBackend(t)
	api, apiCalls := newAPIServer(t, "never")
	m := newTestManager(t, qb.srv.URL, newClock())
	seedTokens(t, m, "access-1", "refresh-1", 3600)

	_, err := m.Client(nil).Get(api.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.EqualValues(t, 2, apiCalls.Load())
	assert.EqualValues(t, 1, qb.refreshCalls.Load())
}

func TestTransport_RefreshFailure(t *testing.T) {
	qb := newQuizBackend(t)
	qb.refresh = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_grant"})
	}
	api, apiCalls := newAPIServer(t, "access-2")
	m := newTestManager(t, qb.srv.URL, newClock())
	seedTokens(t, m, "access-1", "refresh-1", 3600)

	_, err := m.Client(nil).Get(api.URL)
	assert.True(t, errors.Is(err, ErrRefreshFailed))
	assert.EqualValues(t, 1, apiCalls.Load())
	assert.False(t, m.IsAuthenticated(context.Background()))
}

func TestTransport_NotSignedIn(t *testing.T) {
	qb := newQuizBackend(t)
	api, apiCalls := newAPIServer(t, "access-2")
	m := newTestManager(t, qb.srv.URL, newClock())

	_, err := m.Client(nil).Get(api.URL)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.EqualValues(t, 0, apiCalls.Load())
}

func TestTransport_DoesNotMutateRequest(t *testing.T) {
	qb := newQuizBackend(t)
	api, _ := newAPIServer(t, "access-1")
	m := newTestManager(t, qb.srv.URL, newClock())
	seedTokens(t, m, "access-1", "refresh-1", 3600)

	req, err := http.NewRequest(http.MethodGet, api.URL, nil)
	require.NoError(t, err)
	resp, err := m.Client(nil).Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, req.Header.Get("Authorization"))
}
