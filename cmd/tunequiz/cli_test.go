package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mnehpets/tunequiz/auth"
	"github.com/mnehpets/tunequiz/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for a reader and a writer goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeQuiz struct {
	srv      *httptest.Server
	refreshN atomic.Int32
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newFakeQuiz(t *testing.T) *fakeQuiz {
	t.Helper()
	fq := &fakeQuiz{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		q := url.Values{"state": {body["state"]}, "redirect_uri": {body["redirectUri"]}}
		writeJSON(w, http.StatusOK, map[string]any{"authorizationUrl": "https://accounts.example.com/authorize?" + q.Encode()})
	})
	mux.HandleFunc("POST /api/auth/callback", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "a1", "refresh_token": "r1", "expires_in": 3600})
	})
	mux.HandleFunc("POST /api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		fq.refreshN.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"accessToken": "a2", "expiresIn": 3600})
	})
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"user": map[string]any{"id": "u1", "displayName": "Quiz Fan", "country": "NZ"}})
	})
	mux.HandleFunc("GET /api/quiz/today", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": "q1"}})
	})
	fq.srv = httptest.NewServer(mux)
	t.Cleanup(fq.srv.Close)
	return fq
}

func setEnv(t *testing.T, backend string) {
	t.Helper()
	t.Setenv("TUNEQUIZ_BACKEND_URL", backend)
	t.Setenv("TUNEQUIZ_STORE_TYPE", "sqlite")
	t.Setenv("TUNEQUIZ_STORE_PATH", filepath.Join(t.TempDir(), "tokens.db"))
	t.Setenv("TUNEQUIZ_LOG_LEVEL", "panic")
}

func newTestApp() *app {
	return &app{log: logging.Discard(), openURL: func(string) error { return nil }}
}

func run(t *testing.T, a *app, in io.Reader, out io.Writer, args ...string) error {
	t.Helper()
	root := newRootCmd(a)
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	root.SetOut(out)
	root.SetErr(io.Discard)
	if in != nil {
		root.SetIn(in)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return root.ExecuteContext(ctx)
}

func runOut(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(t, newTestApp(), nil, &out, args...)
	return out.String(), err
}

var authURLPattern = regexp.MustCompile(`https://accounts\.example\.com/authorize\?\S+`)

func TestCLI_PastedLoginAndSession(t *testing.T) {
	fq := newFakeQuiz(t)
	setEnv(t, fq.srv.URL)

	pr, pw := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- run(t, newTestApp(), pr, out, "login", "--no-browser") }()

	var authURL string
	require.Eventually(t, func() bool {
		authURL = authURLPattern.FindString(out.String())
		return authURL != ""
	}, 5*time.Second, 10*time.Millisecond)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	redirect := u.Query().Get("redirect_uri") + "?code=c1&state=" + url.QueryEscape(u.Query().Get("state"))
	_, err = io.WriteString(pw, redirect+"\n")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("login did not finish")
	}
	assert.Contains(t, out.String(), "Signed in as Quiz Fan (u1)")

	got, err := runOut(t, "whoami")
	require.NoError(t, err)
	assert.Contains(t, got, "ID:      u1")
	assert.Contains(t, got, "Country: NZ")

	got, err = runOut(t, "status")
	require.NoError(t, err)
	assert.Contains(t, got, "Signed in.")
	assert.Contains(t, got, "Store: sqlite")

	got, err = runOut(t, "request", "get", "/api/quiz/today")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"q1"}`, got)

	got, err = runOut(t, "refresh")
	require.NoError(t, err)
	assert.Contains(t, got, "Token refreshed")
	assert.Equal(t, int32(1), fq.refreshN.Load())

	got, err = runOut(t, "logout")
	require.NoError(t, err)
	assert.Equal(t, "Signed out.\n", got)

	got, err = runOut(t, "status")
	require.NoError(t, err)
	assert.Equal(t, "Not signed in.\n", got)

	_, err = runOut(t, "whoami")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Equal(t, "Error: Your session has expired. Please sign in again.", errorText(err))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestCLI_LoopbackLogin(t *testing.T) {
	fq := newFakeQuiz(t)
	setEnv(t, fq.srv.URL)
	t.Setenv("TUNEQUIZ_REDIRECT_URI", "http://127.0.0.1:"+strconv.Itoa(freePort(t))+"/callback")

	a := newTestApp()
	a.openURL = func(raw string) error {
		u, err := url.Parse(raw)
		if err != nil {
			return err
		}
		target := u.Query().Get("redirect_uri") + "?code=c1&state=" + url.QueryEscape(u.Query().Get("state"))
		go func() {
			resp, err := http.Get(target)
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
		return nil
	}
	out := &syncBuffer{}
	require.NoError(t, run(t, a, nil, out, "login", "--timeout", "5s"))
	assert.Contains(t, out.String(), "Signed in as Quiz Fan (u1)")
}

func TestCLI_RequestValidation(t *testing.T) {
	fq := newFakeQuiz(t)
	setEnv(t, fq.srv.URL)

	_, err := runOut(t, "request", "TRACE", "/api/quiz/today")
	assert.ErrorContains(t, err, "unsupported method")
	_, err = runOut(t, "request", "POST", "/api/quiz", "--data", "{not json")
	assert.ErrorContains(t, err, "not valid JSON")
	_, err = runOut(t, "request", "GET", "/api/quiz/today")
	assert.ErrorIs(t, err, auth.ErrUnauthorized, "no stored tokens")
}

func TestCLI_InvalidConfig(t *testing.T) {
	t.Setenv("TUNEQUIZ_BACKEND_URL", "")
	t.Setenv("TUNEQUIZ_STORE_TYPE", "memory")
	_, err := runOut(t, "status")
	assert.ErrorContains(t, err, "backend-url is not set")
}
