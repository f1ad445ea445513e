package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newBackend(t *testing.T, h http.HandlerFunc, opts ...BackendOption) *HTTPBackend {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	b, err := NewHTTPBackend(srv.URL+"/", append([]BackendOption{WithBackendLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return b
}

func TestNewHTTPBackend_Configuration(t *testing.T) {
	for _, u := range []string{"", "   ", "not a url", "/relative/only"} {
		_, err := NewHTTPBackend(u)
		assert.ErrorIs(t, err, ErrConfiguration, "base URL %q", u)
	}
}

func TestHTTPBackend_InitiateLogin(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/auth/login", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, err := uuid.Parse(r.Header.Get("X-Request-ID"))
		assert.NoError(t, err)

		body := decodeJSON(t, r)
		assert.Equal(t, "challenge", body["codeChallenge"])
		assert.Equal(t, "S256", body["codeChallengeMethod"])
		assert.Equal(t, "st", body["state"])
		assert.Equal(t, testRedirectURI, body["redirectUri"])
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"authorization_url": "https://accounts.example/authorize?x=1"}})
	})

	resp, err := b.InitiateLogin(context.Background(), LoginParams{
		RedirectURI: testRedirectURI, CodeChallenge: "challenge", CodeChallengeMethod: "S256", State: "st",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://accounts.example/authorize?x=1", resp.AuthorizationURL)
}

func TestHTTPBackend_InitiateLogin_NoURL(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	_, err := b.InitiateLogin(context.Background(), LoginParams{})
	assert.Error(t, err)
}

func TestHTTPBackend_ExchangeNormalization(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want TokenRecord
	}{
		{
			name: "camelCase",
			body: map[string]any{"accessToken": "a", "refreshToken": "r", "expiresIn": 3600, "tokenType": "bearer", "scope": "s1 s2"},
			want: TokenRecord{AccessToken: "a", RefreshToken: "r", ExpiresInSeconds: 3600, TokenType: "Bearer", GrantedScope: "s1 s2"},
		},
		{
			name: "snake_case",
			body: map[string]any{"access_token": "a", "refresh_token": "r", "expires_in": 60, "token_type": "Bearer"},
			want: TokenRecord{AccessToken: "a", RefreshToken: "r", ExpiresInSeconds: 60, TokenType: "Bearer"},
		},
		{
			name: "envelope",
			body: map[string]any{"data": map[string]any{"accessToken": "a", "expiresIn": 10}},
			want: TokenRecord{AccessToken: "a", ExpiresInSeconds: 10, TokenType: "Bearer"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/auth/callback", r.URL.Path)
				body := decodeJSON(t, r)
				assert.Equal(t, "code", body["code"])
				assert.Equal(t, "verifier", body["codeVerifier"])
				writeJSON(w, http.StatusOK, tt.body)
			})
			res, err := b.Exchange(context.Background(), ExchangeParams{Code: "code", CodeVerifier: "verifier", RedirectURI: testRedirectURI, State: "st"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Tokens)
			assert.Nil(t, res.User)
		})
	}
}

func TestHTTPBackend_ExchangeWithUser(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken": "a",
			"user":        map[string]any{"spotify_id": "u1", "display_name": "Quizzer"},
		})
	})
	res, err := b.Exchange(context.Background(), ExchangeParams{Code: "c"})
	require.NoError(t, err)
	require.NotNil(t, res.User)
	assert.Equal(t, "u1", res.User.ID)
	assert.Equal(t, "Quizzer", res.User.DisplayName)
}

func TestHTTPBackend_ExchangeMissingAccessToken(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"refreshToken": "r"})
	})
	_, err := b.Exchange(context.Background(), ExchangeParams{Code: "c"})
	assert.Error(t, err)
}

func TestHTTPBackend_Refresh(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/refresh", r.URL.Path)
		assert.Equal(t, "old", decodeJSON(t, r)["refreshToken"])
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "new", "expires_in": 3600})
	})
	rec, err := b.Refresh(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, "new", rec.AccessToken)
	assert.Empty(t, rec.RefreshToken)
}

func TestHTTPBackend_Profile(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/auth/me", r.URL.Path)
		assert.Equal(t, "tok", bearer(r))
		assert.Empty(t, r.Header.Get("Content-Type"))
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"user":     map[string]any{"userId": "u9", "displayName": "Nine", "email": "n@example.com", "country": "NZ", "product": "premium"},
			"settings": map[string]any{"difficulty": "hard"},
		}})
	})
	u, err := b.Profile(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, &UserProfile{
		ID: "u9", DisplayName: "Nine", Email: "n@example.com", Country: "NZ", Product: "premium",
		Settings: map[string]any{"difficulty": "hard"},
	}, u)
}

func TestHTTPBackend_ProfileWithoutID(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"displayName": "nobody"})
	})
	_, err := b.Profile(context.Background(), "tok")
	assert.Error(t, err)
}

func TestHTTPBackend_CustomEndpoints(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/whoami", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"id": "u"})
	}, WithEndpoints(Endpoints{Profile: "/v2/whoami"}))
	_, err := b.Profile(context.Background(), "tok")
	require.NoError(t, err)
}

func TestHTTPBackend_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   BackendError
	}{
		{
			name: "oauth style", status: http.StatusBadRequest,
			body: `{"error":"invalid_grant","error_description":"code expired"}`,
			want: BackendError{StatusCode: 400, Code: "invalid_grant", Description: "code expired"},
		},
		{
			name: "error object", status: http.StatusUnauthorized,
			body: `{"error":{"code":"token_expired","message":"The access token expired"}}`,
			want: BackendError{StatusCode: 401, Code: "token_expired", Description: "The access token expired"},
		},
		{
			name: "message only", status: http.StatusInternalServerError,
			body: `{"message":"boom"}`,
			want: BackendError{StatusCode: 500, Description: "boom"},
		},
		{
			name: "plain text", status: http.StatusBadGateway,
			body: "upstream unavailable\n",
			want: BackendError{StatusCode: 502, Description: "upstream unavailable"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := b.Refresh(context.Background(), "r")
			var be *BackendError
			require.True(t, errors.As(err, &be), "got %v", err)
			assert.Equal(t, tt.want, *be)
		})
	}
}

func TestParseBackendError_Truncates(t *testing.T) {
	be := ParseBackendError(500, []byte(strings.Repeat("x", 500)))
	assert.Len(t, be.Description, 200)
}

func TestHTTPBackend_InvalidJSON(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	})
	_, err := b.Refresh(context.Background(), "r")
	assert.Error(t, err)
	var be *BackendError
	assert.False(t, errors.As(err, &be))
}

func TestUnwrapEnvelope(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"object data", `{"data":{"id":"q1"}}`, `{"id":"q1"}`},
		{"object data with meta", `{"data":{"id":"q1"},"meta":{"page":2}}`, `{"id":"q1"}`},
		{"array data", `{"data":[1,2]}`, `[1,2]`},
		{"scalar data", `{"data":"text"}`, `{"data":"text"}`},
		{"no envelope", `{"id":"q1"}`, `{"id":"q1"}`},
		{"top-level array", `[{"data":{"id":1}}]`, `[{"data":{"id":1}}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UnwrapEnvelope(gjson.Parse(tt.in)).Raw)
		})
	}
}
