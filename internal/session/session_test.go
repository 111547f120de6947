package session_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwolfenzon/dhis2-chai/internal/session"
)

const (
	testClientID     = "integration-client"
	testClientSecret = "s3cr3t"
	testUsername     = "admin"
	testPassword     = "district"
)

// tokenServer fakes the UAA token endpoint and records the grants it receives.
type tokenServer struct {
	mu       sync.Mutex
	requests []*http.Request
	forms    []map[string]string

	// respond produces the status and body for a grant.
	respond func(grant string, n int) (int, string)

	passwordGrants atomic.Int32
	refreshGrants  atomic.Int32
}

func (ts *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	form := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		form[key] = r.PostForm.Get(key)
	}

	ts.mu.Lock()
	ts.requests = append(ts.requests, r)
	ts.forms = append(ts.forms, form)
	ts.mu.Unlock()

	grant := form["grant_type"]
	var n int32
	switch grant {
	case "password":
		n = ts.passwordGrants.Add(1)
	case "refresh_token":
		n = ts.refreshGrants.Add(1)
	}

	status, body := ts.respond(grant, int(n))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, body)
}

func (ts *tokenServer) last() (*http.Request, map[string]string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) == 0 {
		return nil, nil
	}
	return ts.requests[len(ts.requests)-1], ts.forms[len(ts.forms)-1]
}

// tokenResponse renders a token endpoint body. expiresIn < 0 omits the field.
func tokenResponse(access, refresh string, expiresIn int) string {
	body := map[string]any{
		"access_token": access,
		"token_type":   "bearer",
	}
	if refresh != "" {
		body["refresh_token"] = refresh
	}
	if expiresIn >= 0 {
		body["expires_in"] = expiresIn
	}
	out, _ := json.Marshal(body)
	return string(out)
}

// okTokens issues numbered tokens for every grant.
func okTokens(expiresIn int) func(string, int) (int, string) {
	return func(grant string, n int) (int, string) {
		return http.StatusOK, tokenResponse(
			fmt.Sprintf("%s-access-%d", grant, n),
			fmt.Sprintf("%s-refresh-%d", grant, n),
			expiresIn,
		)
	}
}

// newTestServer mounts the token endpoint and an API handler under /api/.
func newTestServer(t *testing.T, ts *tokenServer, api http.Handler) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle("POST /api/uaa/oauth/token", ts)
	if api != nil {
		mux.Handle("/api/", api)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// fakeClock is a settable clock starting at the real current time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSession(t *testing.T, srv *httptest.Server, opts ...session.Option) *session.Session {
	t.Helper()
	s, err := session.New(srv.URL+"/api", testClientID, testClientSecret, opts...)
	require.NoError(t, err)
	return s
}

func TestNewNormalizesBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		want    string
		wantErr bool
	}{
		{name: "slash appended", baseURL: "https://example.org/api", want: "https://example.org/api/"},
		{name: "slash kept", baseURL: "https://example.org/api/", want: "https://example.org/api/"},
		{name: "host only", baseURL: "https://example.org", want: "https://example.org/"},
		{name: "empty", baseURL: "", wantErr: true},
		{name: "relative", baseURL: "../../../api", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := session.New(tt.baseURL, testClientID, testClientSecret)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.BaseURL())
		})
	}
}

func TestAuthenticate(t *testing.T) {
	ts := &tokenServer{respond: okTokens(1800)}
	srv := newTestServer(t, ts, nil)
	s := newSession(t, srv)

	before := time.Now()
	require.NoError(t, s.Authenticate(t.Context(), testUsername, testPassword))
	after := time.Now()

	tokens := s.Tokens()
	assert.Equal(t, "password-access-1", tokens.AccessToken)
	assert.Equal(t, "password-refresh-1", tokens.RefreshToken)
	assert.False(t, tokens.Expiry.Before(before.Add(1800*time.Second)))
	assert.False(t, tokens.Expiry.After(after.Add(1800*time.Second)))
	assert.True(t, s.Authenticated())

	req, form := ts.last()
	require.NotNil(t, req)
	assert.Equal(t, "application/json", req.Header.Get("Accept"))
	assert.Equal(t, "password", form["grant_type"])
	assert.Equal(t, testUsername, form["username"])
	assert.Equal(t, testPassword, form["password"])

	id, secret, ok := req.BasicAuth()
	require.True(t, ok, "client credentials must be sent as basic auth")
	assert.Equal(t, testClientID, id)
	assert.Equal(t, testClientSecret, secret)
}

func TestAuthenticateDefaultsExpiry(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn int
	}{
		{name: "omitted", expiresIn: -1},
		{name: "zero", expiresIn: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := &tokenServer{respond: okTokens(tt.expiresIn)}
			srv := newTestServer(t, ts, nil)
			clock := newFakeClock()
			s := newSession(t, srv, session.WithClock(clock.Now))

			require.NoError(t, s.Authenticate(t.Context(), testUsername, testPassword))
			assert.Equal(t, clock.Now().Add(3600*time.Second), s.Tokens().Expiry)
		})
	}
}

func TestAuthenticateFailureKeepsState(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "bad credentials", status: http.StatusBadRequest, body: `{"error":"invalid_grant","error_description":"Bad credentials"}`},
		{name: "unauthorized client", status: http.StatusUnauthorized, body: `{"error":"unauthorized"}`},
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"server_error"}`},
		{name: "created", status: http.StatusCreated, body: `{"access_token":"a","refresh_token":"r","expires_in":600}`},
		{name: "accepted", status: http.StatusAccepted, body: `{"access_token":"a","refresh_token":"r","expires_in":600}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Run("first call", func(t *testing.T) {
				ts := &tokenServer{respond: func(string, int) (int, string) { return tt.status, tt.body }}
				srv := newTestServer(t, ts, nil)
				s := newSession(t, srv)

				err := s.Authenticate(t.Context(), testUsername, "wrong")
				require.Error(t, err)

				var authErr *session.AuthError
				require.ErrorAs(t, err, &authErr)
				assert.Equal(t, tt.status, authErr.StatusCode)
				assert.Equal(t, "password", authErr.Grant)
				assert.JSONEq(t, tt.body, authErr.Body)

				assert.Equal(t, session.Tokens{}, s.Tokens())
				assert.False(t, s.Authenticated())
			})

			t.Run("after success", func(t *testing.T) {
				ts := &tokenServer{respond: func(_ string, n int) (int, string) {
					if n == 1 {
						return okTokens(600)("password", n)
					}
					return tt.status, tt.body
				}}
				srv := newTestServer(t, ts, nil)
				s := newSession(t, srv)

				require.NoError(t, s.Authenticate(t.Context(), testUsername, testPassword))
				want := s.Tokens()

				require.Error(t, s.Authenticate(t.Context(), testUsername, "wrong"))
				assert.Equal(t, want, s.Tokens())
			})
		})
	}
}

func TestRefreshAccessToken(t *testing.T) {
	ts := &tokenServer{respond: okTokens(600)}
	srv := newTestServer(t, ts, nil)
	s := newSession(t, srv)

	require.NoError(t, s.Authenticate(t.Context(), testUsername, testPassword))
	require.NoError(t, s.RefreshAccessToken(t.Context()))

	tokens := s.Tokens()
	assert.Equal(t, "refresh_token-access-1", tokens.AccessToken)
	assert.Equal(t, "refresh_token-refresh-1", tokens.RefreshToken)

	req, form := ts.last()
	require.NotNil(t, req)
	assert.Equal(t, "refresh_token", form["grant_type"])
	assert.Equal(t, "password-refresh-1", form["refresh_token"])
	assert.Empty(t, req.Header.Get("Accept"), "refresh grant is sent without an Accept header")

	id, secret, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, testClientID, id)
	assert.Equal(t, testClientSecret, secret)
}

func TestRefreshAccessTokenKeepsRefreshTokenWhenOmitted(t *testing.T) {
	ts := &tokenServer{respond: func(grant string, n int) (int, string) {
		if grant == "refresh_token" {
			return http.StatusOK, tokenResponse("rotated-access", "", 600)
		}
		return okTokens(600)(grant, n)
	}}
	srv := newTestServer(t, ts, nil)
	s := newSession(t, srv)

	require.NoError(t, s.Authenticate(t.Context(), testUsername, testPassword))
	require.NoError(t, s.RefreshAccessToken(t.Context()))

	tokens := s.Tokens()
	assert.Equal(t, "rotated-access", tokens.AccessToken)
	assert.Equal(t, "password-refresh-1", tokens.RefreshToken)
}

func TestRefreshAccessTokenFailureKeepsState(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "invalid token", status: http.StatusUnauthorized, body: `{"error":"invalid_token"}`},
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"server_error"}`},
		{name: "created", status: http.StatusCreated, body: tokenResponse("a", "r", 600)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := &tokenServer{respond: func(grant string, n int) (int, string) {
				if grant == "refresh_token" {
					return tt.status, tt.body
				}
				return okTokens(600)(grant, n)
			}}
			srv := newTestServer(t, ts, nil)
			s := newSession(t, srv)

			require.NoError(t, s.Authenticate(t.Context(), testUsername, testPassword))
			want := s.Tokens()

			err := s.RefreshAccessToken(t.Context())
			var authErr *session.AuthError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, tt.status, authErr.StatusCode)
			assert.Equal(t, "refresh_token", authErr.Grant)
			assert.JSONEq(t, tt.body, authErr.Body)
			assert.Equal(t, want, s.Tokens())
		})
	}
}

func TestRefreshAccessTokenWithoutRefreshToken(t *testing.T) {
	ts := &tokenServer{respond: okTokens(600)}
	srv := newTestServer(t, ts, nil)
	s := newSession(t, srv)

	err := s.RefreshAccessToken(t.Context())
	require.ErrorIs(t, err, session.ErrNoRefreshToken)

	var authErr *session.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Zero(t, authErr.StatusCode)
	assert.Equal(t, session.Tokens{}, s.Tokens())
}

func TestEnsureValid(t *testing.T) {
	tests := []struct {
		name        string
		advance     time.Duration
		wantRefresh int32
	}{
		{name: "fresh token", advance: 0, wantRefresh: 0},
		{name: "almost expired", advance: 599 * time.Second, wantRefresh: 0},
		{name: "exactly at expiry", advance: 600 * time.Second, wantRefresh: 1},
		{name: "long expired", advance: 24 * time.Hour, wantRefresh: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := &tokenServer{respond: okTokens(600)}
			srv := newTestServer(t, ts, nil)
			clock := newFakeClock()
			s := newSession(t, srv, session.WithClock(clock.Now))

			require.NoError(t, s.Authenticate(t.Context(), testUsername, testPassword))
			clock.Advance(tt.advance)

			require.NoError(t, s.EnsureValid(t.Context()))
			assert.Equal(t, tt.wantRefresh, ts.refreshGrants.Load())
		})
	}
}

func TestEnsureValidWithoutExpiryRefreshes(t *testing.T) {
	ts := &tokenServer{respond: okTokens(600)}
	srv := newTestServer(t, ts, nil)
	s := newSession(t, srv)

	s.Restore(session.Tokens{RefreshToken: "stored-refresh"})
	require.True(t, s.Tokens().Expiry.IsZero())

	require.NoError(t, s.EnsureValid(t.Context()))
	assert.Equal(t, int32(1), ts.refreshGrants.Load())

	_, form := ts.last()
	assert.Equal(t, "stored-refresh", form["refresh_token"])
	assert.Equal(t, "refresh_token-access-1", s.Tokens().AccessToken)

	require.NoError(t, s.EnsureValid(t.Context()))
	assert.Equal(t, int32(1), ts.refreshGrants.Load())
}

func TestEnsureValidFailedRefreshKeepsExpiredTokens(t *testing.T) {
	ts := &tokenServer{respond: func(grant string, n int) (int, string) {
		if grant == "refresh_token" {
			return http.StatusBadRequest, `{"error":"invalid_grant"}`
		}
		return okTokens(60)(grant, n)
	}}
	srv := newTestServer(t, ts, nil)
	clock := newFakeClock()
	s := newSession(t, srv, session.WithClock(clock.Now))

	require.NoError(t, s.Authenticate(t.Context(), testUsername, testPassword))
	want := s.Tokens()
	clock.Advance(time.Hour)

	err := s.EnsureValid(t.Context())
	var authErr *session.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, want, s.Tokens())
	assert.True(t, s.Tokens().Expired(clock.Now()))
}

func TestRestoreDropsInconsistentAccessToken(t *testing.T) {
	s, err := session.New("https://example.org/api", testClientID, testClientSecret)
	require.NoError(t, err)

	s.Restore(session.Tokens{AccessToken: "orphan", RefreshToken: "r"})
	assert.Equal(t, session.Tokens{RefreshToken: "r"}, s.Tokens())
	assert.False(t, s.Authenticated())

	expiry := time.Now().Add(time.Hour)
	s.Restore(session.Tokens{AccessToken: "a", RefreshToken: "r", Expiry: expiry})
	assert.Equal(t, session.Tokens{AccessToken: "a", RefreshToken: "r", Expiry: expiry}, s.Tokens())
	assert.True(t, s.Authenticated())
}

func TestTransportErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL + "/api"
	srv.Close()

	s, err := session.New(baseURL, testClientID, testClientSecret)
	require.NoError(t, err)

	err = s.Authenticate(t.Context(), testUsername, testPassword)
	require.Error(t, err)

	var authErr *session.AuthError
	assert.False(t, errors.As(err, &authErr), "transport failures are not token endpoint rejections")
	assert.Equal(t, session.Tokens{}, s.Tokens())
}
