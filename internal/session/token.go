package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

const (
	// tokenPath is the UAA token endpoint, relative to the API base URL.
	tokenPath = "uaa/oauth/token"

	// defaultExpiresIn applies when a token response carries no expires_in.
	defaultExpiresIn = 3600 * time.Second

	grantPassword     = "password"
	grantRefreshToken = "refresh_token"
)

// Tokens is a snapshot of a session's token state. Empty fields are absent.
type Tokens struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// Expired reports whether the access token is absent or expired at now.
func (t Tokens) Expired(now time.Time) bool {
	return t.Expiry.IsZero() || !now.Before(t.Expiry)
}

// Equal reports whether both snapshots hold the same tokens and expiry instant.
func (t Tokens) Equal(other Tokens) bool {
	return t.AccessToken == other.AccessToken &&
		t.RefreshToken == other.RefreshToken &&
		t.Expiry.Equal(other.Expiry)
}

// newOAuthConfig describes the token endpoint for the password and refresh grants.
// DHIS2 expects client credentials as HTTP Basic auth.
func newOAuthConfig(tokenURL, clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// passwordGrant exchanges user credentials for tokens.
func (s *Session) passwordGrant(ctx context.Context, username, password string) (*oauth2.Token, error) {
	token, err := s.oauth.PasswordCredentialsToken(s.tokenContext(ctx), username, password)
	if err != nil {
		return nil, newAuthError(grantPassword, err)
	}
	return token, nil
}

// refreshGrant exchanges a refresh token for new tokens.
func (s *Session) refreshGrant(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, newAuthError(grantRefreshToken, ErrNoRefreshToken)
	}

	// An empty access token is never valid, so the source goes straight to the endpoint.
	ts := s.oauth.TokenSource(s.tokenContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := ts.Token()
	if err != nil {
		return nil, newAuthError(grantRefreshToken, err)
	}
	return token, nil
}

// tokenContext carries the session's token client to the oauth2 package.
func (s *Session) tokenContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.tokenClient)
}

// tokensFrom converts a token response into session state. A missing
// expires_in falls back to defaultExpiresIn.
func tokensFrom(token *oauth2.Token, now time.Time) Tokens {
	expiresIn := defaultExpiresIn
	if token.ExpiresIn > 0 {
		expiresIn = time.Duration(token.ExpiresIn) * time.Second
	}
	return Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       now.Add(expiresIn),
	}
}

// tokenTransport adds "Accept: application/json" to password grant
// requests. Refresh grants go out without it.
type tokenTransport struct {
	base http.RoundTripper
}

// Compile-time check that tokenTransport implements http.RoundTripper.
var _ http.RoundTripper = (*tokenTransport)(nil)

// RoundTrip inspects the form-encoded grant, forwards the request and
// rejects 2xx token responses other than 200.
func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if original := req.Body; original != nil {
		defer func() { _ = original.Close() }()
		body, err := io.ReadAll(original)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}

		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parsing form data: %w", err)
		}

		req = req.Clone(req.Context())
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		if form.Get("grant_type") == grantPassword {
			req.Header.Set("Accept", "application/json")
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// oauth2 accepts any 2xx, DHIS2 only issues tokens with 200
	if resp.StatusCode != http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		defer func() { _ = resp.Body.Close() }()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &unexpectedStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

// unexpectedStatusError reports a token response with a 2xx status other than 200.
type unexpectedStatusError struct {
	StatusCode int
	Body       string
}

func (e *unexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected token response status %d", e.StatusCode)
}
