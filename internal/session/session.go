package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every HTTP call made by a Session unless a custom
// client is supplied.
const DefaultTimeout = 30 * time.Second

// Option configures a Session.
type Option func(*config)

// config holds configuration for New.
type config struct {
	httpClient    *http.Client
	transport     http.RoundTripper
	now           func() time.Time
	defaultParams url.Values
	logger        *slog.Logger
}

// WithHTTPClient sets the client used for API requests. Its transport and
// timeout are also used for token requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithTransport sets the base transport for all requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *config) {
		c.transport = transport
	}
}

// WithClock replaces time.Now for expiry calculations.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithDefaultParams sets query parameters sent with every request.
// Parameters passed to a single request take precedence.
func WithDefaultParams(params url.Values) Option {
	return func(c *config) {
		c.defaultParams = params
	}
}

// WithLogger sets the logger for session events. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Session performs authenticated requests against a DHIS2 API and keeps
// its bearer token fresh.
type Session struct {
	baseURL       *url.URL
	defaultParams url.Values

	oauth       *oauth2.Config
	httpClient  *http.Client
	tokenClient *http.Client
	now         func() time.Time
	logger      *slog.Logger

	// grantMu serializes token grants, held across the token request.
	grantMu sync.Mutex

	mu     sync.RWMutex
	tokens Tokens
}

// New creates an unauthenticated Session for the API at baseURL. The base
// URL always gets a trailing slash so endpoints resolve beneath it.
func New(baseURL, clientID, clientSecret string, opts ...Option) (*Session, error) {
	cfg := &config{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	transport := cfg.transport
	if transport == nil {
		transport = httpClient.Transport
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.transport != nil {
		clone := *httpClient
		clone.Transport = transport
		httpClient = &clone
	}

	tokenURL := base.ResolveReference(&url.URL{Path: tokenPath})

	return &Session{
		baseURL:       base,
		defaultParams: cfg.defaultParams,
		oauth:         newOAuthConfig(tokenURL.String(), clientID, clientSecret),
		httpClient:    httpClient,
		tokenClient: &http.Client{
			Timeout:   httpClient.Timeout,
			Transport: &tokenTransport{base: transport},
		},
		now:    cfg.now,
		logger: cfg.logger,
	}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}

	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base URL must be absolute: %s", raw)
	}
	return base, nil
}

// BaseURL returns the normalized base URL.
func (s *Session) BaseURL() string {
	return s.baseURL.String()
}

// Authenticate obtains tokens with the password grant. On failure the
// previous token state is kept and an *AuthError is returned.
func (s *Session) Authenticate(ctx context.Context, username, password string) error {
	s.grantMu.Lock()
	defer s.grantMu.Unlock()

	token, err := s.passwordGrant(ctx, username, password)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to authenticate", authErrorAttrs(err)...)
		return fmt.Errorf("authenticating: %w", err)
	}

	s.setTokens(tokensFrom(token, s.now()))
	s.logger.InfoContext(ctx, "authenticated successfully")
	return nil
}

// RefreshAccessToken obtains new tokens with the refresh grant. On failure
// the previous token state is kept and an *AuthError is returned.
func (s *Session) RefreshAccessToken(ctx context.Context) error {
	s.grantMu.Lock()
	defer s.grantMu.Unlock()

	return s.refresh(ctx)
}

// refresh performs the refresh grant. Callers must hold grantMu.
func (s *Session) refresh(ctx context.Context) error {
	current := s.Tokens()

	token, err := s.refreshGrant(ctx, current.RefreshToken)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to refresh access token", authErrorAttrs(err)...)
		return fmt.Errorf("refreshing access token: %w", err)
	}

	s.setTokens(tokensFrom(token, s.now()))
	s.logger.InfoContext(ctx, "access token refreshed successfully")
	return nil
}

// EnsureValid refreshes the access token when it is absent or expired and
// does nothing otherwise.
func (s *Session) EnsureValid(ctx context.Context) error {
	if !s.Tokens().Expired(s.now()) {
		return nil
	}

	s.grantMu.Lock()
	defer s.grantMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if !s.Tokens().Expired(s.now()) {
		return nil
	}

	s.logger.InfoContext(ctx, "access token is expired or not available, refreshing")
	return s.refresh(ctx)
}

// Compile-time check to ensure Session implements oauth2.TokenSource
var _ oauth2.TokenSource = (*Session)(nil)

// Token returns the current access token as an oauth2.Token, refreshing it
// first if it has expired. Lets a Session back an oauth2.Transport.
func (s *Session) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter (legacy interface limitation)
	ctx := context.Background()
	if err := s.EnsureValid(ctx); err != nil {
		return nil, err
	}

	tokens := s.Tokens()
	return &oauth2.Token{
		AccessToken:  tokens.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: tokens.RefreshToken,
		Expiry:       tokens.Expiry,
	}, nil
}

// Tokens returns a snapshot of the current token state.
func (s *Session) Tokens() Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// Authenticated reports whether the session has ever held an access token.
func (s *Session) Authenticated() bool {
	return s.Tokens().AccessToken != ""
}

// Restore seeds the session with previously obtained tokens. An access
// token without an expiry (or the reverse) is discarded, so a snapshot
// holding only a refresh token refreshes on first use.
func (s *Session) Restore(tokens Tokens) {
	if tokens.AccessToken == "" || tokens.Expiry.IsZero() {
		tokens.AccessToken = ""
		tokens.Expiry = time.Time{}
	}

	s.grantMu.Lock()
	defer s.grantMu.Unlock()
	s.setTokens(tokens)
}

func (s *Session) setTokens(tokens Tokens) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokens
}

// authErrorAttrs extracts log attributes from a grant failure.
func authErrorAttrs(err error) []any {
	if authErr, ok := err.(*AuthError); ok && authErr.StatusCode != 0 {
		return []any{"status", authErr.StatusCode, "body", authErr.Body}
	}
	return []any{"error", err}
}
