package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nwolfenzon/dhis2-chai/internal/credentials"
	"github.com/nwolfenzon/dhis2-chai/internal/proxy"
	"github.com/nwolfenzon/dhis2-chai/internal/session"
	"github.com/nwolfenzon/dhis2-chai/internal/tokenstore"
)

// ErrNotLoggedIn is returned when no session is stored and no username and
// password are configured to create one.
var ErrNotLoggedIn = errors.New("not logged in")

// maxConcurrentFetches bounds parallel requests in Fetch.
const maxConcurrentFetches = 4

// App wires credentials, configuration and token storage into a
// persistent API session.
type App struct {
	cfg     *Config
	creds   *credentials.Credentials
	session *PersistentSession
}

// New creates a new App instance. Extra session options are applied after
// the ones derived from cfg.
func New(cfg *Config, creds *credentials.Credentials, opts ...session.Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if creds == nil {
		return nil, fmt.Errorf("missing credentials")
	}

	server := cfg.Server
	if server == "" {
		server = creds.Server
	}
	if server == "" {
		return nil, fmt.Errorf("no server configured, set %s_SERVER or server", cfg.Credentials.Prefix)
	}

	sessionOpts := []session.Option{
		session.WithHTTPClient(&http.Client{Timeout: cfg.HTTP.Timeout}),
	}
	if len(cfg.HTTP.DefaultParams) > 0 {
		params := make(url.Values, len(cfg.HTTP.DefaultParams))
		for key, value := range cfg.HTTP.DefaultParams {
			params.Set(key, value)
		}
		sessionOpts = append(sessionOpts, session.WithDefaultParams(params))
	}
	sessionOpts = append(sessionOpts, opts...)

	s, err := session.New(server, creds.ClientID, creds.Secret, sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	persistent, err := NewPersistentSession(s, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create persistent session: %w", err)
	}

	return &App{
		cfg:     cfg,
		creds:   creds,
		session: persistent,
	}, nil
}

// Session returns the underlying API session.
func (a *App) Session() *session.Session {
	return a.session.Session
}

// Login authenticates with the password grant and stores the session.
func (a *App) Login(ctx context.Context, username, password string) error {
	// Logging in without being able to keep the result is pointless
	if a.cfg.Auth.Storage == TokenStorageTypeEnv {
		return errors.New("login requires writable storage, env is read-only")
	}

	if err := a.session.Authenticate(ctx, username, password); err != nil {
		return err
	}
	return a.session.Persist(ctx)
}

// Logout removes the stored session.
func (a *App) Logout(ctx context.Context) error {
	return a.session.Forget(ctx)
}

// Request performs a single API request and stores rotated tokens afterwards.
func (a *App) Request(ctx context.Context, method, endpoint string, data any, params url.Values) (any, error) {
	if err := a.prepare(ctx); err != nil {
		return nil, err
	}

	result, err := a.session.Request(ctx, method, endpoint, data, params)
	if persistErr := a.session.Persist(ctx); persistErr != nil {
		err = errors.Join(err, persistErr)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Fetch GETs several endpoints concurrently over the shared session and
// returns the results keyed by endpoint. The first failure cancels the rest.
func (a *App) Fetch(ctx context.Context, endpoints []string, params url.Values) (map[string]any, error) {
	if err := a.prepare(ctx); err != nil {
		return nil, err
	}

	// Refresh up front so the workers don't queue on the grant lock
	if err := a.session.EnsureValid(ctx); err != nil {
		slog.WarnContext(ctx, "continuing with current access token", "error", err)
	}

	var mu sync.Mutex
	results := make(map[string]any, len(endpoints))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, endpoint := range endpoints {
		g.Go(func() error {
			result, err := a.session.Get(gCtx, endpoint, params)
			if err != nil {
				return fmt.Errorf("%s: %w", endpoint, err)
			}

			mu.Lock()
			results[endpoint] = result
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if persistErr := a.session.Persist(ctx); persistErr != nil {
		err = errors.Join(err, persistErr)
	}
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Serve exposes the API on the configured proxy address with the session's
// token attached, and blocks until ctx is canceled or the proxy fails.
// Tokens rotated while serving are stored on shutdown.
func (a *App) Serve(ctx context.Context) error {
	if err := a.prepare(ctx); err != nil {
		return err
	}

	p, err := proxy.New(a.session, a.session.BaseURL())
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Proxy.Host + ":" + strconv.FormatUint(uint64(a.cfg.Proxy.Port), 10)
	var shutdownFuncs []func(context.Context) error

	shutdownFuncs = append(shutdownFuncs, a.session.Persist)

	slog.InfoContext(gCtx, "starting proxy server", "address", address, "upstream", a.session.BaseURL())
	proxyErrCh, err := p.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("proxy startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, p.Shutdown)

	// errgroup cancels gCtx on the first runtime error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down proxy")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	// Reverse order: stop serving before storing the final tokens
	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "shutdown step failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("proxy stopped")
	return nil
}

// prepare restores the stored session, logging in with the configured
// username and password when nothing is stored.
func (a *App) prepare(ctx context.Context) error {
	err := a.session.Load()
	if err == nil {
		return nil
	}
	if !errors.Is(err, tokenstore.ErrNotFound) {
		return fmt.Errorf("loading stored session: %w", err)
	}

	if a.session.Authenticated() {
		return nil
	}
	if !a.creds.HasUserLogin() {
		return fmt.Errorf("%w: run login or set %s_USERNAME and %s_PASSWORD",
			ErrNotLoggedIn, a.cfg.Credentials.Prefix, a.cfg.Credentials.Prefix)
	}

	slog.InfoContext(ctx, "no stored session, logging in with configured credentials", "username", a.creds.Username)
	if err := a.session.Authenticate(ctx, a.creds.Username, a.creds.Password); err != nil {
		return err
	}
	return a.session.Persist(ctx)
}
