// Package proxy exposes a DHIS2 API on a local address with the session's
// bearer token attached to every forwarded request.
//
// Browser-side custom forms and reports call the API through relative
// URLs; pointing them at the proxy lets them run outside a logged-in DHIS2
// web session.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/httplog/v3"
	"golang.org/x/oauth2"
)

// Proxy represents the forward proxy server
type Proxy struct {
	mux    *http.ServeMux
	server *http.Server
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// New creates a proxy forwarding requests below the base URL's path to the
// DHIS2 API, authenticated with tokens from ts.
func New(ts oauth2.TokenSource, baseURL string) (*Proxy, error) {
	upstream, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if !upstream.IsAbs() {
		return nil, fmt.Errorf("upstream URL must be absolute: %s", baseURL)
	}

	transport := &oauth2.Transport{Source: ts}

	reverseProxyHandler := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = upstream.Scheme
			pr.Out.URL.Host = upstream.Host
			pr.Out.Host = upstream.Host
			// Never forward browser credentials, the session token replaces them
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			_ = httplog.SetError(r.Context(), err)
			slog.ErrorContext(r.Context(), "upstream request failed",
				"request_id", r.Header.Get(requestIDHeader),
				"error", err,
			)
			writeJSONError(r.Context(), w, "upstream request failed", http.StatusBadGateway)
		},
	}

	logger := slog.Default()

	prefix := "/" + strings.Trim(upstream.Path, "/")
	if prefix != "/" {
		prefix += "/"
	}

	mux := http.NewServeMux()
	mux.Handle(prefix, applyMiddlewares(reverseProxyHandler,
		Logging(logger),
		RequestID,
		Recovery,
	))

	return &Proxy{mux: mux}, nil
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	// Startup phase: Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	p.server = &http.Server{
		Handler:      p,
		ReadTimeout:  30 * time.Second, // Inbound: read entire client request
		WriteTimeout: 5 * time.Minute,  // Inbound: large metadata exports take a while
		IdleTimeout:  90 * time.Second, // Inbound: keep-alive wait for next request from client
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
