package proxy

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/httplog/v3"
	"github.com/google/uuid"
)

// requestIDHeader correlates a proxied call with the DHIS2 server logs.
const requestIDHeader = "X-Request-ID"

// Recovery turns handler panics into a 500 web message. The panic itself
// is logged by Logging.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recover() != nil {
				writeJSONError(r.Context(), w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// RequestID makes sure every forwarded request carries an X-Request-ID,
// keeping the caller's value when present. The ID is echoed in the
// response and attached to the access log line.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		httplog.SetAttrs(r.Context(), slog.String("request_id", id))

		next.ServeHTTP(w, r)
	})
}

// Logging writes one access log line per proxied request. Must wrap
// RequestID so the ID reaches the log line.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return httplog.RequestLogger(logger, &httplog.Options{
		Schema: httplog.SchemaECS.Concise(true),

		// Bodies carry patient records and headers carry tokens
		LogRequestHeaders:  []string{"Content-Type", "Origin"},
		LogResponseHeaders: []string{},

		RecoverPanics: false, // Recovery answers, panics are logged regardless
	})
}

// applyMiddlewares applies middlewares to a handler in the order they appear.
// The first middleware in the slice is the outermost (executes first).
func applyMiddlewares(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
