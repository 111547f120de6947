package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse mirrors the shape of DHIS2 web message errors so browser
// clients can handle proxy failures like API failures.
type ErrorResponse struct {
	HTTPStatus     string `json:"httpStatus"`
	HTTPStatusCode int    `json:"httpStatusCode"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}

// writeJSONError writes a JSON error response with the given status code.
// Logs encoding failures internally using the provided context.
func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		HTTPStatus:     http.StatusText(status),
		HTTPStatusCode: status,
		Status:         "ERROR",
		Message:        message,
	}); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}
