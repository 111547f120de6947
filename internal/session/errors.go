package session

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// ErrNoRefreshToken is reported when a refresh is attempted before any
// refresh token was obtained.
var ErrNoRefreshToken = errors.New("no refresh token available")

// AuthError is returned when the token endpoint rejects a password or
// refresh grant. The session's token state is left as it was.
type AuthError struct {
	// Grant is the OAuth2 grant type that failed ("password" or "refresh_token").
	Grant string
	// StatusCode is the HTTP status of the token response, 0 if no response was received.
	StatusCode int
	// Body is the raw token response body.
	Body string

	err error
}

func (e *AuthError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s grant failed: %v", e.Grant, e.err)
	}
	return fmt.Sprintf("%s grant failed with status %d: %s", e.Grant, e.StatusCode, e.Body)
}

func (e *AuthError) Unwrap() error {
	return e.err
}

// newAuthError converts an oauth2 token retrieval failure into an AuthError.
// Errors that carry no token response (transport failures) are returned as is.
func newAuthError(grant string, err error) error {
	if errors.Is(err, ErrNoRefreshToken) {
		return &AuthError{Grant: grant, err: err}
	}

	var statusErr *unexpectedStatusError
	if errors.As(err, &statusErr) {
		return &AuthError{Grant: grant, StatusCode: statusErr.StatusCode, Body: statusErr.Body, err: err}
	}

	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return err
	}

	authErr := &AuthError{
		Grant: grant,
		Body:  string(rErr.Body),
		err:   rErr,
	}
	if rErr.Response != nil {
		authErr.StatusCode = rErr.Response.StatusCode
	}
	return authErr
}

// RequestError is returned when an API request completes with a status
// other than 200 or 201.
type RequestError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}
