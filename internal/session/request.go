package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Request performs an authenticated call against endpoint, resolved
// relative to the base URL. data, when non-nil, is sent as the JSON body.
// It returns the decoded JSON response on 200 or 201, with numbers as
// json.Number, and a *RequestError for any other status.
func (s *Session) Request(ctx context.Context, method, endpoint string, data any, params url.Values) (any, error) {
	var result any
	if err := s.RequestInto(ctx, method, endpoint, data, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// RequestInto is like Request but decodes the response body into out.
// An empty response body leaves out untouched. JSON numbers land in
// interface values as json.Number.
func (s *Session) RequestInto(ctx context.Context, method, endpoint string, data any, params url.Values, out any) error {
	// refresh already logged any failure; the request goes out with the
	// previous token and the server decides whether it is acceptable.
	_ = s.EnsureValid(ctx)

	requestURL, err := s.resolve(endpoint, params)
	if err != nil {
		return err
	}

	var body io.Reader
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+s.Tokens().AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		s.logger.ErrorContext(ctx, "request failed",
			"method", method,
			"url", requestURL,
			"request_id", requestID,
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return &RequestError{
			Method:     method,
			URL:        requestURL,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}

	s.logger.DebugContext(ctx, "request completed",
		"method", method,
		"url", requestURL,
		"request_id", requestID,
		"status", resp.StatusCode,
	)

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	// Numbers decoded into interface values stay exact as json.Number
	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Get is shorthand for Request with GET and no body.
func (s *Session) Get(ctx context.Context, endpoint string, params url.Values) (any, error) {
	return s.Request(ctx, http.MethodGet, endpoint, nil, params)
}

// Post is shorthand for Request with POST.
func (s *Session) Post(ctx context.Context, endpoint string, data any, params url.Values) (any, error) {
	return s.Request(ctx, http.MethodPost, endpoint, data, params)
}

// Put is shorthand for Request with PUT.
func (s *Session) Put(ctx context.Context, endpoint string, data any, params url.Values) (any, error) {
	return s.Request(ctx, http.MethodPut, endpoint, data, params)
}

// Delete is shorthand for Request with DELETE and no body.
func (s *Session) Delete(ctx context.Context, endpoint string, params url.Values) (any, error) {
	return s.Request(ctx, http.MethodDelete, endpoint, nil, params)
}

// resolve joins endpoint onto the base URL and merges the default and
// per-request query parameters.
func (s *Session) resolve(endpoint string, params url.Values) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	u := s.baseURL.ResolveReference(ref)

	query := u.Query()
	for key, values := range s.defaultParams {
		if _, ok := params[key]; ok {
			continue
		}
		if _, ok := query[key]; ok {
			continue
		}
		query[key] = values
	}
	for key, values := range params {
		query[key] = values
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}
