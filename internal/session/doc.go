// Package session keeps an authenticated session against a DHIS2 web API.
//
// A Session holds an access token, a refresh token and the access token's
// expiry. Tokens are obtained with the OAuth2 password grant on the
// server's UAA token endpoint and renewed with the refresh grant once the
// access token has expired. Expiry is checked lazily, right before a
// request goes out; there is no background refresh.
//
// # Usage
//
//	s, err := session.New("https://play.dhis2.org/api", clientID, clientSecret)
//	if err != nil {
//		return err
//	}
//	if err := s.Authenticate(ctx, username, password); err != nil {
//		return err
//	}
//	units, err := s.Get(ctx, "organisationUnits", url.Values{"paging": {"false"}})
//
// # Failures
//
// Token endpoint failures are returned as *AuthError and leave the token
// state untouched. Responses other than 200 or 201 from Request are
// returned as *RequestError together with a nil result. Transport errors
// are returned wrapped.
//
// A Session is safe for concurrent use. Concurrent requests that find the
// access token expired trigger a single refresh.
package session
