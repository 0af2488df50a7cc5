package auth

import (
	"errors"
	"regexp"
)

// ErrMissingBearer indicates the Authorization header has no bearer token.
var ErrMissingBearer = errors.New("missing bearer token")

var bearerPattern = regexp.MustCompile(`Bearer\s(\S+)`)

// ExtractBearerToken returns the token from an Authorization header value
// of the form "Bearer <token>".
func ExtractBearerToken(header string) (string, error) {
	m := bearerPattern.FindStringSubmatch(header)
	if m == nil {
		return "", ErrMissingBearer
	}
	return m[1], nil
}
