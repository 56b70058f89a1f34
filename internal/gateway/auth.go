package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerToken extracts the token from an Authorization: Bearer <token>
// header, returning "" when the header is absent or malformed.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

// apiKeyMatches does a constant-time comparison against the configured key.
// An unconfigured key (empty string) always matches, since admission only
// checks the key when one is configured.
func apiKeyMatches(candidate, configured string) bool {
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(configured)) == 1
}
