package api

import (
	"crypto/subtle"
	"net/http"
)

// SecretHeader carries the shared secret on every authenticated request.
const SecretHeader = "X-Bridge-Secret"

// SecretAuth rejects requests whose X-Bridge-Secret header does not match
// secret. An empty secret rejects everything.
func SecretAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(SecretHeader)
			if secret == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing %s header", SecretHeader)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
