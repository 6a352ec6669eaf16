package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/ragstream-go/internal/logging"
)

// authRealm is the realm advertised in WWW-Authenticate challenges.
const authRealm = `Bearer realm="ragstream"`

// requireAPIKey guards next with "Authorization: Bearer <apiKey>". An empty
// apiKey disables the check. Rejections are 401 with a JSON error body; the
// presented token is never logged.
func requireAPIKey(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte(apiKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, present := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), want) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		challenge, msg := authRealm, "authorization required"
		if present {
			challenge, msg = authRealm+` error="invalid_token"`, "invalid token"
		}
		logging.FromContext(r.Context()).Warn("auth: request rejected",
			slog.String("path", r.URL.Path),
			slog.Bool("token_present", present),
		)
		w.Header().Set("WWW-Authenticate", challenge)
		writeJSONError(w, r, msg, http.StatusUnauthorized)
	})
}

// bearerToken returns the token of a Bearer Authorization header. present
// is false when the header is missing or uses another scheme.
func bearerToken(r *http.Request) (token string, present bool) {
	scheme, rest, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(rest)
	return token, token != ""
}
