package handlers

import (
	"net/http"

	apperrors "github.com/homezloco/Loco-Coder-sub003/internal/errors"
	"golang.org/x/crypto/bcrypt"
)

// RequireAPIKey rejects requests whose X-API-Key header (or api_key query
// parameter, for WebSocket clients) does not match the bcrypt hash. An empty
// hash disables the check. Paths listed in public are always allowed.
func RequireAPIKey(hash string, next http.Handler, public ...string) http.Handler {
	if hash == "" {
		return next
	}
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if open[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
			writeErrorCode(w, http.StatusUnauthorized, apperrors.ErrAuthRequired, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashAPIKey returns the bcrypt hash to store in SYNC_API_KEY_HASH.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
