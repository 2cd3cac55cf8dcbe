package credentials

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The remote verifies tokens; the client only needs to know when to stop
// sending one.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Unexpired hides tokens from p whose exp claim is in the past. Opaque
// (non-JWT) tokens pass through unchanged.
func Unexpired(p Provider, now func() time.Time) Provider {
	if now == nil {
		now = time.Now
	}
	return ProviderFunc(func(ctx context.Context) string {
		token := p.Token(ctx)
		if token == "" {
			return ""
		}
		if exp, ok := TokenExpiry(token); ok && !now().Before(exp) {
			return ""
		}
		return token
	})
}
