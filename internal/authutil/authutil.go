// Package authutil inspects bearer tokens shaped as JWTs to decide when a
// proactive refresh is due, following node-agent/internal/auth/token.go's
// GetExpiryFromJWT/IsTokenRefreshRequired pair. The control plane's tokens
// are opaque as far as this agent is concerned — it never verifies a
// signature, only reads the exp claim, so parsing is unverified by design.
package authutil

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// RefreshSafetyWindow is how far ahead of expiry a token is considered due
// for refresh.
const RefreshSafetyWindow = 10 * time.Minute

// ExpiryFromJWT extracts the exp claim without verifying the signature; the
// control plane is the trust boundary, not this parse step.
func ExpiryFromJWT(token string) (time.Time, error) {
	parser := &jwt.Parser{}
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return time.Time{}, errors.New("jwt claims are not a map")
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, errors.New("jwt has no exp claim")
	}
	return time.Unix(int64(exp), 0), nil
}

// RefreshRequired reports whether a token with the given expiry is inside
// the refresh safety window.
func RefreshRequired(expiry time.Time) bool {
	return time.Now().After(expiry.Add(-RefreshSafetyWindow))
}
