package authutil_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/cms-agent/internal/authutil"
)

func buildToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": exp.Unix(), "sub": "agent-1"}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("unused-signing-key"))
	require.NoError(t, err)
	return signed
}

func TestExpiryFromJWTReturnsExpClaim(t *testing.T) {
	want := time.Now().Add(time.Hour).Truncate(time.Second)
	token := buildToken(t, want)

	got, err := authutil.ExpiryFromJWT(token)
	require.NoError(t, err)
	assert.WithinDuration(t, want, got, time.Second)
}

func TestExpiryFromJWTRejectsMalformedToken(t *testing.T) {
	_, err := authutil.ExpiryFromJWT("not-a-jwt")
	assert.Error(t, err)
}

func TestRefreshRequiredWithinSafetyWindow(t *testing.T) {
	assert.True(t, authutil.RefreshRequired(time.Now().Add(5*time.Minute)))
	assert.False(t, authutil.RefreshRequired(time.Now().Add(time.Hour)))
}
