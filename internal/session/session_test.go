package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, subject string, expires time.Time) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		TenantID: "tenant-1",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func TestTokenAccessorYieldsSubject(t *testing.T) {
	a := NewTokenAccessor(testSecret)

	_, ok := a.UserID()
	require.False(t, ok)

	require.NoError(t, a.SetToken(signToken(t, "user-42", time.Now().Add(time.Hour))))
	id, ok := a.UserID()
	require.True(t, ok)
	require.Equal(t, "user-42", id)

	claims, err := a.Claims()
	require.NoError(t, err)
	require.Equal(t, "tenant-1", claims.TenantID)

	require.NoError(t, a.SetToken(""))
	_, ok = a.UserID()
	require.False(t, ok)
}

func TestTokenAccessorRejectsBadTokens(t *testing.T) {
	a := NewTokenAccessor(testSecret)

	require.Error(t, a.SetToken("not-a-jwt"))
	require.Error(t, a.SetToken(signToken(t, "user-1", time.Now().Add(-time.Minute))))

	other := NewTokenAccessor("other-secret")
	require.Error(t, other.SetToken(signToken(t, "user-1", time.Now().Add(time.Hour))))

	_, ok := a.UserID()
	require.False(t, ok)
}

func TestStaticAccessor(t *testing.T) {
	id, ok := Static("u-1").UserID()
	require.True(t, ok)
	require.Equal(t, "u-1", id)

	_, ok = Static(" ").UserID()
	require.False(t, ok)
}
