package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/lead-inbox/internal/session"
	"github.com/capitalize-ai/lead-inbox/pkg/logger"
)

type countingReconciler struct{ calls int }

func (c *countingReconciler) Reconcile() { c.calls++ }

func TestSessionAdoptAndRelease(t *testing.T) {
	const secret = "s3cret"
	tokens := session.NewTokenAccessor(secret)
	threads := &countingReconciler{}
	h := NewSessionHandler(tokens, threads, logger.NewNop())

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, session.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/session", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	h.Adopt(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"user_id":"u-7"}`, rec.Body.String())
	require.Equal(t, 1, threads.calls)

	userID, ok := tokens.UserID()
	require.True(t, ok)
	require.Equal(t, "u-7", userID)

	rec = httptest.NewRecorder()
	h.Release(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/session", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 2, threads.calls)
	_, ok = tokens.UserID()
	require.False(t, ok)
}

func TestSessionAdoptRejectsBadToken(t *testing.T) {
	tokens := session.NewTokenAccessor("s3cret")
	threads := &countingReconciler{}
	h := NewSessionHandler(tokens, threads, logger.NewNop())

	rec := httptest.NewRecorder()
	h.Adopt(rec, httptest.NewRequest(http.MethodPut, "/api/v1/session", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/session", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	h.Adopt(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, threads.calls)
}
