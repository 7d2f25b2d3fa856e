package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/lead-inbox/internal/session"
	"github.com/capitalize-ai/lead-inbox/internal/view"
	"github.com/capitalize-ai/lead-inbox/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, subject, tenant string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, session.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenant,
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetUserID(r.Context()) + "/" + GetTenantID(r.Context())))
	})
}

func TestAuth(t *testing.T) {
	h := Auth(testSecret, session.Static("u-1"))(echoIdentity())

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized, ""},
		{"other user", "Bearer " + signToken(t, "u-2", "t-1"), http.StatusForbidden, ""},
		{"valid", "Bearer " + signToken(t, "u-1", "t-1"), http.StatusOK, "u-1/t-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/threads", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				require.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestAuthWithoutOwnerAcceptsAnyUser(t *testing.T) {
	h := Auth(testSecret, nil)(echoIdentity())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+signToken(t, "u-9", ""))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "u-9/", rec.Body.String())
}

func TestLoggingSetsCorrelationID(t *testing.T) {
	var seen string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.NotEmpty(t, seen)
	require.Equal(t, seen, rec.Header().Get("X-Correlation-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "abc", seen)
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(echoIdentity()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestCORSPreflight(t *testing.T) {
	h := CORS()(echoIdentity())

	for _, method := range []string{http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/session", nil)
			req.Header.Set("Origin", "https://app.example.com")
			req.Header.Set("Access-Control-Request-Method", method)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
			require.Equal(t, method, rec.Header().Get("Access-Control-Allow-Methods"))
		})
	}
}

func TestRateLimitKeysByUser(t *testing.T) {
	h := Auth(testSecret, nil)(RateLimit(1, time.Minute)(echoIdentity()))

	do := func(subject string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("Authorization", "Bearer "+signToken(t, subject, ""))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, do("u-1"))
	require.Equal(t, http.StatusTooManyRequests, do("u-1"))
	require.Equal(t, http.StatusOK, do("u-2"))
}

func TestValidateFilters(t *testing.T) {
	valid := view.DefaultFilters()
	require.NoError(t, ValidateFilters(valid))

	tests := []struct {
		name   string
		mutate func(*view.Filters)
	}{
		{"inverted range", func(f *view.Filters) { f.MinScore, f.MaxScore = 70, 60 }},
		{"below zero", func(f *view.Filters) { f.MinScore = -1 }},
		{"above hundred", func(f *view.Filters) { f.MaxScore = 101 }},
		{"long search", func(f *view.Filters) { f.Search = string(make([]byte, 300)) }},
		{"invalid utf8", func(f *view.Filters) { f.Search = "\xff" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid
			tt.mutate(&f)
			require.Error(t, ValidateFilters(f))
		})
	}
}

func TestValidateConversationID(t *testing.T) {
	require.NoError(t, ValidateConversationID("conv-1"))
	require.Error(t, ValidateConversationID(""))
	require.Error(t, ValidateConversationID(string(make([]byte, 200))))
}
