// Package session yields the identity of the signed-in user.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/lead-inbox/internal/cache"
)

// Accessor yields the current user ID, or false when nobody is signed in.
type Accessor interface {
	UserID() (string, bool)
}

// Static is an Accessor with a fixed user ID. The empty string means
// signed out.
type Static string

// UserID implements Accessor.
func (s Static) UserID() (string, bool) {
	id := strings.TrimSpace(string(s))
	return id, id != ""
}

// Claims are the session token claims.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
	Email    string `json:"email,omitempty"`
}

// TokenAccessor derives identity from an HS256 session token. Parsed claims
// are memoized until the token expires.
type TokenAccessor struct {
	secret []byte

	mu    sync.RWMutex
	token string

	claims *cache.Cache[*Claims]
	now    func() time.Time
}

// NewTokenAccessor creates a TokenAccessor verifying tokens with secret.
func NewTokenAccessor(secret string) *TokenAccessor {
	return &TokenAccessor{
		secret: []byte(secret),
		claims: cache.New[*Claims](cache.Options{
			Name:       "session_claims",
			MaxSize:    16,
			DefaultTTL: 15 * time.Minute,
		}),
		now: time.Now,
	}
}

// SetToken installs a new session token after verifying it. An empty token
// signs the user out.
func (a *TokenAccessor) SetToken(token string) error {
	token = strings.TrimSpace(token)
	if token != "" {
		if _, err := a.parse(token); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
	return nil
}

// Token returns the raw session token for outgoing requests.
func (a *TokenAccessor) Token() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token, a.token != ""
}

// UserID implements Accessor. An expired or invalid token yields false.
func (a *TokenAccessor) UserID() (string, bool) {
	token, ok := a.Token()
	if !ok {
		return "", false
	}
	claims, err := a.parse(token)
	if err != nil || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

// Claims returns the verified claims of the current token.
func (a *TokenAccessor) Claims() (*Claims, error) {
	token, ok := a.Token()
	if !ok {
		return nil, errors.New("no session token")
	}
	return a.parse(token)
}

func (a *TokenAccessor) parse(token string) (*Claims, error) {
	if claims, ok := a.claims.Get(token); ok {
		return claims, nil
	}

	claims, err := ParseToken(token, a.secret)
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(0)
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Time.Sub(a.now())
		if ttl <= 0 {
			return nil, jwt.ErrTokenExpired
		}
	}
	a.claims.SetWithTTL(token, claims, ttl)
	return claims, nil
}

// ParseToken verifies an HS256 token and returns its claims.
func ParseToken(token string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid session token")
	}
	return claims, nil
}
