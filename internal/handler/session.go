package handler

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-inbox/pkg/logger"
)

// TokenStore holds the session token used for gateway requests.
type TokenStore interface {
	SetToken(token string) error
	UserID() (string, bool)
}

// Reconciler rebinds synchronization after the identity changed.
type Reconciler interface {
	Reconcile()
}

// SessionHandler lets the browser shell hand its session to the daemon.
type SessionHandler struct {
	tokens  TokenStore
	threads Reconciler
	logger  *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(tokens TokenStore, threads Reconciler, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		tokens:  tokens,
		threads: threads,
		logger:  logger.OrNop(log).Named("session"),
	}
}

// Adopt handles PUT /api/v1/session. The request's bearer token becomes the
// daemon's session.
func (h *SessionHandler) Adopt(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing bearer token")
		return
	}
	if err := h.tokens.SetToken(token); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid session token")
		return
	}
	h.threads.Reconcile()

	userID, _ := h.tokens.UserID()
	h.logger.Info("session adopted", zap.String("user_id", userID))
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}

// Release handles DELETE /api/v1/session and stops synchronization.
func (h *SessionHandler) Release(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.SetToken(""); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear session")
		return
	}
	h.threads.Reconcile()
	w.WriteHeader(http.StatusNoContent)
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
