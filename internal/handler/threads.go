// Package handler provides HTTP handlers for the inbox daemon.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-inbox/internal/apperr"
	"github.com/capitalize-ai/lead-inbox/internal/cache"
	"github.com/capitalize-ai/lead-inbox/internal/fetch"
	"github.com/capitalize-ai/lead-inbox/internal/middleware"
	"github.com/capitalize-ai/lead-inbox/internal/model"
	"github.com/capitalize-ai/lead-inbox/internal/service"
	"github.com/capitalize-ai/lead-inbox/internal/view"
	"github.com/capitalize-ai/lead-inbox/pkg/logger"
)

// ThreadSource is the synchronized collection served by the handlers.
type ThreadSource interface {
	Snapshot() service.Snapshot
	FindConversation(id string) (*model.Conversation, bool)
	Refetch(ctx context.Context) error
}

// VisibilitySetter records page visibility reported by the browser shell.
type VisibilitySetter interface {
	Set(visible bool)
}

// ThreadHandler serves the projected thread view.
type ThreadHandler struct {
	threads    ThreadSource
	engine     *view.Engine
	visibility VisibilitySetter
	pipeline   *apperr.Pipeline
	lookups    *cache.Cache[any]
	logger     *logger.Logger
}

// NewThreadHandler creates a new thread handler. Conversation lookups are
// memoized in lookups, keyed by requesting user and collection version.
func NewThreadHandler(
	threads ThreadSource,
	engine *view.Engine,
	visibility VisibilitySetter,
	pipeline *apperr.Pipeline,
	lookups *cache.Cache[any],
	log *logger.Logger,
) *ThreadHandler {
	if pipeline == nil {
		pipeline = apperr.Default()
	}
	if lookups == nil {
		lookups = cache.Shared()
	}
	return &ThreadHandler{
		threads:    threads,
		engine:     engine,
		visibility: visibility,
		pipeline:   pipeline,
		lookups:    lookups,
		logger:     logger.OrNop(log).Named("handler"),
	}
}

// ThreadListResponse is the body of GET /api/v1/threads.
type ThreadListResponse struct {
	*view.Projection
	Loading   bool      `json:"loading"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadResponse is the body of GET /api/v1/threads/{id}.
type ThreadResponse struct {
	Conversation *model.Conversation `json:"conversation"`
	Status       view.Status         `json:"status"`
}

// SortResponse is the body of POST /api/v1/sort/{field}.
type SortResponse struct {
	Field     view.Field     `json:"sort_field"`
	Direction view.Direction `json:"sort_direction"`
}

// VisibilityRequest is the body of POST /api/v1/visibility.
type VisibilityRequest struct {
	Visible *bool `json:"visible"`
}

// List handles GET /api/v1/threads
func (h *ThreadHandler) List(w http.ResponseWriter, r *http.Request) {
	snap := h.threads.Snapshot()
	proj := h.engine.Project(view.Source{Version: snap.Version, Conversations: snap.Conversations})

	writeJSON(w, http.StatusOK, ThreadListResponse{
		Projection: proj,
		Loading:    snap.Loading,
		Error:      snap.Error,
		UpdatedAt:  snap.UpdatedAt,
	})
}

// Get handles GET /api/v1/threads/{id}
func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		h.reject(r, err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := fmt.Sprintf("thread:%s:%d:%s", middleware.GetUserID(r.Context()), h.threads.Snapshot().Version, id)
	if cached, ok := h.lookups.Get(key); ok {
		if resp, ok := cached.(ThreadResponse); ok {
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	conv, ok := h.threads.FindConversation(id)
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	resp := ThreadResponse{Conversation: conv, Status: view.Classify(conv.Thread.AIScore)}
	h.lookups.Set(key, resp)
	writeJSON(w, http.StatusOK, resp)
}

// GetFilters handles GET /api/v1/filters
func (h *ThreadHandler) GetFilters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Filters())
}

// PutFilters handles PUT /api/v1/filters. Omitted fields keep their
// current value.
func (h *ThreadHandler) PutFilters(w http.ResponseWriter, r *http.Request) {
	filters := h.engine.Filters()
	if err := decodeJSON(w, r, &filters); err != nil {
		h.reject(r, err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateFilters(filters); err != nil {
		h.reject(r, err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.engine.SetFilters(filters)
	writeJSON(w, http.StatusOK, filters)
}

// Sort handles POST /api/v1/sort/{field}. An optional direction query
// parameter sets the direction after the toggle.
func (h *ThreadHandler) Sort(w http.ResponseWriter, r *http.Request) {
	field, err := view.ParseField(chi.URLParam(r, "field"))
	if err != nil {
		h.reject(r, err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var direction view.Direction
	if d := r.URL.Query().Get("direction"); d != "" {
		if direction, err = view.ParseDirection(d); err != nil {
			h.reject(r, err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	h.engine.SetSort(field)
	if direction != "" {
		h.engine.SetSortDirection(direction)
	}

	f, d := h.engine.Sort()
	writeJSON(w, http.StatusOK, SortResponse{Field: f, Direction: d})
}

// Refetch handles POST /api/v1/refetch
func (h *ThreadHandler) Refetch(w http.ResponseWriter, r *http.Request) {
	err := h.threads.Refetch(r.Context())

	var appErr apperr.AppError
	var fetchErr *fetch.Error
	switch {
	case err == nil:
	case errors.As(err, &appErr) && appErr.Kind == apperr.KindAuth:
		writeError(w, http.StatusUnauthorized, appErr.Message)
		return
	case errors.As(err, &fetchErr):
		writeError(w, http.StatusBadGateway, fetchErr.Message)
		return
	case errors.Is(err, fetch.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "synchronization stopped")
		return
	default:
		h.logger.Error("refetch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "refetch failed")
		return
	}

	h.List(w, r)
}

// Visibility handles POST /api/v1/visibility
func (h *ThreadHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	var req VisibilityRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Visible == nil {
		if err == nil {
			err = errors.New("visible is required")
		}
		h.reject(r, err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.visibility.Set(*req.Visible)
	writeJSON(w, http.StatusOK, map[string]bool{"visible": *req.Visible})
}

// reject reports invalid input to the error pipeline.
func (h *ThreadHandler) reject(r *http.Request, err error) {
	h.pipeline.HandleError(apperr.New(apperr.KindValidation, err.Error(),
		apperr.WithCode("invalid_request"),
		apperr.WithUserID(middleware.GetUserID(r.Context())),
		apperr.WithStatus(http.StatusBadRequest),
		apperr.WithDetails(map[string]any{
			"path":           r.URL.Path,
			"correlation_id": middleware.GetCorrelationID(r.Context()),
		}),
	))
}
