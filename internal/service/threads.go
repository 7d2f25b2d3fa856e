// Package service provides the thread synchronization service.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-inbox/internal/apperr"
	"github.com/capitalize-ai/lead-inbox/internal/fetch"
	"github.com/capitalize-ai/lead-inbox/internal/gateway"
	"github.com/capitalize-ai/lead-inbox/internal/model"
	"github.com/capitalize-ai/lead-inbox/internal/session"
	"github.com/capitalize-ai/lead-inbox/internal/visibility"
	"github.com/capitalize-ai/lead-inbox/pkg/logger"
	"github.com/capitalize-ai/lead-inbox/pkg/metrics"
)

// DefaultThreadsEndpoint is the gateway path listing a user's threads.
const DefaultThreadsEndpoint = "/conversations/threads"

// ThreadSyncConfig configures a ThreadSync.
type ThreadSyncConfig struct {
	Endpoint string
	// CheckEndpoint answers whether anything changed since a timestamp.
	// When empty, becoming visible triggers a full refetch.
	CheckEndpoint string
	// PollInterval enables polling and the visibility listener.
	PollInterval time.Duration
	Disabled     bool
	// Pipeline receives fetch failures. Defaults to apperr.Default().
	Pipeline *apperr.Pipeline
}

// Snapshot is the current synchronized collection. Conversations is shared
// and must not be modified.
type Snapshot struct {
	Conversations []model.Conversation
	HasData       bool
	Loading       bool
	Error         string
	Version       uint64
	UpdatedAt     time.Time
}

// ThreadSync keeps the signed-in user's conversation threads in sync with
// the gateway.
type ThreadSync struct {
	requester gateway.Requester
	identity  session.Accessor
	signal    visibility.Signal
	cfg       ThreadSyncConfig
	pipeline  *apperr.Pipeline
	logger    *logger.Logger
	fetcher   *fetch.Fetcher[[]model.Conversation]

	mu          sync.Mutex
	ctx         context.Context
	started     bool
	stopped     bool
	userID      string
	unsubscribe func()
}

// NewThreadSync creates a ThreadSync. signal may be nil when no visibility
// source exists.
func NewThreadSync(
	requester gateway.Requester,
	identity session.Accessor,
	signal visibility.Signal,
	cfg ThreadSyncConfig,
	log *logger.Logger,
) *ThreadSync {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultThreadsEndpoint
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = apperr.Default()
	}
	log = logger.OrNop(log).Named("threadsync")

	s := &ThreadSync{
		requester: requester,
		identity:  identity,
		signal:    signal,
		cfg:       cfg,
		pipeline:  cfg.Pipeline,
		logger:    log,
	}
	s.fetcher = fetch.New[[]model.Conversation](requester, "", fetch.Options[[]model.Conversation]{Disabled: true}, log)
	return s
}

// Start begins synchronization for the current identity.
func (s *ThreadSync) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	s.fetcher.Start(ctx)
	s.Reconcile()
}

// Stop ends polling and the visibility listener. Later Reconcile calls are
// ignored.
func (s *ThreadSync) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Unlock()
	s.fetcher.Stop()
}

// Reconcile re-reads the identity and rebinds fetching and the visibility
// listener. Call it whenever the session may have changed. A different user
// never sees the previous user's collection.
func (s *ThreadSync) Reconcile() {
	userID, signedIn := s.identity.UserID()

	endpoint := ""
	if signedIn {
		endpoint = withQuery(s.cfg.Endpoint, url.Values{"user_id": {userID}})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	identityChanged := userID != s.userID
	s.userID = userID
	if identityChanged {
		s.fetcher.Reset()
	}
	s.fetcher.Reconfigure(endpoint, s.fetchOptions(userID, signedIn))

	listen := signedIn && !s.cfg.Disabled && s.cfg.PollInterval > 0 && s.signal != nil
	if s.unsubscribe != nil && (!listen || identityChanged) {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if listen && s.unsubscribe == nil && s.started {
		ch, cancel := s.signal.Subscribe()
		s.unsubscribe = cancel
		go s.listen(s.ctx, ch, userID)
	}
}

// Snapshot returns the current collection and fetch state.
func (s *ThreadSync) Snapshot() Snapshot {
	st := s.fetcher.State()
	return Snapshot{
		Conversations: st.Data,
		HasData:       st.HasData,
		Loading:       st.Loading,
		Error:         st.Error,
		Version:       st.Version,
		UpdatedAt:     st.UpdatedAt,
	}
}

// Refetch fetches the collection now. Without a signed-in user it reports
// an AUTH error instead.
func (s *ThreadSync) Refetch(ctx context.Context) error {
	userID, ok := s.identity.UserID()
	if !ok {
		e := apperr.New(apperr.KindAuth, "no signed-in user", apperr.WithCode("session_missing"))
		s.pipeline.HandleError(e)
		return e
	}
	if err := s.fetcher.Refetch(ctx); err != nil {
		return fmt.Errorf("refetch threads for %s: %w", userID, err)
	}
	return nil
}

// Mutate replaces the collection locally.
func (s *ThreadSync) Mutate(conversations []model.Conversation) {
	s.fetcher.Mutate(conversations)
}

// FindConversation returns a copy of the conversation with id, or false if
// it is absent or nothing has loaded yet.
func (s *ThreadSync) FindConversation(id string) (*model.Conversation, bool) {
	st := s.fetcher.State()
	if !st.HasData {
		return nil, false
	}
	for i := range st.Data {
		if st.Data[i].ID() == id {
			conv := st.Data[i]
			return &conv, true
		}
	}
	return nil, false
}

// Changes receives a value after state transitions.
func (s *ThreadSync) Changes() <-chan struct{} {
	return s.fetcher.Changes()
}

// Listening reports whether the visibility listener is attached.
func (s *ThreadSync) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribe != nil
}

func (s *ThreadSync) fetchOptions(userID string, signedIn bool) fetch.Options[[]model.Conversation] {
	return fetch.Options[[]model.Conversation]{
		Disabled:        !signedIn || s.cfg.Disabled,
		RefetchInterval: s.cfg.PollInterval,
		Decode:          decodeThreads,
		OnSuccess: func(convs []model.Conversation) {
			metrics.ThreadsLoaded.Set(float64(len(convs)))
		},
		OnFailure: func(f *fetch.Error) {
			s.pipeline.HandleError(classifyFailure(f, userID))
		},
	}
}

func (s *ThreadSync) listen(ctx context.Context, ch <-chan bool, userID string) {
	for visible := range ch {
		if !visible {
			continue
		}
		s.onVisible(ctx, userID)
	}
}

func (s *ThreadSync) onVisible(ctx context.Context, userID string) {
	if s.cfg.CheckEndpoint == "" {
		metrics.VisibilityRefreshesTotal.WithLabelValues("refetch").Inc()
		s.fetcher.Trigger()
		return
	}

	query := url.Values{"user_id": {userID}}
	if since := model.LatestActivity(s.Snapshot().Conversations); !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	resp, err := s.requester.Request(ctx, withQuery(s.cfg.CheckEndpoint, query), gateway.RequestOptions{Method: http.MethodGet})
	if err != nil || !resp.Success {
		s.logger.WithUser(userID).Warn("update check failed, refetching", zap.Error(err), zap.String("response_error", resp.Error))
		metrics.VisibilityRefreshesTotal.WithLabelValues("check_failed").Inc()
		s.fetcher.Trigger()
		return
	}

	var check model.UpdateCheck
	if err := json.Unmarshal(resp.Data, &check); err != nil {
		metrics.VisibilityRefreshesTotal.WithLabelValues("check_failed").Inc()
		s.fetcher.Trigger()
		return
	}
	if !check.HasNew {
		metrics.VisibilityRefreshesTotal.WithLabelValues("skipped").Inc()
		return
	}
	metrics.VisibilityRefreshesTotal.WithLabelValues("refetch").Inc()
	s.fetcher.Trigger()
}

func decodeThreads(raw json.RawMessage) ([]model.Conversation, error) {
	var records []model.ThreadRecord
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, err
		}
	}
	return model.Normalize(records), nil
}

func classifyFailure(f *fetch.Error, userID string) apperr.AppError {
	kind := apperr.KindAPI
	switch {
	case f.Transport:
		kind = apperr.KindNetwork
	case f.Status == http.StatusUnauthorized || f.Status == http.StatusForbidden:
		kind = apperr.KindAuth
	}
	opts := []apperr.Option{
		apperr.WithCode("threads_fetch_failed"),
		apperr.WithUserID(userID),
		apperr.WithDetails(map[string]any{"endpoint": strings.SplitN(f.Endpoint, "?", 2)[0]}),
	}
	if f.Status != 0 {
		opts = append(opts, apperr.WithStatus(f.Status))
	}
	if f.Err != nil {
		opts = append(opts, apperr.WithCause(f.Err))
	}
	return apperr.New(kind, f.Message, opts...)
}

func withQuery(endpoint string, query url.Values) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + query.Encode()
}
