package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/lead-inbox/internal/apperr"
	"github.com/capitalize-ai/lead-inbox/internal/gateway"
	"github.com/capitalize-ai/lead-inbox/internal/model"
	"github.com/capitalize-ai/lead-inbox/internal/session"
	"github.com/capitalize-ai/lead-inbox/internal/visibility"
	"github.com/capitalize-ai/lead-inbox/pkg/logger"
)

const checkEndpoint = "/conversations/updates"

// stubGateway serves thread records per user and a configurable update check.
type stubGateway struct {
	mu      sync.Mutex
	calls   []string
	records map[string][]model.ThreadRecord
	hasNew  bool
	failing map[string]gateway.Response
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		records: make(map[string][]model.ThreadRecord),
		failing: make(map[string]gateway.Response),
	}
}

func (g *stubGateway) Request(_ context.Context, endpoint string, _ gateway.RequestOptions) (gateway.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, endpoint)

	u, err := url.Parse(endpoint)
	if err != nil {
		return gateway.Response{}, err
	}
	user := u.Query().Get("user_id")
	if resp, ok := g.failing[user]; ok {
		return resp, nil
	}

	var data []byte
	switch u.Path {
	case checkEndpoint:
		data, _ = json.Marshal(model.UpdateCheck{HasNew: g.hasNew})
	default:
		data, _ = json.Marshal(g.records[user])
	}
	return gateway.Response{Success: true, Data: data, Status: http.StatusOK}, nil
}

func (g *stubGateway) count(path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if strings.HasPrefix(c, path+"?") {
			n++
		}
	}
	return n
}

func (g *stubGateway) lastCall(path string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.calls) - 1; i >= 0; i-- {
		if strings.HasPrefix(g.calls[i], path+"?") {
			return g.calls[i]
		}
	}
	return ""
}

// switchableIdentity is a session.Accessor whose user can change mid-test.
type switchableIdentity struct {
	mu     sync.Mutex
	userID string
}

func (s *switchableIdentity) UserID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.userID != ""
}

func (s *switchableIdentity) set(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

type collected struct {
	mu     sync.Mutex
	events []apperr.AppError
}

func (c *collected) fallback(_ context.Context, e apperr.AppError) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collected) all() []apperr.AppError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]apperr.AppError(nil), c.events...)
}

func sampleRecords() []model.ThreadRecord {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return []model.ThreadRecord{
		{ConversationID: "c1", LeadName: "Ada", LastMessageAt: base, AIScore: model.Score(91),
			Messages: []model.Message{{ID: "m2", Body: "second", SentAt: base.Add(time.Minute)}}},
		{ConversationID: "c2", LeadName: "Grace", LastMessageAt: base.Add(-time.Hour)},
		{ConversationID: "c1",
			Messages: []model.Message{{ID: "m1", Body: "first", SentAt: base}}},
	}
}

func newSync(t *testing.T, g *stubGateway, identity session.Accessor, signal visibility.Signal, cfg ThreadSyncConfig) (*ThreadSync, *collected) {
	t.Helper()
	sink := &collected{}
	cfg.Pipeline = apperr.NewPipeline(apperr.WithLogger(logger.NewNop()), apperr.WithFallback(sink.fallback))
	s := NewThreadSync(g, identity, signal, cfg, logger.NewNop())
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, sink
}

func waitLoaded(t *testing.T, s *ThreadSync, version uint64) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.Version >= version && !snap.Loading
	}, 2*time.Second, 5*time.Millisecond)
	return s.Snapshot()
}

func TestThreadSyncLoadsAndNormalizes(t *testing.T) {
	g := newStubGateway()
	g.records["u-1"] = sampleRecords()

	s, _ := newSync(t, g, &switchableIdentity{userID: "u-1"}, nil, ThreadSyncConfig{})
	snap := waitLoaded(t, s, 1)

	require.True(t, snap.HasData)
	require.Empty(t, snap.Error)
	require.Len(t, snap.Conversations, 2)
	require.Equal(t, "/conversations/threads?user_id=u-1", g.lastCall(DefaultThreadsEndpoint))

	conv, ok := s.FindConversation("c1")
	require.True(t, ok)
	require.Equal(t, "Ada", conv.Thread.LeadName)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, "m1", conv.Messages[0].ID)

	_, ok = s.FindConversation("missing")
	require.False(t, ok)
}

func TestThreadSyncFindBeforeLoad(t *testing.T) {
	g := newStubGateway()
	s := NewThreadSync(g, &switchableIdentity{userID: "u-1"}, nil, ThreadSyncConfig{}, logger.NewNop())
	_, ok := s.FindConversation("c1")
	require.False(t, ok)
}

func TestThreadSyncWithoutUserIsDisabled(t *testing.T) {
	g := newStubGateway()
	s, sink := newSync(t, g, &switchableIdentity{}, visibility.NewBroadcaster(true), ThreadSyncConfig{PollInterval: 10 * time.Millisecond})

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 0, g.count(DefaultThreadsEndpoint))
	require.False(t, s.Listening())

	err := s.Refetch(context.Background())
	var appErr apperr.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, apperr.KindAuth, appErr.Kind)

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, apperr.KindAuth, sink.all()[0].Kind)
}

func TestThreadSyncFailureReachesPipeline(t *testing.T) {
	g := newStubGateway()
	g.failing["u-1"] = gateway.Response{Success: false, Error: "boom", Status: http.StatusBadGateway}

	s, sink := newSync(t, g, &switchableIdentity{userID: "u-1"}, nil, ThreadSyncConfig{})
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 5*time.Millisecond)

	e := sink.all()[0]
	require.Equal(t, apperr.KindAPI, e.Kind)
	require.Equal(t, http.StatusBadGateway, e.Status)
	require.Equal(t, "u-1", e.UserID)
	require.Equal(t, DefaultThreadsEndpoint, e.Details["endpoint"])
	require.Equal(t, "boom", s.Snapshot().Error)
	require.False(t, s.Snapshot().HasData)
}

func TestThreadSyncUnauthorizedIsAuthError(t *testing.T) {
	g := newStubGateway()
	g.failing["u-1"] = gateway.Response{Success: false, Error: "expired", Status: http.StatusUnauthorized}

	_, sink := newSync(t, g, &switchableIdentity{userID: "u-1"}, nil, ThreadSyncConfig{})
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, apperr.KindAuth, sink.all()[0].Kind)
}

func TestThreadSyncVisibleRefetchesWithoutCheckEndpoint(t *testing.T) {
	g := newStubGateway()
	signal := visibility.NewBroadcaster(true)

	s, _ := newSync(t, g, &switchableIdentity{userID: "u-1"}, signal, ThreadSyncConfig{PollInterval: time.Hour})
	waitLoaded(t, s, 1)
	require.True(t, s.Listening())
	require.Equal(t, 1, signal.Subscribers())

	signal.Set(false)
	signal.Set(true)
	require.Eventually(t, func() bool { return g.count(DefaultThreadsEndpoint) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestThreadSyncVisibleConsultsCheckEndpoint(t *testing.T) {
	g := newStubGateway()
	g.records["u-1"] = sampleRecords()
	signal := visibility.NewBroadcaster(true)

	s, _ := newSync(t, g, &switchableIdentity{userID: "u-1"}, signal, ThreadSyncConfig{
		PollInterval:  time.Hour,
		CheckEndpoint: checkEndpoint,
	})
	waitLoaded(t, s, 1)

	signal.Set(false)
	signal.Set(true)
	require.Eventually(t, func() bool { return g.count(checkEndpoint) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, g.count(DefaultThreadsEndpoint))

	check, err := url.Parse(g.lastCall(checkEndpoint))
	require.NoError(t, err)
	require.Equal(t, "u-1", check.Query().Get("user_id"))
	require.Equal(t, "2026-03-01T09:01:00Z", check.Query().Get("since"))

	g.mu.Lock()
	g.hasNew = true
	g.mu.Unlock()

	signal.Set(false)
	signal.Set(true)
	require.Eventually(t, func() bool { return g.count(DefaultThreadsEndpoint) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestThreadSyncNoListenerWithoutPolling(t *testing.T) {
	g := newStubGateway()
	signal := visibility.NewBroadcaster(true)

	s, _ := newSync(t, g, &switchableIdentity{userID: "u-1"}, signal, ThreadSyncConfig{})
	waitLoaded(t, s, 1)
	require.False(t, s.Listening())
	require.Equal(t, 0, signal.Subscribers())
}

func TestThreadSyncIdentityChangeRebinds(t *testing.T) {
	g := newStubGateway()
	g.records["u-1"] = sampleRecords()
	g.records["u-2"] = sampleRecords()[1:2]
	signal := visibility.NewBroadcaster(true)
	identity := &switchableIdentity{userID: "u-1"}

	s, _ := newSync(t, g, identity, signal, ThreadSyncConfig{PollInterval: time.Hour})
	waitLoaded(t, s, 1)
	require.Len(t, s.Snapshot().Conversations, 2)

	identity.set("u-2")
	s.Reconcile()
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.HasData && len(snap.Conversations) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "/conversations/threads?user_id=u-2", g.lastCall(DefaultThreadsEndpoint))
	require.Equal(t, 1, signal.Subscribers())
	_, ok := s.FindConversation("c1")
	require.False(t, ok)

	identity.set("")
	s.Reconcile()
	require.False(t, s.Listening())
	require.Equal(t, 0, signal.Subscribers())

	snap := s.Snapshot()
	require.False(t, snap.HasData)
	require.Empty(t, snap.Conversations)
	_, ok = s.FindConversation("c2")
	require.False(t, ok)
}

func TestThreadSyncIdentityChangeDropsPreviousUserOnFailure(t *testing.T) {
	g := newStubGateway()
	g.records["u-1"] = sampleRecords()
	g.failing["u-2"] = gateway.Response{Success: false, Error: "boom", Status: http.StatusBadGateway}
	identity := &switchableIdentity{userID: "u-1"}

	s, sink := newSync(t, g, identity, nil, ThreadSyncConfig{})
	before := waitLoaded(t, s, 1)
	require.True(t, before.HasData)

	identity.set("u-2")
	s.Reconcile()
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Snapshot().Error == "boom" }, 2*time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	require.False(t, snap.HasData)
	require.Empty(t, snap.Conversations)
	require.Greater(t, snap.Version, before.Version)
	_, ok := s.FindConversation("c1")
	require.False(t, ok)
}

func TestThreadSyncReconcileAfterStopIsIgnored(t *testing.T) {
	g := newStubGateway()
	signal := visibility.NewBroadcaster(true)
	identity := &switchableIdentity{userID: "u-1"}

	s, _ := newSync(t, g, identity, signal, ThreadSyncConfig{PollInterval: time.Hour})
	waitLoaded(t, s, 1)
	require.Equal(t, 1, signal.Subscribers())

	s.Stop()
	require.Equal(t, 0, signal.Subscribers())

	identity.set("u-2")
	s.Reconcile()
	require.False(t, s.Listening())
	require.Equal(t, 0, signal.Subscribers())
}

func TestThreadSyncMutate(t *testing.T) {
	g := newStubGateway()
	g.records["u-1"] = sampleRecords()
	s, _ := newSync(t, g, &switchableIdentity{userID: "u-1"}, nil, ThreadSyncConfig{})
	snap := waitLoaded(t, s, 1)

	s.Mutate(snap.Conversations[:1])
	require.Len(t, s.Snapshot().Conversations, 1)
	require.Equal(t, snap.Version+1, s.Snapshot().Version)
	require.Equal(t, 1, g.count(DefaultThreadsEndpoint))
}
