package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"potwatch/internal/eventbus"
	"potwatch/internal/metrics"
	"potwatch/internal/storage"
	logx "potwatch/pkg/logx"
)

func newTestServer(health func() Health, store storage.Store) *Server {
	return NewServer(logx.Nop(), store, metrics.New(), health)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	now := time.Now()
	s := newTestServer(func() Health {
		return Health{LastPollAt: now, Round: 7, QuotaUsed: 3, CyclesTotal: 42}
	}, storage.NewMemory())

	rr := httptest.NewRecorder()
	s.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var h Health
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &h))
	require.Equal(t, uint64(7), h.Round)
	require.Equal(t, 3, h.QuotaUsed)
	require.Equal(t, uint64(42), h.CyclesTotal)
}

func TestHealthReportsStaleLoop(t *testing.T) {
	t.Parallel()
	s := newTestServer(func() Health {
		return Health{LastPollAt: time.Now().Add(-10 * time.Minute)}
	}, storage.NewMemory())

	rr := httptest.NewRecorder()
	s.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestDecisionsEndpoint(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	require.NoError(t, store.AppendDecision(context.Background(), storage.Decision{
		ID: "d1", Channel: "tg-main", Kind: "milestone", Outcome: storage.OutcomeDelivered,
	}))

	s := newTestServer(nil, store)
	rr := httptest.NewRecorder()
	s.handleDecisions(rr, httptest.NewRequest(http.MethodGet, "/decisions", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var recs []storage.Decision
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	require.Equal(t, "d1", recs[0].ID)
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	h := bearerAuth("sekrit")(next)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestEventsFeedFromBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := newTestServer(nil, storage.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.ConsumeEvents(ctx, bus)

	// Publishing races with the consumer's subscription, so keep publishing
	// the pair until the feed has picked it up at least once.
	var got []eventbus.Event
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: "cycle.completed"})
		bus.Publish(eventbus.Event{Type: "decision.delivered"})

		rr := httptest.NewRecorder()
		s.handleEvents(rr, httptest.NewRequest(http.MethodGet, "/events", nil))
		got = nil
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		return len(got) >= 2 && got[0].Type == "decision.delivered"
	}, 2*time.Second, 10*time.Millisecond)

	// Newest first.
	require.Equal(t, "decision.delivered", got[0].Type)
	require.Equal(t, "cycle.completed", got[1].Type)
	require.False(t, got[0].Time.IsZero(), "publish stamps the time")
}

func TestEventsRingIsBounded(t *testing.T) {
	t.Parallel()
	s := newTestServer(nil, storage.NewMemory())
	for i := 0; i < eventLogSize+50; i++ {
		s.appendEvent(eventbus.Event{Type: "cycle.completed"})
	}
	rr := httptest.NewRecorder()
	s.handleEvents(rr, httptest.NewRequest(http.MethodGet, "/events", nil))
	var got []eventbus.Event
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, eventLogSize)
}
