// Package ops serves the operator surface: /healthz, /metrics and the
// recent decision log. Bind it to localhost unless a token is set.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"potwatch/internal/config"
	"potwatch/internal/eventbus"
	"potwatch/internal/metrics"
	"potwatch/internal/storage"
	logx "potwatch/pkg/logx"
)

// eventLogSize bounds the in-memory ring behind /events.
const eventLogSize = 256

// Health is the loop's self-report, polled by /healthz.
type Health struct {
	LastPollAt  time.Time `json:"last_poll_at"`
	LastError   string    `json:"last_error,omitempty"`
	Round       uint64    `json:"round,omitempty"`
	QuotaUsed   int       `json:"quota_used"`
	DryRun      bool      `json:"dry_run,omitempty"`
	CyclesTotal uint64    `json:"cycles_total"`
}

type Server struct {
	mu  sync.Mutex
	srv *http.Server

	log    logx.Logger
	store  storage.Store
	mset   *metrics.Set
	health func() Health

	evMu   sync.Mutex
	events []eventbus.Event // ring, newest last
}

func NewServer(log logx.Logger, store storage.Store, mset *metrics.Set, health func() Health) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log, store: store, mset: mset, health: health}
}

// Start brings the listener up with the given config. A second Start
// replaces the previous server (config hot reload).
func (s *Server) Start(cfg config.OpsConfig) {
	s.Stop(context.Background())
	if !cfg.Enabled {
		return
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:9180"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if token := strings.TrimSpace(cfg.Token); token != "" {
		r.Use(bearerAuth(token))
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.mset.Registry, promhttp.HandlerOpts{}))
	r.Get("/decisions", s.handleDecisions)
	r.Get("/events", s.handleEvents)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		s.log.Info("ops server listening", logx.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Warn("ops server exited", logx.Any("err", err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
}

// ConsumeEvents feeds the /events ring from the bus until ctx is canceled.
// Run it in its own goroutine; it is the only writer to the ring.
func (s *Server) ConsumeEvents(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			s.appendEvent(e)
		}
	}
}

func (s *Server) appendEvent(e eventbus.Event) {
	s.evMu.Lock()
	s.events = append(s.events, e)
	if len(s.events) > eventLogSize {
		s.events = s.events[len(s.events)-eventLogSize:]
	}
	s.evMu.Unlock()
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.evMu.Lock()
	out := make([]eventbus.Event, len(s.events))
	copy(out, s.events)
	s.evMu.Unlock()

	// Newest first, like /decisions.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{}
	if s.health != nil {
		h = s.health()
	}
	status := http.StatusOK
	// Stale loop (no poll for a while) is an unhealthy agent, even though
	// the process is alive.
	if !h.LastPollAt.IsZero() && time.Since(h.LastPollAt) > 5*time.Minute {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []storage.Decision{})
		return
	}
	recs, err := s.store.RecentDecisions(r.Context(), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []storage.Decision{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
