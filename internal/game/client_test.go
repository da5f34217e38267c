package game

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"potwatch/internal/config"
	logx "potwatch/pkg/logx"
)

const stateBody = `{
	"round": 7,
	"pot_lamports": 4800000000,
	"timer_end": "2026-03-14T13:00:00Z",
	"total_keys": 321,
	"phase": "active",
	"last_buyer": "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
}`

func TestFetchDecodesSnapshot(t *testing.T) {
	t.Parallel()
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(stateBody))
	}))
	defer srv.Close()

	c, err := NewClient(config.GameConfig{StateURL: srv.URL, AuthToken: "tok-123"}, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	snap, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if snap.Round != 7 || snap.PotAmount != 48e8 || snap.TotalUnits != 321 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Phase != PhaseActive {
		t.Fatalf("phase = %q", snap.Phase)
	}
	if snap.FetchedAt.IsZero() {
		t.Fatal("FetchedAt must be stamped")
	}
	want := time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)
	if !snap.TimerEnd.Equal(want) {
		t.Fatalf("timer_end = %v", snap.TimerEnd)
	}
}

func TestFetchRejectsBadResponses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		status  int
		body    string
	}{
		{name: "http error", status: http.StatusBadGateway, body: "oops"},
		{name: "not json", status: http.StatusOK, body: "<html>"},
		{name: "unknown phase", status: http.StatusOK, body: `{"round":1,"phase":"paused"}`},
		{name: "negative pot", status: http.StatusOK, body: `{"round":1,"phase":"active","pot_lamports":-5}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(config.GameConfig{StateURL: srv.URL}, logx.Nop())
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			if _, err := c.Fetch(context.Background()); err == nil {
				t.Fatal("expected fetch error")
			}
		})
	}
}

func TestStaleAgainst(t *testing.T) {
	t.Parallel()
	prev := &Snapshot{Round: 7, TotalUnits: 50}

	if err := (&Snapshot{Round: 7, TotalUnits: 50}).StaleAgainst(prev); err != nil {
		t.Fatalf("equal snapshot flagged stale: %v", err)
	}
	if err := (&Snapshot{Round: 8, TotalUnits: 0}).StaleAgainst(prev); err != nil {
		t.Fatalf("new round flagged stale: %v", err)
	}
	if err := (&Snapshot{Round: 6, TotalUnits: 90}).StaleAgainst(prev); err == nil {
		t.Fatal("round regression must be stale")
	}
	if err := (&Snapshot{Round: 7, TotalUnits: 49}).StaleAgainst(prev); err == nil {
		t.Fatal("unit regression within round must be stale")
	}
	if err := (&Snapshot{Round: 1}).StaleAgainst(nil); err != nil {
		t.Fatalf("nil prev must accept anything: %v", err)
	}
}

func TestTimeLeft(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	s := &Snapshot{TimerEnd: now.Add(90 * time.Second)}
	if got := s.TimeLeft(now); got != 90*time.Second {
		t.Fatalf("TimeLeft = %v", got)
	}
	if got := (&Snapshot{TimerEnd: now.Add(-time.Second)}).TimeLeft(now); got != 0 {
		t.Fatalf("past deadline: TimeLeft = %v, want 0", got)
	}
	if got := (&Snapshot{}).TimeLeft(now); got != 0 {
		t.Fatalf("zero deadline: TimeLeft = %v, want 0", got)
	}
}
