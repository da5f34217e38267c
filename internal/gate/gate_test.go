package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"potwatch/internal/storage"
	logx "potwatch/pkg/logx"
)

func newTestGate(t *testing.T, store storage.Store, cap int) *Gate {
	t.Helper()
	g, err := New(context.Background(), Config{DailyCap: cap, DedupWindow: 24 * time.Hour}, store, logx.Nop())
	require.NoError(t, err)
	return g
}

func TestAdmitThenDuplicate(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	g := newTestGate(t, storage.NewMemory(), 20)

	dec := g.Admit("tg-main", "pot crossed 5 SOL", now, 0, false)
	require.True(t, dec.Allow)

	require.NoError(t, g.MarkDelivered(context.Background(), "tg-main", "pot crossed 5 SOL", now))

	dec = g.Admit("tg-main", "pot crossed 5 SOL", now.Add(time.Hour), 1, false)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonDuplicate, dec.Reason)

	// The window is channel-scoped: a different channel may still post it.
	dec = g.Admit("webhook-ops", "pot crossed 5 SOL", now.Add(time.Hour), 1, false)
	require.True(t, dec.Allow)
}

func TestDuplicateExpiresAfterWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	g := newTestGate(t, storage.NewMemory(), 20)

	require.NoError(t, g.MarkDelivered(context.Background(), "tg-main", "same text", now))
	require.False(t, g.Admit("tg-main", "same text", now.Add(23*time.Hour), 1, false).Allow)
	require.True(t, g.Admit("tg-main", "same text", now.Add(25*time.Hour), 1, false).Allow)
}

func TestQuotaCapAndExemption(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	g := newTestGate(t, storage.NewMemory(), 20)

	require.True(t, g.Admit("tg-main", "message 19", now, 19, false).Allow)

	dec := g.Admit("tg-main", "message 20", now, 20, false)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonQuota, dec.Reason)

	// Operator escalations ignore the cap.
	require.True(t, g.Admit("tg-ops", "fetch is failing", now, 20, true).Allow)
}

func TestDuplicateCheckedBeforeQuota(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	g := newTestGate(t, storage.NewMemory(), 20)

	require.NoError(t, g.MarkDelivered(context.Background(), "tg-main", "already sent", now))

	// Over quota AND a duplicate: the duplicate reason wins, because the
	// message would be suppressed regardless of remaining quota.
	dec := g.Admit("tg-main", "already sent", now, 20, false)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonDuplicate, dec.Reason)
}

func TestDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemory()

	g := newTestGate(t, store, 20)
	require.NoError(t, g.MarkDelivered(context.Background(), "tg-main", "once only", now))

	// A fresh gate over the same store inherits the window.
	g2 := newTestGate(t, store, 20)
	dec := g2.Admit("tg-main", "once only", now.Add(time.Minute), 1, false)
	require.False(t, dec.Allow)
	require.Equal(t, ReasonDuplicate, dec.Reason)
}

func TestKeyIsStable(t *testing.T) {
	t.Parallel()
	require.Equal(t, Key("a", "hello"), Key("a", "hello"))
	require.NotEqual(t, Key("a", "hello"), Key("b", "hello"))
	require.NotEqual(t, Key("a", "hello"), Key("a", "hello!"))
}
