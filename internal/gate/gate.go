// Package gate decides whether a rendered message may be posted to a
// channel: duplicate content inside the rolling window is suppressed, and a
// daily cross-channel quota bounds total output.
//
// Admission has no side effects. Bookkeeping (dedup key, quota increment)
// is committed only after the dispatcher confirms delivery, so a transport
// failure neither consumes quota nor blocks a later retry of the same
// content.
package gate

import (
	"context"
	"encoding/hex"
	"hash/fnv"
	"sync"
	"time"

	"potwatch/internal/config"
	"potwatch/internal/storage"
	logx "potwatch/pkg/logx"
)

// Reason explains a rejection. These are expected control-flow outcomes,
// not errors; they surface in decision records.
type Reason string

const (
	ReasonQuota     Reason = "daily_quota_exceeded"
	ReasonDuplicate Reason = "duplicate_content"
)

type Decision struct {
	Allow  bool
	Reason Reason
}

var allow = Decision{Allow: true}

// Config holds the resolved admission knobs.
type Config struct {
	DailyCap    int
	DedupWindow time.Duration
}

func ConfigFrom(cfg config.NotifyConfig) (Config, error) {
	out := Config{DailyCap: cfg.DailyCap}
	if out.DailyCap <= 0 {
		out.DailyCap = 20
	}
	var err error
	out.DedupWindow, err = config.ParseDurationOrDefault("notify.dedup_window", cfg.DedupWindow, 24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	return out, nil
}

// Gate keeps the authoritative dedup window in memory and writes through to
// the store so it survives restarts. The quota counter itself lives in the
// checkpointed cycle state; callers pass the current delivered count in.
type Gate struct {
	mu    sync.Mutex
	cfg   Config
	store storage.Store
	log   logx.Logger

	dedup  map[string]time.Time
	checks int
}

// New loads the persisted dedup window into memory.
func New(ctx context.Context, cfg Config, store storage.Store, log logx.Logger) (*Gate, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	dedup, err := store.LoadDedup(ctx)
	if err != nil {
		return nil, err
	}
	if dedup == nil {
		dedup = map[string]time.Time{}
	}
	return &Gate{cfg: cfg, store: store, log: log, dedup: dedup}, nil
}

func (g *Gate) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// Key is the stable dedup key for content on a channel. The window is
// channel-scoped: the same milestone may be posted once per channel.
func Key(channelName, content string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	return "dedup:" + channelName + ":" + hex.EncodeToString(h.Sum(nil))
}

// Admit checks one candidate. deliveredToday is the quota counter's value
// for now's UTC day; quotaExempt skips the cap (operator alerts).
func (g *Gate) Admit(channelName, content string, now time.Time, deliveredToday int, quotaExempt bool) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.checks++
	if g.checks%512 == 0 {
		g.pruneLocked(now)
	}

	if until, ok := g.dedup[Key(channelName, content)]; ok && until.After(now) {
		return Decision{Reason: ReasonDuplicate}
	}
	if !quotaExempt && deliveredToday >= g.cfg.DailyCap {
		return Decision{Reason: ReasonQuota}
	}
	return allow
}

// MarkDelivered commits the dedup bookkeeping for a confirmed delivery.
// The in-memory window is updated first so a store write failure cannot
// cause a visible duplicate within this process lifetime; the error is
// still returned so the cycle can retry its checkpoint.
func (g *Gate) MarkDelivered(ctx context.Context, channelName, content string, now time.Time) error {
	key := Key(channelName, content)

	g.mu.Lock()
	window := g.cfg.DedupWindow
	until := now.Add(window)
	g.dedup[key] = until
	g.mu.Unlock()

	return g.store.PutDedup(ctx, key, until)
}

func (g *Gate) pruneLocked(now time.Time) {
	for k, until := range g.dedup {
		if until.Before(now) {
			delete(g.dedup, k)
		}
	}
}
