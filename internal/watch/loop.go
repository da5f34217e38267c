// Package watch runs the poll loop: fetch → evaluate → admit → dispatch →
// checkpoint, strictly sequential within a cycle. A tick that arrives while
// the previous cycle is still running is skipped, never queued, so trigger
// memory is only ever touched by one cycle at a time.
package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"potwatch/internal/dispatch"
	"potwatch/internal/eventbus"
	"potwatch/internal/game"
	"potwatch/internal/gate"
	"potwatch/internal/metrics"
	"potwatch/internal/ops"
	"potwatch/internal/render"
	"potwatch/internal/storage"
	"potwatch/internal/trigger"
	logx "potwatch/pkg/logx"
)

// Fetcher is the loop's view of the state API client.
type Fetcher interface {
	Fetch(ctx context.Context) (*game.Snapshot, error)
}

type Loop struct {
	log  logx.Logger
	bus  eventbus.Bus
	mset *metrics.Set

	client Fetcher
	gate   *gate.Gate
	disp   *dispatch.Dispatcher
	rend   *render.Renderer
	store  storage.Store

	// cfgMu guards the hot-reloadable pieces; the cycle snapshots them once
	// at its start.
	cfgMu   sync.Mutex
	cfg     Config
	eval    *trigger.Evaluator
	targets []Target

	// Cycle state. Confined to the single running cycle; no lock needed
	// beyond the overlap guard.
	state      storage.State
	prev       *game.Snapshot
	pending    []pendingItem
	fetchFails int
	staleReads int

	running atomic.Bool

	// health is read by the ops server from other goroutines.
	healthMu sync.Mutex
	health   ops.Health
}

type Deps struct {
	Log    logx.Logger
	Bus    eventbus.Bus
	Mset   *metrics.Set
	Client Fetcher
	Gate   *gate.Gate
	Disp   *dispatch.Dispatcher
	Rend   *render.Renderer
	Store  storage.Store
}

// New loads the persisted cycle state so a restart resumes without
// re-notifying or exceeding quota.
func New(ctx context.Context, cfg Config, eval *trigger.Evaluator, targets []Target, d Deps) (*Loop, error) {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	st, err := d.Store.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		log:     d.Log,
		bus:     d.Bus,
		mset:    d.Mset,
		client:  d.Client,
		gate:    d.Gate,
		disp:    d.Disp,
		rend:    d.Rend,
		store:   d.Store,
		cfg:     cfg,
		eval:    eval,
		targets: targets,
		state:   st,
	}
	l.log.Info("state loaded",
		logx.Uint64("milestone_round", st.Memory.MilestoneRound),
		logx.Int64("last_milestone", st.Memory.LastMilestone),
		logx.Int("quota_used", st.Quota.Count(time.Now())),
	)
	return l, nil
}

// Apply swaps the hot-reloadable parts. The next cycle picks them up.
func (l *Loop) Apply(cfg Config, eval *trigger.Evaluator, targets []Target) {
	l.cfgMu.Lock()
	l.cfg = cfg
	if eval != nil {
		l.eval = eval
	}
	if targets != nil {
		l.targets = targets
	}
	l.cfgMu.Unlock()
}

// Health is the callback handed to the ops server.
func (l *Loop) Health() ops.Health {
	l.healthMu.Lock()
	defer l.healthMu.Unlock()
	return l.health
}

// Run blocks until ctx is cancelled. The first poll happens immediately.
// Shutdown waits for an in-flight cycle's dispatches to finish: the cycle
// function itself is never interrupted between delivery and checkpoint.
func (l *Loop) Run(ctx context.Context) {
	l.log.Info("poll loop started", logx.Duration("interval", l.snapshotCfg().PollInterval))
	for {
		l.tick(ctx)

		interval := l.snapshotCfg().PollInterval
		tmr := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			tmr.Stop()
			l.log.Info("poll loop stopped")
			return
		case <-tmr.C:
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		l.log.Debug("previous cycle still running; skipping tick")
		return
	}
	defer l.running.Store(false)

	if ctx.Err() != nil {
		return
	}
	l.cycle(ctx, time.Now().UTC())
}

func (l *Loop) snapshotCfg() Config {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	return l.cfg
}

func (l *Loop) snapshotDeps() (Config, *trigger.Evaluator, []Target) {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	return l.cfg, l.eval, l.targets
}

func (l *Loop) setHealth(fn func(h *ops.Health)) {
	l.healthMu.Lock()
	fn(&l.health)
	l.healthMu.Unlock()
}
