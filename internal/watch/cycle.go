package watch

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/google/uuid"

	"potwatch/internal/channel"
	"potwatch/internal/eventbus"
	"potwatch/internal/game"
	"potwatch/internal/gate"
	"potwatch/internal/ops"
	"potwatch/internal/storage"
	"potwatch/internal/trigger"
	logx "potwatch/pkg/logx"
)

const checkpointRetries = 3

// candidate is one event queued for admission this cycle, either fresh from
// the evaluator or carried over from a quota-deferred earlier cycle.
type candidate struct {
	ev          trigger.Event
	since       time.Time
	fromPending bool
}

type cycleStats struct {
	events     int
	delivered  int
	suppressed int
	failed     int
}

// cycle runs one full poll: fetch, evaluate, admit, dispatch, checkpoint.
// It is the only writer of l.state, l.prev and l.pending.
func (l *Loop) cycle(ctx context.Context, now time.Time) {
	cfg, eval, targets := l.snapshotDeps()
	start := time.Now()
	l.mset.Polls.Inc()

	snap, err := l.client.Fetch(ctx)
	if err != nil {
		l.fetchFailed(ctx, cfg, targets, now, err)
		return
	}
	if serr := snap.StaleAgainst(l.prev); serr != nil {
		l.staleRead(ctx, cfg, targets, now, serr)
		return
	}
	l.fetchFails = 0
	l.staleReads = 0

	res := eval.Evaluate(l.prev, snap, &l.state.Memory, now)
	cands := l.collectCandidates(res.Events, snap, now)

	var stats cycleStats
	stats.events = len(cands)
	summaryDelivered := false
	var deferred []pendingItem

	for _, c := range cands {
		l.mset.Events.WithLabelValues(string(c.ev.Kind)).Inc()
		outcome := l.processEvent(ctx, cfg, targets, c.ev, now, &stats)
		switch {
		case outcome.delivered:
			l.state.Memory.Commit(c.ev, now)
			if c.ev.Kind == trigger.KindSummary {
				summaryDelivered = true
			}
		case outcome.quotaDeferred:
			since := now
			if c.fromPending {
				since = c.since
			}
			deferred = append(deferred, pendingItem{ev: c.ev, since: since})
		}
	}
	l.pending = deferred

	// The delta consumed by a delivered summary is already in its total;
	// folding it again would double-count it in the next summary.
	if !summaryDelivered {
		l.state.Memory.Fold(res)
	}
	l.prev = snap

	l.checkpoint(ctx)

	took := time.Since(start)
	l.mset.CycleSeconds.Observe(took.Seconds())
	l.mset.QuotaUsed.Set(float64(l.state.Quota.Count(now)))

	l.setHealth(func(h *ops.Health) {
		h.LastPollAt = now
		h.LastError = ""
		h.Round = snap.Round
		h.QuotaUsed = l.state.Quota.Count(now)
		h.DryRun = cfg.DryRun
		h.CyclesTotal++
	})

	l.bus.Publish(eventbus.Event{Type: "cycle.completed", Data: CycleEvent{
		Round:      snap.Round,
		Events:     stats.events,
		Delivered:  stats.delivered,
		Suppressed: stats.suppressed,
		Failed:     stats.failed,
		Took:       took,
	}})

	if stats.events > 0 {
		l.log.Info("cycle completed",
			logx.Uint64("round", snap.Round),
			logx.Int("events", stats.events),
			logx.Int("delivered", stats.delivered),
			logx.Int("suppressed", stats.suppressed),
			logx.Int("failed", stats.failed),
			logx.Duration("took", took),
		)
	} else {
		l.log.Debug("cycle completed, nothing to do",
			logx.Uint64("round", snap.Round),
			logx.Duration("took", took),
		)
	}
}

// collectCandidates merges quota-deferred leftovers with this cycle's fresh
// events. A fresh event supersedes a pending one of the same kind (the fresh
// snapshot is more current); pending items expire when their round has
// passed or they outlive the dedup horizon.
func (l *Loop) collectCandidates(fresh []trigger.Event, snap *game.Snapshot, now time.Time) []candidate {
	freshKinds := make(map[trigger.Kind]bool, len(fresh))
	for _, ev := range fresh {
		freshKinds[ev.Kind] = true
	}

	var cands []candidate
	for _, p := range l.pending {
		switch {
		case freshKinds[p.ev.Kind]:
			continue
		case now.Sub(p.since) > pendingMaxAge:
			l.log.Debug("deferred event expired", logx.String("kind", string(p.ev.Kind)))
			continue
		case roundScoped(p.ev.Kind) && p.ev.Snap != nil && snap.Round > p.ev.Snap.Round:
			l.log.Debug("deferred event outlived its round",
				logx.String("kind", string(p.ev.Kind)),
				logx.Uint64("event_round", p.ev.Snap.Round),
			)
			continue
		}
		cands = append(cands, candidate{ev: p.ev, since: p.since, fromPending: true})
	}
	for _, ev := range fresh {
		cands = append(cands, candidate{ev: ev, since: now})
	}

	// Highest priority first so that, near the daily cap, remaining quota
	// goes to time-critical events. Stable: equal priorities keep the
	// evaluator's category order.
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].ev.Kind.Priority() > cands[j].ev.Kind.Priority()
	})
	return cands
}

type eventOutcome struct {
	delivered     bool
	quotaDeferred bool
}

// processEvent renders one event, admits it per channel and dispatches to
// the admitted set. Bookkeeping (quota, dedup, memory) is committed only
// from confirmed deliveries.
func (l *Loop) processEvent(ctx context.Context, cfg Config, targets []Target, ev trigger.Event, now time.Time, stats *cycleStats) eventOutcome {
	content, err := l.rend.Render(ev)
	if err != nil {
		l.log.Error("render failed", logx.String("kind", string(ev.Kind)), logx.Err(err))
		return eventOutcome{}
	}

	exempt := ev.Kind == trigger.KindOperatorAlert
	chans := routeTargets(targets, exempt)
	if len(chans) == 0 {
		return eventOutcome{}
	}

	fp := ""
	if ev.Snap != nil {
		fp = ev.Snap.Fingerprint()
	}
	hash := contentHash(content)

	// Admission holds a reservation per admitted channel so several
	// channels in one cycle cannot jointly overshoot the daily cap.
	reserved := 0
	var admitted []channel.Channel
	quotaHit := false
	for _, ch := range chans {
		dec := l.gate.Admit(ch.Name(), content, now, l.state.Quota.Count(now)+reserved, exempt)
		if !dec.Allow {
			if dec.Reason == gate.ReasonQuota {
				quotaHit = true
			}
			stats.suppressed++
			l.mset.Suppressed.WithLabelValues(string(dec.Reason)).Inc()
			l.recordDecision(ctx, storage.Decision{
				At: now, Channel: ch.Name(), Kind: string(ev.Kind),
				ContentHash: hash, Outcome: storage.OutcomeSuppressed,
				Reason: string(dec.Reason), Fingerprint: fp,
			})
			continue
		}
		if !exempt {
			reserved++
		}
		admitted = append(admitted, ch)
	}
	if len(admitted) == 0 {
		return eventOutcome{quotaDeferred: quotaHit}
	}

	if cfg.DryRun {
		// Memory is still committed so a later live run doesn't replay the
		// whole backlog; quota and dedup stay untouched.
		for _, ch := range admitted {
			stats.suppressed++
			l.mset.Suppressed.WithLabelValues("dry_run").Inc()
			l.recordDecision(ctx, storage.Decision{
				At: now, Channel: ch.Name(), Kind: string(ev.Kind),
				ContentHash: hash, Outcome: storage.OutcomeSuppressed,
				Reason: "dry_run", Fingerprint: fp,
			})
			l.log.Info("dry run, would deliver",
				logx.String("channel", ch.Name()),
				logx.String("kind", string(ev.Kind)),
				logx.String("content", content),
			)
		}
		return eventOutcome{delivered: true}
	}

	outcomes := l.disp.Dispatch(ctx, admitted, content, channel.Meta{Kind: string(ev.Kind), Fingerprint: fp})

	out := eventOutcome{}
	for _, o := range outcomes {
		d := storage.Decision{
			ID: o.ID, At: now, Channel: o.Channel, Kind: string(ev.Kind),
			ContentHash: hash, Attempts: o.Attempts,
			TookMS: o.Took.Milliseconds(), Fingerprint: fp,
		}
		if o.Delivered {
			out.delivered = true
			stats.delivered++
			d.Outcome = storage.OutcomeDelivered
			if !exempt {
				l.state.Quota.Inc(now)
			}
			if err := l.gate.MarkDelivered(ctx, o.Channel, content, now); err != nil {
				l.log.Warn("dedup write failed", logx.String("channel", o.Channel), logx.Err(err))
			}
			l.mset.Deliveries.WithLabelValues(o.Channel).Inc()
		} else {
			stats.failed++
			d.Outcome = storage.OutcomeFailed
			if o.Err != nil {
				d.Reason = o.Err.Error()
			}
			if o.Permanent {
				d.Reason = "permanent: " + d.Reason
			}
			l.mset.Failures.WithLabelValues(o.Channel).Inc()
		}
		l.recordDecision(ctx, d)
	}
	return out
}

// fetchFailed tracks the failure streak and escalates to operator channels
// once, when the streak first reaches the threshold.
func (l *Loop) fetchFailed(ctx context.Context, cfg Config, targets []Target, now time.Time, err error) {
	l.fetchFails++
	l.mset.FetchFailures.Inc()
	l.log.Warn("state fetch failed", logx.Int("streak", l.fetchFails), logx.Err(err))

	l.setHealth(func(h *ops.Health) {
		h.LastError = err.Error()
		h.CyclesTotal++
	})
	l.bus.Publish(eventbus.Event{Type: "cycle.failed", Data: CycleEvent{Err: err.Error()}})

	if l.fetchFails == cfg.FetchAlertAfter {
		l.operatorAlert(ctx, cfg, targets, now,
			fmt.Sprintf("state fetch has failed %d times in a row: %v", l.fetchFails, err))
	}
}

// staleRead handles a snapshot whose counters went backwards against the
// previous one. The snapshot is discarded; prev keeps the newer baseline.
func (l *Loop) staleRead(ctx context.Context, cfg Config, targets []Target, now time.Time, err error) {
	l.staleReads++
	l.mset.StaleReads.Inc()
	l.log.Warn("stale snapshot discarded", logx.Int("streak", l.staleReads), logx.Err(err))

	l.setHealth(func(h *ops.Health) {
		h.LastError = err.Error()
		h.CyclesTotal++
	})
	l.bus.Publish(eventbus.Event{Type: "cycle.failed", Data: CycleEvent{Err: err.Error()}})

	if l.staleReads == cfg.StaleAlertAfter {
		l.operatorAlert(ctx, cfg, targets, now,
			fmt.Sprintf("%d consecutive stale reads, the state source may be lagging: %v", l.staleReads, err))
	}
}

// operatorAlert sends an escalation straight through processEvent: it is
// quota-exempt but still deduplicated and audited like any other delivery.
func (l *Loop) operatorAlert(ctx context.Context, cfg Config, targets []Target, now time.Time, detail string) {
	ev := trigger.Event{Kind: trigger.KindOperatorAlert, At: now, Detail: detail}
	var stats cycleStats
	l.mset.Events.WithLabelValues(string(ev.Kind)).Inc()
	l.processEvent(ctx, cfg, targets, ev, now, &stats)
}

// checkpoint writes the cycle state durably, retrying a few times before
// giving up. On persistent failure the state survives in memory; a later
// cycle retries with its own checkpoint.
func (l *Loop) checkpoint(ctx context.Context) {
	var err error
	for attempt := 1; attempt <= checkpointRetries; attempt++ {
		if err = l.store.CheckpointState(ctx, l.state); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		l.log.Warn("checkpoint failed", logx.Int("attempt", attempt), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
		}
	}
	l.log.Error("checkpoint abandoned, state kept in memory", logx.Err(err))
}

func (l *Loop) recordDecision(ctx context.Context, d storage.Decision) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := l.store.AppendDecision(ctx, d); err != nil {
		l.log.Warn("decision record write failed", logx.Err(err))
	}
	l.bus.Publish(eventbus.Event{Type: "decision." + d.Outcome, Data: DecisionEvent{
		Channel: d.Channel,
		Kind:    d.Kind,
		Outcome: d.Outcome,
		Reason:  d.Reason,
	}})
}

// routeTargets picks delivery channels for an event. Operator escalations go
// to operator targets, falling back to everything when none is configured;
// regular events go to non-operator targets only.
func routeTargets(targets []Target, operator bool) []channel.Channel {
	var chans []channel.Channel
	for _, t := range targets {
		if t.Operator == operator {
			chans = append(chans, t.Ch)
		}
	}
	if operator && len(chans) == 0 {
		for _, t := range targets {
			chans = append(chans, t.Ch)
		}
	}
	return chans
}

func contentHash(content string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}
