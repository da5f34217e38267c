// Package trigger turns consecutive state snapshots into candidate
// notification events.
//
// Evaluate is a pure function of (previous snapshot, current snapshot,
// memory, wall clock): it never mutates Memory and never blocks. Categories
// are evaluated in a fixed order and are independent; within a category at
// most one event fires per cycle.
package trigger

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"potwatch/internal/config"
	"potwatch/internal/game"
)

// Default thresholds, in lamports (1 SOL = 1e9).
var defaultMilestones = []int64{1e9, 5e9, 10e9, 50e9, 100e9}

const (
	defaultTimerCritical = 2 * time.Minute
	defaultSummaryWindow = time.Hour
	defaultAnomalyStep   = 50
	defaultAnomalyRatio  = 2.0
)

var recapParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Params are the evaluator's thresholds, resolved from config once per
// apply so Evaluate itself never parses anything.
type Params struct {
	Milestones    []int64
	TimerCritical time.Duration
	SummaryWindow time.Duration

	// Daily / Weekly are nil when the recap is disabled.
	Daily  cron.Schedule
	Weekly cron.Schedule

	AnomalyStep  int64
	AnomalyRatio float64
}

func ParamsFrom(cfg config.WatchConfig) (Params, error) {
	p := Params{
		Milestones:   cfg.Milestones,
		AnomalyStep:  cfg.AnomalyStep,
		AnomalyRatio: cfg.AnomalyRatio,
	}
	if len(p.Milestones) == 0 {
		p.Milestones = defaultMilestones
	}
	if p.AnomalyStep <= 0 {
		p.AnomalyStep = defaultAnomalyStep
	}
	if p.AnomalyRatio <= 1 {
		p.AnomalyRatio = defaultAnomalyRatio
	}

	var err error
	if p.TimerCritical, err = config.ParseDurationOrDefault("watch.timer_critical", cfg.TimerCritical, defaultTimerCritical); err != nil {
		return Params{}, err
	}
	if p.SummaryWindow, err = config.ParseDurationOrDefault("watch.summary_window", cfg.SummaryWindow, defaultSummaryWindow); err != nil {
		return Params{}, err
	}

	if cfg.DailyRecap != "" {
		if p.Daily, err = recapParser.Parse(cfg.DailyRecap); err != nil {
			return Params{}, fmt.Errorf("watch.daily_recap: %w", err)
		}
	}
	if cfg.WeeklyRecap != "" {
		if p.Weekly, err = recapParser.Parse(cfg.WeeklyRecap); err != nil {
			return Params{}, fmt.Errorf("watch.weekly_recap: %w", err)
		}
	}
	return p, nil
}

type Evaluator struct {
	p Params
}

func NewEvaluator(p Params) *Evaluator { return &Evaluator{p: p} }

// Evaluate produces this cycle's candidate events.
//
// A nil prev (first poll after start) yields only memory-comparison events
// (milestone, timer, recap); delta-based and edge-triggered categories need
// a defined baseline. A stale current snapshot yields nothing at all — the
// caller is expected to have rejected it already, this is a second guard.
func (e *Evaluator) Evaluate(prev, cur *game.Snapshot, mem *Memory, now time.Time) Result {
	if cur == nil || cur.StaleAgainst(prev) != nil {
		return Result{}
	}

	var res Result
	if prev != nil && prev.Round == cur.Round {
		if d := cur.TotalUnits - prev.TotalUnits; d > 0 {
			res.UnitsDelta = d
		}
	}

	emit := func(ev Event) {
		ev.At = now
		ev.Snap = cur
		res.Events = append(res.Events, ev)
	}

	// 1. Milestone: the single highest crossed threshold still above the
	// round's baseline. A jump across several thresholds fires only the top.
	floor := mem.milestoneFloor(cur.Round)
	var crossed int64
	for _, th := range e.p.Milestones {
		if th > cur.PotAmount {
			break
		}
		if th > floor {
			crossed = th
		}
	}
	if crossed > 0 {
		emit(Event{Kind: KindMilestone, Milestone: crossed})
	}

	// 2. Timer-critical: once per round, while the round is still live.
	if left := cur.TimeLeft(now); !cur.Phase.Terminal() && left > 0 && left <= e.p.TimerCritical &&
		mem.LastTimerAlertRound != cur.Round {
		emit(Event{Kind: KindTimerCritical, SecondsLeft: int(left / time.Second)})
	}

	// 3. Round transitions: edge-triggered on the observed change, never on
	// the persisting state.
	if prev != nil {
		if cur.Phase.Terminal() && !prev.Phase.Terminal() && mem.LastEndedRound != cur.Round {
			emit(Event{Kind: KindRoundEnded})
		}
		// Keyed on memory, not on prev.Round: a poll gap can span the start
		// of a round, and the first observation of it may already be mid-game.
		if cur.Phase == game.PhaseActive && mem.LastStartedRound != cur.Round {
			emit(Event{Kind: KindRoundStarted})
		}
	}

	// 4. Activity summary: window elapsed and something actually happened.
	// Skipped on the first poll like the other prev-dependent categories; a
	// restart must not flush the persisted accumulator straight away.
	if total := mem.AccumulatedDelta + res.UnitsDelta; prev != nil && total > 0 &&
		(mem.LastSummaryAt.IsZero() || now.Sub(mem.LastSummaryAt) >= e.p.SummaryWindow) {
		emit(Event{Kind: KindSummary, Delta: total})
	}

	// 5. Calendar recaps. Cron Next() over the last delivery guards both
	// double-fire within the boundary hour and drift from missed polls.
	if recapDue(e.p.Daily, mem.LastDailyRecapAt, now, 24*time.Hour) {
		emit(Event{Kind: KindRecapDaily})
	}
	if recapDue(e.p.Weekly, mem.LastWeeklyRecapAt, now, 7*24*time.Hour) {
		emit(Event{Kind: KindRecapWeekly})
	}

	// 6. Anomaly heuristics, first match only. Reporting only: no effect on
	// memory, no retry pressure.
	if prev != nil {
		switch {
		case res.UnitsDelta >= e.p.AnomalyStep:
			emit(Event{Kind: KindAnomaly, Anomaly: AnomalyUnitJump, Delta: res.UnitsDelta})
		case prev.PotAmount > 0 && float64(cur.PotAmount) >= e.p.AnomalyRatio*float64(prev.PotAmount):
			emit(Event{
				Kind:    KindAnomaly,
				Anomaly: AnomalyPotSpike,
				Delta:   cur.PotAmount - prev.PotAmount,
				Ratio:   float64(cur.PotAmount) / float64(prev.PotAmount),
			})
		case cur.Phase == game.PhaseEnding && prev.LastActor != "" && cur.LastActor != prev.LastActor:
			emit(Event{Kind: KindAnomaly, Anomaly: AnomalyActorChange})
		}
	}

	return res
}

// recapDue reports whether the schedule has a boundary in (last, now].
// A zero last (never delivered) looks back one full period so a boundary
// missed just before startup still fires, but older ones do not pile up.
func recapDue(sched cron.Schedule, last, now time.Time, lookback time.Duration) bool {
	if sched == nil {
		return false
	}
	base := last
	if base.IsZero() {
		base = now.Add(-lookback)
	}
	return !sched.Next(base).After(now)
}
