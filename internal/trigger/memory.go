package trigger

import "time"

// Memory is the durable per-kind trigger state. It is loaded once at
// startup, read by Evaluate, and mutated only through Commit after a
// delivery is confirmed (never speculatively during evaluation).
type Memory struct {
	// LastMilestone is the highest milestone already notified for
	// MilestoneRound. A different current round means no milestone has been
	// notified yet this round.
	LastMilestone  int64  `json:"last_milestone"`
	MilestoneRound uint64 `json:"milestone_round"`

	LastTimerAlertRound uint64 `json:"last_timer_alert_round"`
	LastEndedRound      uint64 `json:"last_ended_round"`
	LastStartedRound    uint64 `json:"last_started_round"`

	// AccumulatedDelta is the unit count gathered since the last delivered
	// summary. Fold() grows it every cycle; Commit(KindSummary) resets it.
	AccumulatedDelta int64     `json:"accumulated_delta"`
	LastSummaryAt    time.Time `json:"last_summary_at"`

	LastDailyRecapAt  time.Time `json:"last_daily_recap_at"`
	LastWeeklyRecapAt time.Time `json:"last_weekly_recap_at"`
}

// milestoneFloor returns the milestone baseline for the given round.
func (m *Memory) milestoneFloor(round uint64) int64 {
	if m.MilestoneRound != round {
		return 0
	}
	return m.LastMilestone
}

// Fold applies one cycle's observation. Called once per successful cycle
// regardless of dispatch outcomes, before the checkpoint.
func (m *Memory) Fold(r Result) {
	if r.UnitsDelta > 0 {
		m.AccumulatedDelta += r.UnitsDelta
	}
}

// Commit applies the effect of a successfully dispatched event. This is the
// only mutation path tied to delivery; a failed or suppressed event leaves
// Memory untouched so the evaluator re-proposes it next cycle.
func (m *Memory) Commit(ev Event, now time.Time) {
	switch ev.Kind {
	case KindMilestone:
		m.LastMilestone = ev.Milestone
		m.MilestoneRound = ev.Snap.Round
	case KindTimerCritical:
		m.LastTimerAlertRound = ev.Snap.Round
	case KindRoundEnded:
		m.LastEndedRound = ev.Snap.Round
		// A finished round invalidates its milestone baseline.
		if m.MilestoneRound == ev.Snap.Round {
			m.LastMilestone = 0
			m.MilestoneRound = 0
		}
	case KindRoundStarted:
		m.LastStartedRound = ev.Snap.Round
		m.LastMilestone = 0
		m.MilestoneRound = ev.Snap.Round
	case KindSummary:
		m.AccumulatedDelta = 0
		m.LastSummaryAt = now
	case KindRecapDaily:
		m.LastDailyRecapAt = now
	case KindRecapWeekly:
		m.LastWeeklyRecapAt = now
	case KindAnomaly, KindOperatorAlert:
		// best-effort reporting; nothing to remember
	}
}
