package trigger

import (
	"time"

	"potwatch/internal/game"
)

// Kind tags a trigger event. Values are stable: they appear in audit
// records, dedup keys and template lookups.
type Kind string

const (
	KindMilestone     Kind = "milestone"
	KindTimerCritical Kind = "timer_critical"
	KindRoundEnded    Kind = "round_ended"
	KindRoundStarted  Kind = "round_started"
	KindSummary       Kind = "activity_summary"
	KindRecapDaily    Kind = "recap_daily"
	KindRecapWeekly   Kind = "recap_weekly"
	KindAnomaly       Kind = "anomaly"

	// KindOperatorAlert is produced by the loop itself (fetch/stale
	// escalation), never by the evaluator. It bypasses the daily quota.
	KindOperatorAlert Kind = "operator_alert"
)

// Priority orders admission when the daily quota is nearly exhausted:
// time-critical events are admitted before summaries and recaps.
func (k Kind) Priority() int {
	switch k {
	case KindOperatorAlert:
		return 10
	case KindTimerCritical, KindRoundEnded:
		return 9
	case KindRoundStarted:
		return 8
	case KindMilestone:
		return 5
	case KindAnomaly:
		return 4
	case KindSummary:
		return 2
	case KindRecapDaily, KindRecapWeekly:
		return 1
	}
	return 0
}

// AnomalyKind names the heuristic that flagged the poll.
type AnomalyKind string

const (
	AnomalyUnitJump    AnomalyKind = "unit_jump"
	AnomalyPotSpike    AnomalyKind = "pot_spike"
	AnomalyActorChange AnomalyKind = "actor_change"
)

// Event is one candidate notification. It carries the snapshot that produced
// it and is consumed within the cycle; only its effect on Memory persists.
type Event struct {
	Kind Kind
	At   time.Time
	Snap *game.Snapshot

	// Milestone value crossed (KindMilestone).
	Milestone int64
	// SecondsLeft on the round timer (KindTimerCritical).
	SecondsLeft int
	// Delta of units covered by a summary, or the anomaly magnitude.
	Delta int64
	// Ratio of the pot spike (KindAnomaly, AnomalyPotSpike).
	Ratio float64

	Anomaly AnomalyKind

	// Text for operator alerts, set by the loop.
	Detail string
}

// Result is one evaluation pass: the candidate events plus the cycle's
// observed unit delta, which the loop folds into Memory at checkpoint time
// (the accumulator grows per poll; it resets only when a summary is
// actually delivered).
type Result struct {
	Events     []Event
	UnitsDelta int64
}
