package game

import (
	"fmt"
	"time"
)

// Phase is the lifecycle stage of a round as reported by the game API.
type Phase string

const (
	PhaseActive   Phase = "active"
	PhaseEnding   Phase = "ending"
	PhaseEnded    Phase = "ended"
	PhaseClaiming Phase = "claiming"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseActive, PhaseEnding, PhaseEnded, PhaseClaiming:
		return true
	}
	return false
}

// Terminal reports whether the round can no longer change outcome.
func (p Phase) Terminal() bool { return p == PhaseEnded || p == PhaseClaiming }

// Snapshot is one poll result. It is immutable once fetched; the loop keeps
// at most the previous one for delta triggers.
//
// Invariants (enforced by StaleAgainst):
//   - Round never decreases between consecutive polls.
//   - TotalUnits never decreases within a round (it resets across rounds).
type Snapshot struct {
	Round      uint64    `json:"round"`
	PotAmount  int64     `json:"pot_lamports"`
	TimerEnd   time.Time `json:"timer_end"`
	TotalUnits int64     `json:"total_keys"`
	Phase      Phase     `json:"phase"`
	LastActor  string    `json:"last_buyer"`

	FetchedAt time.Time `json:"-"`
}

// TimeLeft returns the remaining round time at now, floored at zero.
func (s *Snapshot) TimeLeft(now time.Time) time.Duration {
	if s.TimerEnd.IsZero() || !now.Before(s.TimerEnd) {
		return 0
	}
	return s.TimerEnd.Sub(now)
}

// Fingerprint is a short stable identifier carried on audit records so a
// decision can be traced back to the poll that produced it.
func (s *Snapshot) Fingerprint() string {
	return fmt.Sprintf("r%d/u%d/p%d/%s", s.Round, s.TotalUnits, s.PotAmount, s.Phase)
}

// StaleAgainst reports why s must be discarded as a stale or corrupt read
// relative to prev, or nil if s is acceptable. A nil prev accepts anything.
func (s *Snapshot) StaleAgainst(prev *Snapshot) error {
	if prev == nil {
		return nil
	}
	if s.Round < prev.Round {
		return fmt.Errorf("%w: round went backwards (%d -> %d)", ErrStale, prev.Round, s.Round)
	}
	if s.Round == prev.Round && s.TotalUnits < prev.TotalUnits {
		return fmt.Errorf("%w: total units decreased within round %d (%d -> %d)",
			ErrStale, s.Round, prev.TotalUnits, s.TotalUnits)
	}
	return nil
}

func (s *Snapshot) validate() error {
	if !s.Phase.Valid() {
		return fmt.Errorf("unknown phase %q", s.Phase)
	}
	if s.PotAmount < 0 {
		return fmt.Errorf("negative pot amount %d", s.PotAmount)
	}
	if s.TotalUnits < 0 {
		return fmt.Errorf("negative total units %d", s.TotalUnits)
	}
	return nil
}
