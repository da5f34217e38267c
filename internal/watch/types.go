package watch

import (
	"time"

	"potwatch/internal/channel"
	"potwatch/internal/config"
	"potwatch/internal/trigger"
)

// Config is the loop's resolved runtime config.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: 30s
//   - fetch_alert_after: 5
//   - stale_alert_after: 3
type Config struct {
	PollInterval    time.Duration
	FetchAlertAfter int
	StaleAlertAfter int
	DryRun          bool
}

func ConfigFrom(cfg config.WatchConfig, dryRun bool) (Config, error) {
	out := Config{
		FetchAlertAfter: cfg.FetchAlertAfter,
		StaleAlertAfter: cfg.StaleAlertAfter,
		DryRun:          dryRun,
	}
	if out.FetchAlertAfter <= 0 {
		out.FetchAlertAfter = 5
	}
	if out.StaleAlertAfter <= 0 {
		out.StaleAlertAfter = 3
	}
	var err error
	out.PollInterval, err = config.ParseDurationOrDefault("watch.poll_interval", cfg.PollInterval, 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	return out, nil
}

// Target pairs a channel adapter with its routing role. Operator targets
// receive escalations only; regular targets receive trigger content.
type Target struct {
	Ch       channel.Channel
	Operator bool
}

// pendingItem is a quota-deferred candidate, retried at the head of later
// cycles. It expires when its round passes or it grows stale.
type pendingItem struct {
	ev    trigger.Event
	since time.Time
}

const pendingMaxAge = 24 * time.Hour

// roundScoped reports whether a deferred event becomes meaningless once its
// round is over.
func roundScoped(k trigger.Kind) bool {
	switch k {
	case trigger.KindMilestone, trigger.KindTimerCritical,
		trigger.KindRoundEnded, trigger.KindRoundStarted, trigger.KindAnomaly:
		return true
	}
	return false
}

// CycleEvent is published on the bus after every completed cycle.
type CycleEvent struct {
	Round      uint64        `json:"round,omitempty"`
	Events     int           `json:"events"`
	Delivered  int           `json:"delivered"`
	Suppressed int           `json:"suppressed"`
	Failed     int           `json:"failed"`
	Took       time.Duration `json:"took"`
	Err        string        `json:"err,omitempty"`
}

// DecisionEvent mirrors the persisted decision record on the bus.
type DecisionEvent struct {
	Channel string `json:"channel"`
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}
