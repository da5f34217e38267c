package config

import (
	"reflect"
	"strings"

	logx "potwatch/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Game (never log the auth token)
	if strings.TrimSpace(oldCfg.Game.StateURL) != strings.TrimSpace(newCfg.Game.StateURL) ||
		strings.TrimSpace(oldCfg.Game.Timeout) != strings.TrimSpace(newCfg.Game.Timeout) ||
		(strings.TrimSpace(oldCfg.Game.AuthToken) != "") != (strings.TrimSpace(newCfg.Game.AuthToken) != "") {
		changed = append(changed, "game")
		attrs = append(attrs,
			logx.String("game.state_url", strings.TrimSpace(newCfg.Game.StateURL)),
			logx.Bool("game.token_set", strings.TrimSpace(newCfg.Game.AuthToken) != ""),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Watch (poll loop + triggers)
	if !reflect.DeepEqual(oldCfg.Watch, newCfg.Watch) {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.String("watch.poll_interval", newCfg.Watch.PollInterval),
			logx.Int("watch.milestones", len(newCfg.Watch.Milestones)),
			logx.Bool("watch.daily_recap_set", strings.TrimSpace(newCfg.Watch.DailyRecap) != ""),
			logx.Bool("watch.weekly_recap_set", strings.TrimSpace(newCfg.Watch.WeeklyRecap) != ""),
		)
	}

	// Notify (admission + dispatch)
	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Int("notify.daily_cap", newCfg.Notify.DailyCap),
			logx.String("notify.dedup_window", newCfg.Notify.DedupWindow),
			logx.Int("notify.retry_max", newCfg.Notify.RetryMax),
		)
	}

	// Channels (never log tokens/URLs; report names + enabled count)
	if channelsChanged(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		enabled := 0
		for _, ch := range newCfg.Channels {
			if ch.Enabled {
				enabled++
			}
		}
		attrs = append(attrs,
			logx.Int("channels.total", len(newCfg.Channels)),
			logx.Int("channels.enabled", enabled),
		)
	}

	// Storage
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
		)
	}

	// Ops (never log token)
	if oldCfg.Ops.Enabled != newCfg.Ops.Enabled ||
		strings.TrimSpace(oldCfg.Ops.Addr) != strings.TrimSpace(newCfg.Ops.Addr) ||
		(strings.TrimSpace(oldCfg.Ops.Token) != "") != (strings.TrimSpace(newCfg.Ops.Token) != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Templates, newCfg.Templates) {
		changed = append(changed, "templates")
		attrs = append(attrs, logx.Int("templates.count", len(newCfg.Templates)))
	}

	if oldCfg.DryRun != newCfg.DryRun {
		changed = append(changed, "dry_run")
		attrs = append(attrs, logx.Bool("dry_run", newCfg.DryRun))
	}

	return changed, attrs
}

func channelsChanged(a, b []ChannelConfig) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		// Compare token presence, not value, so rotations don't spam the log.
		x, y := a[i], b[i]
		tx, ty := strings.TrimSpace(x.Token) != "", strings.TrimSpace(y.Token) != ""
		x.Token, y.Token = "", ""
		if x != y || tx != ty {
			return true
		}
	}
	return false
}
