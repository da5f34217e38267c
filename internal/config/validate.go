package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// recapParser accepts the standard 5-field cron syntax plus descriptors
// ("@daily"). Recap specs are evaluated inside the poll tick, so seconds
// granularity is pointless and not accepted.
var recapParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks cross-field rules that the strict decoder cannot express.
// It is called on initial load and before committing a hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Game.StateURL) == "" {
		return errors.New("game.state_url is required")
	}
	if u, err := url.Parse(cfg.Game.StateURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("game.state_url: not a valid http(s) URL: %q", cfg.Game.StateURL)
	}
	if _, err := ParseDurationField("game.timeout", cfg.Game.Timeout); err != nil {
		return err
	}

	for _, field := range []struct{ path, raw string }{
		{"watch.poll_interval", cfg.Watch.PollInterval},
		{"watch.timer_critical", cfg.Watch.TimerCritical},
		{"watch.summary_window", cfg.Watch.SummaryWindow},
		{"notify.dedup_window", cfg.Notify.DedupWindow},
		{"notify.retry_base", cfg.Notify.RetryBase},
		{"notify.retry_max_delay", cfg.Notify.RetryMaxDelay},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}

	for i := 1; i < len(cfg.Watch.Milestones); i++ {
		if cfg.Watch.Milestones[i] <= cfg.Watch.Milestones[i-1] {
			return fmt.Errorf("watch.milestones: must be strictly ascending (index %d)", i)
		}
	}
	if len(cfg.Watch.Milestones) > 0 && cfg.Watch.Milestones[0] <= 0 {
		return errors.New("watch.milestones: thresholds must be positive")
	}

	for _, spec := range []struct{ path, raw string }{
		{"watch.daily_recap", cfg.Watch.DailyRecap},
		{"watch.weekly_recap", cfg.Watch.WeeklyRecap},
	} {
		if strings.TrimSpace(spec.raw) == "" {
			continue
		}
		if _, err := recapParser.Parse(spec.raw); err != nil {
			return fmt.Errorf("%s: invalid cron spec %q: %w", spec.path, spec.raw, err)
		}
	}

	if cfg.Notify.DailyCap < 0 {
		return errors.New("notify.daily_cap must be >= 0")
	}

	names := map[string]bool{}
	for i, ch := range cfg.Channels {
		name := strings.TrimSpace(ch.Name)
		if name == "" {
			return fmt.Errorf("channels[%d]: name is required", i)
		}
		if names[name] {
			return fmt.Errorf("channels[%d]: duplicate name %q", i, name)
		}
		names[name] = true

		switch ch.Kind {
		case "telegram":
			if ch.Enabled && strings.TrimSpace(ch.Token) == "" {
				return fmt.Errorf("channels[%d] (%s): telegram token is required (file or POTWATCH_TELEGRAM_TOKEN)", i, name)
			}
			if ch.Enabled && ch.ChatID == 0 {
				return fmt.Errorf("channels[%d] (%s): telegram chat_id is required", i, name)
			}
		case "webhook":
			if ch.Enabled {
				u, err := url.Parse(strings.TrimSpace(ch.URL))
				if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
					return fmt.Errorf("channels[%d] (%s): webhook url is not a valid http(s) URL", i, name)
				}
			}
		case "console":
			// no extra fields
		default:
			return fmt.Errorf("channels[%d] (%s): unknown kind %q", i, name, ch.Kind)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	return nil
}
