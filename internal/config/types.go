package config

type Config struct {
	Game    GameConfig    `json:"game"`
	Logging LoggingConfig `json:"logging"`

	// Watch controls the poll loop and trigger thresholds.
	Watch WatchConfig `json:"watch"`

	// Notify controls admission (quota, dedup) and dispatch (retry, rate).
	Notify NotifyConfig `json:"notify"`

	Channels []ChannelConfig `json:"channels"`

	Storage StorageConfig `json:"storage"`
	Ops     OpsConfig     `json:"ops,omitempty"`

	// Templates overrides the built-in message template per trigger kind.
	// Keys are trigger kind names ("milestone", "timer_critical", ...).
	Templates map[string]string `json:"templates,omitempty"`

	// DryRun evaluates and audits decisions without delivering anything.
	DryRun bool `json:"dry_run,omitempty"`
}

// GameConfig points the fetcher at the remote game state endpoint.
//
// All durations are Go duration strings (e.g. "5s", "1m").
type GameConfig struct {
	StateURL string `json:"state_url"`

	// Timeout bounds a single state fetch. Default "10s".
	Timeout string `json:"timeout,omitempty"`

	// AuthToken is sent as a bearer token when set. Prefer the
	// POTWATCH_GAME_TOKEN env var over putting it in the file.
	AuthToken string `json:"auth_token,omitempty"`
}

// WatchConfig controls the poll loop and the trigger evaluator.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "30s"
//   - timer_critical: "2m"
//   - summary_window: "1h"
//   - milestones: 1, 5, 10, 50, 100 SOL (in lamports)
//   - anomaly_step: 50
//   - anomaly_ratio: 2.0
//   - fetch_alert_after: 5 consecutive failures
//   - stale_alert_after: 3 consecutive stale reads
type WatchConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`

	// Milestones is an ascending list of pot thresholds in the smallest
	// currency unit.
	Milestones []int64 `json:"milestones,omitempty"`

	// TimerCritical fires the countdown alert when remaining round time
	// drops below this duration.
	TimerCritical string `json:"timer_critical,omitempty"`

	// SummaryWindow is the minimum gap between activity summaries.
	SummaryWindow string `json:"summary_window,omitempty"`

	// DailyRecap / WeeklyRecap are cron specs evaluated inside the poll
	// tick (e.g. "0 18 * * *", "0 12 * * 1"). Empty disables the recap.
	DailyRecap  string `json:"daily_recap,omitempty"`
	WeeklyRecap string `json:"weekly_recap,omitempty"`

	// AnomalyStep flags a single-poll unit-count jump of at least this size.
	AnomalyStep int64 `json:"anomaly_step,omitempty"`
	// AnomalyRatio flags a pot spike of at least this multiple between
	// consecutive polls.
	AnomalyRatio float64 `json:"anomaly_ratio,omitempty"`

	// Operator alert escalation thresholds (consecutive occurrences).
	FetchAlertAfter int `json:"fetch_alert_after,omitempty"`
	StaleAlertAfter int `json:"stale_alert_after,omitempty"`
}

// NotifyConfig controls admission and dispatch.
//
// All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - daily_cap: 20
//   - dedup_window: "24h"
//   - rate_per_sec: 1
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
type NotifyConfig struct {
	DailyCap    int    `json:"daily_cap,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`

	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// ChannelConfig declares one delivery channel.
//
// Kind values:
//   - "telegram": telebot adapter; needs token + chat_id
//   - "webhook":  JSON POST to url
//   - "console":  log-only sink (useful for rollout)
//
// Operator marks the channel that receives operator alerts (fetch/stale
// escalations); those bypass the daily quota.
type ChannelConfig struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`

	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
	// APIURL overrides the Bot API endpoint (self-hosted bot API server).
	APIURL string `json:"api_url,omitempty"`

	URL string `json:"url,omitempty"`

	Operator bool `json:"operator,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./potwatch_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// OpsConfig controls the optional ops HTTP server (/healthz, /metrics,
// /decisions).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9180").
//   - If you bind to a non-loopback address, set a token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:9180"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}
