package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
game:
  state_url: https://api.example.com/state
channels:
  - name: console
    kind: console
    enabled: true
storage:
  driver: file
  path: ./potwatch_store
`

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", minimalYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Game.StateURL != "https://api.example.com/state" {
		t.Fatalf("state_url = %q", cfg.Game.StateURL)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].Kind != "console" {
		t.Fatalf("channels = %+v", cfg.Channels)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() must return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", `{
		"game": {"state_url": "http://localhost:8080/state"},
		"channels": [{"name": "c", "kind": "console", "enabled": true}],
		"storage": {"driver": "none", "path": ""}
	}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Game.StateURL != "http://localhost:8080/state" {
		t.Fatalf("state_url = %q", cfg.Game.StateURL)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", minimalYAML+"\nnot_a_field: true\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestEnvTokenOverride(t *testing.T) {
	t.Setenv("POTWATCH_GAME_TOKEN", "env-secret")
	t.Setenv("POTWATCH_TELEGRAM_TOKEN", "tg-secret")

	m := NewManager(writeConfig(t, "config.yaml", `
game:
  state_url: https://api.example.com/state
  auth_token: file-secret
channels:
  - name: tg
    kind: telegram
    enabled: true
    chat_id: -100123
storage:
  driver: none
`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Game.AuthToken != "env-secret" {
		t.Fatalf("auth_token = %q, env must win", cfg.Game.AuthToken)
	}
	if cfg.Channels[0].Token != "tg-secret" {
		t.Fatalf("telegram token = %q, env must fill it", cfg.Channels[0].Token)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Game: GameConfig{StateURL: "https://api.example.com/state"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing state url", func(c *Config) { c.Game.StateURL = "" }},
		{"bad url scheme", func(c *Config) { c.Game.StateURL = "ftp://x" }},
		{"bad duration", func(c *Config) { c.Watch.PollInterval = "soon" }},
		{"negative duration", func(c *Config) { c.Notify.DedupWindow = "-1h" }},
		{"unsorted milestones", func(c *Config) { c.Watch.Milestones = []int64{5e9, 1e9} }},
		{"zero milestone", func(c *Config) { c.Watch.Milestones = []int64{0, 1e9} }},
		{"bad cron", func(c *Config) { c.Watch.DailyRecap = "71 * * * *" }},
		{"negative cap", func(c *Config) { c.Notify.DailyCap = -1 }},
		{"channel without name", func(c *Config) { c.Channels = []ChannelConfig{{Kind: "console"}} }},
		{"duplicate channel name", func(c *Config) {
			c.Channels = []ChannelConfig{{Name: "a", Kind: "console"}, {Name: "a", Kind: "console"}}
		}},
		{"telegram without chat id", func(c *Config) {
			c.Channels = []ChannelConfig{{Name: "tg", Kind: "telegram", Enabled: true, Token: "t"}}
		}},
		{"webhook without url", func(c *Config) {
			c.Channels = []ChannelConfig{{Name: "wh", Kind: "webhook", Enabled: true}}
		}},
		{"unknown channel kind", func(c *Config) {
			c.Channels = []ChannelConfig{{Name: "x", Kind: "carrier-pigeon"}}
		}},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "redis" }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("minimal config must validate: %v", err)
	}
}

func TestValidateAcceptsCronDescriptors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Game:  GameConfig{StateURL: "https://api.example.com/state"},
		Watch: WatchConfig{DailyRecap: "@daily", WeeklyRecap: "0 12 * * 1"},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d.Seconds() != 90 {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "five minutes"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := ParseDurationField("x", "-3s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Game: GameConfig{StateURL: "https://a"}}
	newCfg := &Config{
		Game:   GameConfig{StateURL: "https://b", AuthToken: "secret"},
		Notify: NotifyConfig{DailyCap: 30},
	}

	sections, _ := SummarizeChange(oldCfg, newCfg)
	want := map[string]bool{"game": true, "notify": true}
	if len(sections) != len(want) {
		t.Fatalf("sections = %v", sections)
	}
	for _, s := range sections {
		if !want[s] {
			t.Fatalf("unexpected section %q", s)
		}
	}

	if sections, _ := SummarizeChange(newCfg, newCfg); len(sections) != 0 {
		t.Fatalf("identical configs reported %v", sections)
	}
}
