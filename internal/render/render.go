// Package render turns trigger events into channel-ready text. Templates
// are plain text/template, overridable per trigger kind from config.
package render

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"potwatch/internal/trigger"
)

// Context is what a template sees. Amounts stay in lamports; the `sol`
// helper converts for display.
type Context struct {
	Round       uint64
	Pot         int64
	TotalUnits  int64
	Phase       string
	LastActor   string
	Milestone   int64
	SecondsLeft int
	Delta       int64
	Ratio       float64
	Anomaly     string
	Detail      string
}

var funcs = template.FuncMap{
	// sol renders lamports as a compact SOL amount ("1", "4.8", "0.25").
	"sol": func(lamports int64) string {
		s := strconv.FormatFloat(float64(lamports)/1e9, 'f', -1, 64)
		return s
	},
}

var defaults = map[trigger.Kind]string{
	trigger.KindMilestone:     "🚨 Round {{.Round}}: the pot just crossed {{sol .Milestone}} SOL — it's now {{sol .Pot}} SOL. Last buyer: {{.LastActor}}",
	trigger.KindTimerCritical: "⏰ {{.SecondsLeft}}s left in round {{.Round}}. {{sol .Pot}} SOL goes to {{.LastActor}} unless someone buys in.",
	trigger.KindRoundEnded:    "🏁 Round {{.Round}} is over — {{sol .Pot}} SOL won by {{.LastActor}}.",
	trigger.KindRoundStarted:  "🟢 Round {{.Round}} has started. Pot seeded at {{sol .Pot}} SOL.",
	trigger.KindSummary:       "📈 {{.Delta}} keys bought since the last update (round {{.Round}}, pot {{sol .Pot}} SOL).",
	trigger.KindRecapDaily:    "🗓 Daily recap — round {{.Round}}, pot {{sol .Pot}} SOL, {{.TotalUnits}} keys this round.",
	trigger.KindRecapWeekly:   "🗓 Weekly recap — round {{.Round}}, pot {{sol .Pot}} SOL, {{.TotalUnits}} keys this round.",
	trigger.KindAnomaly:       "👀 Unusual activity ({{.Anomaly}}) in round {{.Round}}: delta={{.Delta}} ratio={{printf \"%.2f\" .Ratio}}.",
	trigger.KindOperatorAlert: "⚠️ potwatch operator alert: {{.Detail}}",
}

type Renderer struct {
	mu   sync.RWMutex
	tmpl map[trigger.Kind]*template.Template
}

// New parses the defaults plus any overrides. Override keys are trigger
// kind names; unknown keys are an error so typos don't silently fall back.
func New(overrides map[string]string) (*Renderer, error) {
	r := &Renderer{}
	if err := r.Apply(overrides); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Renderer) Apply(overrides map[string]string) error {
	tmpl := make(map[trigger.Kind]*template.Template, len(defaults))
	for kind, text := range defaults {
		t, err := template.New(string(kind)).Funcs(funcs).Parse(text)
		if err != nil {
			return fmt.Errorf("template %s: %w", kind, err)
		}
		tmpl[kind] = t
	}
	for key, text := range overrides {
		kind := trigger.Kind(key)
		if _, ok := defaults[kind]; !ok {
			return fmt.Errorf("templates: unknown trigger kind %q", key)
		}
		t, err := template.New(key).Funcs(funcs).Parse(text)
		if err != nil {
			return fmt.Errorf("template %s: %w", key, err)
		}
		tmpl[kind] = t
	}

	r.mu.Lock()
	r.tmpl = tmpl
	r.mu.Unlock()
	return nil
}

func (r *Renderer) Render(ev trigger.Event) (string, error) {
	r.mu.RLock()
	t := r.tmpl[ev.Kind]
	r.mu.RUnlock()
	if t == nil {
		return "", fmt.Errorf("no template for kind %q", ev.Kind)
	}

	cx := Context{
		Milestone:   ev.Milestone,
		SecondsLeft: ev.SecondsLeft,
		Delta:       ev.Delta,
		Ratio:       ev.Ratio,
		Anomaly:     string(ev.Anomaly),
		Detail:      ev.Detail,
	}
	if ev.Snap != nil {
		cx.Round = ev.Snap.Round
		cx.Pot = ev.Snap.PotAmount
		cx.TotalUnits = ev.Snap.TotalUnits
		cx.Phase = string(ev.Snap.Phase)
		cx.LastActor = shortActor(ev.Snap.LastActor)
	}

	var b strings.Builder
	if err := t.Execute(&b, cx); err != nil {
		return "", err
	}
	return b.String(), nil
}

// shortActor abbreviates a base58 address the way explorers do.
func shortActor(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:4] + "…" + s[len(s)-4:]
}
