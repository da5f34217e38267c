package channel

import (
	"context"

	"potwatch/internal/config"
	logx "potwatch/pkg/logx"
)

// consoleChannel only logs. Used for dry-run rollouts and as the default
// sink when no real channel is configured yet.
type consoleChannel struct {
	name string
	log  logx.Logger
}

func newConsole(cfg config.ChannelConfig, log logx.Logger) *consoleChannel {
	return &consoleChannel{name: cfg.Name, log: log.With(logx.String("channel", cfg.Name))}
}

func (c *consoleChannel) Name() string { return c.name }

func (c *consoleChannel) Deliver(ctx context.Context, content string, meta Meta) error {
	_ = ctx
	c.log.Info("deliver",
		logx.String("kind", meta.Kind),
		logx.String("fingerprint", meta.Fingerprint),
		logx.String("content", content),
	)
	return nil
}
