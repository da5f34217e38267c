// Package dispatch delivers one rendered message to a set of channels.
// Channels are independent: partial success is normal and never rolls back
// a delivery that already happened elsewhere.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"potwatch/internal/channel"
	"potwatch/internal/config"
	logx "potwatch/pkg/logx"
)

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func ConfigFrom(cfg config.NotifyConfig) (Config, error) {
	out := Config{
		RatePerSec: cfg.RatePerSec,
		RetryMax:   cfg.RetryMax,
	}
	if out.RatePerSec <= 0 {
		out.RatePerSec = 1
	}
	if out.RetryMax <= 0 {
		out.RetryMax = 3
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notify.retry_base", cfg.RetryBase, 500*time.Millisecond); err != nil {
		return Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notify.retry_max_delay", cfg.RetryMaxDelay, 15*time.Second); err != nil {
		return Config{}, err
	}
	return out, nil
}

// Outcome is the per-channel result of one dispatch.
type Outcome struct {
	ID        string
	Channel   string
	Delivered bool
	// Permanent is set when the failure is not worth retrying next cycle.
	Permanent bool
	Attempts  int
	Took      time.Duration
	Err       error
}

type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{log: log}
	d.Apply(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	d.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

// Dispatch sends content to every channel concurrently and waits for all of
// them to finish or exhaust retries. The caller commits bookkeeping from the
// returned outcomes before it checkpoints the cycle.
func (d *Dispatcher) Dispatch(ctx context.Context, channels []channel.Channel, content string, meta channel.Meta) []Outcome {
	outcomes := make([]Outcome, len(channels))
	var wg sync.WaitGroup
	wg.Add(len(channels))
	for i, ch := range channels {
		go func(i int, ch channel.Channel) {
			defer wg.Done()
			outcomes[i] = d.sendOne(ctx, ch, content, meta)
		}(i, ch)
	}
	wg.Wait()
	return outcomes
}

func (d *Dispatcher) sendOne(ctx context.Context, ch channel.Channel, content string, meta channel.Meta) Outcome {
	start := time.Now()
	out := Outcome{ID: uuid.NewString(), Channel: ch.Name()}

	// Snapshot mutable dependencies to avoid races with Apply().
	d.mu.Lock()
	lim := d.limiter
	cfg := d.cfg
	d.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt

		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				out.Err = err
				break
			}
		}

		err := ch.Deliver(ctx, content, meta)
		if err == nil {
			out.Delivered = true
			out.Err = nil
			break
		}
		out.Err = err

		if channel.IsPermanent(err) {
			out.Permanent = true
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		d.log.Debug("delivery retry scheduled",
			logx.String("channel", ch.Name()),
			logx.String("kind", meta.Kind),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Any("err", err),
		)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			out.Err = ctx.Err()
			attempt = maxAttempts // no more attempts after cancellation
		case <-tmr.C:
		}
	}

	out.Took = time.Since(start)
	if out.Err != nil {
		d.log.Warn("delivery failed",
			logx.String("channel", ch.Name()),
			logx.String("kind", meta.Kind),
			logx.Int("attempts", out.Attempts),
			logx.Bool("permanent", out.Permanent),
			logx.Any("err", out.Err),
		)
	}
	return out
}
