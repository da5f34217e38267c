package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"potwatch/internal/channel"
	logx "potwatch/pkg/logx"
)

// fakeChannel fails the first `failures` deliveries with err, then succeeds.
type fakeChannel struct {
	name     string
	failures int32
	err      error
	calls    atomic.Int32
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Deliver(ctx context.Context, content string, meta channel.Meta) error {
	if f.calls.Add(1) <= f.failures {
		return f.err
	}
	return nil
}

func fastConfig() Config {
	return Config{
		RatePerSec:    100,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	d := New(fastConfig(), logx.Nop())
	ch := &fakeChannel{name: "tg-main", failures: 2, err: errors.New("connection reset")}

	outs := d.Dispatch(context.Background(), []channel.Channel{ch}, "hello", channel.Meta{Kind: "milestone"})
	require.Len(t, outs, 1)
	require.True(t, outs[0].Delivered)
	require.Equal(t, 3, outs[0].Attempts)
	require.NoError(t, outs[0].Err)
	require.NotEmpty(t, outs[0].ID)
}

func TestDispatchGivesUpAfterRetryBudget(t *testing.T) {
	t.Parallel()
	d := New(fastConfig(), logx.Nop())
	ch := &fakeChannel{name: "tg-main", failures: 99, err: errors.New("still down")}

	outs := d.Dispatch(context.Background(), []channel.Channel{ch}, "hello", channel.Meta{})
	require.Len(t, outs, 1)
	require.False(t, outs[0].Delivered)
	require.False(t, outs[0].Permanent)
	require.Equal(t, 4, outs[0].Attempts) // initial try + RetryMax
	require.Error(t, outs[0].Err)
}

func TestDispatchStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	d := New(fastConfig(), logx.Nop())
	ch := &fakeChannel{name: "tg-main", failures: 99, err: channel.Permanent(errors.New("chat not found"))}

	outs := d.Dispatch(context.Background(), []channel.Channel{ch}, "hello", channel.Meta{})
	require.Len(t, outs, 1)
	require.False(t, outs[0].Delivered)
	require.True(t, outs[0].Permanent)
	require.Equal(t, 1, outs[0].Attempts)
	require.EqualValues(t, 1, ch.calls.Load())
}

func TestDispatchIsPerChannelIndependent(t *testing.T) {
	t.Parallel()
	d := New(fastConfig(), logx.Nop())
	ok := &fakeChannel{name: "ok"}
	bad := &fakeChannel{name: "bad", failures: 99, err: errors.New("down")}

	outs := d.Dispatch(context.Background(), []channel.Channel{ok, bad}, "hello", channel.Meta{})
	require.Len(t, outs, 2)

	byName := map[string]Outcome{}
	for _, o := range outs {
		byName[o.Channel] = o
	}
	require.True(t, byName["ok"].Delivered)
	require.False(t, byName["bad"].Delivered)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}

	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := backoffDelay(cfg, attempt)
		// ±20% jitter around the capped exponential.
		require.LessOrEqual(t, d, time.Second+time.Second/5)
		require.Positive(t, d)
		if attempt <= 3 {
			require.Greater(t, d, prevMax/4) // still roughly growing
		}
		prevMax = d
	}
}
