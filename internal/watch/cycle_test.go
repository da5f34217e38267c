package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"potwatch/internal/channel"
	"potwatch/internal/config"
	"potwatch/internal/dispatch"
	"potwatch/internal/eventbus"
	"potwatch/internal/game"
	"potwatch/internal/gate"
	"potwatch/internal/metrics"
	"potwatch/internal/render"
	"potwatch/internal/storage"
	"potwatch/internal/trigger"
	logx "potwatch/pkg/logx"
)

var cycleNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// scriptedFetcher returns queued responses in order; the last one repeats.
type scriptedFetcher struct {
	mu    sync.Mutex
	queue []fetchStep
}

type fetchStep struct {
	snap *game.Snapshot
	err  error
}

func (f *scriptedFetcher) push(snap *game.Snapshot, err error) {
	f.mu.Lock()
	f.queue = append(f.queue, fetchStep{snap: snap, err: err})
	f.mu.Unlock()
}

func (f *scriptedFetcher) Fetch(ctx context.Context) (*game.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, errors.New("fetch script exhausted")
	}
	step := f.queue[0]
	if len(f.queue) > 1 {
		f.queue = f.queue[1:]
	}
	return step.snap, step.err
}

// recordingChannel collects delivered content.
type recordingChannel struct {
	name string
	mu   sync.Mutex
	sent []string
	fail error
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Deliver(ctx context.Context, content string, meta channel.Meta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.sent = append(c.sent, content)
	return nil
}

func (c *recordingChannel) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fixture struct {
	loop    *Loop
	fetcher *scriptedFetcher
	main    *recordingChannel
	opsCh   *recordingChannel
	store   storage.Store
}

func newFixture(t *testing.T, mutate func(*Config, *gate.Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := Config{PollInterval: time.Second, FetchAlertAfter: 2, StaleAlertAfter: 2}
	gcfg := gate.Config{DailyCap: 20, DedupWindow: 24 * time.Hour}
	if mutate != nil {
		mutate(&cfg, &gcfg)
	}

	store := storage.NewMemory()
	g, err := gate.New(ctx, gcfg, store, logx.Nop())
	require.NoError(t, err)

	rend, err := render.New(nil)
	require.NoError(t, err)

	params, err := trigger.ParamsFrom(config.WatchConfig{})
	require.NoError(t, err)

	fetcher := &scriptedFetcher{}
	main := &recordingChannel{name: "tg-main"}
	opsCh := &recordingChannel{name: "tg-ops"}
	targets := []Target{
		{Ch: main},
		{Ch: opsCh, Operator: true},
	}

	disp := dispatch.New(dispatch.Config{
		RatePerSec: 100, RetryMax: 1,
		RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond,
	}, logx.Nop())

	loop, err := New(ctx, cfg, trigger.NewEvaluator(params), targets, Deps{
		Log:    logx.Nop(),
		Bus:    eventbus.New(),
		Mset:   metrics.New(),
		Client: fetcher,
		Gate:   g,
		Disp:   disp,
		Rend:   rend,
		Store:  store,
	})
	require.NoError(t, err)

	// The fixture models an agent that has been running: round 7 was already
	// announced, so steady polls don't owe a start event.
	loop.state.Memory.LastStartedRound = 7

	return &fixture{loop: loop, fetcher: fetcher, main: main, opsCh: opsCh, store: store}
}

func activeSnap(round uint64, pot, units int64) *game.Snapshot {
	return &game.Snapshot{
		Round:      round,
		PotAmount:  pot,
		TotalUnits: units,
		Phase:      game.PhaseActive,
		TimerEnd:   cycleNow.Add(time.Hour),
		LastActor:  "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		FetchedAt:  cycleNow,
	}
}

func TestCycleDeliversMilestoneOnce(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	ctx := context.Background()

	fx.fetcher.push(activeSnap(7, 9e8, 10), nil)
	fx.fetcher.push(activeSnap(7, 12e8, 10), nil)

	fx.loop.cycle(ctx, cycleNow)
	require.Empty(t, fx.main.messages(), "baseline cycle must not notify")

	fx.loop.cycle(ctx, cycleNow.Add(30*time.Second))
	msgs := fx.main.messages()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "1 SOL")

	// Same snapshot again: memory already committed, nothing new fires.
	fx.loop.cycle(ctx, cycleNow.Add(time.Minute))
	require.Len(t, fx.main.messages(), 1)

	// The commit and quota survived the checkpoint.
	st, err := fx.store.LoadState(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1e9), st.Memory.LastMilestone)
	require.Equal(t, 1, st.Quota.Count(cycleNow))
}

func TestCycleFailedDeliveryLeavesMemoryUntouched(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.main.fail = errors.New("telegram down")

	fx.fetcher.push(activeSnap(7, 9e8, 10), nil)
	fx.fetcher.push(activeSnap(7, 12e8, 10), nil)

	fx.loop.cycle(ctx, cycleNow)
	fx.loop.cycle(ctx, cycleNow.Add(30*time.Second))
	require.Empty(t, fx.main.messages())

	st, err := fx.store.LoadState(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Memory.LastMilestone, "failed delivery must not commit")
	require.Zero(t, st.Quota.Count(cycleNow))

	// Channel recovers: the evaluator re-proposes and delivery succeeds.
	fx.main.fail = nil
	fx.loop.cycle(ctx, cycleNow.Add(time.Minute))
	require.Len(t, fx.main.messages(), 1)
}

func TestCycleQuotaDefersInsteadOfDropping(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, func(_ *Config, g *gate.Config) { g.DailyCap = 0 })
	ctx := context.Background()

	fx.fetcher.push(activeSnap(7, 9e8, 10), nil)
	fx.fetcher.push(activeSnap(7, 12e8, 10), nil)

	fx.loop.cycle(ctx, cycleNow)
	fx.loop.cycle(ctx, cycleNow.Add(30*time.Second))
	require.Empty(t, fx.main.messages())
	require.NotEmpty(t, fx.loop.pending, "quota-rejected event must be queued")

	// Day rolls over: the deferred event is retried and delivered.
	fx.loop.gate.Apply(gate.Config{DailyCap: 20, DedupWindow: 24 * time.Hour})
	fx.loop.cycle(ctx, cycleNow.Add(time.Minute))
	require.Len(t, fx.main.messages(), 1)
	require.Empty(t, fx.loop.pending)
}

func TestCycleDeferredEventExpiresWithRound(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, func(_ *Config, g *gate.Config) { g.DailyCap = 0 })
	ctx := context.Background()

	fx.fetcher.push(activeSnap(7, 9e8, 10), nil)
	fx.fetcher.push(activeSnap(7, 12e8, 10), nil)
	fx.fetcher.push(activeSnap(8, 0, 0), nil)

	fx.loop.cycle(ctx, cycleNow)
	fx.loop.cycle(ctx, cycleNow.Add(30*time.Second))
	require.NotEmpty(t, fx.loop.pending)

	// Round 8 begins; the deferred round-7 milestone is meaningless now.
	fx.loop.gate.Apply(gate.Config{DailyCap: 20, DedupWindow: 24 * time.Hour})
	fx.loop.cycle(ctx, cycleNow.Add(time.Minute))
	for _, msg := range fx.main.messages() {
		require.NotContains(t, msg, "crossed 1 SOL")
	}
}

func TestCycleDryRunSuppressesDelivery(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, func(c *Config, _ *gate.Config) { c.DryRun = true })
	ctx := context.Background()

	fx.fetcher.push(activeSnap(7, 9e8, 10), nil)
	fx.fetcher.push(activeSnap(7, 12e8, 10), nil)

	fx.loop.cycle(ctx, cycleNow)
	fx.loop.cycle(ctx, cycleNow.Add(30*time.Second))
	require.Empty(t, fx.main.messages())

	recent, err := fx.store.RecentDecisions(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, recent)
	require.Equal(t, storage.OutcomeSuppressed, recent[0].Outcome)
	require.Equal(t, "dry_run", recent[0].Reason)

	st, err := fx.store.LoadState(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Quota.Count(cycleNow), "dry run must not consume quota")
}

func TestFetchFailureEscalatesToOperatorChannel(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	ctx := context.Background()

	fx.fetcher.push(nil, errors.New("connection refused"))

	fx.loop.cycle(ctx, cycleNow)
	require.Empty(t, fx.opsCh.messages(), "below threshold")

	fx.loop.cycle(ctx, cycleNow.Add(30*time.Second))
	msgs := fx.opsCh.messages()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "failed 2 times")
	require.Empty(t, fx.main.messages(), "escalations go to operator targets only")

	// The streak alert fires once, not on every further failure.
	fx.loop.cycle(ctx, cycleNow.Add(time.Minute))
	require.Len(t, fx.opsCh.messages(), 1)
}

func TestStaleSnapshotDiscardedAndCounted(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	ctx := context.Background()

	fx.fetcher.push(activeSnap(7, 12e8, 50), nil)
	fx.fetcher.push(activeSnap(7, 9e8, 10), nil) // units went backwards
	fx.fetcher.push(activeSnap(7, 12e8, 50), nil)

	fx.loop.cycle(ctx, cycleNow)
	prev := fx.loop.prev
	require.NotNil(t, prev)

	fx.loop.cycle(ctx, cycleNow.Add(30*time.Second))
	require.Same(t, prev, fx.loop.prev, "stale read must not replace the baseline")

	fx.loop.cycle(ctx, cycleNow.Add(time.Minute))
	require.Equal(t, int64(50), fx.loop.prev.TotalUnits)
}
