// Package metrics exposes the agent's counters on a private registry so the
// ops server can serve them without inheriting global collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Set struct {
	Registry *prometheus.Registry

	Polls         prometheus.Counter
	FetchFailures prometheus.Counter
	StaleReads    prometheus.Counter

	Events     *prometheus.CounterVec // by trigger kind
	Deliveries *prometheus.CounterVec // by channel
	Suppressed *prometheus.CounterVec // by reason
	Failures   *prometheus.CounterVec // by channel

	CycleSeconds prometheus.Histogram
	QuotaUsed    prometheus.Gauge
}

func New() *Set {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Set{
		Registry: reg,
		Polls: f.NewCounter(prometheus.CounterOpts{
			Name: "potwatch_polls_total",
			Help: "State polls attempted.",
		}),
		FetchFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "potwatch_fetch_failures_total",
			Help: "State polls that returned no snapshot.",
		}),
		StaleReads: f.NewCounter(prometheus.CounterOpts{
			Name: "potwatch_stale_reads_total",
			Help: "Snapshots discarded because counters went backwards.",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "potwatch_trigger_events_total",
			Help: "Candidate trigger events by kind.",
		}, []string{"kind"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "potwatch_deliveries_total",
			Help: "Confirmed deliveries by channel.",
		}, []string{"channel"}),
		Suppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "potwatch_suppressed_total",
			Help: "Candidates rejected by the gate, by reason.",
		}, []string{"reason"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "potwatch_delivery_failures_total",
			Help: "Deliveries that exhausted retries or failed permanently.",
		}, []string{"channel"}),
		CycleSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "potwatch_cycle_seconds",
			Help:    "Full poll cycle duration.",
			Buckets: prometheus.DefBuckets,
		}),
		QuotaUsed: f.NewGauge(prometheus.GaugeOpts{
			Name: "potwatch_quota_used",
			Help: "Deliveries counted against today's quota.",
		}),
	}
}
