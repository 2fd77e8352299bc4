package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sweepstake_keeper_build_info",
			Help: "Build information of the sweepstake keeper",
		},
		[]string{"version", "commit", "date"},
	)

	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweepstake_keeper_refresh_total",
			Help: "Total number of round state reconciliations",
		},
		[]string{"source", "status"}, // source: "poll", "push", "forced"
	)

	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sweepstake_keeper_refresh_duration_seconds",
			Help:    "Duration of round state reconciliations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"source"},
	)

	LedgerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweepstake_keeper_ledger_calls_total",
			Help: "Total number of ledger gateway calls",
		},
		[]string{"op", "status"},
	)

	LedgerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sweepstake_keeper_ledger_call_duration_seconds",
			Help:    "Duration of ledger gateway calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~41s
		},
		[]string{"op"},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweepstake_keeper_cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"cache", "result"}, // result: "hit", "miss", "stale", "error"
	)

	DistributionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweepstake_keeper_distribution_attempts_total",
			Help: "Total number of settlement attempts by outcome",
		},
		[]string{"outcome"},
	)

	DistributionSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweepstake_keeper_distribution_skipped_total",
			Help: "Total number of settlement triggers skipped before submission",
		},
		[]string{"reason"},
	)

	CurrentRound = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweepstake_keeper_current_round",
			Help: "Round id of the last authoritative snapshot",
		},
	)

	CurrentPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sweepstake_keeper_round_phase",
			Help: "1 for the current lifecycle phase, 0 otherwise",
		},
		[]string{"phase"},
	)

	PushWakeupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweepstake_keeper_push_wakeups_total",
			Help: "Total number of early wakeups requested by push sources",
		},
		[]string{"source"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweepstake_keeper_notifications_total",
			Help: "Total number of round notifications delivered to sinks",
		},
		[]string{"sink", "status"},
	)
)

// RecordLedgerCall records metrics for a ledger gateway call.
func RecordLedgerCall(op string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	LedgerCallsTotal.WithLabelValues(op, status).Inc()
	LedgerCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SetPhase marks phase as the current lifecycle phase.
func SetPhase(phase string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		CurrentPhase.WithLabelValues(p).Set(v)
	}
}
