// Package ledger implements the Run Ledger & Token Accounting subsystem
// (spec.md §4.10): a run record created at Worker entry and sealed at
// exit, best-effort dashboard events published alongside it, and a
// prometheus metrics surface a scrape target can expose.
//
// Grounded on internal/goals/history.go's append-only record-at-entry,
// finalize-at-exit shape (generalized from a JSONL file to the State
// Store's RecordRun/SealRun pair) and cuemby-warren/pkg/metrics/metrics.go's
// package-level prometheus.MustRegister + Timer idiom, reused verbatim for
// the trip counters and poll-latency histograms below.
package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsTotal counts sealed runs by outcome (success, throttled,
	// escalated, failed), per spec.md §4.10's "persist run metrics".
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_runs_total",
			Help: "Total number of sealed Worker runs by outcome",
		},
		[]string{"outcome"},
	)

	// CheckpointsTotal counts each distinct (non-duplicate) checkpoint
	// reached, per invariant 2 (checkpoint sequence is monotonic and
	// duplicate dashboard events are suppressed).
	CheckpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_checkpoints_total",
			Help: "Total number of checkpoints reached by name",
		},
		[]string{"checkpoint"},
	)

	// WatchdogTripsTotal, StallTripsTotal, GuardrailTripsTotal count
	// supervisor trips dispatched by the Worker (spec.md §7's
	// blocked/escalated taxonomy over watchdog/stall/guardrail repeats).
	WatchdogTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_watchdog_trips_total",
			Help: "Total number of watchdog timeouts observed",
		},
	)
	StallTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_stall_trips_total",
			Help: "Total number of stall timeouts observed",
		},
	)
	GuardrailTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_guardrail_trips_total",
			Help: "Total number of guardrail timeouts observed",
		},
	)

	// MergeGatePollDuration times each merge-gate Poll() call, matching
	// cuemby-warren's per-operation histogram convention.
	MergeGatePollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ralph_merge_gate_poll_duration_seconds",
			Help:    "Duration of a merge gate Poll() call",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TokenUsage gauges per-session cumulative token totals by direction
	// ("in"/"out"), refreshed after each RecordTokens call.
	TokenUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ralph_session_tokens_total",
			Help: "Cumulative token usage per session by direction",
		},
		[]string{"session_id", "direction"},
	)
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		CheckpointsTotal,
		WatchdogTripsTotal,
		StallTripsTotal,
		GuardrailTripsTotal,
		MergeGatePollDuration,
		TokenUsage,
	)
}

// Timer times one operation and reports it to a histogram, the same helper
// shape as cuemby-warren/pkg/metrics.Timer.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
