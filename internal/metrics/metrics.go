// Package metrics is Ralph's Prometheus collector set: trip counters for
// each supervisor, poll histograms for the merge gate, and token-usage
// gauges for the run ledger, following the package-level var + init()
// registration shape of the teacher pack's pkg/metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker state machine
	TasksStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_tasks_started_total",
			Help: "Total number of task process/resume entries by attempt kind",
		},
		[]string{"repo", "attempt_kind"},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_tasks_completed_total",
			Help: "Total number of task runs sealed by outcome",
		},
		[]string{"repo", "outcome"},
	)

	CheckpointsReached = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_checkpoints_reached_total",
			Help: "Total number of checkpoint events recorded by checkpoint name",
		},
		[]string{"checkpoint"},
	)

	// Supervisors
	WatchdogTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_watchdog_trips_total",
			Help: "Total number of per-tool-call watchdog timeouts",
		},
	)

	StallTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_stall_trips_total",
			Help: "Total number of session idle-stall detections",
		},
	)

	GuardrailTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_guardrail_trips_total",
			Help: "Total number of wall-clock/tool-call budget guardrail trips",
		},
	)

	LoopTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_loop_trips_total",
			Help: "Total number of repeated-gate-failure loop detections",
		},
	)

	// Throttle/quota
	ThrottleDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_throttle_decisions_total",
			Help: "Total number of throttle decisions by state",
		},
		[]string{"state"},
	)

	// Merge gate
	MergeGatePollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ralph_merge_gate_poll_duration_seconds",
			Help:    "Time spent polling required checks before a merge decision",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2700},
		},
	)

	CITriageActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_ci_triage_actions_total",
			Help: "Total number of CI triage decisions by action",
		},
		[]string{"action"},
	)

	MergesCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_merges_completed_total",
			Help: "Total number of PRs merged",
		},
	)

	// Merge-conflict recovery
	MergeConflictAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_merge_conflict_attempts_total",
			Help: "Total number of merge-conflict recovery attempts",
		},
	)

	// Token accounting
	TokensIn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_tokens_in_total",
			Help: "Cumulative input tokens consumed across all sessions",
		},
	)

	TokensOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_tokens_out_total",
			Help: "Cumulative output tokens produced across all sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksStarted,
		TasksCompleted,
		CheckpointsReached,
		WatchdogTrips,
		StallTrips,
		GuardrailTrips,
		LoopTrips,
		ThrottleDecisions,
		MergeGatePollDuration,
		CITriageActions,
		MergesCompleted,
		MergeConflictAttempts,
		TokensIn,
		TokensOut,
	)
}

// Handler exposes the registered collectors over HTTP, for a caller that
// wants to scrape Ralph alongside the services it watches.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and reports it to a histogram on completion.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
