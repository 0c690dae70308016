// Package supervisor names the four session-call trip kinds of spec.md
// §4.4 — watchdog, stall, guardrail, loop — and implements the one of
// them that is the core's own responsibility: the repeated-gate-failure
// loop detector, CheckLoop. The other three (per-tool-call watchdog,
// session idle-stall, wall-clock/tool-call-budget guardrail) are
// wall-clock timers over a live session call; that timing lives inside
// the concrete Session Port the embedding program supplies, not here —
// internal/worker.Worker only ever receives their outcome as a typed
// SupervisorTrip on ports.SessionResult and dispatches on it
// (internal/worker/session.go's dispatchTrip). TripError/TripKind follow
// the cycleFailureKind/cycleFailureError typed-classification pattern in
// cmd/ao/rpi_loop_supervisor.go, generalized from {task, infrastructure}
// to the four trip kinds here.
package supervisor

import (
	"fmt"

	"github.com/ralph-orchestrator/ralph/internal/ports"
)

// TripKind classifies which supervisor fired.
type TripKind string

const (
	TripWatchdog  TripKind = "watchdog"
	TripStall     TripKind = "stall"
	TripGuardrail TripKind = "guardrail"
	TripLoop      TripKind = "loop"
)

// TripError is the typed termination cause a supervisor raises, mirroring
// cycleFailureError's kind+err wrapping.
type TripError struct {
	Kind TripKind
	Trip ports.SupervisorTrip
	err  error
}

func (e *TripError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("supervisor: %s tripped: %s", e.Kind, e.err)
	}
	return fmt.Sprintf("supervisor: %s tripped: %s", e.Kind, e.Trip.Reason)
}

func (e *TripError) Unwrap() error { return e.err }

func newTrip(kind TripKind, reason string) *TripError {
	return &TripError{Kind: kind, Trip: ports.SupervisorTrip{Reason: reason}}
}

// LoopConfig configures the repeated-gate-failure detector.
type LoopConfig struct {
	WindowSize        int
	RepeatedThreshold int
}

// CheckLoop inspects the most recent gate-failure signatures and trips
// when the same signature repeats RepeatedThreshold times within the
// trailing WindowSize entries.
func CheckLoop(cfg LoopConfig, signatures []string) *TripError {
	if cfg.RepeatedThreshold <= 0 || len(signatures) == 0 {
		return nil
	}
	window := signatures
	if cfg.WindowSize > 0 && len(window) > cfg.WindowSize {
		window = window[len(window)-cfg.WindowSize:]
	}

	counts := make(map[string]int, len(window))
	for _, sig := range window {
		counts[sig]++
		if counts[sig] >= cfg.RepeatedThreshold {
			trip := newTrip(TripLoop, fmt.Sprintf("gate-failure signature repeated %d times", counts[sig]))
			trip.Trip.DetectedCommand = sig
			return trip
		}
	}
	return nil
}
