package ledger

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ralph-orchestrator/ralph/internal/ports"
	"github.com/ralph-orchestrator/ralph/internal/task"
	"github.com/ralph-orchestrator/ralph/internal/tracing"
)

// Event type names published to the Event Bus, per spec.md §4.10.
const (
	EventWorkerBecameBusy  = "worker.became_busy"
	EventWorkerBecameIdle  = "worker.became_idle"
	EventCheckpointReached = "worker.checkpoint.reached"
	EventLogWorker         = "log.worker"
	EventLogSessionEvent   = "log.opencode.event"
	EventLogSessionText    = "log.opencode.text"
)

// Ledger creates and seals run records, publishes best-effort dashboard
// events, and tracks token usage, per spec.md §4.10. The State Store is
// the source of truth; the Event Bus is one-way and lossy by design
// (spec.md §9), so every publish here is fire-and-forget.
type Ledger struct {
	Store ports.StateStore
	Bus   ports.EventBus
	// Tracer is optional; a nil Tracer (or one built with a disabled
	// tracing.Config) makes StartRun/SealRun's span work a no-op.
	Tracer *tracing.Provider

	mu          sync.Mutex
	seenCkpts   map[string]bool
	tokenTotals map[string][2]int64 // sessionID -> [in, out]
	runSpans    map[string]trace.Span
}

// New builds a Ledger over the given State Store and Event Bus.
func New(store ports.StateStore, bus ports.EventBus) *Ledger {
	return &Ledger{
		Store:       store,
		Bus:         bus,
		seenCkpts:   map[string]bool{},
		tokenTotals: map[string][2]int64{},
		runSpans:    map[string]trace.Span{},
	}
}

// StartRun creates a run record at Worker entry, opens a per-run trace
// span, and publishes worker.became_busy.
func (l *Ledger) StartRun(ctx context.Context, t *task.Task, kind task.RunAttemptKind) (context.Context, task.RunRecord, error) {
	rr := task.RunRecord{
		RunID:       uuid.NewString(),
		Repo:        t.Repo,
		Issue:       t.Issue,
		TaskID:      t.TaskID,
		AttemptKind: kind,
		StartedAt:   time.Now(),
	}
	if err := l.Store.RecordRun(ctx, rr); err != nil {
		return ctx, task.RunRecord{}, fmt.Errorf("ledger: record run: %w", err)
	}

	if l.Tracer != nil {
		spanCtx, span := l.Tracer.StartPhase(ctx, "ralph.worker.run", t.Repo, t.Issue, t.TaskID)
		l.mu.Lock()
		l.runSpans[rr.RunID] = span
		l.mu.Unlock()
		ctx = spanCtx
	}

	l.publish(ctx, EventWorkerBecameBusy, map[string]any{
		"runId":  rr.RunID,
		"taskId": t.TaskID,
		"issue":  t.Issue,
		"kind":   string(kind),
	})
	return ctx, rr, nil
}

// SealRun seals a run record with its outcome at Worker exit, ends its
// trace span, publishes worker.became_idle, and updates RunsTotal.
func (l *Ledger) SealRun(ctx context.Context, runID string, outcome task.RunOutcome, prURL, reason string) error {
	if err := l.Store.SealRun(ctx, runID, outcome, prURL, reason); err != nil {
		return fmt.Errorf("ledger: seal run: %w", err)
	}
	RunsTotal.WithLabelValues(string(outcome)).Inc()

	l.mu.Lock()
	span, ok := l.runSpans[runID]
	delete(l.runSpans, runID)
	l.mu.Unlock()
	if ok {
		span.End()
	}

	l.publish(ctx, EventWorkerBecameIdle, map[string]any{
		"runId":   runID,
		"outcome": string(outcome),
		"prUrl":   prURL,
		"reason":  reason,
	})
	return nil
}

// Checkpoint publishes worker.checkpoint.reached, suppressing duplicates
// for the same (taskId, seq, checkpoint) per invariant 2. Returns whether
// the event was actually published (false when suppressed as a dup).
func (l *Ledger) Checkpoint(ctx context.Context, t *task.Task, seq uint64, checkpoint task.Checkpoint) bool {
	key := t.TaskID + "/" + strconv.FormatUint(seq, 10) + "/" + string(checkpoint)

	l.mu.Lock()
	if l.seenCkpts[key] {
		l.mu.Unlock()
		return false
	}
	l.seenCkpts[key] = true
	l.mu.Unlock()

	CheckpointsTotal.WithLabelValues(string(checkpoint)).Inc()
	l.publish(ctx, EventCheckpointReached, map[string]any{
		"taskId":     t.TaskID,
		"seq":        seq,
		"checkpoint": string(checkpoint),
	})
	return true
}

// LogWorker publishes a log.worker event carrying a free-form Worker
// progress message.
func (l *Ledger) LogWorker(ctx context.Context, taskID, message string) {
	l.publish(ctx, EventLogWorker, map[string]any{
		"taskId":  taskID,
		"message": message,
	})
}

// LogSessionEvent relays a structured session callback event as
// log.opencode.event.
func (l *Ledger) LogSessionEvent(ctx context.Context, sessionID string, event map[string]any) {
	payload := map[string]any{"sessionId": sessionID}
	for k, v := range event {
		payload[k] = v
	}
	l.publish(ctx, EventLogSessionEvent, payload)
}

// LogSessionText relays raw session output text as log.opencode.text.
func (l *Ledger) LogSessionText(ctx context.Context, sessionID, text string) {
	l.publish(ctx, EventLogSessionText, map[string]any{
		"sessionId": sessionID,
		"text":      text,
	})
}

// RecordTokens persists a best-effort token-usage delta and refreshes the
// TokenUsage gauge to the Ledger's running cumulative view for that
// session.
func (l *Ledger) RecordTokens(ctx context.Context, sessionID string, tokensIn, tokensOut int64) error {
	l.mu.Lock()
	cur := l.tokenTotals[sessionID]
	cur[0] += tokensIn
	cur[1] += tokensOut
	l.tokenTotals[sessionID] = cur
	l.mu.Unlock()

	TokenUsage.WithLabelValues(sessionID, "in").Set(float64(cur[0]))
	TokenUsage.WithLabelValues(sessionID, "out").Set(float64(cur[1]))

	if err := l.Store.SaveTokenTotals(ctx, sessionID, tokensIn, tokensOut); err != nil {
		return fmt.Errorf("ledger: save token totals: %w", err)
	}
	return nil
}

// TokenTotals returns the Ledger's running cumulative (in, out) totals for
// a session.
func (l *Ledger) TokenTotals(sessionID string) (tokensIn, tokensOut int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.tokenTotals[sessionID]
	return cur[0], cur[1]
}

// RunLogFooter renders the short token-usage footer spec.md §4.10 appends
// to a completed run-log.
func RunLogFooter(tokensIn, tokensOut int64) string {
	return fmt.Sprintf("--- tokens: in=%d out=%d total=%d ---", tokensIn, tokensOut, tokensIn+tokensOut)
}

func (l *Ledger) publish(ctx context.Context, eventType string, payload map[string]any) {
	if l.Bus == nil {
		return
	}
	l.Bus.Publish(ctx, eventType, payload)
}
