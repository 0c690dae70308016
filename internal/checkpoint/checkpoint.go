// Package checkpoint implements the Checkpoint Ledger and pause protocol
// (spec.md §4.2): an append-only, exactly-once event log keyed by
// (taskId, seq, checkpoint), and a pause poller that backs off between
// checks for a human-requested pause to clear.
//
// The dispatch-per-named-step shape is grounded on
// internal/ratchet.GateChecker.Check; the append-only, idempotent-append
// log is grounded on internal/ratchet.Chain's JSONL entry log.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ralph-orchestrator/ralph/internal/task"
)

// ErrCheckpointRegressed is returned when a caller attempts to record a
// checkpoint that does not advance (or repeat) the task's current
// position in the canonical ordering.
var ErrCheckpointRegressed = errors.New("checkpoint: cannot regress past last recorded checkpoint")

// Event is one entry in the append-only checkpoint ledger.
type Event struct {
	TaskID     string
	Seq        uint64
	Checkpoint task.Checkpoint
	RecordedAt time.Time
}

func eventKey(taskID string, seq uint64, cp task.Checkpoint) string {
	return fmt.Sprintf("%s/%d/%s", taskID, seq, cp)
}

// Ledger is the in-process, exactly-once append-only event log. A
// production deployment persists entries through the Queue/StateStore
// ports; Ledger only guards the in-process dedupe invariant, matching how
// Chain guards append-ordering before anything touches disk.
type Ledger struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	events []Event
}

// NewLedger constructs an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{seen: map[string]struct{}{}}
}

// Record appends an event if (taskId, seq, checkpoint) has not been seen
// before. Returns false without error when the event is a duplicate —
// callers must treat that as a no-op, not a failure (spec.md §4.2
// "exactly-once").
func (l *Ledger) Record(t *task.Task, cp task.Checkpoint) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t.LastCheckpoint != "" && cp.Precedes(t.LastCheckpoint) {
		return false, fmt.Errorf("%w: task %s at %s, attempted %s", ErrCheckpointRegressed, t.TaskID, t.LastCheckpoint, cp)
	}

	key := eventKey(t.TaskID, t.CheckpointSeq, cp)
	if _, dup := l.seen[key]; dup {
		return false, nil
	}
	l.seen[key] = struct{}{}
	l.events = append(l.events, Event{TaskID: t.TaskID, Seq: t.CheckpointSeq, Checkpoint: cp, RecordedAt: time.Now()})

	t.LastCheckpoint = cp
	t.CheckpointSeq++
	return true, nil
}

// Events returns a snapshot of every event recorded so far, in append
// order, for assertions in tests.
func (l *Ledger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// PauseWaiter polls for a pause flag to clear, using the full-jitter
// exponential backoff ladder from spec.md §4.2 (250ms initial, 2s cap).
type PauseWaiter struct {
	Initial time.Duration
	Max     time.Duration
	rand    *rand.Rand
}

// NewPauseWaiter builds a PauseWaiter with the spec's default ladder.
func NewPauseWaiter() *PauseWaiter {
	return &PauseWaiter{
		Initial: 250 * time.Millisecond,
		Max:     2 * time.Second,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// PauseCheck is polled by Wait on every tick; it returns whether the task
// is still paused.
type PauseCheck func(ctx context.Context) (paused bool, err error)

// Wait blocks, polling check with jittered exponential backoff, until
// check reports not-paused, ctx is cancelled, or check errors.
func (w *PauseWaiter) Wait(ctx context.Context, check PauseCheck) error {
	backoff := w.Initial
	for {
		paused, err := check(ctx)
		if err != nil {
			return err
		}
		if !paused {
			return nil
		}

		jittered := time.Duration(w.rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		backoff *= 2
		if backoff > w.Max {
			backoff = w.Max
		}
	}
}
