package checkpoint

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitWithFileWake behaves like PauseWaiter.Wait but additionally wakes
// early on any write event to pauseFlagPath. This is purely an
// optimization — production callers still re-poll check on every tick
// regardless of whether the watch fires, since the filesystem flag is
// only ever present in test/fake Queue Port backends.
func (w *PauseWaiter) WaitWithFileWake(ctx context.Context, pauseFlagPath string, check PauseCheck) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return w.Wait(ctx, check)
	}
	defer watcher.Close()

	if err := watcher.Add(pauseFlagPath); err != nil {
		return w.Wait(ctx, check)
	}

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
		case <-watcher.Events:
			// Wake early; re-check on next loop iteration without growing backoff.
			continue
		case err := <-watcher.Errors:
			if err != nil {
				return w.Wait(ctx, check)
			}
		case <-time.After(jittered):
		}

		backoff *= 2
		if backoff > w.Max {
			backoff = w.Max
		}
	}
}
