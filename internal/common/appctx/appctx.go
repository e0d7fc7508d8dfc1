// Package appctx provides context helpers for background work.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context for work that runs outside any request. It
// expires after timeout or as soon as the component's stop channel
// closes, whichever comes first. The caller must call cancel.
func Detached(stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	watcher, stopWatch := context.WithCancel(ctx)
	go func() {
		defer stopWatch()
		select {
		case <-stopCh:
			cancel()
		case <-watcher.Done():
		}
	}()

	return ctx, func() {
		stopWatch()
		cancel()
	}
}
