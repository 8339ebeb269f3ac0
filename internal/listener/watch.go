package listener

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Notifier is a stream of push notifications, such as a websocket
// subscription.
type Notifier interface {
	Notifications() <-chan json.RawMessage
	Unsubscribe()
}

// Watch calls refresh for every notification delivered by n until the stream
// ends or the returned stop function is called. stop unsubscribes n and waits
// for an in-progress refresh to return, so it must not be called from refresh.
// A nil logger uses slog.Default.
func Watch(n Notifier, refresh PollFunc, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "watcher")

	go func() {
		defer close(done)
		notes := n.Notifications()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notes:
				if !ok {
					logger.Debug("notification stream ended")
					return
				}
				if err := refresh(ctx); err != nil && ctx.Err() == nil {
					logger.Warn("refresh on notification failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			n.Unsubscribe()
			<-done
		})
	}
}
