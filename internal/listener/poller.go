package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PollFunc is invoked on every tick. Errors are logged and polling continues.
type PollFunc func(ctx context.Context) error

// Poller calls a PollFunc at a fixed interval until stopped.
type Poller struct {
	interval time.Duration
	fn       PollFunc
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller returns a stopped poller. A nil logger uses slog.Default.
func NewPoller(name string, interval time.Duration, fn PollFunc, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		interval: interval,
		fn:       fn,
		logger:   logger.With("component", "poller", "name", name),
	}
}

// Start begins polling. Starting a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil || p.interval <= 0 {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.pollLoop(ctx, p.done)
	p.logger.Debug("poller started", "interval", p.interval)
}

// Stop ends polling and waits for an in-progress poll to return. It must not
// be called from the PollFunc itself.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Debug("poller stopped")
}

// Running reports whether the poller has been started and not stopped.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.fn(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("poll failed", "error", err)
			}
		}
	}
}
