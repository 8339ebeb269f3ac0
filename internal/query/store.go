// Package query implements keyed stale-while-revalidate caches for RPC reads.
package query

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/solana-foundation/connectorkit-sub004/internal/listener"
	"github.com/solana-foundation/connectorkit-sub004/internal/metrics"
)

// ErrClosed is returned by Refresh on a closed store.
var ErrClosed = errors.New("query store closed")

// Status is the fetch status of a store.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Snapshot is an immutable view of a store. Data holds the last good value
// even while Status is loading or error.
type Snapshot[T any] struct {
	Data          T
	HasData       bool
	Status        Status
	IsStale       bool
	LastUpdatedAt time.Time
	Err           error
}

// Fetcher loads the value of a store.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Options tunes a store. Zero durations disable the matching timer, except
// DisposeDelay which only applies to stores owned by a Registry.
type Options struct {
	RefreshInterval time.Duration
	StaleAfter      time.Duration
	RetryDelay      time.Duration
	DisableRetry    bool
	DisposeDelay    time.Duration

	// Kind labels metrics and logs.
	Kind    string
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	onIdle func(epoch uint64)
}

type call[T any] struct {
	done  chan struct{}
	gen   uint64
	retry bool
	val   T
	err   error
}

// Store caches one value. Concurrent Refresh calls share a single fetch.
type Store[T any] struct {
	fetch  Fetcher[T]
	opts   Options
	logger *slog.Logger
	poller *listener.Poller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	snap         Snapshot[T]
	gen          uint64
	inflight     *call[T]
	listeners    map[uint64]func(Snapshot[T])
	nextListener uint64
	staleTimer   *time.Timer
	staleEpoch   uint64
	retryTimer   *time.Timer
	disposeTimer *time.Timer
	disposeEpoch uint64
	closed       bool
	dirty        bool
	draining     bool
}

func New[T any](fetch Fetcher[T], opts Options) *Store[T] {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store[T]{
		fetch:     fetch,
		opts:      opts,
		logger:    logger.With("component", "query", "kind", opts.Kind),
		ctx:       ctx,
		cancel:    cancel,
		snap:      Snapshot[T]{Status: StatusIdle},
		listeners: make(map[uint64]func(Snapshot[T])),
	}
	// listeners run on the trigger goroutine, never on the poll loop, so a
	// listener may unsubscribe or Close and stop the poller
	s.poller = listener.NewPoller("query:"+opts.Kind, opts.RefreshInterval, func(context.Context) error {
		go s.trigger(false)
		return nil
	}, logger)
	return s
}

// Snapshot returns the current state without side effects.
func (s *Store[T]) Snapshot() Snapshot[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Subscribe registers fn for every state change. The first subscriber starts
// the initial fetch when nothing was fetched yet, and interval refresh.
// The last unsubscribe schedules disposal.
func (s *Store[T]) Subscribe(fn func(Snapshot[T])) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	first := len(s.listeners) == 1
	if s.disposeTimer != nil {
		s.disposeTimer.Stop()
		s.disposeTimer = nil
	}
	s.disposeEpoch++
	needFetch := first && !s.closed && s.snap.Status == StatusIdle && s.inflight == nil
	closed := s.closed
	s.mu.Unlock()

	if first && !closed {
		s.poller.Start(s.ctx)
	}
	if needFetch {
		s.trigger(false)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id) })
	}
}

func (s *Store[T]) unsubscribe(id uint64) {
	s.mu.Lock()
	delete(s.listeners, id)
	last := len(s.listeners) == 0
	if last && !s.closed && s.opts.onIdle != nil {
		s.disposeEpoch++
		epoch := s.disposeEpoch
		s.disposeTimer = time.AfterFunc(s.opts.DisposeDelay, func() { s.dispose(epoch) })
	}
	s.mu.Unlock()

	if last {
		s.poller.Stop()
	}
}

func (s *Store[T]) dispose(epoch uint64) {
	s.mu.Lock()
	if s.closed || len(s.listeners) > 0 || epoch != s.disposeEpoch {
		s.mu.Unlock()
		return
	}
	s.disposeTimer = nil
	onIdle := s.opts.onIdle
	s.mu.Unlock()

	onIdle(epoch)
}

// retain cancels a pending disposal.
func (s *Store[T]) retain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposeTimer != nil {
		s.disposeTimer.Stop()
		s.disposeTimer = nil
	}
	s.disposeEpoch++
}

// idle reports whether the disposal scheduled at epoch is still due.
func (s *Store[T]) idle(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && len(s.listeners) == 0 && epoch == s.disposeEpoch
}

// Subscribers returns the number of registered listeners.
func (s *Store[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Refresh fetches a new value. While a fetch is in flight every caller
// receives that fetch's result instead of starting another one.
func (s *Store[T]) Refresh(ctx context.Context) (T, error) {
	c, err := s.start(false)
	if err != nil {
		var zero T
		return zero, err
	}
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// trigger starts a background fetch if none is in flight.
func (s *Store[T]) trigger(retry bool) {
	if _, err := s.start(retry); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Debug("background refresh not started", "error", err)
	}
}

func (s *Store[T]) start(retry bool) (*call[T], error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if c := s.inflight; c != nil {
		s.mu.Unlock()
		s.opts.Metrics.QueryCoalesced()
		return c, nil
	}
	c := &call[T]{done: make(chan struct{}), gen: s.gen, retry: retry}
	s.inflight = c
	if !retry && s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.snap.Status = StatusLoading
	s.wg.Add(1)
	s.mu.Unlock()

	s.publish()
	go s.run(c)
	return c, nil
}

func (s *Store[T]) run(c *call[T]) {
	val, err := s.fetch(s.ctx)

	s.mu.Lock()
	c.val, c.err = val, err
	if s.inflight == c {
		s.inflight = nil
	}
	// results of a fetch started before Invalidate or Close are returned to
	// its callers but never committed
	relevant := !s.closed && c.gen == s.gen
	if relevant {
		s.commitLocked(c)
	}
	close(c.done)
	s.mu.Unlock()
	s.wg.Done()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.opts.Metrics.QueryFetch(s.opts.Kind, outcome)
	if !relevant {
		s.logger.Debug("discarded result of superseded fetch", "error", err)
		return
	}
	s.publish()
}

func (s *Store[T]) commitLocked(c *call[T]) {
	if c.err != nil {
		s.snap.Status = StatusError
		s.snap.Err = c.err
		s.logger.Warn("fetch failed", "retry", c.retry, "error", c.err)
		if !c.retry && !s.opts.DisableRetry {
			s.retryTimer = time.AfterFunc(s.opts.RetryDelay, func() { s.retryFire(c.gen) })
		}
		return
	}
	s.snap.Data = c.val
	s.snap.HasData = true
	s.snap.Status = StatusSuccess
	s.snap.Err = nil
	s.snap.IsStale = false
	s.snap.LastUpdatedAt = time.Now()

	if s.staleTimer != nil {
		s.staleTimer.Stop()
		s.staleTimer = nil
	}
	s.staleEpoch++
	if s.opts.StaleAfter > 0 {
		epoch := s.staleEpoch
		s.staleTimer = time.AfterFunc(s.opts.StaleAfter, func() { s.markStale(epoch) })
	}
}

func (s *Store[T]) retryFire(gen uint64) {
	s.mu.Lock()
	s.retryTimer = nil
	skip := s.closed || gen != s.gen || s.snap.Status != StatusError
	s.mu.Unlock()
	if skip {
		return
	}
	s.logger.Debug("retrying failed fetch")
	s.trigger(true)
}

func (s *Store[T]) markStale(epoch uint64) {
	s.mu.Lock()
	if s.closed || epoch != s.staleEpoch || s.snap.IsStale {
		s.mu.Unlock()
		return
	}
	s.staleTimer = nil
	s.snap.IsStale = true
	s.mu.Unlock()
	s.publish()
}

// Invalidate marks cached data stale and detaches any in-flight fetch so its
// result is not committed. Subscribed stores refetch immediately.
func (s *Store[T]) Invalidate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.inflight = nil
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.snap.HasData {
		s.snap.IsStale = true
	}
	if s.snap.Status == StatusLoading {
		s.snap.Status = StatusIdle
		if s.snap.HasData {
			s.snap.Status = StatusSuccess
		}
	}
	refetch := len(s.listeners) > 0
	s.mu.Unlock()

	s.publish()
	if refetch {
		s.trigger(false)
	}
}

// Close stops every timer, cancels an in-flight fetch and waits for it.
// Snapshot keeps working; Refresh returns ErrClosed.
func (s *Store[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, t := range []*time.Timer{s.staleTimer, s.retryTimer, s.disposeTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.staleTimer, s.retryTimer, s.disposeTimer = nil, nil, nil
	s.inflight = nil
	s.mu.Unlock()

	s.poller.Stop()
	s.cancel()
	s.wg.Wait()
}

// publish delivers the latest snapshot to every listener. A publish from
// inside a listener, or concurrent with a running delivery, is folded into
// that delivery loop so listeners never observe snapshots out of order.
func (s *Store[T]) publish() {
	s.mu.Lock()
	s.dirty = true
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for s.dirty {
		s.dirty = false
		snap := s.snap
		fns := make([]func(Snapshot[T]), 0, len(s.listeners))
		for _, fn := range s.listeners {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn(snap)
		}
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}
