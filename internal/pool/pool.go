package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/solana-foundation/connectorkit-sub004/internal/metrics"
	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool closed")

// Key identifies a pooled handle.
type Key struct {
	Endpoint   string
	Commitment models.Commitment
}

func (k Key) String() string { return k.Endpoint + "|" + string(k.Commitment) }

// Factory creates the handle for a key.
type Factory[H io.Closer] func(ctx context.Context, key Key) (H, error)

// Config configures a Pool.
type Config struct {
	MaxConnections int
	CleanupDelay   time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Entries        int
	Pending        int // entries waiting for their eviction timer
	Creating       int
	MaxConnections int
	Refs           map[string]int
}

type entry[H io.Closer] struct {
	key     Key
	handle  H
	refs    int
	timer   *time.Timer
	epoch   uint64 // bumped whenever the eviction timer is armed or cancelled
	lastUse uint64
}

type creation struct {
	done chan struct{}
	err  error
}

// Pool is a bounded, reference counted set of handles keyed by endpoint and
// commitment. An entry whose last reference is released stays alive for
// CleanupDelay so a quick re-acquire reuses the same handle.
type Pool[H io.Closer] struct {
	factory Factory[H]
	max     int
	delay   time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	entries  map[Key]*entry[H]
	creating map[Key]*creation
	seq      uint64
	closed   bool
}

func New[H io.Closer](factory Factory[H], cfg Config) *Pool[H] {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 8
	}
	if cfg.CleanupDelay < 0 {
		cfg.CleanupDelay = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool[H]{
		factory:  factory,
		max:      cfg.MaxConnections,
		delay:    cfg.CleanupDelay,
		logger:   logger.With("component", "pool"),
		metrics:  cfg.Metrics,
		entries:  make(map[Key]*entry[H]),
		creating: make(map[Key]*creation),
	}
}

// Acquire returns a lease on the handle for key, creating it if needed.
// When the pool is full and every entry is in use, the lease shares the least
// recently used entry instead; Lease.Fallback reports that case.
func (p *Pool[H]) Acquire(ctx context.Context, key Key) (*Lease[H], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if e, ok := p.entries[key]; ok {
			lease := p.retainLocked(e, false)
			p.mu.Unlock()
			return lease, nil
		}

		if c, ok := p.creating[key]; ok {
			p.mu.Unlock()
			if err := wait(ctx, c); err != nil {
				return nil, err
			}
			continue
		}

		var victim *entry[H]
		if len(p.entries)+len(p.creating) >= p.max {
			if idle := p.oldestLocked(true); idle != nil {
				victim = idle
				p.removeLocked(idle)
			} else if live := p.oldestLocked(false); live != nil {
				lease := p.retainLocked(live, true)
				p.mu.Unlock()
				p.metrics.PoolFallback()
				p.logger.Warn("pool at capacity, sharing handle",
					"key", key.String(), "shared_key", live.key.String(), "max", p.max)
				return lease, nil
			} else {
				// every slot is still being created; wait for one of them
				var first *creation
				for _, c := range p.creating {
					first = c
					break
				}
				p.mu.Unlock()
				if err := wait(ctx, first); err != nil && ctx.Err() != nil {
					return nil, err
				}
				continue
			}
		}

		c := &creation{done: make(chan struct{})}
		p.creating[key] = c
		p.mu.Unlock()

		if victim != nil {
			p.metrics.PoolEvicted(metrics.EvictCapacity)
			p.closeHandle(victim, "capacity")
		}
		return p.create(ctx, key, c)
	}
}

func (p *Pool[H]) create(ctx context.Context, key Key, c *creation) (*Lease[H], error) {
	h, err := p.factory(ctx, key)

	p.mu.Lock()
	delete(p.creating, key)
	if err != nil {
		c.err = fmt.Errorf("create handle %s: %w", key, err)
		close(c.done)
		p.mu.Unlock()
		p.logger.Warn("create handle failed", "key", key.String(), "error", err)
		return nil, c.err
	}
	if p.closed {
		c.err = ErrClosed
		close(c.done)
		p.mu.Unlock()
		_ = h.Close()
		return nil, ErrClosed
	}
	e := &entry[H]{key: key, handle: h}
	p.entries[key] = e
	lease := p.retainLocked(e, false)
	n := len(p.entries)
	close(c.done)
	p.mu.Unlock()

	p.metrics.PoolCreated()
	p.metrics.PoolEntries(n)
	p.logger.Debug("handle created", "key", key.String(), "entries", n)
	return lease, nil
}

func wait(ctx context.Context, c *creation) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[H]) retainLocked(e *entry[H], fallback bool) *Lease[H] {
	e.refs++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.epoch++
	}
	p.seq++
	e.lastUse = p.seq
	return &Lease[H]{pool: p, entry: e, fallback: fallback}
}

// oldestLocked returns the least recently used entry that is idle (refs == 0)
// or live (refs > 0).
func (p *Pool[H]) oldestLocked(idle bool) *entry[H] {
	var best *entry[H]
	for _, e := range p.entries {
		if (e.refs == 0) != idle {
			continue
		}
		if best == nil || e.lastUse < best.lastUse {
			best = e
		}
	}
	return best
}

func (p *Pool[H]) removeLocked(e *entry[H]) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.epoch++
	delete(p.entries, e.key)
}

// Release drops one reference to key. At zero references the entry is
// evicted after CleanupDelay unless it is acquired again first.
func (p *Pool[H]) Release(key Key) {
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		p.logger.Warn("release of unknown key", "key", key.String())
		return
	}
	p.release(e)
}

func (p *Pool[H]) release(e *entry[H]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[e.key] != e {
		p.logger.Warn("release of evicted handle", "key", e.key.String())
		return
	}
	if e.refs == 0 {
		p.logger.Warn("release without reference", "key", e.key.String())
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	e.epoch++
	epoch := e.epoch
	e.timer = time.AfterFunc(p.delay, func() { p.expire(e, epoch) })
	p.logger.Debug("eviction scheduled", "key", e.key.String(), "delay", p.delay)
}

func (p *Pool[H]) expire(e *entry[H], epoch uint64) {
	p.mu.Lock()
	if p.entries[e.key] != e || e.refs > 0 || e.epoch != epoch {
		p.mu.Unlock()
		return
	}
	e.timer = nil
	p.removeLocked(e)
	n := len(p.entries)
	p.mu.Unlock()

	p.metrics.PoolEvicted(metrics.EvictIdle)
	p.metrics.PoolEntries(n)
	p.closeHandle(e, "idle")
}

func (p *Pool[H]) closeHandle(e *entry[H], reason string) {
	if err := e.handle.Close(); err != nil {
		p.logger.Warn("close handle failed", "key", e.key.String(), "reason", reason, "error", err)
		return
	}
	p.logger.Debug("handle closed", "key", e.key.String(), "reason", reason)
}

// Cleanup closes every handle and cancels every pending eviction. Leases
// handed out before Cleanup become inert. The pool stays usable.
func (p *Pool[H]) Cleanup() {
	p.mu.Lock()
	victims := make([]*entry[H], 0, len(p.entries))
	for _, e := range p.entries {
		victims = append(victims, e)
	}
	for _, e := range victims {
		p.removeLocked(e)
	}
	p.mu.Unlock()

	for _, e := range victims {
		p.metrics.PoolEvicted(metrics.EvictCleanup)
		p.closeHandle(e, "cleanup")
	}
	p.metrics.PoolEntries(0)
	if len(victims) > 0 {
		p.logger.Info("pool cleaned up", "closed", len(victims))
	}
}

// Close cleans up and rejects further acquires.
func (p *Pool[H]) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Cleanup()
}

// Stats reports entry counts and per-key reference counts.
func (p *Pool[H]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Entries:        len(p.entries),
		Creating:       len(p.creating),
		MaxConnections: p.max,
		Refs:           make(map[string]int, len(p.entries)),
	}
	for k, e := range p.entries {
		s.Refs[k.String()] = e.refs
		if e.timer != nil {
			s.Pending++
		}
	}
	return s
}

// Lease is one reference to a pooled handle.
type Lease[H io.Closer] struct {
	pool     *Pool[H]
	entry    *entry[H]
	fallback bool
	once     sync.Once
}

func (l *Lease[H]) Handle() H { return l.entry.handle }

// Key is the key of the entry actually serving the lease, which differs from
// the requested key for fallback leases.
func (l *Lease[H]) Key() Key { return l.entry.key }

func (l *Lease[H]) Fallback() bool { return l.fallback }

// Release returns the reference. Only the first call has an effect.
func (l *Lease[H]) Release() {
	l.once.Do(func() { l.pool.release(l.entry) })
}
