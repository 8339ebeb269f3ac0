package query

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Key identifies a cached read. Changing any field selects a different store.
type Key struct {
	Kind    string
	Address string
	Cluster string
	Params  string
}

// String renders the key as kind:address:cluster[:params].
func (k Key) String() string {
	parts := []string{k.Kind, k.Address, k.Cluster}
	if k.Params != "" {
		parts = append(parts, k.Params)
	}
	return strings.Join(parts, ":")
}

type entry interface {
	Invalidate()
	Close()
	retain()
	idle(epoch uint64) bool
}

// Registry owns one store per key and drops stores that stay unsubscribed
// for their dispose delay.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	entries map[Key]entry
	closed  bool
}

// NewRegistry creates a registry whose stores use opts.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:    opts,
		logger:  logger.With("component", "query_registry"),
		entries: make(map[Key]entry),
	}
}

// Get returns the store for key, creating it with fetch on first use. A key
// already bound to a store of another value type is an error.
func Get[T any](r *Registry, key Key, fetch Fetcher[T]) (*Store[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if e, ok := r.entries[key]; ok {
		s, ok := e.(*Store[T])
		if !ok {
			return nil, fmt.Errorf("query %s: cached store has type %T", key, e)
		}
		// a store handed out again must not be disposed by a timer that
		// fired before this call
		s.retain()
		return s, nil
	}

	opts := r.opts
	opts.Kind = key.Kind
	opts.Logger = r.logger.With("key", key.String())
	var s *Store[T]
	opts.onIdle = func(epoch uint64) { r.drop(key, s, epoch) }
	s = New(fetch, opts)
	r.entries[key] = s
	r.opts.Metrics.QueryStores(len(r.entries))
	return s, nil
}

func (r *Registry) drop(key Key, e entry, epoch uint64) {
	r.mu.Lock()
	if cur, ok := r.entries[key]; !ok || cur != e || !e.idle(epoch) {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	n := len(r.entries)
	r.mu.Unlock()

	r.opts.Metrics.QueryStores(n)
	e.Close()
	r.logger.Debug("store disposed", "key", key.String())
}

// InvalidateCluster invalidates and removes every store keyed by cluster.
func (r *Registry) InvalidateCluster(cluster string) int {
	r.mu.Lock()
	var victims []entry
	for k, e := range r.entries {
		if k.Cluster == cluster {
			victims = append(victims, e)
			delete(r.entries, k)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	for _, e := range victims {
		e.Invalidate()
		e.Close()
	}
	r.opts.Metrics.QueryStores(n)
	if len(victims) > 0 {
		r.logger.Info("cluster invalidated", "cluster", cluster, "stores", len(victims))
	}
	return len(victims)
}

// Len returns the number of live stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes every store and rejects further Get calls.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	victims := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		victims = append(victims, e)
	}
	r.entries = make(map[Key]entry)
	r.mu.Unlock()

	for _, e := range victims {
		e.Close()
	}
	r.opts.Metrics.QueryStores(0)
}
