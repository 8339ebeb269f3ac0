package wallet

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry holds the currently discovered wallets. Registering an id again
// replaces the previous wallet wholesale.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	wallets   map[string]Wallet
	listeners map[uint64]func([]Wallet)
	next      uint64
	dirty     bool
	draining  bool
}

func NewRegistry() *Registry {
	return &Registry{
		logger:    slog.Default().With("component", "wallet_registry"),
		wallets:   make(map[string]Wallet),
		listeners: make(map[uint64]func([]Wallet)),
	}
}

func (r *Registry) Register(w Wallet) {
	id := w.Descriptor().ID
	r.mu.Lock()
	_, replaced := r.wallets[id]
	r.wallets[id] = w
	r.mu.Unlock()
	r.logger.Info("wallet registered", "wallet_id", id, "replaced", replaced)
	r.notify()
}

// Unregister removes id and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.wallets[id]
	delete(r.wallets, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.logger.Info("wallet unregistered", "wallet_id", id)
	r.notify()
	return true
}

func (r *Registry) Get(id string) (Wallet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[id]
	return w, ok
}

// Wallets returns the registered wallets sorted by id.
func (r *Registry) Wallets() []Wallet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []Wallet {
	out := make([]Wallet, 0, len(r.wallets))
	for _, w := range r.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor().ID < out[j].Descriptor().ID })
	return out
}

// Subscribe registers fn for every change of the wallet list. fn receives
// the full list.
func (r *Registry) Subscribe(fn func([]Wallet)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.next
	r.next++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// notify delivers the latest list. Changes made while a delivery is running,
// including from inside a listener, are delivered by that same loop.
func (r *Registry) notify() {
	r.mu.Lock()
	r.dirty = true
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	for r.dirty {
		r.dirty = false
		list := r.listLocked()
		fns := make([]func([]Wallet), 0, len(r.listeners))
		for _, fn := range r.listeners {
			fns = append(fns, fn)
		}
		r.mu.Unlock()
		for _, fn := range fns {
			fn(list)
		}
		r.mu.Lock()
	}
	r.draining = false
	r.mu.Unlock()
}
