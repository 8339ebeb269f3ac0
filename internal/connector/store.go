// Package connector holds the wallet connection state machine and publishes
// immutable snapshots of it to subscribers.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/solana-foundation/connectorkit-sub004/internal/pool"
	"github.com/solana-foundation/connectorkit-sub004/internal/signer"
	"github.com/solana-foundation/connectorkit-sub004/internal/storage"
	"github.com/solana-foundation/connectorkit-sub004/internal/transport"
	"github.com/solana-foundation/connectorkit-sub004/internal/wallet"
	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("connector closed")
	// ErrSuperseded is returned by a connect attempt that was overtaken by a
	// disconnect or a lost wallet before it resolved.
	ErrSuperseded = errors.New("connect attempt superseded")
)

// Invalidator drops cached data bound to a cluster.
type Invalidator interface {
	InvalidateCluster(cluster string) int
}

// Snapshot is an immutable view of the store. A new value is published on
// every change.
type Snapshot struct {
	Wallets    []models.WalletDescriptor
	State      models.ConnectionState
	Cluster    models.ClusterDescriptor
	Clusters   []models.ClusterDescriptor
	Signer     signer.Signer
	PairingURI string
	Version    uint64
}

// Options configures a Store.
type Options struct {
	Clusters       []models.ClusterDescriptor
	DefaultCluster string
	// Pool supplies the endpoint handle used by the signer. Without it the
	// signer has no transport.
	Pool        *pool.Pool[*transport.Endpoint]
	Preferences *storage.Preferences
	Invalidator Invalidator
	Logger      *slog.Logger
}

type listener struct {
	id uint64
	fn func(Snapshot)
}

// Store is the single source of truth for the wallet connection.
type Store struct {
	registry    *wallet.Registry
	pool        *pool.Pool[*transport.Endpoint]
	prefs       *storage.Preferences
	invalidator Invalidator
	logger      *slog.Logger
	root        *slog.Logger // handed to signers
	clusters    []models.ClusterDescriptor

	mu       sync.Mutex
	closed   bool
	wallets  []models.WalletDescriptor
	state    models.ConnectionState
	cluster  models.ClusterDescriptor
	signer   signer.Signer
	pairing  string
	version  uint64
	gen      uint64
	mru      map[string]string
	conn     *connection
	attempt  *attempt
	unsubReg func()

	listeners []listener
	nextID    uint64
	queue     []Snapshot
	draining  bool
}

// connection is what a successful connect owns until it is torn down.
type connection struct {
	wallet      wallet.Wallet
	desc        models.WalletDescriptor
	lease       *pool.Lease[*transport.Endpoint]
	unsubscribe func()
}

type attempt struct {
	gen       uint64
	cancel    context.CancelFunc
	cancelled bool
}

// New builds a store over the wallets of registry. The active cluster is the
// persisted one when it is still configured, else DefaultCluster, else the
// first cluster.
func New(registry *wallet.Registry, opts Options) (*Store, error) {
	if len(opts.Clusters) == 0 {
		return nil, fmt.Errorf("no clusters configured")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefs := opts.Preferences
	if prefs == nil {
		prefs = storage.NewPreferences(nil)
	}
	s := &Store{
		registry:    registry,
		pool:        opts.Pool,
		prefs:       prefs,
		invalidator: opts.Invalidator,
		logger:      logger.With("component", "connector"),
		root:        logger,
		clusters:    append([]models.ClusterDescriptor(nil), opts.Clusters...),
		state:       models.Disconnected(),
		mru:         make(map[string]string),
	}
	s.cluster = s.clusters[0]
	if c, ok := s.findCluster(opts.DefaultCluster); ok {
		s.cluster = c
	}
	if id, ok := prefs.LastCluster(); ok {
		if c, ok := s.findCluster(id); ok {
			s.cluster = c
		} else {
			s.logger.Warn("ignoring unknown persisted cluster", "cluster", id)
		}
	}

	s.wallets = describe(registry.Wallets())
	s.unsubReg = registry.Subscribe(s.onWallets)
	return s, nil
}

func (s *Store) findCluster(id string) (models.ClusterDescriptor, bool) {
	for _, c := range s.clusters {
		if c.ID == id {
			return c, true
		}
	}
	return models.ClusterDescriptor{}, false
}

func describe(ws []wallet.Wallet) []models.WalletDescriptor {
	out := make([]models.WalletDescriptor, len(ws))
	for i, w := range ws {
		out[i] = w.Descriptor()
	}
	return out
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Wallets:    append([]models.WalletDescriptor(nil), s.wallets...),
		State:      s.state,
		Cluster:    s.cluster,
		Clusters:   append([]models.ClusterDescriptor(nil), s.clusters...),
		Signer:     s.signer,
		PairingURI: s.pairing,
		Version:    s.version,
	}
}

// Subscribe registers fn for every published snapshot. Snapshots are
// delivered in the order the changes happened.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) emitLocked() {
	s.version++
	s.queue = append(s.queue, s.snapshotLocked())
}

// publish delivers queued snapshots. A change made while delivery is running,
// including one made from inside a listener, is delivered by the running loop
// after the current snapshot reached every listener.
func (s *Store) publish() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		snap := s.queue[0]
		s.queue = s.queue[1:]
		fns := make([]func(Snapshot), len(s.listeners))
		for i, l := range s.listeners {
			fns[i] = l.fn
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

func (s *Store) setStateLocked(st models.ConnectionState) {
	prev := s.state.String()
	s.state = st
	s.logger.Info("connection state changed", "from", prev, "to", st.String())
	s.emitLocked()
}

// detachLocked takes ownership of the current connection and pending attempt
// away from the store and returns a function that tears them down. The
// returned function must run without the lock.
func (s *Store) detachLocked(disconnectWallet bool) func(ctx context.Context) {
	conn, att := s.conn, s.attempt
	s.conn, s.attempt = nil, nil
	s.signer = nil
	s.pairing = ""
	return func(ctx context.Context) {
		if att != nil {
			att.cancel()
		}
		if conn == nil {
			return
		}
		if conn.unsubscribe != nil {
			conn.unsubscribe()
		}
		if disconnectWallet {
			if err := conn.wallet.Disconnect(ctx); err != nil {
				s.logger.Warn("wallet disconnect failed", "wallet_id", conn.desc.ID, "error", err)
			}
		}
		if conn.lease != nil {
			conn.lease.Release()
		}
	}
}

// Select connects the wallet with the given id. A connected wallet is
// disconnected first. Selecting while a connect is in flight fails with
// ErrConnectInProgress and starts no attempt.
func (s *Store) Select(ctx context.Context, walletID string) error {
	const op = "select"
	w, found := s.registry.Get(walletID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.StateError(op, ErrClosed)
	}
	if s.state.Status() == models.StatusConnecting {
		s.mu.Unlock()
		return models.StateError(op, models.ErrConnectInProgress)
	}
	var teardown func(context.Context)
	if s.state.Status() == models.StatusConnected {
		teardown = s.detachLocked(true)
		s.setStateLocked(models.Disconnected())
	}

	s.gen++
	gen := s.gen
	s.setStateLocked(models.Connecting(walletID))

	var failure error
	switch {
	case !found:
		failure = models.ConnectionError(op, fmt.Errorf("%w: %s", models.ErrWalletNotFound, walletID))
	case !w.Descriptor().Ready:
		failure = models.ConnectionError(op, fmt.Errorf("%w: %s", models.ErrWalletNotReady, walletID))
	}
	if failure != nil {
		s.setStateLocked(models.Errored(walletID, failure))
		s.mu.Unlock()
		if teardown != nil {
			teardown(ctx)
		}
		s.publish()
		return failure
	}

	cctx, cancel := context.WithCancel(ctx)
	att := &attempt{gen: gen, cancel: cancel}
	s.attempt = att
	s.mu.Unlock()
	if teardown != nil {
		teardown(ctx)
	}
	s.publish()

	s.logger.Info("connecting wallet", "wallet_id", walletID)
	accounts, err := w.Connect(cctx, wallet.ConnectOptions{
		OnPairingURI: func(uri string) { s.setPairingURI(gen, uri) },
	})
	cancel()
	if err == nil && len(accounts) == 0 {
		err = models.ConnectionError(op, models.ErrNoAccounts)
		s.disconnectWallet(ctx, w)
	}

	var lease *pool.Lease[*transport.Endpoint]
	if err == nil {
		lease = s.leaseForCurrentCluster(ctx, gen)
	} else {
		s.mu.Lock()
	}
	// s.mu is held from here on

	if s.gen != gen {
		s.mu.Unlock()
		if lease != nil {
			lease.Release()
		}
		if err == nil {
			s.disconnectWallet(ctx, w)
		}
		s.logger.Info("discarding superseded connect result", "wallet_id", walletID)
		return models.ConnectionError(op, ErrSuperseded)
	}
	s.attempt = nil
	s.pairing = ""

	if err != nil {
		if att.cancelled {
			err = models.ConnectionError(op, models.ErrPairingCancelled)
		} else if !errors.As(err, new(*models.Error)) {
			err = models.ConnectionError(op, err)
		}
		s.setStateLocked(models.Errored(walletID, err))
		s.mu.Unlock()
		s.publish()
		s.logger.Warn("wallet connect failed", "wallet_id", walletID, "error", err)
		return err
	}

	selected := accounts[0].Address
	if prev, ok := s.mru[walletID]; ok {
		for _, a := range accounts {
			if a.Address == prev {
				selected = prev
				break
			}
		}
	}
	st, err := models.Connected(walletID, accounts, selected)
	if err != nil {
		s.setStateLocked(models.Errored(walletID, err))
		s.mu.Unlock()
		if lease != nil {
			lease.Release()
		}
		s.disconnectWallet(ctx, w)
		s.publish()
		return err
	}
	s.conn = &connection{wallet: w, desc: w.Descriptor(), lease: lease}
	s.mru[walletID] = selected
	prev := s.state.String()
	s.state = st
	s.rebuildSignerLocked()
	s.logger.Info("connection state changed", "from", prev, "to", st.String())
	s.emitLocked()
	s.mu.Unlock()

	unsub := w.OnAccountsChanged(func(accts []models.AccountDescriptor) { s.onAccounts(gen, accts) })
	s.mu.Lock()
	if s.gen == gen && s.conn != nil {
		s.conn.unsubscribe = unsub
		unsub = nil
	}
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}

	if err := s.prefs.SetLastWallet(walletID); err != nil {
		s.logger.Warn("persist wallet failed", "wallet_id", walletID, "error", err)
	}
	s.publish()
	return nil
}

// leaseForCurrentCluster acquires the endpoint of the active cluster and
// returns with s.mu held. The loop repeats if the cluster was switched while
// the lease was being acquired.
func (s *Store) leaseForCurrentCluster(ctx context.Context, gen uint64) *pool.Lease[*transport.Endpoint] {
	for {
		s.mu.Lock()
		cluster := s.cluster
		if s.pool == nil || s.gen != gen {
			return nil
		}
		s.mu.Unlock()

		lease, err := s.pool.Acquire(ctx, pool.Key{Endpoint: cluster.Endpoint, Commitment: cluster.Commitment})
		if err != nil {
			s.logger.Warn("acquire endpoint failed", "cluster", cluster.ID, "error", err)
		}
		s.mu.Lock()
		if s.cluster.ID == cluster.ID {
			return lease
		}
		s.mu.Unlock()
		if lease != nil {
			lease.Release()
		}
	}
}

func (s *Store) disconnectWallet(ctx context.Context, w wallet.Wallet) {
	if err := w.Disconnect(ctx); err != nil {
		s.logger.Warn("wallet disconnect failed", "wallet_id", w.Descriptor().ID, "error", err)
	}
}

func (s *Store) rebuildSignerLocked() {
	s.signer = nil
	acct, ok := s.state.Selected()
	if !ok || s.conn == nil {
		return
	}
	var t transport.Transport
	if s.conn.lease != nil {
		t = s.conn.lease.Handle()
	}
	sg, err := signer.New(acct, s.conn.desc, t, signer.WithLogger(s.root))
	if err != nil {
		s.logger.Warn("no signer for account", "wallet_id", s.conn.desc.ID, "address", acct.Address, "error", err)
		return
	}
	s.signer = sg
}

func (s *Store) setPairingURI(gen uint64, uri string) {
	s.mu.Lock()
	if s.gen != gen || s.state.Status() != models.StatusConnecting || (s.attempt != nil && s.attempt.cancelled) {
		s.mu.Unlock()
		return
	}
	s.pairing = uri
	s.emitLocked()
	s.mu.Unlock()
	s.publish()
}

// ClearPairingURI removes the pairing URI and cancels the pairing connect
// waiting on it. The attempt resolves to an error state with
// ErrPairingCancelled.
func (s *Store) ClearPairingURI() {
	s.mu.Lock()
	if s.pairing == "" {
		s.mu.Unlock()
		return
	}
	s.pairing = ""
	att := s.attempt
	if att != nil {
		att.cancelled = true
	}
	s.emitLocked()
	s.mu.Unlock()
	if att != nil {
		att.cancel()
	}
	s.logger.Info("pairing cancelled")
	s.publish()
}

// SelectAccount changes the selected account of the connected wallet.
func (s *Store) SelectAccount(address string) error {
	const op = "select account"
	s.mu.Lock()
	if s.state.Status() != models.StatusConnected {
		s.mu.Unlock()
		return models.StateError(op, models.ErrNotConnected)
	}
	if !s.state.HasAccount(address) {
		s.mu.Unlock()
		return models.StateError(op, fmt.Errorf("%w: %s", models.ErrInvalidAccount, address))
	}
	st, err := models.Connected(s.state.WalletID(), s.state.Accounts(), address)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mru[st.WalletID()] = address
	s.state = st
	s.rebuildSignerLocked()
	s.emitLocked()
	s.mu.Unlock()
	s.logger.Info("account selected", "address", address)
	s.publish()
	return nil
}

// Disconnect ends the connection or connect attempt and forgets the
// persisted wallet. It always succeeds.
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Status() == models.StatusDisconnected && s.attempt == nil && s.conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	teardown := s.detachLocked(true)
	s.setStateLocked(models.Disconnected())
	s.mu.Unlock()

	teardown(ctx)
	if err := s.prefs.ClearLastWallet(); err != nil {
		s.logger.Warn("clear persisted wallet failed", "error", err)
	}
	s.publish()
	return nil
}

// AutoConnect reconnects the persisted wallet. A missing, corrupt or
// unavailable preference leaves the store disconnected without error.
func (s *Store) AutoConnect(ctx context.Context) error {
	id, ok := s.prefs.LastWallet()
	if !ok {
		return nil
	}
	w, found := s.registry.Get(id)
	if !found || !w.Descriptor().Ready {
		s.logger.Info("persisted wallet unavailable", "wallet_id", id)
		return nil
	}
	return s.Select(ctx, id)
}

// SwitchCluster activates another configured cluster. The connected
// signer moves to the new endpoint and cached data of the old cluster is
// invalidated.
func (s *Store) SwitchCluster(ctx context.Context, id string) error {
	const op = "switch cluster"
	next, ok := s.findCluster(id)
	if !ok {
		return models.StateError(op, fmt.Errorf("%w: %s", models.ErrUnknownCluster, id))
	}

	var lease *pool.Lease[*transport.Endpoint]
	if s.pool != nil {
		var err error
		lease, err = s.pool.Acquire(ctx, pool.Key{Endpoint: next.Endpoint, Commitment: next.Commitment})
		if err != nil {
			return models.TransportError(op, err)
		}
	}

	s.mu.Lock()
	prev := s.cluster
	if prev.ID == next.ID {
		s.mu.Unlock()
		if lease != nil {
			lease.Release()
		}
		return nil
	}
	s.cluster = next
	var unused *pool.Lease[*transport.Endpoint]
	if s.conn != nil {
		unused, s.conn.lease = s.conn.lease, lease
		s.rebuildSignerLocked()
	} else {
		unused = lease
	}
	s.emitLocked()
	s.mu.Unlock()

	if unused != nil {
		unused.Release()
	}
	s.logger.Info("cluster switched", "from", prev.ID, "to", next.ID)
	if err := s.prefs.SetLastCluster(next.ID); err != nil {
		s.logger.Warn("persist cluster failed", "cluster", next.ID, "error", err)
	}
	if s.invalidator != nil {
		n := s.invalidator.InvalidateCluster(prev.ID)
		s.logger.Debug("invalidated cached queries", "cluster", prev.ID, "count", n)
	}
	s.publish()
	return nil
}

func (s *Store) onWallets(ws []wallet.Wallet) {
	descs := describe(ws)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wallets = descs
	var teardown func(context.Context)
	if st := s.state.Status(); st == models.StatusConnected || st == models.StatusConnecting {
		id := s.state.WalletID()
		present := false
		for _, d := range descs {
			if d.ID == id {
				present = true
				break
			}
		}
		if !present {
			s.gen++
			teardown = s.detachLocked(false)
			s.setStateLocked(models.Errored(id, models.ConnectionError("discovery", fmt.Errorf("%w: %s", models.ErrWalletLost, id))))
			s.logger.Warn("connected wallet disappeared", "wallet_id", id)
		}
	}
	if teardown == nil {
		s.emitLocked()
	}
	s.mu.Unlock()
	if teardown != nil {
		teardown(context.Background())
	}
	s.publish()
}

func (s *Store) onAccounts(gen uint64, accounts []models.AccountDescriptor) {
	s.mu.Lock()
	if s.gen != gen || s.state.Status() != models.StatusConnected {
		s.mu.Unlock()
		return
	}
	walletID := s.state.WalletID()
	if len(accounts) == 0 {
		s.gen++
		teardown := s.detachLocked(false)
		s.setStateLocked(models.Disconnected())
		s.mu.Unlock()
		teardown(context.Background())
		s.logger.Info("wallet disconnected itself", "wallet_id", walletID)
		if err := s.prefs.ClearLastWallet(); err != nil {
			s.logger.Warn("clear persisted wallet failed", "error", err)
		}
		s.publish()
		return
	}

	selected := accounts[0].Address
	if cur, ok := s.state.Selected(); ok {
		for _, a := range accounts {
			if a.Address == cur.Address {
				selected = cur.Address
				break
			}
		}
	}
	st, err := models.Connected(walletID, accounts, selected)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("ignoring invalid account change", "wallet_id", walletID, "error", err)
		return
	}
	s.state = st
	s.mru[walletID] = selected
	s.rebuildSignerLocked()
	s.emitLocked()
	s.mu.Unlock()
	s.logger.Info("accounts changed", "wallet_id", walletID, "accounts", len(accounts))
	s.publish()
}

// Close detaches from discovery and disconnects. Listeners receive the
// final disconnected snapshot.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsub := s.unsubReg
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}

	s.mu.Lock()
	s.gen++
	teardown := s.detachLocked(true)
	changed := s.state.Status() != models.StatusDisconnected
	if changed {
		s.setStateLocked(models.Disconnected())
	}
	s.mu.Unlock()
	teardown(context.Background())
	s.publish()
	return nil
}
