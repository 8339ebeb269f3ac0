package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/solana-foundation/connectorkit-sub004/internal/pool"
	"github.com/solana-foundation/connectorkit-sub004/internal/storage"
	"github.com/solana-foundation/connectorkit-sub004/internal/transport"
	"github.com/solana-foundation/connectorkit-sub004/internal/wallet"
	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccount struct{ address string }

func (a fakeAccount) Address() string { return a.address }
func (a fakeAccount) SignTransactions(ctx context.Context, in []wallet.TransactionInput) ([][]byte, error) {
	return make([][]byte, len(in)), nil
}
func (a fakeAccount) SignAndSendTransactions(ctx context.Context, in []wallet.TransactionInput) ([]string, error) {
	return make([]string, len(in)), nil
}
func (a fakeAccount) SignMessages(ctx context.Context, msgs [][]byte) ([][]byte, error) {
	return msgs, nil
}

func accounts(addrs ...string) []models.AccountDescriptor {
	out := make([]models.AccountDescriptor, len(addrs))
	for i, a := range addrs {
		out[i] = models.AccountDescriptor{Address: a, Native: fakeAccount{a}}
	}
	return out
}

type fakeWallet struct {
	desc models.WalletDescriptor

	mu          sync.Mutex
	accounts    []models.AccountDescriptor
	err         error
	gate        chan struct{}
	connects    int
	disconnects int
	listeners   map[int]func([]models.AccountDescriptor)
	next        int
}

func newFakeWallet(id string, addrs ...string) *fakeWallet {
	return &fakeWallet{
		desc: models.WalletDescriptor{
			ID: id, Name: id, Ready: true, Protocol: models.ProtocolModern,
			Features: models.NewCapabilitySet(models.CapConnect, models.CapSignTransaction, models.CapSignAndSend, models.CapSignMessage),
		},
		accounts:  accounts(addrs...),
		listeners: make(map[int]func([]models.AccountDescriptor)),
	}
}

func (w *fakeWallet) Descriptor() models.WalletDescriptor { return w.desc }

func (w *fakeWallet) Connect(ctx context.Context, opts wallet.ConnectOptions) ([]models.AccountDescriptor, error) {
	w.mu.Lock()
	w.connects++
	gate := w.gate
	w.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	return append([]models.AccountDescriptor(nil), w.accounts...), nil
}

func (w *fakeWallet) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	w.disconnects++
	w.mu.Unlock()
	return nil
}

func (w *fakeWallet) OnAccountsChanged(fn func([]models.AccountDescriptor)) func() {
	w.mu.Lock()
	id := w.next
	w.next++
	w.listeners[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

func (w *fakeWallet) emit(accts []models.AccountDescriptor) {
	w.mu.Lock()
	fns := make([]func([]models.AccountDescriptor), 0, len(w.listeners))
	for _, fn := range w.listeners {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(accts)
	}
}

func (w *fakeWallet) counts() (connects, disconnects int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connects, w.disconnects
}

var testClusters = []models.ClusterDescriptor{
	{ID: "solana:devnet", Endpoint: "http://devnet.test", Commitment: models.CommitmentConfirmed},
	{ID: "solana:mainnet", Endpoint: "http://mainnet.test", Commitment: models.CommitmentFinalized},
}

func testPool(t *testing.T) *pool.Pool[*transport.Endpoint] {
	t.Helper()
	p := pool.New(func(ctx context.Context, key pool.Key) (*transport.Endpoint, error) {
		return transport.NewEndpoint(transport.EndpointConfig{
			URL:        key.Endpoint,
			Commitment: key.Commitment,
			RPC:        transport.Func(nil),
		})
	}, pool.Config{MaxConnections: 4, CleanupDelay: time.Minute})
	t.Cleanup(p.Cleanup)
	return p
}

type recordingInvalidator struct {
	mu       sync.Mutex
	clusters []string
}

func (r *recordingInvalidator) InvalidateCluster(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clusters = append(r.clusters, id)
	return 1
}

type fixture struct {
	store *Store
	reg   *wallet.Registry
	kv    *storage.MemoryKV
	prefs *storage.Preferences
	pool  *pool.Pool[*transport.Endpoint]
	inv   *recordingInvalidator
}

func newFixture(t *testing.T, wallets ...wallet.Wallet) *fixture {
	t.Helper()
	f := &fixture{reg: wallet.NewRegistry(), kv: storage.NewMemoryKV(), pool: testPool(t), inv: &recordingInvalidator{}}
	f.prefs = storage.NewPreferences(f.kv)
	for _, w := range wallets {
		f.reg.Register(w)
	}
	s, err := New(f.reg, Options{
		Clusters:    testClusters,
		Pool:        f.pool,
		Preferences: f.prefs,
		Invalidator: f.inv,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	f.store = s
	return f
}

func selected(t *testing.T, s Snapshot) string {
	t.Helper()
	acct, ok := s.State.Selected()
	require.True(t, ok, "state %s has no selection", s.State)
	return acct.Address
}

func TestSelectAccountScenario(t *testing.T) {
	f := newFixture(t, newFakeWallet("W", "A1", "A2"))
	require.NoError(t, f.store.Select(context.Background(), "W"))

	snap := f.store.Snapshot()
	assert.Equal(t, models.StatusConnected, snap.State.Status())
	assert.Equal(t, "A1", selected(t, snap))
	require.NotNil(t, snap.Signer)
	assert.Equal(t, "A1", snap.Signer.Address())

	require.NoError(t, f.store.SelectAccount("A2"))
	snap = f.store.Snapshot()
	assert.Equal(t, "A2", selected(t, snap))
	assert.Len(t, snap.State.Accounts(), 2)
	assert.Equal(t, "A2", snap.Signer.Address(), "signer follows the selection")

	err := f.store.SelectAccount("bogus")
	assert.ErrorIs(t, err, models.ErrState)
	assert.ErrorIs(t, err, models.ErrInvalidAccount)
	after := f.store.Snapshot()
	assert.Equal(t, snap.Version, after.Version)
	assert.Equal(t, "A2", selected(t, after))
}

func TestSelectAccount_NotConnected(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.store.SelectAccount("A1"), models.ErrNotConnected)
}

func TestSelect_PublishesEveryTransitionInOrder(t *testing.T) {
	f := newFixture(t, newFakeWallet("W", "A1"), newFakeWallet("V", "B1"))

	var mu sync.Mutex
	var statuses []models.ConnectionStatus
	var versions []uint64
	f.store.Subscribe(func(s Snapshot) {
		mu.Lock()
		statuses = append(statuses, s.State.Status())
		versions = append(versions, s.Version)
		mu.Unlock()
	})

	require.NoError(t, f.store.Select(context.Background(), "W"))
	require.NoError(t, f.store.Select(context.Background(), "V"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.ConnectionStatus{
		models.StatusConnecting, models.StatusConnected,
		models.StatusDisconnected, models.StatusConnecting, models.StatusConnected,
	}, statuses)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
}

func TestSelect_ConcurrentCallsMakeOneAttempt(t *testing.T) {
	w := newFakeWallet("W", "A1")
	w.gate = make(chan struct{})
	f := newFixture(t, w)

	done := make(chan error, 1)
	go func() { done <- f.store.Select(context.Background(), "W") }()
	require.Eventually(t, func() bool {
		return f.store.Snapshot().State.Status() == models.StatusConnecting
	}, time.Second, time.Millisecond)

	err := f.store.Select(context.Background(), "W")
	assert.ErrorIs(t, err, models.ErrConnectInProgress)

	close(w.gate)
	require.NoError(t, <-done)
	connects, _ := w.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, models.StatusConnected, f.store.Snapshot().State.Status())
}

func TestSelect_Failures(t *testing.T) {
	notReady := newFakeWallet("N", "A1")
	notReady.desc.Ready = false
	rejecting := newFakeWallet("R", "A1")
	rejecting.err = models.ErrUserRejected
	empty := newFakeWallet("E")

	f := newFixture(t, notReady, rejecting, empty)
	cases := map[string]error{
		"missing": models.ErrWalletNotFound,
		"N":       models.ErrWalletNotReady,
		"R":       models.ErrUserRejected,
		"E":       models.ErrNoAccounts,
	}
	for id, want := range cases {
		err := f.store.Select(context.Background(), id)
		assert.ErrorIs(t, err, want, id)
		assert.ErrorIs(t, err, models.ErrConnection, id)

		st := f.store.Snapshot().State
		assert.Equal(t, models.StatusError, st.Status(), id)
		assert.ErrorIs(t, st.Err(), want, id)
		assert.Nil(t, f.store.Snapshot().Signer)
	}
	_, disconnects := empty.counts()
	assert.Equal(t, 1, disconnects, "a wallet that returned no accounts is disconnected")
	_, ok := f.prefs.LastWallet()
	assert.False(t, ok, "failed connects are not persisted")

	// Error -> Connecting is allowed
	rejecting.mu.Lock()
	rejecting.err = nil
	rejecting.mu.Unlock()
	assert.NoError(t, f.store.Select(context.Background(), "R"))
}

func TestConnectedStateInvariant(t *testing.T) {
	w := newFakeWallet("W", "A1", "A2")
	f := newFixture(t, w)

	var violations []string
	var mu sync.Mutex
	f.store.Subscribe(func(s Snapshot) {
		if s.State.Status() != models.StatusConnected {
			return
		}
		sel, ok := s.State.Selected()
		if len(s.State.Accounts()) == 0 || !ok || !s.State.HasAccount(sel.Address) {
			mu.Lock()
			violations = append(violations, s.State.String())
			mu.Unlock()
		}
	})

	ctx := context.Background()
	require.NoError(t, f.store.Select(ctx, "W"))
	_ = f.store.SelectAccount("A2")
	_ = f.store.SelectAccount("nope")
	w.emit(accounts("A3"))
	w.emit(accounts("A3", "A4"))
	_ = f.store.SelectAccount("A4")
	w.emit(nil)
	require.NoError(t, f.store.Select(ctx, "W"))
	require.NoError(t, f.store.Disconnect(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, violations)
}

func TestDisconnect(t *testing.T) {
	w := newFakeWallet("W", "A1")
	f := newFixture(t, w)
	ctx := context.Background()

	require.NoError(t, f.store.Select(ctx, "W"))
	id, ok := f.prefs.LastWallet()
	require.True(t, ok)
	assert.Equal(t, "W", id)
	assert.Equal(t, 1, f.pool.Stats().Refs["http://devnet.test|confirmed"])

	require.NoError(t, f.store.Disconnect(ctx))
	snap := f.store.Snapshot()
	assert.Equal(t, models.StatusDisconnected, snap.State.Status())
	assert.Nil(t, snap.Signer)
	assert.Equal(t, 0, f.pool.Stats().Refs["http://devnet.test|confirmed"], "lease released")
	_, ok = f.prefs.LastWallet()
	assert.False(t, ok)
	_, disconnects := w.counts()
	assert.Equal(t, 1, disconnects)

	version := snap.Version
	require.NoError(t, f.store.Disconnect(ctx))
	assert.Equal(t, version, f.store.Snapshot().Version, "disconnect is idempotent")
}

func TestSelect_RemembersAccountPerWallet(t *testing.T) {
	f := newFixture(t, newFakeWallet("W", "A1", "A2"))
	ctx := context.Background()

	require.NoError(t, f.store.Select(ctx, "W"))
	require.NoError(t, f.store.SelectAccount("A2"))
	require.NoError(t, f.store.Disconnect(ctx))
	require.NoError(t, f.store.Select(ctx, "W"))
	assert.Equal(t, "A2", selected(t, f.store.Snapshot()))
}

func TestAutoConnect(t *testing.T) {
	w := newFakeWallet("W", "A1")
	f := newFixture(t, w)
	ctx := context.Background()

	require.NoError(t, f.store.AutoConnect(ctx), "cold start")
	assert.Equal(t, models.StatusDisconnected, f.store.Snapshot().State.Status())

	require.NoError(t, f.kv.Put(storage.KeyLastWallet, "W"))
	require.NoError(t, f.store.AutoConnect(ctx))
	assert.Equal(t, models.StatusConnected, f.store.Snapshot().State.Status())
	require.NoError(t, f.store.Disconnect(ctx))

	for _, v := range []string{"ghost", "\x00\x01", ""} {
		require.NoError(t, f.kv.Put(storage.KeyLastWallet, v))
		assert.NoError(t, f.store.AutoConnect(ctx), "value %q", v)
		assert.Equal(t, models.StatusDisconnected, f.store.Snapshot().State.Status(), "value %q", v)
	}
}

func TestWalletLost(t *testing.T) {
	f := newFixture(t, newFakeWallet("W", "A1"), newFakeWallet("V", "B1"))
	require.NoError(t, f.store.Select(context.Background(), "W"))

	f.reg.Unregister("V")
	assert.Equal(t, models.StatusConnected, f.store.Snapshot().State.Status(), "other wallets do not matter")
	assert.Len(t, f.store.Snapshot().Wallets, 1)

	f.reg.Unregister("W")
	snap := f.store.Snapshot()
	assert.Equal(t, models.StatusError, snap.State.Status())
	assert.ErrorIs(t, snap.State.Err(), models.ErrWalletLost)
	assert.Nil(t, snap.Signer)
	assert.Empty(t, snap.Wallets)
	assert.Equal(t, 0, f.pool.Stats().Refs["http://devnet.test|confirmed"])
}

func TestAccountsChanged(t *testing.T) {
	w := newFakeWallet("W", "A1", "A2")
	f := newFixture(t, w)
	require.NoError(t, f.store.Select(context.Background(), "W"))
	require.NoError(t, f.store.SelectAccount("A2"))

	w.emit(accounts("A2", "A3"))
	assert.Equal(t, "A2", selected(t, f.store.Snapshot()), "selection kept while present")

	w.emit(accounts("A3"))
	snap := f.store.Snapshot()
	assert.Equal(t, "A3", selected(t, snap))
	assert.Equal(t, "A3", snap.Signer.Address())

	w.emit(nil)
	assert.Equal(t, models.StatusDisconnected, f.store.Snapshot().State.Status())
	_, ok := f.prefs.LastWallet()
	assert.False(t, ok)

	version := f.store.Snapshot().Version
	w.emit(accounts("A1"))
	assert.Equal(t, version, f.store.Snapshot().Version, "events after disconnect are ignored")
}

func TestSwitchCluster(t *testing.T) {
	f := newFixture(t, newFakeWallet("W", "A1"))
	ctx := context.Background()
	assert.Equal(t, "solana:devnet", f.store.Snapshot().Cluster.ID)

	err := f.store.SwitchCluster(ctx, "solana:nowhere")
	assert.ErrorIs(t, err, models.ErrUnknownCluster)
	assert.ErrorIs(t, err, models.ErrState)

	require.NoError(t, f.store.Select(ctx, "W"))
	before := f.store.Snapshot().Signer

	require.NoError(t, f.store.SwitchCluster(ctx, "solana:mainnet"))
	snap := f.store.Snapshot()
	assert.Equal(t, "solana:mainnet", snap.Cluster.ID)
	assert.NotSame(t, before, snap.Signer, "signer rebuilt")
	refs := f.pool.Stats().Refs
	assert.Equal(t, 0, refs["http://devnet.test|confirmed"])
	assert.Equal(t, 1, refs["http://mainnet.test|finalized"])

	id, ok := f.prefs.LastCluster()
	require.True(t, ok)
	assert.Equal(t, "solana:mainnet", id)
	assert.Equal(t, []string{"solana:devnet"}, f.inv.clusters)

	// persisted cluster is restored by a new store
	s2, err := New(f.reg, Options{Clusters: testClusters, Preferences: f.prefs})
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, "solana:mainnet", s2.Snapshot().Cluster.ID)
}

func TestSwitchCluster_Disconnected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SwitchCluster(context.Background(), "solana:mainnet"))
	assert.Empty(t, f.pool.Stats().Refs["http://mainnet.test|finalized"])
}

func TestStaleConnectResultDiscarded(t *testing.T) {
	w := newFakeWallet("W", "A1")
	slow := &slowWallet{fakeWallet: w, release: make(chan struct{})}
	f := newFixture(t, slow)

	done := make(chan error, 1)
	go func() { done <- f.store.Select(context.Background(), "W") }()
	require.Eventually(t, func() bool {
		return f.store.Snapshot().State.Status() == models.StatusConnecting
	}, time.Second, time.Millisecond)

	require.NoError(t, f.store.Disconnect(context.Background()))
	close(slow.release)

	err := <-done
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Equal(t, models.StatusDisconnected, f.store.Snapshot().State.Status())
	_, disconnects := w.counts()
	assert.Equal(t, 1, disconnects, "the late connection is torn down")
	assert.Empty(t, f.pool.Stats().Refs["http://devnet.test|confirmed"])
}

// slowWallet resolves Connect only when release is closed, ignoring ctx.
type slowWallet struct {
	*fakeWallet
	release chan struct{}
}

func (w *slowWallet) Connect(ctx context.Context, opts wallet.ConnectOptions) ([]models.AccountDescriptor, error) {
	<-w.release
	return w.fakeWallet.Connect(context.Background(), opts)
}

func TestPairingURI(t *testing.T) {
	hd, err := wallet.NewHDWallet(wallet.HDConfig{
		ID:       "wc",
		Mnemonic: "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about",
		Pairing:  true,
	})
	require.NoError(t, err)
	f := newFixture(t, hd)

	done := make(chan error, 1)
	go func() { done <- f.store.Select(context.Background(), "wc") }()
	require.Eventually(t, func() bool { return f.store.Snapshot().PairingURI != "" }, time.Second, time.Millisecond)

	f.store.ClearPairingURI()
	err = <-done
	assert.ErrorIs(t, err, models.ErrPairingCancelled)
	snap := f.store.Snapshot()
	assert.Equal(t, models.StatusError, snap.State.Status())
	assert.Empty(t, snap.PairingURI)

	// approving clears the uri and connects
	go func() { done <- f.store.Select(context.Background(), "wc") }()
	require.Eventually(t, func() bool { return f.store.Snapshot().PairingURI != "" }, time.Second, time.Millisecond)
	require.True(t, hd.ApprovePairing())
	require.NoError(t, <-done)
	snap = f.store.Snapshot()
	assert.Equal(t, models.StatusConnected, snap.State.Status())
	assert.Empty(t, snap.PairingURI)
	require.NotNil(t, snap.Signer)
}

func TestReentrantListenerSeesOrderedSnapshots(t *testing.T) {
	f := newFixture(t, newFakeWallet("W", "A1", "A2"))

	var mu sync.Mutex
	var seen []string
	f.store.Subscribe(func(s Snapshot) {
		if s.State.Status() == models.StatusConnected {
			sel, _ := s.State.Selected()
			if sel.Address == "A1" {
				// transitions from inside a listener are queued, not nested
				require.NoError(t, f.store.SelectAccount("A2"))
			}
		}
	})
	f.store.Subscribe(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.State.String())
		mu.Unlock()
	})

	require.NoError(t, f.store.Select(context.Background(), "W"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"connecting(W)", "connected(W, A1)", "connected(W, A2)"}, seen)
}

func TestClose(t *testing.T) {
	w := newFakeWallet("W", "A1")
	f := newFixture(t, w)
	require.NoError(t, f.store.Select(context.Background(), "W"))

	require.NoError(t, f.store.Close())
	assert.Equal(t, models.StatusDisconnected, f.store.Snapshot().State.Status())
	_, ok := f.prefs.LastWallet()
	assert.True(t, ok, "close keeps the wallet for the next auto connect")

	err := f.store.Select(context.Background(), "W")
	assert.True(t, errors.Is(err, ErrClosed))

	version := f.store.Snapshot().Version
	f.reg.Unregister("W")
	assert.Equal(t, version, f.store.Snapshot().Version, "detached from discovery")
}
