package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/solana-foundation/connectorkit-sub004/internal/transport"
	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
)

const (
	testMnemonic  = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testMnemonic2 = "zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo wrong"
)

func newTestWallet(t *testing.T, cfg HDConfig) *HDWallet {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "dev"
	}
	if cfg.Mnemonic == "" {
		cfg.Mnemonic = testMnemonic
	}
	w, err := NewHDWallet(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestHDWallet_InvalidMnemonic(t *testing.T) {
	if _, err := NewHDWallet(HDConfig{ID: "dev", Mnemonic: "not a mnemonic"}); err == nil {
		t.Fatal("expected error for invalid mnemonic")
	}
}

func TestHDWallet_Deterministic(t *testing.T) {
	ctx := context.Background()
	a1, err := newTestWallet(t, HDConfig{Accounts: 2}).Connect(ctx, ConnectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	a2, err := newTestWallet(t, HDConfig{Accounts: 2}).Connect(ctx, ConnectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(a1) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(a1))
	}
	for i := range a1 {
		if a1[i].Address != a2[i].Address {
			t.Errorf("account %d differs: %s vs %s", i, a1[i].Address, a2[i].Address)
		}
	}
	if a1[0].Address == a1[1].Address {
		t.Error("distinct indices produced the same address")
	}

	other, err := newTestWallet(t, HDConfig{Mnemonic: testMnemonic2}).Connect(ctx, ConnectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if other[0].Address == a1[0].Address {
		t.Error("different mnemonics produced the same address")
	}
}

func TestHDWallet_AddressFormat(t *testing.T) {
	accounts, err := newTestWallet(t, HDConfig{}).Connect(context.Background(), ConnectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	raw := base58.Decode(accounts[0].Address)
	if len(raw) != 32 {
		t.Errorf("expected 32 byte address, got %d", len(raw))
	}
	if !strings.Contains(accounts[0].Label, "#0") {
		t.Errorf("unexpected label %q", accounts[0].Label)
	}
	if derivationPath(3) != "m/44'/501'/3'/0'" {
		t.Errorf("unexpected path %s", derivationPath(3))
	}
}

func TestHDWallet_Descriptor(t *testing.T) {
	w := newTestWallet(t, HDConfig{Name: "Dev", Protocol: models.ProtocolLegacy, Pairing: true})
	d := w.Descriptor()
	if d.ID != "dev" || d.Name != "Dev" || !d.Ready {
		t.Errorf("unexpected descriptor %+v", d)
	}
	if d.Protocol != models.ProtocolLegacy {
		t.Errorf("expected legacy protocol, got %s", d.Protocol)
	}
	for _, c := range []models.Capability{models.CapConnect, models.CapSignAndSend, models.CapPairing} {
		if !d.Features.Has(c) {
			t.Errorf("missing capability %s", c)
		}
	}
}

func TestHDWallet_SignRequiresConnection(t *testing.T) {
	w := newTestWallet(t, HDConfig{Protocol: models.ProtocolLegacy})
	ctx := context.Background()
	accounts, err := w.Connect(ctx, ConnectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	acct := accounts[0].Native.(LegacyAccount)

	sig, err := acct.SignMessage(ctx, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(acct.Address(), []byte("hello"), sig) {
		t.Error("signature does not verify")
	}
	if Verify(acct.Address(), []byte("tampered"), sig) {
		t.Error("signature verified for another message")
	}

	if err := w.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := acct.SignMessage(ctx, []byte("hello")); !errors.Is(err, models.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestHDWallet_ModernSignAndSend(t *testing.T) {
	var sent []string
	tr := transport.Func(func(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
		if method != "sendTransaction" {
			t.Errorf("unexpected method %s", method)
		}
		sent = append(sent, params[0].(string))
		return json.RawMessage(`"sig-1"`), nil
	})
	w := newTestWallet(t, HDConfig{Transport: tr})
	ctx := context.Background()
	accounts, err := w.Connect(ctx, ConnectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	acct, ok := accounts[0].Native.(ModernAccount)
	if !ok {
		t.Fatalf("expected modern account, got %T", accounts[0].Native)
	}

	sigs, err := acct.SignAndSendTransactions(ctx, []TransactionInput{{Message: []byte("msg"), Version: models.TxV0}})
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 1 || sigs[0] != "sig-1" {
		t.Errorf("unexpected signatures %v", sigs)
	}
	signed := base58.Decode(sent[0])
	if len(signed) != 65+3 || !Verify(acct.Address(), []byte("msg"), signed[:65]) {
		t.Error("submitted payload is not signature + message")
	}
}

func TestHDWallet_SendWithoutTransport(t *testing.T) {
	w := newTestWallet(t, HDConfig{Protocol: models.ProtocolLegacy})
	accounts, _ := w.Connect(context.Background(), ConnectOptions{})
	_, err := accounts[0].Native.(LegacyAccount).SignAndSendTransaction(context.Background(), []byte("tx"), SendOptions{})
	if !errors.Is(err, ErrNoTransport) {
		t.Errorf("expected ErrNoTransport, got %v", err)
	}
}

func TestHDWallet_Pairing(t *testing.T) {
	w := newTestWallet(t, HDConfig{Pairing: true})

	uris := make(chan string, 1)
	type result struct {
		accounts []models.AccountDescriptor
		err      error
	}
	done := make(chan result, 1)
	go func() {
		a, err := w.Connect(context.Background(), ConnectOptions{OnPairingURI: func(uri string) { uris <- uri }})
		done <- result{a, err}
	}()

	select {
	case uri := <-uris:
		if !strings.HasPrefix(uri, "wc:") || !strings.Contains(uri, "@2?") {
			t.Errorf("unexpected pairing uri %s", uri)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pairing uri")
	}
	for !w.ApprovePairing() {
		time.Sleep(time.Millisecond)
	}
	r := <-done
	if r.err != nil || len(r.accounts) != 1 {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestHDWallet_PairingRejectedAndCancelled(t *testing.T) {
	w := newTestWallet(t, HDConfig{Pairing: true})
	uris := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		_, err := w.Connect(context.Background(), ConnectOptions{OnPairingURI: func(uri string) { uris <- uri }})
		errs <- err
	}()
	<-uris
	w.RejectPairing()
	if err := <-errs; !errors.Is(err, models.ErrUserRejected) {
		t.Errorf("expected ErrUserRejected, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, err := w.Connect(ctx, ConnectOptions{OnPairingURI: func(string) { cancel() }})
		errs <- err
	}()
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if w.ApprovePairing() {
		t.Error("no pairing should be pending after cancellation")
	}
}

func TestHDWallet_AccountEvents(t *testing.T) {
	w := newTestWallet(t, HDConfig{Accounts: 1})

	var mu sync.Mutex
	var events [][]models.AccountDescriptor
	unsub := w.OnAccountsChanged(func(a []models.AccountDescriptor) {
		mu.Lock()
		events = append(events, a)
		mu.Unlock()
	})
	defer unsub()

	// no event before connect
	if err := w.SetAccounts(2); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := w.SetAccounts(3); err != nil {
		t.Fatal(err)
	}
	if err := w.SetAccounts(0); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if len(events[0]) != 3 || len(events[1]) != 0 {
		t.Errorf("unexpected event sizes %d, %d", len(events[0]), len(events[1]))
	}
}

func TestHDWallet_RejectNextConnect(t *testing.T) {
	w := newTestWallet(t, HDConfig{})
	w.RejectNextConnect(models.ErrUserRejected)
	if _, err := w.Connect(context.Background(), ConnectOptions{}); !errors.Is(err, models.ErrUserRejected) {
		t.Errorf("expected rejection, got %v", err)
	}
	if _, err := w.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Errorf("second connect should succeed: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	var sizes []int
	unsub := r.Subscribe(func(ws []Wallet) {
		mu.Lock()
		sizes = append(sizes, len(ws))
		mu.Unlock()
	})

	b := newTestWallet(t, HDConfig{ID: "b"})
	a := newTestWallet(t, HDConfig{ID: "a"})
	r.Register(b)
	r.Register(a)
	r.Register(newTestWallet(t, HDConfig{ID: "a", Name: "A2"})) // replaces

	ws := r.Wallets()
	if len(ws) != 2 || ws[0].Descriptor().ID != "a" || ws[1].Descriptor().ID != "b" {
		t.Fatalf("unexpected wallets %v", ws)
	}
	if got, _ := r.Get("a"); got.Descriptor().Name != "A2" {
		t.Errorf("expected replacement, got %s", got.Descriptor().Name)
	}
	if !r.Unregister("b") || r.Unregister("b") {
		t.Error("unregister should succeed once")
	}
	unsub()
	r.Register(b)

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 2, 2, 1}
	if len(sizes) != len(want) {
		t.Fatalf("expected %v, got %v", want, sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("event %d: expected %d wallets, got %d", i, want[i], sizes[i])
		}
	}
}
