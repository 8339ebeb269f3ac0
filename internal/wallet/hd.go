package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/google/uuid"
	"github.com/solana-foundation/connectorkit-sub004/internal/transport"
	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
	"github.com/tyler-smith/go-bip39"
)

// HDConfig configures a development wallet.
type HDConfig struct {
	ID       string
	Name     string
	Icon     string
	Mnemonic string
	// Passphrase is the optional BIP-39 passphrase.
	Passphrase string
	// Accounts is the number of accounts exposed on connect. Defaults to 1.
	Accounts int
	Protocol models.Protocol
	// Features overrides the advertised capabilities.
	Features []models.Capability
	// VersionMetadata is advertised as the supported transaction versions.
	VersionMetadata []byte
	// Pairing makes Connect emit a pairing URI and wait for ApprovePairing.
	Pairing bool
	// RelayURL is embedded in pairing URIs.
	RelayURL string
	// Transport submits signed transactions. Sending fails without it.
	Transport transport.Transport
}

// ErrNoTransport is returned when a send is requested from a wallet that
// has no transport.
var ErrNoTransport = errors.New("wallet has no transport")

// HDWallet is a development wallet that derives secp256k1 accounts from a
// BIP-39 mnemonic. Keys stay in memory; it is not meant for real funds.
type HDWallet struct {
	cfg    HDConfig
	seed   []byte
	desc   models.WalletDescriptor
	logger *slog.Logger

	mu        sync.Mutex
	accounts  []*hdAccount
	connected bool
	listeners map[uint64]func([]models.AccountDescriptor)
	next      uint64
	pairing   chan error
	rejectErr error
}

func NewHDWallet(cfg HDConfig) (*HDWallet, error) {
	if !bip39.IsMnemonicValid(cfg.Mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("wallet id is empty")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.Accounts <= 0 {
		cfg.Accounts = 1
	}
	if cfg.Protocol == "" {
		cfg.Protocol = models.ProtocolModern
	}
	features := cfg.Features
	if features == nil {
		features = []models.Capability{
			models.CapConnect, models.CapDisconnect, models.CapEvents,
			models.CapSignTransaction, models.CapSignAndSend, models.CapSignMessage,
			models.CapVersionedTransactions,
		}
	}
	caps := models.NewCapabilitySet(features...)
	if cfg.Pairing {
		caps = caps.With(models.CapPairing)
	}

	w := &HDWallet{
		cfg:  cfg,
		seed: bip39.NewSeed(cfg.Mnemonic, cfg.Passphrase),
		desc: models.WalletDescriptor{
			ID:              cfg.ID,
			Name:            cfg.Name,
			Icon:            cfg.Icon,
			Ready:           true,
			Features:        caps,
			Protocol:        cfg.Protocol,
			VersionMetadata: cfg.VersionMetadata,
		},
		listeners: make(map[uint64]func([]models.AccountDescriptor)),
		logger:    slog.Default().With("component", "hd_wallet", "wallet_id", cfg.ID),
	}
	accounts, err := w.derive(cfg.Accounts)
	if err != nil {
		return nil, err
	}
	w.accounts = accounts
	return w, nil
}

func (w *HDWallet) derive(n int) ([]*hdAccount, error) {
	out := make([]*hdAccount, 0, n)
	for i := 0; i < n; i++ {
		priv, err := deriveKey(w.seed, uint32(i))
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w", derivationPath(uint32(i)), err)
		}
		out = append(out, &hdAccount{wallet: w, index: uint32(i), priv: priv, address: address(priv.PubKey())})
	}
	return out, nil
}

func (w *HDWallet) Descriptor() models.WalletDescriptor { return w.desc }

// Connect returns the derived accounts. In pairing mode it first emits a
// pairing URI through opts and blocks until the pairing is approved,
// rejected, or ctx ends.
func (w *HDWallet) Connect(ctx context.Context, opts ConnectOptions) ([]models.AccountDescriptor, error) {
	w.mu.Lock()
	if err := w.rejectErr; err != nil {
		w.rejectErr = nil
		w.mu.Unlock()
		return nil, err
	}
	var pairing chan error
	if w.cfg.Pairing {
		pairing = make(chan error, 1)
		w.pairing = pairing
	}
	w.mu.Unlock()

	if pairing != nil {
		uri := w.pairingURI()
		w.logger.Info("waiting for pairing approval")
		if opts.OnPairingURI != nil {
			opts.OnPairingURI(uri)
		}
		select {
		case err := <-pairing:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			w.mu.Lock()
			if w.pairing == pairing {
				w.pairing = nil
			}
			w.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	w.mu.Lock()
	w.connected = true
	accounts := w.descriptorsLocked()
	w.mu.Unlock()
	w.logger.Info("wallet connected", "accounts", len(accounts))
	return accounts, nil
}

func (w *HDWallet) pairingURI() string {
	q := url.Values{}
	q.Set("relay-protocol", "irn")
	if w.cfg.RelayURL != "" {
		q.Set("relay-url", w.cfg.RelayURL)
	}
	q.Set("symKey", fmt.Sprintf("%x", keccak256(w.seed)[:16]))
	return fmt.Sprintf("wc:%s@2?%s", uuid.NewString(), q.Encode())
}

// ApprovePairing resolves a pending pairing connect.
func (w *HDWallet) ApprovePairing() bool { return w.resolvePairing(nil) }

// RejectPairing fails a pending pairing connect with a user rejection.
func (w *HDWallet) RejectPairing() bool { return w.resolvePairing(models.ErrUserRejected) }

func (w *HDWallet) resolvePairing(err error) bool {
	w.mu.Lock()
	ch := w.pairing
	w.pairing = nil
	w.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- err
	return true
}

// RejectNextConnect makes the next Connect fail with err.
func (w *HDWallet) RejectNextConnect(err error) {
	w.mu.Lock()
	w.rejectErr = err
	w.mu.Unlock()
}

func (w *HDWallet) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
	w.logger.Info("wallet disconnected")
	return nil
}

func (w *HDWallet) OnAccountsChanged(fn func([]models.AccountDescriptor)) (unsubscribe func()) {
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

// SetAccounts changes the number of exposed accounts and, when connected,
// emits an account change event. Zero accounts emulates the user
// disconnecting from inside the wallet.
func (w *HDWallet) SetAccounts(n int) error {
	if n < 0 {
		return fmt.Errorf("negative account count")
	}
	accounts, err := w.derive(n)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.accounts = accounts
	connected := w.connected
	if n == 0 {
		w.connected = false
	}
	descs := w.descriptorsLocked()
	fns := make([]func([]models.AccountDescriptor), 0, len(w.listeners))
	for _, fn := range w.listeners {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	if !connected {
		return nil
	}
	w.logger.Info("accounts changed", "accounts", n)
	for _, fn := range fns {
		fn(descs)
	}
	return nil
}

func (w *HDWallet) descriptorsLocked() []models.AccountDescriptor {
	out := make([]models.AccountDescriptor, 0, len(w.accounts))
	for _, a := range w.accounts {
		d := models.AccountDescriptor{
			Address: a.address,
			Label:   fmt.Sprintf("%s #%d (%s)", w.cfg.Name, a.index, fingerprint(a.priv.PubKey())),
		}
		if w.cfg.Protocol == models.ProtocolLegacy {
			d.Native = legacyAccount{a}
		} else {
			d.Native = modernAccount{a}
		}
		out = append(out, d)
	}
	return out
}

func (w *HDWallet) send(ctx context.Context, signed []byte, opts SendOptions) (string, error) {
	if w.cfg.Transport == nil {
		return "", ErrNoTransport
	}
	cfg := map[string]any{"encoding": "base58", "skipPreflight": opts.SkipPreflight}
	if opts.PreflightCommitment != "" {
		cfg["preflightCommitment"] = opts.PreflightCommitment
	}
	if opts.MaxRetries > 0 {
		cfg["maxRetries"] = opts.MaxRetries
	}
	var sig string
	if err := transport.Decode(ctx, w.cfg.Transport, &sig, "sendTransaction", base58.Encode(signed), cfg); err != nil {
		return "", err
	}
	return sig, nil
}

type hdAccount struct {
	wallet  *HDWallet
	index   uint32
	priv    *btcec.PrivateKey
	address string
}

func (a *hdAccount) Address() string { return a.address }

func (a *hdAccount) checkConnected() error {
	a.wallet.mu.Lock()
	defer a.wallet.mu.Unlock()
	if !a.wallet.connected {
		return models.ConnectionError("sign", models.ErrNotConnected)
	}
	return nil
}

// signTx prepends the signature to the signed payload.
func (a *hdAccount) signTx(payload []byte) []byte {
	sig := sign(a.priv, payload)
	out := make([]byte, 0, len(sig)+len(payload))
	out = append(out, sig...)
	return append(out, payload...)
}

type legacyAccount struct{ *hdAccount }

func (a legacyAccount) SignTransaction(ctx context.Context, tx []byte) ([]byte, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	return a.signTx(tx), nil
}

func (a legacyAccount) SignAndSendTransaction(ctx context.Context, tx []byte, opts SendOptions) (string, error) {
	if err := a.checkConnected(); err != nil {
		return "", err
	}
	return a.wallet.send(ctx, a.signTx(tx), opts)
}

func (a legacyAccount) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	return sign(a.priv, msg), nil
}

type modernAccount struct{ *hdAccount }

func (a modernAccount) SignTransactions(ctx context.Context, inputs []TransactionInput) ([][]byte, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	out := make([][]byte, len(inputs))
	for i, in := range inputs {
		out[i] = a.signTx(in.Message)
	}
	return out, nil
}

func (a modernAccount) SignAndSendTransactions(ctx context.Context, inputs []TransactionInput) ([]string, error) {
	signed, err := a.SignTransactions(ctx, inputs)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(signed))
	for i, tx := range signed {
		sig, err := a.wallet.send(ctx, tx, inputs[i].Options)
		if err != nil {
			return nil, fmt.Errorf("send transaction %d: %w", i, err)
		}
		out[i] = sig
	}
	return out, nil
}

func (a modernAccount) SignMessages(ctx context.Context, msgs [][]byte) ([][]byte, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	out := make([][]byte, len(msgs))
	for i, m := range msgs {
		out[i] = sign(a.priv, m)
	}
	return out, nil
}
