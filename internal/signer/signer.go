// Package signer adapts the two wallet signing protocols to one interface.
package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/solana-foundation/connectorkit-sub004/internal/transport"
	"github.com/solana-foundation/connectorkit-sub004/internal/wallet"
	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
)

// Kind names the wallet protocol behind a signer.
type Kind string

const (
	KindLegacy Kind = "legacy"
	KindModern Kind = "modern"
)

// Signer signs and submits transactions for one account.
type Signer interface {
	Address() string
	Kind() Kind
	// SupportsVersioned reports whether v0 transactions can be signed.
	SupportsVersioned() bool
	// SignTransaction returns a copy of tx with Signed populated.
	SignTransaction(ctx context.Context, tx *models.Transaction) (*models.Transaction, error)
	// SignAndSend signs tx and submits it, returning the transaction signature.
	SignAndSend(ctx context.Context, tx *models.Transaction, opts wallet.SendOptions) (string, error)
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// Option configures a signer built by New.
type Option func(*base)

// WithLogger logs through l instead of slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

// New builds the signer matching the wallet's protocol. The account's native
// object must implement the protocol's account interface. t is used to fill
// in a missing recent blockhash and may be nil.
func New(account models.AccountDescriptor, desc models.WalletDescriptor, t transport.Transport, opts ...Option) (Signer, error) {
	b := base{
		address:   account.Address,
		walletID:  desc.ID,
		caps:      desc.Features,
		versioned: ProbeVersioned(desc.VersionMetadata),
		transport: t,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.logger = b.logger.With("component", "signer", "wallet_id", desc.ID, "address", account.Address)
	switch desc.Protocol {
	case models.ProtocolLegacy:
		acct, ok := account.Native.(wallet.LegacyAccount)
		if !ok {
			return nil, models.CapabilityError("new signer",
				fmt.Errorf("%w: account of %s does not implement the legacy protocol", models.ErrUnsupportedCapability, desc.ID))
		}
		return &LegacySigner{base: b, account: acct}, nil
	case models.ProtocolModern, "":
		acct, ok := account.Native.(wallet.ModernAccount)
		if !ok {
			return nil, models.CapabilityError("new signer",
				fmt.Errorf("%w: account of %s does not implement the modern protocol", models.ErrUnsupportedCapability, desc.ID))
		}
		return &ModernSigner{base: b, account: acct, chain: "solana"}, nil
	default:
		return nil, models.CapabilityError("new signer",
			fmt.Errorf("%w: protocol %q", models.ErrUnsupportedCapability, desc.Protocol))
	}
}

// ProbeVersioned inspects the supported transaction versions reported by a
// wallet, a JSON array such as ["legacy", 0]. Absent or unparseable metadata
// counts as supported.
func ProbeVersioned(metadata []byte) bool {
	if len(metadata) == 0 {
		return true
	}
	var versions []json.RawMessage
	if err := json.Unmarshal(metadata, &versions); err != nil {
		return true
	}
	for _, v := range versions {
		var n float64
		if json.Unmarshal(v, &n) == nil && n == 0 {
			return true
		}
		var s string
		if json.Unmarshal(v, &s) == nil && (s == "0" || s == string(models.TxV0)) {
			return true
		}
	}
	return false
}

type base struct {
	address   string
	walletID  string
	caps      models.CapabilitySet
	versioned bool
	transport transport.Transport
	logger    *slog.Logger
}

func (b *base) Address() string        { return b.address }
func (b *base) SupportsVersioned() bool { return b.versioned }

func (b *base) require(op string, c models.Capability) error {
	if !b.caps.Has(c) {
		return models.CapabilityError(op, fmt.Errorf("%w: %s does not support %s", models.ErrUnsupportedCapability, b.walletID, c))
	}
	return nil
}

// prepare validates tx against the wallet and returns a copy with the fee
// payer and recent blockhash filled in.
func (b *base) prepare(ctx context.Context, op string, tx *models.Transaction) (*models.Transaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("%s: nil transaction", op)
	}
	if tx.Version == models.TxV0 && !b.versioned {
		return nil, models.CapabilityError(op, fmt.Errorf("%w: %s does not support versioned transactions", models.ErrUnsupportedCapability, b.walletID))
	}
	out := *tx
	if len(out.Raw) > 0 {
		return &out, nil
	}
	if out.FeePayer == "" {
		out.FeePayer = b.address
	}
	if out.RecentBlockhash == "" {
		hash, err := b.latestBlockhash(ctx)
		if err != nil {
			return nil, err
		}
		out.RecentBlockhash = hash
	}
	return &out, nil
}

func (b *base) latestBlockhash(ctx context.Context) (string, error) {
	if b.transport == nil {
		return "", models.TransportError("getLatestBlockhash", fmt.Errorf("no transport to fetch a recent blockhash"))
	}
	var res struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := transport.Decode(ctx, b.transport, &res, "getLatestBlockhash"); err != nil {
		return "", err
	}
	if res.Value.Blockhash == "" {
		return "", models.TransportError("getLatestBlockhash", models.ErrMalformedResponse)
	}
	return res.Value.Blockhash, nil
}

// payload returns the bytes handed to the wallet.
func payload(tx *models.Transaction) ([]byte, error) {
	if len(tx.Raw) > 0 {
		return tx.Raw, nil
	}
	return CompileMessage(tx)
}

// LegacySigner signs serialized transactions through a LegacyAccount.
type LegacySigner struct {
	base
	account wallet.LegacyAccount
}

func (s *LegacySigner) Kind() Kind { return KindLegacy }

func (s *LegacySigner) SignTransaction(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if err := s.require("sign transaction", models.CapSignTransaction); err != nil {
		return nil, err
	}
	prepared, err := s.prepare(ctx, "sign transaction", tx)
	if err != nil {
		return nil, err
	}
	raw, err := payload(prepared)
	if err != nil {
		return nil, err
	}
	signed, err := s.account.SignTransaction(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	prepared.Signed = signed
	return prepared, nil
}

func (s *LegacySigner) SignAndSend(ctx context.Context, tx *models.Transaction, opts wallet.SendOptions) (string, error) {
	if err := s.require("sign and send", models.CapSignAndSend); err != nil {
		return "", err
	}
	prepared, err := s.prepare(ctx, "sign and send", tx)
	if err != nil {
		return "", err
	}
	raw, err := payload(prepared)
	if err != nil {
		return "", err
	}
	sig, err := s.account.SignAndSendTransaction(ctx, raw, opts)
	if err != nil {
		return "", fmt.Errorf("sign and send: %w", err)
	}
	s.logger.Info("transaction sent", "signature", sig)
	return sig, nil
}

func (s *LegacySigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if err := s.require("sign message", models.CapSignMessage); err != nil {
		return nil, err
	}
	sig, err := s.account.SignMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return sig, nil
}

// ModernSigner compiles transactions into messages and signs them through
// the batch pipeline of a ModernAccount.
type ModernSigner struct {
	base
	account wallet.ModernAccount
	chain   string
}

func (s *ModernSigner) Kind() Kind { return KindModern }

func (s *ModernSigner) input(tx *models.Transaction, opts wallet.SendOptions) (wallet.TransactionInput, error) {
	msg, err := payload(tx)
	if err != nil {
		return wallet.TransactionInput{}, err
	}
	version := tx.Version
	if version == "" {
		version = models.TxLegacy
	}
	return wallet.TransactionInput{Message: msg, Version: version, Chain: s.chain, Options: opts}, nil
}

func (s *ModernSigner) SignTransaction(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if err := s.require("sign transaction", models.CapSignTransaction); err != nil {
		return nil, err
	}
	prepared, err := s.prepare(ctx, "sign transaction", tx)
	if err != nil {
		return nil, err
	}
	in, err := s.input(prepared, wallet.SendOptions{})
	if err != nil {
		return nil, err
	}
	out, err := s.account.SignTransactions(ctx, []wallet.TransactionInput{in})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("sign transaction: wallet returned %d results for 1 input", len(out))
	}
	prepared.Signed = out[0]
	return prepared, nil
}

func (s *ModernSigner) SignAndSend(ctx context.Context, tx *models.Transaction, opts wallet.SendOptions) (string, error) {
	if err := s.require("sign and send", models.CapSignAndSend); err != nil {
		return "", err
	}
	prepared, err := s.prepare(ctx, "sign and send", tx)
	if err != nil {
		return "", err
	}
	in, err := s.input(prepared, opts)
	if err != nil {
		return "", err
	}
	sigs, err := s.account.SignAndSendTransactions(ctx, []wallet.TransactionInput{in})
	if err != nil {
		return "", fmt.Errorf("sign and send: %w", err)
	}
	if len(sigs) != 1 {
		return "", fmt.Errorf("sign and send: wallet returned %d signatures for 1 input", len(sigs))
	}
	s.logger.Info("transaction sent", "signature", sigs[0])
	return sigs[0], nil
}

func (s *ModernSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if err := s.require("sign message", models.CapSignMessage); err != nil {
		return nil, err
	}
	out, err := s.account.SignMessages(ctx, [][]byte{msg})
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("sign message: wallet returned %d results for 1 input", len(out))
	}
	return out[0], nil
}
