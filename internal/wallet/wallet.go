// Package wallet defines the wallet discovery protocol consumed by the
// connector and provides a registry of discovered wallets.
package wallet

import (
	"context"

	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
)

// ConnectOptions are passed to Wallet.Connect.
type ConnectOptions struct {
	// OnPairingURI receives the pairing URI of wallets that connect through a
	// pairing session. The URI is shown to the user, typically as a QR code.
	OnPairingURI func(uri string)
}

// Wallet is a discovered signing authority.
type Wallet interface {
	Descriptor() models.WalletDescriptor
	// Connect asks the user to authorize the wallet and returns its accounts.
	Connect(ctx context.Context, opts ConnectOptions) ([]models.AccountDescriptor, error)
	Disconnect(ctx context.Context) error
	// OnAccountsChanged registers fn for wallet-initiated account changes.
	// An empty list means the wallet disconnected.
	OnAccountsChanged(fn func([]models.AccountDescriptor)) (unsubscribe func())
}

// SendOptions tune transaction submission.
type SendOptions struct {
	SkipPreflight       bool
	PreflightCommitment models.Commitment
	MaxRetries          int
}

// LegacyAccount signs pre-serialized transactions one at a time.
type LegacyAccount interface {
	Address() string
	SignTransaction(ctx context.Context, tx []byte) ([]byte, error)
	SignAndSendTransaction(ctx context.Context, tx []byte, opts SendOptions) (string, error)
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// TransactionInput is one entry of a modern signing batch.
type TransactionInput struct {
	Message []byte
	Version models.TxVersion
	Chain   string
	Options SendOptions
}

// ModernAccount signs batches of compiled transaction messages.
type ModernAccount interface {
	Address() string
	SignTransactions(ctx context.Context, inputs []TransactionInput) ([][]byte, error)
	SignAndSendTransactions(ctx context.Context, inputs []TransactionInput) ([]string, error)
	SignMessages(ctx context.Context, msgs [][]byte) ([][]byte, error)
}
