package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Commitment is the confirmation depth requested for a read.
type Commitment string

// Supported commitment levels.
const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// ParseCommitment validates a commitment string. Empty input yields confirmed.
func ParseCommitment(s string) (Commitment, error) {
	switch c := Commitment(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return CommitmentConfirmed, nil
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
		return c, nil
	default:
		return "", fmt.Errorf("unknown commitment %q", s)
	}
}

// Capability is a single wallet feature.
type Capability string

// Wallet features reported by discovery.
const (
	CapConnect               Capability = "connect"
	CapDisconnect            Capability = "disconnect"
	CapEvents                Capability = "events"
	CapSignTransaction       Capability = "signTransaction"
	CapSignAndSend           Capability = "signAndSendTransaction"
	CapSignMessage           Capability = "signMessage"
	CapPairing               Capability = "pairing"
	CapVersionedTransactions Capability = "versionedTransactions"
)

// CapabilitySet is an immutable set of capabilities.
type CapabilitySet struct {
	caps map[Capability]struct{}
}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := CapabilitySet{caps: make(map[Capability]struct{}, len(caps))}
	for _, c := range caps {
		s.caps[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s.caps[c]
	return ok
}

// With returns a copy of the set including caps.
func (s CapabilitySet) With(caps ...Capability) CapabilitySet {
	return NewCapabilitySet(append(s.List(), caps...)...)
}

// List returns the capabilities sorted by name.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Protocol identifies which signing protocol a wallet speaks.
type Protocol string

// Signing protocols.
const (
	// ProtocolLegacy signs pre-built serialized transactions.
	ProtocolLegacy Protocol = "legacy"
	// ProtocolModern signs compiled instruction messages in batches.
	ProtocolModern Protocol = "modern"
)

// WalletDescriptor describes a discovered wallet.
type WalletDescriptor struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Icon     string        `json:"icon,omitempty"`
	Ready    bool          `json:"ready"`
	Features CapabilitySet `json:"-"`
	Protocol Protocol      `json:"protocol"`
	// VersionMetadata is the raw supportedTransactionVersions feature value, if any.
	VersionMetadata []byte `json:"-"`
}

// AccountDescriptor is an account reported by a wallet.
type AccountDescriptor struct {
	Address string `json:"address"`
	Icon    string `json:"icon,omitempty"`
	Label   string `json:"label,omitempty"`
	// Native is the wallet-native account object used to build a signer.
	Native any `json:"-"`
}

// ClusterDescriptor is a named network endpoint.
type ClusterDescriptor struct {
	ID         string     `json:"id" yaml:"id"`
	Label      string     `json:"label" yaml:"label"`
	Endpoint   string     `json:"endpoint" yaml:"endpoint"`
	WSEndpoint string     `json:"wsEndpoint,omitempty" yaml:"wsEndpoint"`
	Commitment Commitment `json:"commitment" yaml:"commitment"`
}

// TxVersion is the wire format of a transaction.
type TxVersion string

// Transaction versions.
const (
	TxLegacy TxVersion = "legacy"
	TxV0     TxVersion = "v0"
)

// AccountMeta is an account referenced by an instruction.
type AccountMeta struct {
	Address    string `json:"address"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID string        `json:"programId"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      []byte        `json:"data"`
}

// Transaction is a transaction either built from instructions or supplied raw.
type Transaction struct {
	Version         TxVersion     `json:"version"`
	FeePayer        string        `json:"feePayer"`
	RecentBlockhash string        `json:"recentBlockhash,omitempty"`
	Instructions    []Instruction `json:"instructions,omitempty"`
	// Raw is a pre-serialized transaction. When set, Instructions are ignored.
	Raw       []byte `json:"-"`
	Signature string `json:"signature,omitempty"`
	Signed    []byte `json:"-"`
}

// LamportsPerSOL is the number of base units in one SOL.
const LamportsPerSOL = 1_000_000_000

// Balance is an account balance in base units.
type Balance struct {
	Address  string `json:"address"`
	Lamports uint64 `json:"lamports"`
	Slot     uint64 `json:"slot"`
}

// SOL returns the balance in whole SOL.
func (b Balance) SOL() float64 { return float64(b.Lamports) / LamportsPerSOL }

// TokenAccount is a token account owned by an address.
type TokenAccount struct {
	Pubkey   string `json:"pubkey"`
	Mint     string `json:"mint"`
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
}

// SignatureInfo is an entry of an address's transaction history.
type SignatureInfo struct {
	Signature string     `json:"signature"`
	Slot      uint64     `json:"slot"`
	Err       any        `json:"err"`
	Memo      string     `json:"memo,omitempty"`
	BlockTime *time.Time `json:"-"`
}
