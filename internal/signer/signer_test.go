package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/solana-foundation/connectorkit-sub004/internal/transport"
	"github.com/solana-foundation/connectorkit-sub004/internal/wallet"
	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b byte) string {
	return base58.Encode(bytes.Repeat([]byte{b}, 32))
}

var (
	payer     = key(1)
	program   = key(2)
	recipient = key(3)
	cosigner  = key(4)
	sysvar    = key(5)
	blockhash = key(9)
)

type fakeLegacy struct {
	address string
	signed  [][]byte
	sent    int
}

func (f *fakeLegacy) Address() string { return f.address }

func (f *fakeLegacy) SignTransaction(ctx context.Context, tx []byte) ([]byte, error) {
	f.signed = append(f.signed, tx)
	return append([]byte("sig:"), tx...), nil
}

func (f *fakeLegacy) SignAndSendTransaction(ctx context.Context, tx []byte, opts wallet.SendOptions) (string, error) {
	f.sent++
	return "legacy-sig", nil
}

func (f *fakeLegacy) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return append([]byte("msg:"), msg...), nil
}

type fakeModern struct {
	address string
	inputs  []wallet.TransactionInput
}

func (f *fakeModern) Address() string { return f.address }

func (f *fakeModern) SignTransactions(ctx context.Context, in []wallet.TransactionInput) ([][]byte, error) {
	f.inputs = append(f.inputs, in...)
	out := make([][]byte, len(in))
	for i := range in {
		out[i] = []byte("signed")
	}
	return out, nil
}

func (f *fakeModern) SignAndSendTransactions(ctx context.Context, in []wallet.TransactionInput) ([]string, error) {
	f.inputs = append(f.inputs, in...)
	return []string{"modern-sig"}, nil
}

func (f *fakeModern) SignMessages(ctx context.Context, msgs [][]byte) ([][]byte, error) {
	return msgs, nil
}

func descriptor(p models.Protocol, caps ...models.Capability) models.WalletDescriptor {
	return models.WalletDescriptor{ID: "w", Name: "W", Ready: true, Protocol: p, Features: models.NewCapabilitySet(caps...)}
}

var allCaps = []models.Capability{models.CapSignTransaction, models.CapSignAndSend, models.CapSignMessage}

// countingTransport answers getLatestBlockhash and counts requests.
func countingTransport(calls *int32) transport.Transport {
	return transport.Func(func(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
		atomic.AddInt32(calls, 1)
		if method != "getLatestBlockhash" {
			return nil, errors.New("unexpected method " + method)
		}
		return json.RawMessage(`{"context":{"slot":1},"value":{"blockhash":"` + blockhash + `","lastValidBlockHeight":10}}`), nil
	})
}

func transfer() *models.Transaction {
	return &models.Transaction{
		Instructions: []models.Instruction{{
			ProgramID: program,
			Accounts: []models.AccountMeta{
				{Address: payer, IsSigner: true, IsWritable: true},
				{Address: recipient, IsWritable: true},
			},
			Data: []byte{2, 0, 0, 0},
		}},
	}
}

func TestNew_SelectsByProtocol(t *testing.T) {
	legacy, err := New(models.AccountDescriptor{Address: payer, Native: &fakeLegacy{address: payer}}, descriptor(models.ProtocolLegacy, allCaps...), nil)
	require.NoError(t, err)
	assert.Equal(t, KindLegacy, legacy.Kind())
	assert.Equal(t, payer, legacy.Address())

	modern, err := New(models.AccountDescriptor{Address: payer, Native: &fakeModern{address: payer}}, descriptor(models.ProtocolModern, allCaps...), nil)
	require.NoError(t, err)
	assert.Equal(t, KindModern, modern.Kind())

	_, err = New(models.AccountDescriptor{Address: payer, Native: &fakeModern{}}, descriptor(models.ProtocolLegacy), nil)
	assert.ErrorIs(t, err, models.ErrCapability)
	_, err = New(models.AccountDescriptor{Address: payer}, descriptor("smoke-signals"), nil)
	assert.ErrorIs(t, err, models.ErrUnsupportedCapability)
}

func TestSignAndSend_MissingCapabilityMakesNoCalls(t *testing.T) {
	var calls int32
	acct := &fakeLegacy{address: payer}
	s, err := New(models.AccountDescriptor{Address: payer, Native: acct},
		descriptor(models.ProtocolLegacy, models.CapSignTransaction), countingTransport(&calls))
	require.NoError(t, err)

	_, err = s.SignAndSend(context.Background(), transfer(), wallet.SendOptions{})
	assert.ErrorIs(t, err, models.ErrCapability)
	assert.ErrorIs(t, err, models.ErrUnsupportedCapability)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Zero(t, acct.sent)

	_, err = s.SignMessage(context.Background(), []byte("hi"))
	assert.ErrorIs(t, err, models.ErrUnsupportedCapability)
}

func TestSignTransaction_FillsPayerAndBlockhash(t *testing.T) {
	var calls int32
	acct := &fakeLegacy{address: payer}
	s, err := New(models.AccountDescriptor{Address: payer, Native: acct}, descriptor(models.ProtocolLegacy, allCaps...), countingTransport(&calls))
	require.NoError(t, err)

	in := transfer()
	out, err := s.SignTransaction(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, payer, out.FeePayer)
	assert.Equal(t, blockhash, out.RecentBlockhash)
	assert.Empty(t, in.FeePayer, "input is not mutated")

	msg, err := CompileMessage(out)
	require.NoError(t, err)
	require.Len(t, acct.signed, 1)
	assert.Equal(t, msg, acct.signed[0])
	assert.Equal(t, append([]byte("sig:"), msg...), out.Signed)
}

func TestSignTransaction_RawPassthrough(t *testing.T) {
	var calls int32
	acct := &fakeLegacy{address: payer}
	s, err := New(models.AccountDescriptor{Address: payer, Native: acct}, descriptor(models.ProtocolLegacy, allCaps...), countingTransport(&calls))
	require.NoError(t, err)

	_, err = s.SignTransaction(context.Background(), &models.Transaction{Raw: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Equal(t, []byte{1, 2, 3}, acct.signed[0])
}

func TestWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil)).With("client", "c1")
	s, err := New(models.AccountDescriptor{Address: payer, Native: &fakeModern{address: payer}},
		descriptor(models.ProtocolModern, allCaps...), nil, WithLogger(logger))
	require.NoError(t, err)

	tx := transfer()
	tx.RecentBlockhash = blockhash
	_, err = s.SignAndSend(context.Background(), tx, wallet.SendOptions{})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "transaction sent")
	assert.Contains(t, buf.String(), "client=c1")
	assert.Contains(t, buf.String(), "component=signer")
}

func TestModern_SingleElementBatches(t *testing.T) {
	acct := &fakeModern{address: payer}
	s, err := New(models.AccountDescriptor{Address: payer, Native: acct}, descriptor(models.ProtocolModern, allCaps...), nil)
	require.NoError(t, err)

	tx := transfer()
	tx.RecentBlockhash = blockhash
	tx.Version = models.TxV0
	sig, err := s.SignAndSend(context.Background(), tx, wallet.SendOptions{SkipPreflight: true})
	require.NoError(t, err)
	assert.Equal(t, "modern-sig", sig)
	require.Len(t, acct.inputs, 1)
	assert.Equal(t, models.TxV0, acct.inputs[0].Version)
	assert.Equal(t, "solana", acct.inputs[0].Chain)
	assert.True(t, acct.inputs[0].Options.SkipPreflight)
	assert.Equal(t, byte(versionPrefix), acct.inputs[0].Message[0])

	signed, err := s.SignTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, []byte("signed"), signed.Signed)

	out, err := s.SignMessage(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestVersionedTransactionRejected(t *testing.T) {
	acct := &fakeModern{address: payer}
	desc := descriptor(models.ProtocolModern, allCaps...)
	desc.VersionMetadata = []byte(`["legacy"]`)
	s, err := New(models.AccountDescriptor{Address: payer, Native: acct}, desc, nil)
	require.NoError(t, err)
	assert.False(t, s.SupportsVersioned())

	tx := transfer()
	tx.RecentBlockhash = blockhash
	tx.Version = models.TxV0
	_, err = s.SignTransaction(context.Background(), tx)
	assert.ErrorIs(t, err, models.ErrCapability)
	assert.Empty(t, acct.inputs)

	tx.Version = models.TxLegacy
	_, err = s.SignTransaction(context.Background(), tx)
	assert.NoError(t, err)
}

func TestProbeVersioned(t *testing.T) {
	cases := map[string]bool{
		"":                 true,
		"not json":         true,
		`["legacy", 0]`:    true,
		`["legacy","v0"]`:  true,
		`["legacy"]`:       false,
		`[]`:               false,
		`{"legacy": true}`: true,
	}
	for in, want := range cases {
		assert.Equal(t, want, ProbeVersioned([]byte(in)), "metadata %q", in)
	}
}

func TestBlockhashFailure(t *testing.T) {
	boom := transport.Func(func(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
		return nil, models.TransportError(method, models.ErrNetwork)
	})
	s, err := New(models.AccountDescriptor{Address: payer, Native: &fakeLegacy{address: payer}}, descriptor(models.ProtocolLegacy, allCaps...), boom)
	require.NoError(t, err)
	_, err = s.SignTransaction(context.Background(), transfer())
	assert.ErrorIs(t, err, models.ErrTransport)

	s, err = New(models.AccountDescriptor{Address: payer, Native: &fakeLegacy{address: payer}}, descriptor(models.ProtocolLegacy, allCaps...), nil)
	require.NoError(t, err)
	_, err = s.SignTransaction(context.Background(), transfer())
	assert.ErrorIs(t, err, models.ErrTransport)
}

func TestCompileMessage_AccountOrdering(t *testing.T) {
	tx := &models.Transaction{
		FeePayer:        payer,
		RecentBlockhash: blockhash,
		Instructions: []models.Instruction{
			{
				ProgramID: program,
				Accounts: []models.AccountMeta{
					{Address: sysvar},
					{Address: recipient, IsWritable: true},
					{Address: cosigner, IsSigner: true},
				},
				Data: []byte{7},
			},
		},
	}
	msg, err := CompileMessage(tx)
	require.NoError(t, err)

	// header: 2 signers, 1 readonly signer, 2 readonly non-signers
	assert.Equal(t, []byte{2, 1, 2}, msg[:3])
	assert.Equal(t, byte(5), msg[3])
	want := []string{payer, cosigner, recipient, sysvar, program}
	for i, k := range want {
		got := base58.Encode(msg[4+32*i : 4+32*(i+1)])
		assert.Equal(t, k, got, "account %d", i)
	}
	rest := msg[4+32*5:]
	assert.Equal(t, blockhash, base58.Encode(rest[:32]))
	// one instruction: program index 4, accounts [3 2 1], data [7]
	assert.Equal(t, []byte{1, 4, 3, 3, 2, 1, 1, 7}, rest[32:])
}

func TestCompileMessage_Errors(t *testing.T) {
	_, err := CompileMessage(&models.Transaction{RecentBlockhash: blockhash, Instructions: transfer().Instructions})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = CompileMessage(&models.Transaction{FeePayer: payer, RecentBlockhash: blockhash})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = CompileMessage(&models.Transaction{FeePayer: payer, RecentBlockhash: "short", Instructions: transfer().Instructions})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestAppendLength(t *testing.T) {
	assert.Equal(t, []byte{0x7f}, appendLength(nil, 0x7f))
	assert.Equal(t, []byte{0x80, 0x01}, appendLength(nil, 0x80))
	assert.Equal(t, []byte{0xff, 0xff, 0x03}, appendLength(nil, 0xffff))
}

func TestHDWalletRoundTrip(t *testing.T) {
	w, err := wallet.NewHDWallet(wallet.HDConfig{
		ID:       "dev",
		Mnemonic: "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about",
		Protocol: models.ProtocolLegacy,
	})
	require.NoError(t, err)
	accounts, err := w.Connect(context.Background(), wallet.ConnectOptions{})
	require.NoError(t, err)

	s, err := New(accounts[0], w.Descriptor(), nil)
	require.NoError(t, err)
	sig, err := s.SignMessage(context.Background(), []byte("gm"))
	require.NoError(t, err)
	assert.True(t, wallet.Verify(s.Address(), []byte("gm"), sig))
}
