package signer

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
)

// ErrInvalidMessage is returned when a transaction cannot be compiled.
var ErrInvalidMessage = errors.New("invalid transaction message")

const versionPrefix = 0x80

type accountFlags struct {
	signer   bool
	writable bool
}

// CompileMessage serializes the instructions of tx into a transaction
// message. Accounts are ordered fee payer first, then writable signers,
// readonly signers, writable non-signers and readonly non-signers, each
// group in order of first appearance.
func CompileMessage(tx *models.Transaction) ([]byte, error) {
	if tx.FeePayer == "" {
		return nil, fmt.Errorf("%w: fee payer is empty", ErrInvalidMessage)
	}
	if len(tx.Instructions) == 0 {
		return nil, fmt.Errorf("%w: no instructions", ErrInvalidMessage)
	}
	blockhash, err := decodeKey(tx.RecentBlockhash)
	if err != nil {
		return nil, fmt.Errorf("%w: recent blockhash: %v", ErrInvalidMessage, err)
	}

	order := []string{tx.FeePayer}
	flags := map[string]*accountFlags{tx.FeePayer: {signer: true, writable: true}}
	add := func(addr string, signer, writable bool) {
		f, ok := flags[addr]
		if !ok {
			f = &accountFlags{}
			flags[addr] = f
			order = append(order, addr)
		}
		f.signer = f.signer || signer
		f.writable = f.writable || writable
	}
	for _, ix := range tx.Instructions {
		for _, m := range ix.Accounts {
			add(m.Address, m.IsSigner, m.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	var keys []string
	var numSigners, roSigned, roUnsigned int
	for _, group := range []accountFlags{{true, true}, {true, false}, {false, true}, {false, false}} {
		for _, addr := range order {
			if *flags[addr] != group {
				continue
			}
			keys = append(keys, addr)
			switch {
			case group.signer && !group.writable:
				numSigners++
				roSigned++
			case group.signer:
				numSigners++
			case !group.writable:
				roUnsigned++
			}
		}
	}
	if len(keys) > 255 {
		return nil, fmt.Errorf("%w: too many accounts", ErrInvalidMessage)
	}
	index := make(map[string]byte, len(keys))
	for i, k := range keys {
		index[k] = byte(i)
	}

	var buf []byte
	if tx.Version == models.TxV0 {
		buf = append(buf, versionPrefix)
	}
	buf = append(buf, byte(numSigners), byte(roSigned), byte(roUnsigned))
	buf = appendLength(buf, len(keys))
	for _, k := range keys {
		raw, err := decodeKey(k)
		if err != nil {
			return nil, fmt.Errorf("%w: account %q: %v", ErrInvalidMessage, k, err)
		}
		buf = append(buf, raw...)
	}
	buf = append(buf, blockhash...)

	buf = appendLength(buf, len(tx.Instructions))
	for _, ix := range tx.Instructions {
		buf = append(buf, index[ix.ProgramID])
		buf = appendLength(buf, len(ix.Accounts))
		for _, m := range ix.Accounts {
			buf = append(buf, index[m.Address])
		}
		buf = appendLength(buf, len(ix.Data))
		buf = append(buf, ix.Data...)
	}
	if tx.Version == models.TxV0 {
		buf = appendLength(buf, 0) // address table lookups
	}
	return buf, nil
}

func decodeKey(s string) ([]byte, error) {
	raw := base58.Decode(s)
	if len(raw) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

// appendLength appends n in the compact-u16 encoding.
func appendLength(buf []byte, n int) []byte {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}
