package wallet

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/tyler-smith/go-bip32"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // used for short key fingerprints only
	"golang.org/x/crypto/sha3"
)

// coinType is the BIP-44 coin type of Solana.
const coinType = 501

// deriveKey derives the private key of account index along
// m/44'/501'/{index}'/0'.
func deriveKey(seed []byte, index uint32) (*btcec.PrivateKey, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	path := []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + coinType,
		bip32.FirstHardenedChild + index,
		bip32.FirstHardenedChild + 0,
	}
	key := masterKey
	for depth, child := range path {
		key, err = key.NewChildKey(child)
		if err != nil {
			return nil, fmt.Errorf("derive depth %d: %w", depth+1, err)
		}
	}

	priv, _ := btcec.PrivKeyFromBytes(key.Key)
	return priv, nil
}

// derivationPath renders the path used by deriveKey.
func derivationPath(index uint32) string {
	return fmt.Sprintf("m/44'/%d'/%d'/0'", coinType, index)
}

// address encodes the x coordinate of the compressed public key, which is
// 32 bytes like a native account address.
func address(pub *btcec.PublicKey) string {
	return base58.Encode(pub.SerializeCompressed()[1:])
}

// fingerprint is the first four bytes of Hash160(pubKey), hex encoded.
func fingerprint(pub *btcec.PublicKey) string {
	return fmt.Sprintf("%x", hash160(pub.SerializeCompressed())[:4])
}

func hash160(data []byte) []byte {
	sha := sha256.Sum256(data)
	ripe := ripemd160.New()
	ripe.Write(sha[:])
	return ripe.Sum(nil)
}

// sign returns a 65 byte compact signature over the Keccak-256 digest of msg.
func sign(priv *btcec.PrivateKey, msg []byte) []byte {
	digest := keccak256(msg)
	return ecdsa.SignCompact(priv, digest, true)
}

// Verify checks a signature produced by a development wallet account.
func Verify(addr string, msg, sig []byte) bool {
	pub, _, err := ecdsa.RecoverCompact(sig, keccak256(msg))
	if err != nil {
		return false
	}
	return address(pub) == addr
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
