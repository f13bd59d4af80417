package keys

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// SecretSize is the length in bytes of a raw secp256k1 private key.
const SecretSize = 32

func secp256k1Order() *big.Int {
	return btcec.S256().Params().N
}

// DeriveAddress returns the base58 P2PKH address for secret on the given
// network. The public key is serialized compressed or uncompressed as
// requested; the two forms produce different addresses.
func DeriveAddress(secret []byte, compressed bool, params *chaincfg.Params) (string, error) {
	if !InRange(secret) {
		return "", fmt.Errorf("secret out of range")
	}
	if params == nil {
		params = &chaincfg.MainNetParams
	}

	_, pub := btcec.PrivKeyFromBytes(secret)

	var serialized []byte
	if compressed {
		serialized = pub.SerializeCompressed()
	} else {
		serialized = pub.SerializeUncompressed()
	}

	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(serialized), params)
	if err != nil {
		return "", fmt.Errorf("derive address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// WIF re-encodes a valid key in wallet import format, preserving its
// compression flag and network.
func (k NormalizedKey) WIF() (string, error) {
	if !k.Valid() {
		return "", fmt.Errorf("key is not valid: %s", k.Reason)
	}
	params := &chaincfg.MainNetParams
	if k.Testnet {
		params = &chaincfg.TestNet3Params
	}
	priv, _ := btcec.PrivKeyFromBytes(k.Secret)
	wif, err := btcutil.NewWIF(priv, params, k.Compressed)
	if err != nil {
		return "", err
	}
	return wif.String(), nil
}
