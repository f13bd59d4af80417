package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	bip38Version     = 0x01
	bip38NonECPrefix = 0x42
	bip38ECPrefix    = 0x43
	bip38PayloadLen  = 38
)

func decodeBIP38(token string) NormalizedKey {
	payload, version, err := base58.CheckDecode(token)
	if err != nil {
		if errors.Is(err, base58.ErrChecksum) {
			return invalid(token, FormatBIP38, "bip38 checksum mismatch")
		}
		return invalid(token, FormatBIP38, "malformed bip38 key")
	}
	if version != bip38Version || len(payload) != bip38PayloadLen ||
		(payload[0] != bip38NonECPrefix && payload[0] != bip38ECPrefix) {
		return invalid(token, FormatBIP38, "malformed bip38 key")
	}
	return NormalizedKey{
		Key:    token,
		Format: FormatBIP38,
		Status: StatusUnsupported,
		Reason: "bip38 encrypted key requires a passphrase",
	}
}

func decodeWIF(token string) NormalizedKey {
	wif, err := btcutil.DecodeWIF(token)
	if err != nil {
		if errors.Is(err, btcutil.ErrChecksumMismatch) {
			return invalid(token, FormatWIF, "wif checksum mismatch")
		}
		return invalid(token, FormatWIF, "malformed wif key")
	}

	var params *chaincfg.Params
	switch {
	case wif.IsForNet(&chaincfg.MainNetParams):
		params = &chaincfg.MainNetParams
	case wif.IsForNet(&chaincfg.TestNet3Params):
		params = &chaincfg.TestNet3Params
	default:
		return invalid(token, FormatWIF, "unknown wif network")
	}

	// DecodeWIF reduces the secret modulo n, so range-check the encoded bytes.
	decoded := base58.Decode(token)
	secret := append([]byte(nil), decoded[1:1+SecretSize]...)
	if !InRange(secret) {
		return invalid(token, FormatWIF, "secret out of range")
	}

	return derive(NormalizedKey{
		Key:        token,
		Format:     FormatWIF,
		Secret:     secret,
		Compressed: wif.CompressPubKey,
		Testnet:    params == &chaincfg.TestNet3Params,
	}, params)
}

func decodeMini(token string) NormalizedKey {
	switch len(token) {
	case 22, 26, 30:
	default:
		return invalid(token, FormatMini, "mini key must be 22, 26 or 30 characters")
	}

	check := sha256.Sum256([]byte(token + "?"))
	if check[0] != 0x00 {
		return invalid(token, FormatMini, "mini key check failed")
	}

	sum := sha256.Sum256([]byte(token))
	secret := sum[:]
	if !InRange(secret) {
		return invalid(token, FormatMini, "secret out of range")
	}

	return derive(NormalizedKey{
		Key:    token,
		Format: FormatMini,
		Secret: secret,
	}, &chaincfg.MainNetParams)
}

func decodeHex(token string) NormalizedKey {
	digits := token
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		digits = digits[2:]
	}
	secret, err := hex.DecodeString(digits)
	if err != nil || len(secret) != SecretSize {
		return invalid(token, FormatHex, "malformed hex key")
	}
	if !InRange(secret) {
		return invalid(token, FormatHex, "secret out of range")
	}

	return derive(NormalizedKey{
		Key:    token,
		Format: FormatHex,
		Secret: secret,
	}, &chaincfg.MainNetParams)
}

func derive(k NormalizedKey, params *chaincfg.Params) NormalizedKey {
	addr, err := DeriveAddress(k.Secret, k.Compressed, params)
	if err != nil {
		k.Status = StatusInvalid
		k.Reason = err.Error()
		k.Secret = nil
		return k
	}
	k.Address = addr
	k.Status = StatusValid
	return k
}

var curveOrder = new(big.Int).Set(secp256k1Order())

// InRange reports whether secret is a usable secp256k1 scalar, 1 <= k < n.
func InRange(secret []byte) bool {
	if len(secret) != SecretSize {
		return false
	}
	k := new(big.Int).SetBytes(secret)
	return k.Sign() > 0 && k.Cmp(curveOrder) < 0
}
