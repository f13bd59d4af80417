package keys

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	keyOneHex          = "0000000000000000000000000000000000000000000000000000000000000001"
	keyOneUncompressed = "1EHNa6Q4Jz2uvNExL497mE43ikXhwF6kZm"
	keyOneCompressed   = "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH"
)

func secretOne() []byte {
	b := make([]byte, SecretSize)
	b[SecretSize-1] = 1
	return b
}

func wifFor(t *testing.T, secret []byte, params *chaincfg.Params, compressed bool) string {
	t.Helper()
	priv, _ := btcec.PrivKeyFromBytes(secret)
	w, err := btcutil.NewWIF(priv, params, compressed)
	require.NoError(t, err)
	return w.String()
}

// findMiniKey searches for a 30-character candidate that passes the mini key
// check. About one candidate in 256 qualifies.
func findMiniKey(t *testing.T) string {
	t.Helper()
	const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	prefix := "S6c56bnXQiBjk9mqSYE7ykVQ7N"
	for a := 0; a < len(alphabet); a++ {
		for b := 0; b < len(alphabet); b++ {
			for c := 0; c < len(alphabet); c++ {
				candidate := prefix + string(alphabet[a]) + string(alphabet[b]) + string(alphabet[c]) + "z"
				sum := sha256.Sum256([]byte(candidate + "?"))
				if sum[0] == 0 {
					return candidate
				}
			}
		}
	}
	t.Fatal("no mini key candidate found")
	return ""
}

func TestNormalize_Hex(t *testing.T) {
	got := Normalize(keyOneHex)

	require.True(t, got.Valid(), got.Reason)
	assert.Equal(t, FormatHex, got.Format)
	assert.Equal(t, keyOneHex, got.Key)
	assert.Equal(t, secretOne(), got.Secret)
	assert.False(t, got.Compressed)
	assert.Equal(t, keyOneUncompressed, got.Address)
}

func TestNormalize_HexWithPrefixAndNoise(t *testing.T) {
	got := Normalize("  key #1: 0x" + keyOneHex + " (test)  ")

	require.True(t, got.Valid(), got.Reason)
	assert.Equal(t, FormatHex, got.Format)
	assert.Equal(t, "0x"+keyOneHex, got.Key)
	assert.Equal(t, keyOneUncompressed, got.Address)
}

func TestNormalize_WIF(t *testing.T) {
	tests := []struct {
		name       string
		compressed bool
		want       string
	}{
		{name: "uncompressed", compressed: false, want: keyOneUncompressed},
		{name: "compressed", compressed: true, want: keyOneCompressed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wif := wifFor(t, secretOne(), &chaincfg.MainNetParams, tt.compressed)
			got := Normalize(wif)

			require.True(t, got.Valid(), got.Reason)
			assert.Equal(t, FormatWIF, got.Format)
			assert.Equal(t, wif, got.Key)
			assert.Equal(t, tt.compressed, got.Compressed)
			assert.False(t, got.Testnet)
			assert.Equal(t, tt.want, got.Address)

			roundTrip, err := got.WIF()
			require.NoError(t, err)
			assert.Equal(t, wif, roundTrip)
		})
	}
}

func TestNormalize_WIFLiterals(t *testing.T) {
	got := Normalize("5HpHagT65TZzG1PH3CSu63k8DbpvD8s5ip4nEB3kEsreAnchuDf")
	require.True(t, got.Valid(), got.Reason)
	assert.Equal(t, keyOneUncompressed, got.Address)

	got = Normalize("KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn")
	require.True(t, got.Valid(), got.Reason)
	assert.True(t, got.Compressed)
	assert.Equal(t, keyOneCompressed, got.Address)
}

func TestNormalize_WIFTestnet(t *testing.T) {
	wif := wifFor(t, secretOne(), &chaincfg.TestNet3Params, true)
	got := Normalize(wif)

	require.True(t, got.Valid(), got.Reason)
	assert.True(t, got.Testnet)

	want, err := DeriveAddress(secretOne(), true, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	assert.Equal(t, want, got.Address)
	assert.NotEqual(t, keyOneCompressed, got.Address)
}

func TestNormalize_WIFChecksumMismatch(t *testing.T) {
	wif := wifFor(t, secretOne(), &chaincfg.MainNetParams, true)
	last := wif[len(wif)-1]
	replacement := byte('1')
	if last == '1' {
		replacement = '2'
	}
	corrupted := wif[:len(wif)-1] + string(replacement)

	got := Normalize(corrupted)

	assert.Equal(t, StatusInvalid, got.Status)
	assert.Equal(t, FormatWIF, got.Format)
	assert.Contains(t, got.Reason, "checksum")
	assert.Empty(t, got.Address)
	assert.Nil(t, got.Secret)
}

func TestNormalize_MiniKey(t *testing.T) {
	mini := findMiniKey(t)
	got := Normalize(mini)

	require.True(t, got.Valid(), got.Reason)
	assert.Equal(t, FormatMini, got.Format)

	sum := sha256.Sum256([]byte(mini))
	assert.Equal(t, sum[:], got.Secret)

	want, err := DeriveAddress(sum[:], false, &chaincfg.MainNetParams)
	require.NoError(t, err)
	assert.Equal(t, want, got.Address)
}

func TestNormalize_MiniKeyFailsCheck(t *testing.T) {
	mini := findMiniKey(t)
	// Flip a character so the typo check no longer passes.
	broken := mini[:len(mini)-1] + "y"
	sum := sha256.Sum256([]byte(broken + "?"))
	if sum[0] == 0 {
		t.Skip("mutated candidate also passes the check")
	}

	got := Normalize(broken)
	assert.Equal(t, StatusInvalid, got.Status)
	assert.Equal(t, FormatMini, got.Format)
}

func TestNormalize_BIP38Unsupported(t *testing.T) {
	payload := append([]byte{0x42, 0xc0}, make([]byte, 36)...)
	for i := 2; i < len(payload); i++ {
		payload[i] = byte(i * 7)
	}
	encrypted := base58.CheckEncode(payload, 0x01)
	require.True(t, strings.HasPrefix(encrypted, "6P"))
	require.Len(t, encrypted, 58)

	got := Normalize(encrypted)

	assert.Equal(t, StatusUnsupported, got.Status)
	assert.Equal(t, FormatBIP38, got.Format)
	assert.Empty(t, got.Address)
	assert.Contains(t, got.Reason, "passphrase")
}

func TestNormalize_OutOfRange(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "zero", line: strings.Repeat("0", 64)},
		{name: "curve order", line: "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141"},
		{name: "all ones", line: strings.Repeat("f", 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.line)
			assert.Equal(t, StatusInvalid, got.Status)
			assert.Equal(t, "secret out of range", got.Reason)
		})
	}
}

func TestNormalize_NonKeys(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		status Status
		reason string
	}{
		{name: "comment", line: "# exported keys", status: StatusUnsupported, reason: "comment line"},
		{name: "garbage", line: "hello world", status: StatusInvalid, reason: "unrecognized key format"},
		{name: "short hex", line: "abcdef", status: StatusInvalid, reason: "unrecognized key format"},
		{name: "blank", line: "   ", status: StatusInvalid, reason: "empty line"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.line)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.reason, got.Reason)
			assert.False(t, got.Valid())
		})
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	lines := []string{
		keyOneHex,
		"KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn",
		"not a key",
	}
	for _, line := range lines {
		assert.Equal(t, Normalize(line), Normalize(line))
	}
}

func TestDeriveAddress_RejectsBadSecret(t *testing.T) {
	_, err := DeriveAddress([]byte{1, 2, 3}, true, nil)
	require.Error(t, err)
}

func TestInRange(t *testing.T) {
	assert.True(t, InRange(secretOne()))
	assert.False(t, InRange(make([]byte, SecretSize)))
	assert.False(t, InRange(nil))
}
