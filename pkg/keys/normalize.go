// Package keys turns raw input lines into validated Bitcoin private keys
// and derives the P2PKH address each key controls.
//
// Supported encodings:
//   - 64-character hex secrets (optionally 0x-prefixed)
//   - WIF, compressed or uncompressed, mainnet or testnet
//   - Casascius mini keys (22, 26 or 30 characters)
//   - BIP38 encrypted keys, which are recognized but reported as unsupported
//
// Normalize is pure and deterministic: the same line always produces the
// same NormalizedKey.
package keys

import (
	"regexp"
	"strings"
	"unicode"
)

// Format identifies the encoding a key was found in.
type Format string

const (
	FormatHex     Format = "hex"
	FormatWIF     Format = "wif"
	FormatMini    Format = "mini"
	FormatBIP38   Format = "bip38"
	FormatUnknown Format = "unknown"
)

// Status is the normalization outcome for a single line.
type Status string

const (
	StatusValid       Status = "valid"
	StatusUnsupported Status = "unsupported"
	StatusInvalid     Status = "invalid"
)

// NormalizedKey is the result of normalizing one input line.
//
// Secret and Address are only set when Status is StatusValid. Reason explains
// unsupported and invalid outcomes.
type NormalizedKey struct {
	Raw        string `json:"raw"`
	Key        string `json:"key"`
	Format     Format `json:"format"`
	Status     Status `json:"status"`
	Secret     []byte `json:"-"`
	Compressed bool   `json:"compressed,omitempty"`
	Testnet    bool   `json:"testnet,omitempty"`
	Address    string `json:"address,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Valid reports whether the key can be looked up.
func (k NormalizedKey) Valid() bool {
	return k.Status == StatusValid
}

const base58Class = `[1-9A-HJ-NP-Za-km-z]`

var (
	bip38Shape = regexp.MustCompile(`^6P` + base58Class + `{56}$`)
	wifShape   = regexp.MustCompile(`^[59KLc]` + base58Class + `{50,51}$`)
	miniShape  = regexp.MustCompile(`^S` + base58Class + `{21,29}$`)
	hexShape   = regexp.MustCompile(`^(?:0[xX])?[0-9a-fA-F]{64}$`)
)

type decoder struct {
	shape  *regexp.Regexp
	decode func(token string) NormalizedKey
}

// decoders are tried in priority order. Within a format the first token that
// validates wins.
var decoders = []decoder{
	{shape: bip38Shape, decode: decodeBIP38},
	{shape: wifShape, decode: decodeWIF},
	{shape: miniShape, decode: decodeMini},
	{shape: hexShape, decode: decodeHex},
}

// Normalize classifies a single input line.
//
// Lines may carry noise around the key (labels, separators, trailing
// comments); every alphanumeric token is considered. Lines beginning with
// '#' are treated as comments and reported as unsupported.
func Normalize(line string) NormalizedKey {
	raw := strings.TrimSpace(line)
	if raw == "" {
		return NormalizedKey{Raw: raw, Format: FormatUnknown, Status: StatusInvalid, Reason: "empty line"}
	}
	if strings.HasPrefix(raw, "#") {
		return NormalizedKey{Raw: raw, Key: raw, Format: FormatUnknown, Status: StatusUnsupported, Reason: "comment line"}
	}

	tokens := tokenize(raw)

	var firstFailure *NormalizedKey
	for _, d := range decoders {
		for _, tok := range tokens {
			if !d.shape.MatchString(tok) {
				continue
			}
			res := d.decode(tok)
			res.Raw = raw
			if res.Status != StatusInvalid {
				return res
			}
			if firstFailure == nil {
				failure := res
				firstFailure = &failure
			}
		}
	}
	if firstFailure != nil {
		return *firstFailure
	}

	return NormalizedKey{
		Raw:    raw,
		Key:    raw,
		Format: FormatUnknown,
		Status: StatusInvalid,
		Reason: "unrecognized key format",
	}
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r))
	})
}

func invalid(token string, format Format, reason string) NormalizedKey {
	return NormalizedKey{Key: token, Format: format, Status: StatusInvalid, Reason: reason}
}
