package balance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// builtin lists the supported services in their default preference order.
var builtin = []Spec{
	{
		Name:        "blockchain",
		DisplayName: "Blockchain.info",
		Description: "Use only blockchain.info API",
		Endpoint:    "https://blockchain.info",
		Path:        "/balance?active={address}",
		Parse:       parseBlockchainInfo,
	},
	{
		Name:        "blockcypher",
		DisplayName: "BlockCypher",
		Description: "Use only BlockCypher API",
		Endpoint:    "https://api.blockcypher.com",
		Path:        "/v1/btc/main/addrs/{address}/balance",
		Parse:       parseSatoshiField(mustJSONPath("$.final_balance")),
	},
	{
		Name:        "blockstream",
		DisplayName: "Blockstream.info",
		Description: "Use only Blockstream.info API",
		Endpoint:    "https://blockstream.info",
		Path:        "/api/address/{address}",
		Parse:       parseEsploraStats(true),
	},
	{
		Name:        "mempool",
		DisplayName: "Mempool.space",
		Description: "Use only Mempool.space API",
		Endpoint:    "https://mempool.space",
		Path:        "/api/address/{address}",
		Parse:       parseEsploraStats(false),
	},
	{
		Name:        "blockchair",
		DisplayName: "Blockchair",
		Description: "Use only Blockchair API",
		Endpoint:    "https://api.blockchair.com",
		Path:        "/bitcoin/dashboards/address/{address}",
		Parse:       parseBlockchair,
	},
	{
		Name:        "bitaps",
		DisplayName: "Bitaps",
		Description: "Use only Bitaps API",
		Endpoint:    "https://api.bitaps.com",
		Path:        "/btc/v1/blockchain/address/state/{address}",
		Parse:       parseStatusEnvelope(mustJSONPath("$.data.balance"), parseSatoshis),
	},
	{
		Name:        "btccom",
		DisplayName: "BTC.com",
		Description: "Use only BTC.com API",
		Endpoint:    "https://chain.api.btc.com",
		Path:        "/v3/address/{address}",
		Parse:       parseStatusEnvelope(mustJSONPath("$.data.balance"), parseSatoshis),
	},
	{
		Name:        "blockonomics",
		DisplayName: "Blockonomics",
		Description: "Use only Blockonomics API",
		Endpoint:    "https://www.blockonomics.co",
		Path:        "/api/balance",
		Method:      "POST",
		Body: func(address string) ([]byte, error) {
			return json.Marshal(map[string]string{"addr": address})
		},
		Parse: parseBlockonomics,
	},
	{
		Name:        "coinbase",
		DisplayName: "Coinbase",
		Description: "Use only Coinbase API",
		Endpoint:    "https://blockchain.info",
		Path:        "/balance?active={address}",
		Headers:     map[string]string{"User-Agent": "Coinbase BTC Balance Checker"},
		Parse:       parseBlockchainInfo,
	},
	{
		Name:        "cryptoid",
		DisplayName: "CryptoID",
		Description: "Use only CryptoID API",
		Endpoint:    "https://chainz.cryptoid.info",
		Path:        "/btc/api.dws?q=getbalance&a={address}",
		Parse:       parsePlain(parseBTC),
	},
	{
		Name:        "sochain",
		DisplayName: "SoChain",
		Description: "Use only SoChain API",
		Endpoint:    "https://sochain.com",
		Path:        "/api/v2/get_address_balance/BTC/{address}",
		Parse:       parseStatusEnvelope(mustJSONPath("$.data.confirmed_balance"), parseBTCValue),
	},
	{
		Name:        "btcexplorer",
		DisplayName: "BTC Explorer",
		Description: "Use only BTC Explorer API",
		Endpoint:    "https://explorer.api.bitcoin.com",
		Path:        "/btc/v1/addr/{address}/balance",
		Parse:       parsePlain(parseSatoshiString),
	},
}

// Catalog returns the built-in service descriptions in default preference
// order.
func Catalog() []Spec {
	out := make([]Spec, len(builtin))
	copy(out, builtin)
	return out
}

// Names returns the built-in backend names in default preference order.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for _, s := range builtin {
		names = append(names, s.Name)
	}
	return names
}

// SpecFor returns the built-in spec with the given name.
func SpecFor(name string) (Spec, bool) {
	for _, s := range builtin {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

// NewBackends builds HTTP backends for names in the given order. An empty
// list selects every built-in service.
func NewBackends(names []string, opts Options) ([]Backend, error) {
	if len(names) == 0 {
		names = Names()
	}
	seen := make(map[string]bool, len(names))
	backends := make([]Backend, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		spec, ok := SpecFor(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		backends = append(backends, NewHTTPBackend(spec, opts))
	}
	return backends, nil
}

// APIOption is one choice offered to users when starting a job.
type APIOption struct {
	Value       string `json:"value"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// APIOptions lists the selection modes followed by every built-in service.
func APIOptions() []APIOption {
	opts := []APIOption{
		{Value: string(ModeAuto), Name: "Auto (Try all APIs)", Description: "Automatically try all APIs in sequence until one works"},
		{Value: string(ModeRotate), Name: "Round-Robin (Rotate APIs)", Description: "Rotate through all APIs to balance load"},
	}
	for _, s := range builtin {
		opts = append(opts, APIOption{Value: s.Name, Name: s.DisplayName, Description: s.Description})
	}
	return opts
}

func parseBlockchainInfo(body []byte, address string) (btcutil.Amount, error) {
	v, err := decodeJSON(body)
	if err != nil {
		return 0, err
	}
	root, ok := v.(map[string]any)
	if !ok {
		return 0, fmt.Errorf("unexpected response shape")
	}
	entry, ok := root[address].(map[string]any)
	if !ok {
		return 0, errAddressNotFound
	}
	raw, ok := entry["final_balance"]
	if !ok {
		return 0, fmt.Errorf("final_balance missing")
	}
	return parseSatoshis(raw)
}

func parseSatoshiField(path *jsonPath) func([]byte, string) (btcutil.Amount, error) {
	return func(body []byte, _ string) (btcutil.Amount, error) {
		v, err := decodeJSON(body)
		if err != nil {
			return 0, err
		}
		if m, ok := v.(map[string]any); ok {
			if msg, ok := m["error"].(string); ok {
				return 0, fmt.Errorf("service error: %s", msg)
			}
		}
		raw, ok := path.Eval(v)
		if !ok {
			return 0, fmt.Errorf("%s missing", path)
		}
		return parseSatoshis(raw)
	}
}

var (
	chainFunded   = mustJSONPath("$.chain_stats.funded_txo_sum")
	chainSpent    = mustJSONPath("$.chain_stats.spent_txo_sum")
	mempoolFunded = mustJSONPath("$.mempool_stats.funded_txo_sum")
	mempoolSpent  = mustJSONPath("$.mempool_stats.spent_txo_sum")
)

// parseEsploraStats handles the Esplora address format shared by
// blockstream.info and mempool.space: balance = funded - spent.
func parseEsploraStats(includeMempool bool) func([]byte, string) (btcutil.Amount, error) {
	return func(body []byte, _ string) (btcutil.Amount, error) {
		v, err := decodeJSON(body)
		if err != nil {
			return 0, err
		}
		if _, ok := chainFunded.Eval(v); !ok {
			return 0, fmt.Errorf("chain_stats missing")
		}

		paths := []*jsonPath{chainFunded, chainSpent}
		if includeMempool {
			paths = append(paths, mempoolFunded, mempoolSpent)
		}
		var values [4]btcutil.Amount
		for i, p := range paths {
			raw, ok := p.Eval(v)
			if !ok {
				continue
			}
			amt, err := parseSatoshis(raw)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", p, err)
			}
			values[i] = amt
		}
		return values[0] - values[1] + values[2] - values[3], nil
	}
}

func parseBlockchair(body []byte, address string) (btcutil.Amount, error) {
	v, err := decodeJSON(body)
	if err != nil {
		return 0, err
	}
	path, err := compileJSONPath("$.data." + address + ".address.balance")
	if err != nil {
		return 0, err
	}
	raw, ok := path.Eval(v)
	if !ok {
		return 0, errAddressNotFound
	}
	return parseSatoshis(raw)
}

var blockonomicsConfirmed = mustJSONPath("$.response[0].confirmed")

func parseBlockonomics(body []byte, _ string) (btcutil.Amount, error) {
	v, err := decodeJSON(body)
	if err != nil {
		return 0, err
	}
	raw, ok := blockonomicsConfirmed.Eval(v)
	if !ok {
		return 0, errAddressNotFound
	}
	return parseSatoshis(raw)
}

// parseStatusEnvelope handles services that wrap payloads in
// {"status": "success", "data": {...}}.
func parseStatusEnvelope(path *jsonPath, conv func(any) (btcutil.Amount, error)) func([]byte, string) (btcutil.Amount, error) {
	return func(body []byte, _ string) (btcutil.Amount, error) {
		v, err := decodeJSON(body)
		if err != nil {
			return 0, err
		}
		m, ok := v.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("unexpected response shape")
		}
		if status, _ := m["status"].(string); status != "success" {
			return 0, fmt.Errorf("service status %q", status)
		}
		if m["data"] == nil {
			return 0, errAddressNotFound
		}
		raw, ok := path.Eval(v)
		if !ok {
			return 0, fmt.Errorf("%s missing", path)
		}
		return conv(raw)
	}
}

func parsePlain(conv func(string) (btcutil.Amount, error)) func([]byte, string) (btcutil.Amount, error) {
	return func(body []byte, _ string) (btcutil.Amount, error) {
		return conv(strings.TrimSpace(string(body)))
	}
}

// parseSatoshis converts a decoded JSON value holding an integer amount of
// satoshis.
func parseSatoshis(raw any) (btcutil.Amount, error) {
	switch n := raw.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return btcutil.Amount(i), nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid satoshi amount %q", n.String())
		}
		return btcutil.Amount(f), nil
	case string:
		return parseSatoshiString(n)
	case nil:
		return 0, fmt.Errorf("amount is null")
	default:
		return 0, fmt.Errorf("unexpected amount type %T", raw)
	}
}

func parseSatoshiString(s string) (btcutil.Amount, error) {
	i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid satoshi amount %q", s)
	}
	return btcutil.Amount(i), nil
}

// parseBTCValue converts a decoded JSON value holding a decimal BTC amount.
func parseBTCValue(raw any) (btcutil.Amount, error) {
	switch n := raw.(type) {
	case json.Number:
		return parseBTC(n.String())
	case string:
		return parseBTC(n)
	default:
		return 0, fmt.Errorf("unexpected amount type %T", raw)
	}
}

// parseBTC converts a decimal BTC string to satoshis, rounding to the
// nearest satoshi.
func parseBTC(s string) (btcutil.Amount, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid btc amount %q", s)
	}
	amt, err := btcutil.NewAmount(f)
	if err != nil {
		return 0, fmt.Errorf("invalid btc amount %q: %w", s, err)
	}
	return amt, nil
}
