package balance

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddr = "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH"

func backendAgainst(t *testing.T, name string, handler http.HandlerFunc) *HTTPBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	spec, ok := SpecFor(name)
	require.True(t, ok, "unknown backend %s", name)
	return NewHTTPBackend(spec, Options{
		Timeout:   2 * time.Second,
		Endpoints: map[string]string{name: srv.URL},
	})
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestHTTPBackend_ParsesEachService(t *testing.T) {
	tests := []struct {
		backend string
		body    string
		want    btcutil.Amount
	}{
		{backend: "blockchain", body: `{"` + testAddr + `":{"final_balance":150000,"n_tx":2}}`, want: 150000},
		{backend: "coinbase", body: `{"` + testAddr + `":{"final_balance":42}}`, want: 42},
		{backend: "blockcypher", body: `{"address":"x","final_balance":2500000000}`, want: 2500000000},
		{backend: "blockstream", body: `{"chain_stats":{"funded_txo_sum":1000,"spent_txo_sum":400},"mempool_stats":{"funded_txo_sum":50,"spent_txo_sum":0}}`, want: 650},
		{backend: "mempool", body: `{"chain_stats":{"funded_txo_sum":1000,"spent_txo_sum":400},"mempool_stats":{"funded_txo_sum":50,"spent_txo_sum":0}}`, want: 600},
		{backend: "blockchair", body: `{"data":{"` + testAddr + `":{"address":{"balance":777}}}}`, want: 777},
		{backend: "bitaps", body: `{"status":"success","data":{"balance":12}}`, want: 12},
		{backend: "btccom", body: `{"status":"success","data":{"balance":99}}`, want: 99},
		{backend: "blockonomics", body: `{"response":[{"addr":"x","confirmed":31337,"unconfirmed":0}]}`, want: 31337},
		{backend: "cryptoid", body: "0.00012345\n", want: 12345},
		{backend: "sochain", body: `{"status":"success","data":{"confirmed_balance":"1.50000000"}}`, want: 150000000},
		{backend: "btcexplorer", body: "5000", want: 5000},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			b := backendAgainst(t, tt.backend, respond(http.StatusOK, tt.body))

			res := b.Lookup(context.Background(), testAddr)

			require.Equal(t, OutcomeBalance, res.Outcome, res.Reason)
			assert.Equal(t, tt.want, res.Amount)
			assert.Equal(t, tt.backend, res.Backend)
		})
	}
}

func TestHTTPBackend_RequestShape(t *testing.T) {
	t.Run("blockonomics posts address", func(t *testing.T) {
		var gotMethod string
		var gotBody map[string]string
		b := backendAgainst(t, "blockonomics", func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			_, _ = io.WriteString(w, `{"response":[{"confirmed":0}]}`)
		})

		res := b.Lookup(context.Background(), testAddr)

		assert.Equal(t, OutcomeBalance, res.Outcome)
		assert.Equal(t, http.MethodPost, gotMethod)
		assert.Equal(t, testAddr, gotBody["addr"])
	})

	t.Run("coinbase sets user agent", func(t *testing.T) {
		var gotUA, gotPath string
		b := backendAgainst(t, "coinbase", func(w http.ResponseWriter, r *http.Request) {
			gotUA = r.Header.Get("User-Agent")
			gotPath = r.URL.RequestURI()
			_, _ = io.WriteString(w, `{"`+testAddr+`":{"final_balance":0}}`)
		})

		b.Lookup(context.Background(), testAddr)

		assert.Equal(t, "Coinbase BTC Balance Checker", gotUA)
		assert.Equal(t, "/balance?active="+testAddr, gotPath)
	})
}

func TestHTTPBackend_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		handler http.HandlerFunc
		want    Outcome
	}{
		{name: "429 is rate limited", backend: "blockcypher", handler: respond(http.StatusTooManyRequests, ""), want: OutcomeRateLimited},
		{name: "430 is rate limited", backend: "blockchair", handler: respond(430, `{"context":{"code":430}}`), want: OutcomeRateLimited},
		{name: "throttle body on 503", backend: "blockchain", handler: respond(http.StatusServiceUnavailable, "Rate limit exceeded"), want: OutcomeRateLimited},
		{name: "limits reached body", backend: "blockcypher", handler: respond(http.StatusOK, `{"error":"Limits reached."}`), want: OutcomeRateLimited},
		{name: "404 is not found", backend: "mempool", handler: respond(http.StatusNotFound, "Address not found"), want: OutcomeNotFound},
		{name: "empty blockonomics response", backend: "blockonomics", handler: respond(http.StatusOK, `{"response":[]}`), want: OutcomeNotFound},
		{name: "btccom null data", backend: "btccom", handler: respond(http.StatusOK, `{"status":"success","data":null}`), want: OutcomeNotFound},
		{name: "500 is error", backend: "blockstream", handler: respond(http.StatusInternalServerError, "oops"), want: OutcomeError},
		{name: "malformed json", backend: "blockcypher", handler: respond(http.StatusOK, "{not json"), want: OutcomeError},
		{name: "failed status", backend: "sochain", handler: respond(http.StatusOK, `{"status":"fail","data":{}}`), want: OutcomeError},
		{name: "plain text garbage", backend: "btcexplorer", handler: respond(http.StatusOK, "n/a"), want: OutcomeError},
		{name: "negative balance", backend: "btcexplorer", handler: respond(http.StatusOK, "-5"), want: OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := backendAgainst(t, tt.backend, tt.handler)
			res := b.Lookup(context.Background(), testAddr)
			assert.Equal(t, tt.want, res.Outcome, res.Reason)
			if tt.want != OutcomeBalance {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestHTTPBackend_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	spec, _ := SpecFor("mempool")
	b := NewHTTPBackend(spec, Options{
		Timeout:   50 * time.Millisecond,
		Endpoints: map[string]string{"mempool": srv.URL},
	})

	res := b.Lookup(context.Background(), testAddr)

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Reason, "timeout")
}

func TestHTTPBackend_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	spec, _ := SpecFor("blockchain")
	b := NewHTTPBackend(spec, Options{Endpoints: map[string]string{"blockchain": url}})

	res := b.Lookup(context.Background(), testAddr)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Reason, "request failed")
}

func TestCatalog(t *testing.T) {
	names := Names()
	assert.Equal(t, []string{
		"blockchain", "blockcypher", "blockstream", "mempool", "blockchair", "bitaps",
		"btccom", "blockonomics", "coinbase", "cryptoid", "sochain", "btcexplorer",
	}, names)

	opts := APIOptions()
	require.Len(t, opts, len(names)+2)
	assert.Equal(t, "auto", opts[0].Value)
	assert.Equal(t, "rotate", opts[1].Value)
	assert.Equal(t, "Blockchain.info", opts[2].Name)

	_, err := NewBackends([]string{"blockchain", "blockchain"}, Options{})
	require.NoError(t, err)
}

func TestJSONPath(t *testing.T) {
	v, err := decodeJSON([]byte(`{"a":{"b":[{"c":1},{"c":2}]}}`))
	require.NoError(t, err)

	p, err := compileJSONPath("$.a.b[1].c")
	require.NoError(t, err)
	got, ok := p.Eval(v)
	require.True(t, ok)
	assert.Equal(t, json.Number("2"), got)

	p, err = compileJSONPath("a.b[5].c")
	require.NoError(t, err)
	_, ok = p.Eval(v)
	assert.False(t, ok)

	for _, bad := range []string{"", "$", "a[", "a[]", "a[x]", "a[-1]"} {
		_, err := compileJSONPath(bad)
		assert.Error(t, err, "expected error for %q", bad)
	}
}

func TestFormatBTC(t *testing.T) {
	tests := []struct {
		in   btcutil.Amount
		want string
	}{
		{in: 0, want: "0.00000000"},
		{in: 1, want: "0.00000001"},
		{in: 150000, want: "0.00150000"},
		{in: 2100000000000000, want: "21000000.00000000"},
		{in: -5, want: "-0.00000005"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBTC(tt.in))
	}
}
