package balance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single request to a balance service.
const DefaultTimeout = 10 * time.Second

const maxResponseBytes = 1 << 20

var (
	errAddressNotFound = errors.New("address not found")
	errThrottled       = errors.New("throttled")
)

// Spec describes how to query one balance service.
type Spec struct {
	// Name is the stable identifier used in configuration and CSV output.
	Name string

	// DisplayName and Description are shown in API listings.
	DisplayName string
	Description string

	// Endpoint is the scheme and host of the service.
	Endpoint string

	// Path is appended to Endpoint; "{address}" is substituted.
	Path string

	// Method defaults to GET.
	Method string

	// Body builds the request body for POST services.
	Body func(address string) ([]byte, error)

	// Headers are added to every request. A User-Agent here overrides the
	// client default.
	Headers map[string]string

	// Parse extracts the balance from a 2xx response body.
	Parse func(body []byte, address string) (btcutil.Amount, error)
}

// Options configures HTTP backends.
type Options struct {
	// Client is the HTTP client used for requests. Default: a new client
	// without a global timeout.
	Client *http.Client

	// Timeout bounds each request. Default: DefaultTimeout.
	Timeout time.Duration

	// RateLimit is the maximum requests per second sent to each service.
	// Zero means unlimited.
	RateLimit float64

	// UserAgent is sent unless a Spec overrides it.
	UserAgent string

	// Endpoints overrides Spec.Endpoint by backend name.
	Endpoints map[string]string
}

// HTTPBackend adapts a Spec to the Backend interface.
type HTTPBackend struct {
	spec      Spec
	endpoint  string
	client    *http.Client
	timeout   time.Duration
	userAgent string

	// Rate limiter (nil if unlimited)
	limiter *rate.Limiter
}

var _ Backend = (*HTTPBackend)(nil)

// NewHTTPBackend creates a backend for spec.
func NewHTTPBackend(spec Spec, opts Options) *HTTPBackend {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	endpoint := spec.Endpoint
	if override, ok := opts.Endpoints[spec.Name]; ok && override != "" {
		endpoint = override
	}

	b := &HTTPBackend{
		spec:      spec,
		endpoint:  strings.TrimRight(endpoint, "/"),
		client:    client,
		timeout:   timeout,
		userAgent: opts.UserAgent,
	}
	if opts.RateLimit > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return b
}

// Name returns the backend identifier.
func (b *HTTPBackend) Name() string {
	return b.spec.Name
}

// Spec returns the service description.
func (b *HTTPBackend) Spec() Spec {
	return b.spec
}

// Lookup queries the service for address.
func (b *HTTPBackend) Lookup(ctx context.Context, address string) Result {
	start := time.Now()
	res := b.lookup(ctx, address)
	res.Backend = b.spec.Name
	res.Latency = time.Since(start)
	return res
}

func (b *HTTPBackend) lookup(ctx context.Context, address string) Result {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return errorResult(fmt.Sprintf("rate limiter: %v", err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := b.newRequest(ctx, address)
	if err != nil {
		return errorResult(fmt.Sprintf("build request: %v", err))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errorResult(fmt.Sprintf("timeout after %s", b.timeout))
		}
		return errorResult(fmt.Sprintf("request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errorResult(fmt.Sprintf("read response: %v", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 430:
		return rateLimitedResult(fmt.Sprintf("http %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return Result{Outcome: OutcomeNotFound, Reason: "http 404"}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		if looksThrottled(body) {
			return rateLimitedResult(fmt.Sprintf("http %d: %s", resp.StatusCode, snippet(body)))
		}
		return errorResult(fmt.Sprintf("http %d", resp.StatusCode))
	}

	amount, err := b.spec.Parse(body, address)
	switch {
	case errors.Is(err, errAddressNotFound):
		return Result{Outcome: OutcomeNotFound, Reason: err.Error()}
	case errors.Is(err, errThrottled):
		return rateLimitedResult(err.Error())
	case err != nil:
		if looksThrottled(body) {
			return rateLimitedResult(snippet(body))
		}
		return errorResult(fmt.Sprintf("parse response: %v", err))
	}
	if amount < 0 {
		return errorResult(fmt.Sprintf("negative balance %d", int64(amount)))
	}
	return Result{Outcome: OutcomeBalance, Amount: amount}
}

func (b *HTTPBackend) newRequest(ctx context.Context, address string) (*http.Request, error) {
	method := b.spec.Method
	if method == "" {
		method = http.MethodGet
	}
	url := b.endpoint + strings.ReplaceAll(b.spec.Path, "{address}", address)

	var body io.Reader
	if b.spec.Body != nil {
		payload, err := b.spec.Body(address)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if b.spec.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.userAgent != "" {
		req.Header.Set("User-Agent", b.userAgent)
	}
	for k, v := range b.spec.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

var throttleMarkers = []string{
	"rate limit",
	"too many requests",
	"limit exceeded",
	"limits reached",
}

func looksThrottled(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range throttleMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
