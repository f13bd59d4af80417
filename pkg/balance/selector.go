package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Sentinel errors for backend selection.
var (
	// ErrUnknownMode indicates an api selection that is neither a mode nor a
	// known backend name.
	ErrUnknownMode = errors.New("unknown api mode")

	// ErrUnknownBackend indicates a backend name missing from the catalog.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrNoBackends indicates a selector was built without backends.
	ErrNoBackends = errors.New("no backends configured")
)

// Mode is the backend selection strategy.
type Mode string

const (
	// ModeAuto tries backends in a fixed preference order until one answers.
	ModeAuto Mode = "auto"

	// ModeRotate spreads keys across backends round-robin, falling back to
	// the following backends when the selected one fails.
	ModeRotate Mode = "rotate"

	// ModeFixed always uses a single backend with no fallback.
	ModeFixed Mode = "fixed"
)

// ParseAPI resolves a user-facing api value ("auto", "rotate" or a backend
// name) into a mode and, for ModeFixed, the backend name.
func ParseAPI(api string) (Mode, string, error) {
	api = strings.ToLower(strings.TrimSpace(api))
	switch api {
	case "", string(ModeAuto):
		return ModeAuto, "", nil
	case string(ModeRotate):
		return ModeRotate, "", nil
	}
	if _, ok := SpecFor(api); ok {
		return ModeFixed, api, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrUnknownMode, api)
}

// Selection is the outcome of one selector lookup.
type Selection struct {
	// Result is the final answer for the address.
	Result Result

	// Attempts holds every backend result in call order, including the
	// final one.
	Attempts []Result
}

// Failures returns the attempts that did not produce an answer.
func (s Selection) Failures() []Result {
	var out []Result
	for _, a := range s.Attempts {
		if !a.Succeeded() {
			out = append(out, a)
		}
	}
	return out
}

// Selector chooses which backend answers each lookup.
//
// Selector is safe for concurrent use, but rotation order is only
// meaningful for a single caller.
type Selector struct {
	mode     Mode
	backends []Backend

	mu     sync.Mutex
	cursor int
}

// NewSelector creates a selector over backends in preference order.
func NewSelector(mode Mode, backends []Backend) (*Selector, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	switch mode {
	case ModeAuto, ModeRotate:
	case ModeFixed:
		if len(backends) != 1 {
			return nil, fmt.Errorf("fixed mode needs exactly one backend, got %d", len(backends))
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return &Selector{mode: mode, backends: backends}, nil
}

// NewSelectorForAPI builds HTTP backends and a selector for an api value.
// order restricts and orders the backends used by auto and rotate; empty
// means the catalog order.
func NewSelectorForAPI(api string, order []string, opts Options) (*Selector, error) {
	mode, name, err := ParseAPI(api)
	if err != nil {
		return nil, err
	}
	names := order
	if mode == ModeFixed {
		names = []string{name}
	}
	backends, err := NewBackends(names, opts)
	if err != nil {
		return nil, err
	}
	return NewSelector(mode, backends)
}

// Mode returns the selection strategy.
func (s *Selector) Mode() Mode {
	return s.mode
}

// BackendNames returns the backend names in preference order.
func (s *Selector) BackendNames() []string {
	names := make([]string, 0, len(s.backends))
	for _, b := range s.backends {
		names = append(names, b.Name())
	}
	return names
}

// Lookup resolves the balance of address according to the selection mode.
func (s *Selector) Lookup(ctx context.Context, address string) Selection {
	switch s.mode {
	case ModeFixed:
		r := s.backends[0].Lookup(ctx, address)
		return Selection{Result: r, Attempts: []Result{r}}
	case ModeRotate:
		s.mu.Lock()
		start := s.cursor
		s.cursor = (s.cursor + 1) % len(s.backends)
		s.mu.Unlock()
		return s.tryFrom(ctx, address, start)
	default:
		return s.tryFrom(ctx, address, 0)
	}
}

// tryFrom walks the backends starting at index start, wrapping around, and
// stops at the first backend that answers.
func (s *Selector) tryFrom(ctx context.Context, address string, start int) Selection {
	n := len(s.backends)
	attempts := make([]Result, 0, 1)
	for i := 0; i < n; i++ {
		r := s.backends[(start+i)%n].Lookup(ctx, address)
		attempts = append(attempts, r)
		if r.Succeeded() {
			return Selection{Result: r, Attempts: attempts}
		}
	}
	return Selection{Result: exhausted(attempts), Attempts: attempts}
}

// exhausted reports an error carrying the last failure. Rate limiting is
// kept in the reason only; callers see a failed lookup either way.
func exhausted(attempts []Result) Result {
	last := attempts[len(attempts)-1]
	what := "failed"
	limited := true
	for _, a := range attempts {
		if a.Outcome != OutcomeRateLimited {
			limited = false
			break
		}
	}
	if limited {
		what = "rate limited"
	}
	return Result{
		Outcome: OutcomeError,
		Reason:  fmt.Sprintf("all %d backends %s, last %s: %s", len(attempts), what, last.Backend, last.Reason),
	}
}
