package job

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/keyscan/pkg/balance"
	"github.com/3leaps/keyscan/pkg/keys"
	"github.com/3leaps/keyscan/pkg/source"
)

// FoundSink receives found keys as they are discovered.
type FoundSink interface {
	WriteFound(FoundKey) error
	Close() error
}

// Observer receives engine events, typically for metrics. JobStarted and
// JobFinished are called exactly once per Run.
type Observer interface {
	JobStarted()
	JobFinished(status Status)
	KeyProcessed(outcome string)
	Lookup(res balance.Result)
	KeyFound(backend string)
}

type nopObserver struct{}

func (nopObserver) JobStarted()           {}
func (nopObserver) JobFinished(Status)    {}
func (nopObserver) KeyProcessed(string)   {}
func (nopObserver) Lookup(balance.Result) {}
func (nopObserver) KeyFound(string)       {}

// Key outcomes reported to Observer.KeyProcessed.
const (
	OutcomeBlank       = "blank"
	OutcomeInvalid     = "invalid"
	OutcomeUnsupported = "unsupported"
	OutcomeFound       = "found"
	OutcomeEmpty       = "empty"
	OutcomeFailed      = "lookup_failed"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Logger receives engine logs in addition to each job's activity log.
	Logger *zap.Logger

	// JobLogLevel is the minimum level copied into job activity logs.
	// Default: info.
	JobLogLevel zapcore.Level

	// Backends configures HTTP balance backends.
	Backends balance.Options

	// Order restricts and orders backends for auto and rotate modes.
	Order []string

	// Source configures input resolution.
	Source source.Options

	// OpenSource overrides input resolution, mainly for tests.
	OpenSource func(ctx context.Context, ref string) (source.Source, error)

	// NewSelector overrides selector construction, mainly for tests.
	NewSelector func(api string) (*balance.Selector, error)

	// OpenSink opens the real-time result sink for jobs with an output
	// path. Nil disables file output.
	OpenSink func(cfg Config) (FoundSink, error)

	// Observer receives per-key events. Default: no-op.
	Observer Observer

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// Engine executes jobs. An Engine is safe for concurrent use; each Run
// call processes one job on the calling goroutine.
type Engine struct {
	opts EngineOptions
}

// NewEngine creates an engine, filling defaults.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OpenSource == nil {
		srcOpts := opts.Source
		opts.OpenSource = func(ctx context.Context, ref string) (source.Source, error) {
			return source.New(ctx, ref, srcOpts)
		}
	}
	if opts.NewSelector == nil {
		backendOpts := opts.Backends
		order := opts.Order
		opts.NewSelector = func(api string) (*balance.Selector, error) {
			return balance.NewSelectorForAPI(api, order, backendOpts)
		}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{opts: opts}
}

// Run processes j until it completes, fails or ctx is cancelled. Run always
// leaves j in a terminal state.
//
// Cancellation is cooperative: it is checked before each line and during
// the inter-lookup delay, never while a lookup is in flight.
func (e *Engine) Run(ctx context.Context, j *Job) {
	log := loggerFor(e.opts.Logger, j, e.opts.JobLogLevel)
	obs := e.opts.Observer
	obs.JobStarted()

	if ctx.Err() != nil {
		log.Info("Job cancelled before start")
		j.finish(StatusCancelled, "", "")
		obs.JobFinished(StatusCancelled)
		return
	}

	status, kind, errMsg := e.run(ctx, j, log)
	j.finish(status, kind, errMsg)
	obs.JobFinished(status)
}

func (e *Engine) run(ctx context.Context, j *Job, log *zap.Logger) (Status, FailureKind, string) {
	cfg := j.Config()
	obs := e.opts.Observer

	fail := func(kind FailureKind, msg string, err error) (Status, FailureKind, string) {
		if ctx.Err() != nil {
			log.Info("Processing stopped by user")
			return StatusCancelled, "", ""
		}
		full := fmt.Sprintf("%s: %v", msg, err)
		log.Error(full, zap.String("failure", string(kind)))
		return StatusFailed, kind, full
	}

	selector, err := e.opts.NewSelector(cfg.API)
	if err != nil {
		j.begin(0)
		return fail(FailureConfig, "Invalid API selection", err)
	}

	src, err := e.opts.OpenSource(ctx, cfg.Input)
	if err != nil {
		j.begin(0)
		return fail(FailureInput, "Cannot open input", err)
	}

	totalLines, err := source.CountLines(ctx, src)
	if err != nil {
		j.begin(0)
		return fail(FailureInput, "Cannot read input", err)
	}

	start := cfg.StartLine
	end := totalLines
	if cfg.EndLine != nil && *cfg.EndLine < end {
		end = *cfg.EndLine
	}
	totalKeys := max(end-start, 0)

	if !j.begin(totalKeys) {
		return StatusCancelled, "", ""
	}

	log.Info(fmt.Sprintf("Starting processing of %s", cfg.displayName()),
		zap.Int("start_line", start),
		zap.Int("end_line", end),
		zap.Int("total_keys", totalKeys),
		zap.String("api", string(selector.Mode())))

	if totalKeys == 0 {
		log.Info("No keys in the requested range")
		return StatusCompleted, "", ""
	}

	var sink FoundSink
	if cfg.OutputPath != "" && e.opts.OpenSink != nil {
		sink, err = e.opts.OpenSink(cfg)
		if err != nil {
			return fail(FailureOutput, "Cannot open output file", err)
		}
		defer func() {
			if err := sink.Close(); err != nil {
				log.Error("Failed to close output file", zap.Error(err))
			}
		}()
	}

	rc, err := src.Open(ctx)
	if err != nil {
		return fail(FailureInput, "Cannot open input", err)
	}
	lines := source.NewLineReader(rc)
	defer func() { _ = lines.Close() }()
	lines.Skip(start)

	// Lookups run to completion even when the job is cancelled mid-call.
	lookupCtx := context.WithoutCancel(ctx)
	lookups := 0

	for idx := start; idx < end; idx++ {
		if ctx.Err() != nil {
			log.Info("Processing stopped by user")
			e.logSummary(j, log)
			return StatusCancelled, "", ""
		}

		line, _, ok := lines.Next()
		if !ok {
			break
		}

		if strings.TrimSpace(line) == "" {
			j.recordBlank()
			obs.KeyProcessed(OutcomeBlank)
			continue
		}

		nk := keys.Normalize(line)
		if !nk.Valid() {
			log.Warn(fmt.Sprintf("Skipping line %d: %s", idx+1, nk.Reason))
			j.recordSkipped(nk.Status)
			if nk.Status == keys.StatusUnsupported {
				obs.KeyProcessed(OutcomeUnsupported)
			} else {
				obs.KeyProcessed(OutcomeInvalid)
			}
			continue
		}

		if lookups > 0 && cfg.Delay > 0 {
			if err := sleep(ctx, cfg.Delay); err != nil {
				log.Info("Processing stopped by user")
				e.logSummary(j, log)
				return StatusCancelled, "", ""
			}
		}
		lookups++

		sel := selector.Lookup(lookupCtx, nk.Address)
		for _, a := range sel.Attempts {
			obs.Lookup(a)
		}
		for _, f := range sel.Failures() {
			log.Warn(fmt.Sprintf("API %s failed for %s: %s", f.Backend, nk.Address, f.Reason),
				zap.String("outcome", string(f.Outcome)))
		}

		res := sel.Result
		switch {
		case res.Positive():
			found := NewFoundKey(nk.Key, nk.Address, res.Amount, res.Backend, e.opts.Now().UTC())
			j.recordLookup(res, &found)
			obs.KeyProcessed(OutcomeFound)
			obs.KeyFound(res.Backend)
			log.Info(fmt.Sprintf("BALANCE FOUND! Private Key: %s Address: %s Balance: %s BTC API: %s",
				found.PrivateKey, found.Address, found.BalanceBTC, found.APIUsed))
			if sink != nil {
				if err := sink.WriteFound(found); err != nil {
					log.Error("Failed to write result", zap.Error(err))
				}
			}
		case res.Succeeded():
			j.recordLookup(res, nil)
			obs.KeyProcessed(OutcomeEmpty)
			log.Debug(fmt.Sprintf("Address %s: %s BTC (%s)", nk.Address, balance.FormatBTC(res.Amount), res.Backend),
				zap.String("outcome", string(res.Outcome)))
		default:
			j.recordLookup(res, nil)
			obs.KeyProcessed(OutcomeFailed)
			log.Error(fmt.Sprintf("All APIs failed for address %s", nk.Address),
				zap.String("reason", res.Reason))
		}
	}

	if err := lines.Err(); err != nil {
		return fail(FailureInput, "Error reading input", err)
	}

	e.logSummary(j, log)
	return StatusCompleted, "", ""
}

func (e *Engine) logSummary(j *Job, log *zap.Logger) {
	snap := j.Snapshot()
	log.Info(fmt.Sprintf("Processed %d of %d keys, found %d with balance", snap.KeysProcessed, snap.TotalKeys, snap.FoundKeys))
	if snap.FoundKeys == 0 {
		return
	}
	log.Info(fmt.Sprintf("Total balance found: %s BTC", snap.TotalBalanceBTC))
	for _, name := range sortedKeys(snap.APIStats) {
		log.Info(fmt.Sprintf("API %s: %d keys found", name, snap.APIStats[name]))
	}
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
