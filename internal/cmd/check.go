package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/keyscan/internal/config"
	"github.com/3leaps/keyscan/internal/observability"
	"github.com/3leaps/keyscan/pkg/balance"
	"github.com/3leaps/keyscan/pkg/job"
	"github.com/3leaps/keyscan/pkg/jobregistry"
	"github.com/3leaps/keyscan/pkg/manifest"
	"github.com/3leaps/keyscan/pkg/results"
	"github.com/3leaps/keyscan/pkg/source"
)

const defaultCheckOutput = "found_balances.csv"

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check a key list for balances",
	Long: `Check every private key in a file (or an s3:// object) and record the
keys whose addresses hold a balance.

Each line holds one key in WIF, 64-character hex or mini key format. Lines
that do not parse are skipped with a warning. Keys with a positive balance
are appended to the output CSV as they are found.

Examples:
  keyscan check -i keys.txt
  keyscan check -i keys.txt -o found.csv -a rotate -d 0.5
  keyscan check -i 'batches/**/*.txt' -s 100 -e 200
  keyscan check -i s3://audit/keys.txt --summary reports/
  keyscan check --job job.yaml`,
	RunE: runCheck,
}

var (
	checkInput   string
	checkOutput  string
	checkDelay   float64
	checkAPI     string
	checkStart   int
	checkEnd     int
	checkJobPath string
	checkSummary string
	checkTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(checkCmd)

	f := checkCmd.Flags()
	f.StringVarP(&checkInput, "input", "i", "", "Input file, glob or s3:// URI containing private keys")
	f.StringVarP(&checkOutput, "output", "o", defaultCheckOutput, "CSV file receiving keys with a balance")
	f.Float64VarP(&checkDelay, "delay", "d", 1.0, "Delay between API requests in seconds")
	f.StringVarP(&checkAPI, "api", "a", string(balance.ModeAuto), "API selection: auto, rotate or a service name (see 'keyscan apis')")
	f.IntVarP(&checkStart, "start", "s", 0, "Start line number (0-indexed)")
	f.IntVarP(&checkEnd, "end", "e", -1, "End line number (exclusive); negative reads to the end")
	f.StringVarP(&checkJobPath, "job", "j", "", "Job manifest (YAML or JSON); flags override its values")
	f.StringVar(&checkSummary, "summary", "", "Directory receiving a JSON report per finished job")
	f.DurationVar(&checkTimeout, "timeout", 0, "Stop processing after this long (0 = no limit)")
}

// checkPlan is everything a check run needs after flags, manifest and
// config are merged.
type checkPlan struct {
	jobs       []job.Config
	backends   balance.Options
	order      []string
	source     source.Options
	maxBytes   int64
	summaryDir string
}

func runCheck(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCfg, err := appConfig(ctx)
	if err != nil {
		return exitError(ExitConfig, "Failed to load configuration", err)
	}

	plan, err := buildCheckPlan(cmd, appCfg)
	if err != nil {
		return err
	}

	if checkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, checkTimeout)
		defer cancel()
	}

	jobLevel := zapcore.InfoLevel
	if observability.Level() <= zapcore.DebugLevel {
		jobLevel = zapcore.DebugLevel
	}

	engine := job.NewEngine(job.EngineOptions{
		Logger:      observability.CLILogger,
		JobLogLevel: jobLevel,
		Backends:    plan.backends,
		Order:       plan.order,
		Source:      plan.source,
		OpenSink: func(cfg job.Config) (job.FoundSink, error) {
			return results.OpenFileSink(cfg.OutputPath, results.SinkOptions{
				MaxBytes: plan.maxBytes,
				Logger:   observability.CLILogger,
			})
		},
	})

	var store *jobregistry.Store
	if plan.summaryDir != "" {
		store = jobregistry.NewStore(plan.summaryDir)
	}

	out := cmd.OutOrStdout()
	for _, cfg := range plan.jobs {
		j := job.New(uuid.New().String(), cfg, job.DefaultLogLimit)
		observability.CLILogger.Info("Starting check",
			zap.String("job_id", j.ID()),
			zap.String("input", cfg.Input),
			zap.String("api", cfg.API),
			zap.Duration("delay", cfg.Delay))

		engine.Run(ctx, j)
		snap := j.Snapshot()
		printCheckSummary(out, snap)

		if store != nil {
			if err := store.Write(snap); err != nil {
				observability.CLILogger.Error("Failed to write job report",
					zap.String("job_id", snap.ID), zap.Error(err))
			} else {
				observability.CLILogger.Info("Wrote job report", zap.String("path", store.JobPath(snap.ID)))
			}
		}

		switch snap.Status {
		case job.StatusCancelled:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return exitError(ExitTimeout, "Check timed out", fmt.Errorf("stopped after %s", checkTimeout))
			}
			return exitError(ExitSignalInt, "Check cancelled", context.Canceled)
		case job.StatusFailed:
			return exitError(failureExitCode(snap.Failure), "Check failed", errors.New(snap.Error))
		}
	}
	return nil
}

// failureExitCode maps a failed job to an exit code. Input that became
// unreadable after preflight is reported like input that was never there.
func failureExitCode(kind job.FailureKind) int {
	switch kind {
	case job.FailureInput:
		return ExitNoInput
	case job.FailureConfig:
		return ExitUsage
	default:
		return ExitFailure
	}
}

func buildCheckPlan(cmd *cobra.Command, appCfg *config.Config) (*checkPlan, error) {
	flags := cmd.Flags()

	plan := &checkPlan{
		backends: balance.Options{
			Timeout:   appCfg.Backends.Timeout,
			RateLimit: appCfg.Backends.RateLimit,
			UserAgent: appCfg.Backends.UserAgent,
		},
		order: appCfg.Backends.Order,
		source: source.Options{S3: source.S3Options{
			Region:         appCfg.S3.Region,
			Endpoint:       appCfg.S3.Endpoint,
			Profile:        appCfg.S3.Profile,
			ForcePathStyle: appCfg.S3.ForcePathStyle,
		}},
		maxBytes:   appCfg.Results.MaxSizeMB * 1024 * 1024,
		summaryDir: checkSummary,
	}

	base := job.Config{
		API:        appCfg.Check.API,
		Delay:      appCfg.Check.Delay,
		OutputPath: defaultCheckOutput,
	}

	if checkJobPath != "" {
		m, err := manifest.Load(checkJobPath)
		if err != nil {
			observability.CLILogger.Error("Failed to load manifest",
				zap.String("path", checkJobPath),
				zap.Error(err))
			return nil, exitError(ExitUsage, "Invalid manifest", err)
		}
		base = m.JobConfig()
		if base.OutputPath == "" {
			base.OutputPath = defaultCheckOutput
		}

		mb := m.BackendOptions()
		if mb.Timeout > 0 {
			plan.backends.Timeout = mb.Timeout
		}
		if mb.RateLimit > 0 {
			plan.backends.RateLimit = mb.RateLimit
		}
		if len(m.Backends.Order) > 0 {
			plan.order = m.Backends.Order
		}
		if m.Input.S3 != nil {
			plan.source = m.SourceOptions()
		}
		if m.Output.MaxSizeMB > 0 {
			plan.maxBytes = int64(m.Output.MaxSizeMB) * 1024 * 1024
		}
		if plan.summaryDir == "" {
			plan.summaryDir = m.Output.Summary
		}
		observability.CLILogger.Debug("Loaded manifest",
			zap.String("path", checkJobPath),
			zap.String("input", base.Input),
			zap.String("api", base.API))
	}

	if flags.Changed("input") {
		base.Input = checkInput
		base.Filename = ""
	}
	if flags.Changed("output") {
		base.OutputPath = checkOutput
	}
	if flags.Changed("delay") {
		if checkDelay < 0 {
			return nil, usageError("--delay must be >= 0, got %v", checkDelay)
		}
		base.Delay = time.Duration(checkDelay * float64(time.Second))
	}
	if flags.Changed("api") {
		base.API = checkAPI
	}
	if flags.Changed("start") {
		base.StartLine = checkStart
	}
	if flags.Changed("end") {
		base.EndLine = nil
		if checkEnd >= 0 {
			end := checkEnd
			base.EndLine = &end
		}
	}

	if base.Input == "" {
		return nil, usageError("--input or --job is required")
	}
	if _, _, err := balance.ParseAPI(base.API); err != nil {
		return nil, usageError("%v (valid: auto, rotate, %s)", err, joinNames(balance.Names()))
	}
	for _, name := range plan.order {
		if _, ok := balance.SpecFor(name); !ok {
			return nil, usageError("unknown backend %q in backends.order", name)
		}
	}

	inputs, err := expandInputs(base.Input)
	if err != nil {
		return nil, err
	}
	for _, in := range inputs {
		cfg := base
		cfg.Input = in
		if len(inputs) > 1 || cfg.Filename == "" {
			cfg.Filename = in
		}
		if err := cfg.Validate(); err != nil {
			return nil, exitError(ExitUsage, "Invalid arguments", err)
		}
		plan.jobs = append(plan.jobs, cfg)
	}
	return plan, nil
}

// expandInputs resolves a glob to matching files and checks that local
// inputs are readable. s3:// URIs are passed through.
func expandInputs(input string) ([]string, error) {
	if source.IsS3(input) {
		if _, _, err := source.ParseS3URI(input); err != nil {
			return nil, usageError("%v", err)
		}
		return []string{input}, nil
	}

	inputs := []string{input}
	if hasGlobMeta(input) {
		matches, err := doublestar.FilepathGlob(input, doublestar.WithFilesOnly())
		if err != nil {
			return nil, usageError("invalid input pattern %q: %v", input, err)
		}
		if len(matches) == 0 {
			return nil, exitError(ExitNoInput, "Cannot read input", fmt.Errorf("no files match %q", input))
		}
		sort.Strings(matches)
		inputs = matches
	}

	for _, in := range inputs {
		f, err := os.Open(in)
		if err != nil {
			return nil, exitError(ExitNoInput, "Cannot read input", err)
		}
		info, err := f.Stat()
		_ = f.Close()
		if err == nil && info.IsDir() {
			return nil, exitError(ExitNoInput, "Cannot read input", fmt.Errorf("%s is a directory", in))
		}
	}
	return inputs, nil
}

func hasGlobMeta(s string) bool {
	for _, c := range s {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

func printCheckSummary(w io.Writer, snap job.Snapshot) {
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Job:            %s\n", snap.ID)
	_, _ = fmt.Fprintf(w, "Input:          %s\n", snap.Filename)
	_, _ = fmt.Fprintf(w, "Status:         %s\n", snap.Status)
	_, _ = fmt.Fprintf(w, "Keys processed: %d/%d\n", snap.KeysProcessed, snap.TotalKeys)
	if snap.InvalidKeys > 0 || snap.UnsupportedKeys > 0 {
		_, _ = fmt.Fprintf(w, "Skipped:        %d invalid, %d unsupported\n", snap.InvalidKeys, snap.UnsupportedKeys)
	}
	if snap.LookupErrors > 0 {
		_, _ = fmt.Fprintf(w, "Lookup errors:  %d\n", snap.LookupErrors)
	}
	_, _ = fmt.Fprintf(w, "Found:          %d\n", snap.FoundKeys)
	_, _ = fmt.Fprintf(w, "Total balance:  %s BTC\n", snap.TotalBalanceBTC)
	_, _ = fmt.Fprintf(w, "Duration:       %.1fs\n", snap.Duration)

	if snap.FoundKeys > 0 {
		pct := job.APIStatPercentages(snap.APIStats, snap.FoundKeys)
		names := make([]string, 0, len(snap.APIStats))
		for name := range snap.APIStats {
			names = append(names, name)
		}
		sort.Strings(names)
		_, _ = fmt.Fprintln(w, "Found by API:")
		for _, name := range names {
			_, _ = fmt.Fprintf(w, "  %-14s %d (%.1f%%)\n", name, snap.APIStats[name], pct[name])
		}
	}
	if snap.OutputPath != "" && snap.FoundKeys > 0 {
		_, _ = fmt.Fprintf(w, "Results:        %s\n", snap.OutputPath)
	}
	if snap.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:          %s\n", snap.Error)
	}
}
