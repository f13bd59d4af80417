// Package job models a single key-checking run and the engine that
// executes it.
package job

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/3leaps/keyscan/pkg/balance"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FailureKind classifies why a job failed.
type FailureKind string

const (
	// FailureInput means the input could not be opened or read.
	FailureInput FailureKind = "input"
	// FailureOutput means the results file could not be opened.
	FailureOutput FailureKind = "output"
	// FailureConfig means the job's API selection was rejected.
	FailureConfig FailureKind = "config"
)

// Active reports whether the job is queued or running.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Config describes what a job reads and how it checks it.
type Config struct {
	// Input is a local path or s3:// URI.
	Input string `json:"input"`

	// Filename is a display name; defaults to Input.
	Filename string `json:"filename,omitempty"`

	// Delay is the pause between consecutive balance lookups.
	Delay time.Duration `json:"delay"`

	// API is "auto", "rotate" or a backend name.
	API string `json:"api_type"`

	// StartLine is the first zero-based line to process.
	StartLine int `json:"start_line"`

	// EndLine is the exclusive end of the range; nil means end of input.
	EndLine *int `json:"end_line,omitempty"`

	// OutputPath receives found keys as CSV in real time. Empty disables
	// the file sink.
	OutputPath string `json:"output_path,omitempty"`
}

// Validate checks the configuration without touching the input.
func (c Config) Validate() error {
	var errs []error
	if c.Input == "" {
		errs = append(errs, errors.New("input is required"))
	}
	if c.StartLine < 0 {
		errs = append(errs, fmt.Errorf("start line must be >= 0, got %d", c.StartLine))
	}
	if c.EndLine != nil && *c.EndLine < 0 {
		errs = append(errs, fmt.Errorf("end line must be >= 0, got %d", *c.EndLine))
	}
	if c.Delay < 0 {
		errs = append(errs, fmt.Errorf("delay must be >= 0, got %s", c.Delay))
	}
	if _, _, err := balance.ParseAPI(c.API); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) displayName() string {
	if c.Filename != "" {
		return c.Filename
	}
	return c.Input
}

// FoundKey is a key whose address holds a positive balance.
type FoundKey struct {
	PrivateKey string         `json:"private_key"`
	Address    string         `json:"address"`
	Balance    btcutil.Amount `json:"balance_sat"`
	BalanceBTC string         `json:"balance"`
	APIUsed    string         `json:"api_used"`
	FoundAt    time.Time      `json:"timestamp"`
}

// NewFoundKey fills the derived BTC rendering.
func NewFoundKey(privateKey, address string, amount btcutil.Amount, api string, at time.Time) FoundKey {
	return FoundKey{
		PrivateKey: privateKey,
		Address:    address,
		Balance:    amount,
		BalanceBTC: balance.FormatBTC(amount),
		APIUsed:    api,
		FoundAt:    at,
	}
}

// LogEntry is one line of a job's activity log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Snapshot is a consistent, detached copy of a job's state.
type Snapshot struct {
	ID        string `json:"job_id"`
	Status    Status `json:"status"`
	Filename  string `json:"filename"`
	Input     string `json:"input"`
	API       string `json:"api_type"`
	Delay     string `json:"delay"`
	StartLine int    `json:"start_line"`
	EndLine   *int   `json:"end_line,omitempty"`

	Progress        float64        `json:"progress"`
	KeysProcessed   int            `json:"keys_processed"`
	TotalKeys       int            `json:"total_keys"`
	FoundKeys       int            `json:"found_keys"`
	InvalidKeys     int            `json:"invalid_keys"`
	UnsupportedKeys int            `json:"unsupported_keys"`
	LookupErrors    int            `json:"lookup_errors"`
	TotalBalance    btcutil.Amount `json:"total_balance_sat"`
	TotalBalanceBTC string         `json:"total_balance"`
	APIStats        map[string]int `json:"api_stats"`
	APICalls        map[string]int `json:"api_calls"`

	// APIStatsPercent is each backend's share of found keys.
	APIStatsPercent map[string]float64 `json:"api_stats_percent"`

	Log             []LogEntry `json:"log"`
	FoundKeyDetails []FoundKey `json:"found_key_details"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"start_time,omitempty"`
	EndedAt    *time.Time `json:"end_time,omitempty"`
	Duration   float64    `json:"duration_seconds"`
	Error      string      `json:"error,omitempty"`
	Failure    FailureKind `json:"failure,omitempty"`
	OutputPath string     `json:"output_path,omitempty"`
}

// APIStatPercentages returns each backend's share of found keys as a
// percentage rounded to one decimal. It returns an empty map when
// foundKeys is zero.
func APIStatPercentages(stats map[string]int, foundKeys int) map[string]float64 {
	out := make(map[string]float64, len(stats))
	if foundKeys <= 0 {
		return out
	}
	for name, n := range stats {
		pct := float64(n) / float64(foundKeys) * 100
		out[name] = math.Round(pct*10) / 10
	}
	return out
}
