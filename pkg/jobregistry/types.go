// Package jobregistry tracks key-checking jobs for the lifetime of a
// process and persists finished job reports.
package jobregistry

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/3leaps/keyscan/pkg/job"
)

var (
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobActive is returned when clearing a job that is queued or running.
	ErrJobActive = errors.New("job is still active")

	// ErrNotRunning is returned when cancelling a job that already finished.
	ErrNotRunning = errors.New("job is not running")

	// ErrInvalidConfig wraps job configuration validation failures.
	ErrInvalidConfig = errors.New("invalid job configuration")

	// ErrDuplicateJob is returned by Start when deduplication is enabled and
	// an active job already reads the same input range.
	ErrDuplicateJob = errors.New("duplicate active job")

	// ErrShutdown is returned by Start after Shutdown was called.
	ErrShutdown = errors.New("registry is shut down")
)

// DefaultMaxConcurrent is the number of jobs that run at once by default.
const DefaultMaxConcurrent = 4

// Runner executes a job to a terminal state. *job.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, j *job.Job)
}

// ClearHook is called with the final snapshot of a job removed by Clear.
type ClearHook func(snap job.Snapshot)

// Options configures a Registry.
type Options struct {
	// MaxConcurrent caps running jobs; extra jobs stay queued.
	// Default: DefaultMaxConcurrent.
	MaxConcurrent int

	// LogLimit bounds each job's activity log. Default: job.DefaultLogLimit.
	// Negative keeps every entry.
	LogLimit int

	// Dedupe rejects a Start whose input and line range match an active job.
	Dedupe bool

	// Store, when set, receives a report for every job that finishes.
	Store *Store

	// Logger receives registry events. Default: no-op.
	Logger *zap.Logger

	// NewID generates job ids. Default: random UUID.
	NewID func() string
}
