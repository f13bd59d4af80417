package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/keyscan/pkg/job"
)

// Registry owns the jobs of one process and runs each on its own
// goroutine.
//
// The registry lock guards only the id table. Job state is guarded by each
// job, so polling a snapshot never blocks another job.
type Registry struct {
	runner Runner
	opts   Options
	log    *zap.Logger

	base context.Context
	stop context.CancelFunc
	sem  chan struct{}
	wg   sync.WaitGroup

	mu       sync.RWMutex
	jobs     map[string]*job.Job
	onClear  []ClearHook
	shutdown bool
}

// New creates a registry that executes jobs with runner.
func New(runner Runner, opts Options) *Registry {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.LogLimit == 0 {
		opts.LogLimit = job.DefaultLogLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	base, stop := context.WithCancel(context.Background())
	return &Registry{
		runner: runner,
		opts:   opts,
		log:    opts.Logger,
		base:   base,
		stop:   stop,
		sem:    make(chan struct{}, opts.MaxConcurrent),
		jobs:   make(map[string]*job.Job),
	}
}

// OnClear registers a hook run after a job is removed by Clear.
func (r *Registry) OnClear(hook ClearHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClear = append(r.onClear, hook)
}

// Start validates cfg, registers a queued job and schedules it. The job
// runs as soon as a concurrency slot is free.
func (r *Registry) Start(cfg job.Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	logLimit := max(r.opts.LogLimit, 0)

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return "", ErrShutdown
	}
	if r.opts.Dedupe {
		for _, existing := range r.jobs {
			if existing.Status().Active() && sameRange(existing.Config(), cfg) {
				r.mu.Unlock()
				return "", fmt.Errorf("%w: %s", ErrDuplicateJob, existing.ID())
			}
		}
	}
	id := r.opts.NewID()
	if _, taken := r.jobs[id]; taken {
		r.mu.Unlock()
		return "", fmt.Errorf("job id collision: %s", id)
	}
	j := job.New(id, cfg, logLimit)
	ctx, cancel := context.WithCancel(r.base)
	j.BindCancel(cancel)
	r.jobs[id] = j
	r.wg.Add(1)
	r.mu.Unlock()

	r.log.Info("Job queued",
		zap.String("job_id", id),
		zap.String("input", cfg.Input),
		zap.String("api", cfg.API))

	go r.execute(ctx, cancel, j)
	return id, nil
}

func (r *Registry) execute(ctx context.Context, cancel context.CancelFunc, j *job.Job) {
	defer r.wg.Done()
	defer cancel()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		// Cancelled while queued; Run records the terminal state without
		// touching the input.
	}

	r.runner.Run(ctx, j)

	snap := j.Snapshot()
	r.log.Info("Job finished",
		zap.String("job_id", snap.ID),
		zap.String("status", string(snap.Status)),
		zap.Int("keys_processed", snap.KeysProcessed),
		zap.Int("found_keys", snap.FoundKeys))

	if r.opts.Store != nil {
		if err := r.opts.Store.Write(snap); err != nil {
			r.log.Warn("Failed to write job report", zap.String("job_id", snap.ID), zap.Error(err))
		}
	}
}

func sameRange(a, b job.Config) bool {
	if a.Input != b.Input || a.StartLine != b.StartLine {
		return false
	}
	switch {
	case a.EndLine == nil && b.EndLine == nil:
		return true
	case a.EndLine == nil || b.EndLine == nil:
		return false
	default:
		return *a.EndLine == *b.EndLine
	}
}

// Get returns the live job for id.
func (r *Registry) Get(id string) (*job.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Snapshot returns a detached copy of the job's state.
func (r *Registry) Snapshot(id string) (job.Snapshot, error) {
	j, ok := r.Get(id)
	if !ok {
		return job.Snapshot{}, ErrJobNotFound
	}
	return j.Snapshot(), nil
}

// List returns snapshots of every registered job, newest first.
func (r *Registry) List() []job.Snapshot {
	r.mu.RLock()
	jobs := make([]*job.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	out := make([]job.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID > out[k].ID
	})
	return out
}

// Cancel requests cancellation. A queued job is cancelled without running;
// a running job stops at its next checkpoint.
func (r *Registry) Cancel(id string) error {
	j, ok := r.Get(id)
	if !ok {
		return ErrJobNotFound
	}
	if err := j.RequestCancel(); err != nil {
		if errors.Is(err, job.ErrNotActive) {
			return ErrNotRunning
		}
		return err
	}
	r.log.Info("Job cancellation requested", zap.String("job_id", id))
	return nil
}

// Clear removes a finished job and runs the clear hooks.
func (r *Registry) Clear(id string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return ErrJobNotFound
	}
	if !j.Status().Terminal() {
		r.mu.Unlock()
		return ErrJobActive
	}
	delete(r.jobs, id)
	hooks := append([]ClearHook(nil), r.onClear...)
	r.mu.Unlock()

	snap := j.Snapshot()
	for _, hook := range hooks {
		hook(snap)
	}
	r.log.Info("Job cleared", zap.String("job_id", id))
	return nil
}

// Wait blocks until the job finishes or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (job.Snapshot, error) {
	j, ok := r.Get(id)
	if !ok {
		return job.Snapshot{}, ErrJobNotFound
	}
	select {
	case <-j.Done():
		return j.Snapshot(), nil
	case <-ctx.Done():
		return j.Snapshot(), ctx.Err()
	}
}

// Shutdown cancels every job and waits for their goroutines to return or
// for ctx to expire. Start fails afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()

	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// Stats summarizes the registry for health checks.
type Stats struct {
	Queued  int
	Running int
	Total   int

	// Closed is set once Shutdown was called.
	Closed bool
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Closed: r.shutdown}
	for _, j := range r.jobs {
		switch j.Status() {
		case job.StatusQueued:
			s.Queued++
		case job.StatusRunning:
			s.Running++
		}
		s.Total++
	}
	return s
}
