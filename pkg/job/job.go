package job

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/3leaps/keyscan/pkg/balance"
	"github.com/3leaps/keyscan/pkg/keys"
)

// DefaultLogLimit is the number of log entries a job keeps by default.
const DefaultLogLimit = 100

// ErrNotActive is returned when cancelling a job that already finished.
var ErrNotActive = errors.New("job is not active")

// Job is the shared state of one run.
//
// All fields are guarded by mu. The engine goroutine is the only writer;
// pollers read through Snapshot.
type Job struct {
	id        string
	cfg       Config
	createdAt time.Time
	logLimit  int

	mu sync.RWMutex

	status          Status
	keysProcessed   int
	totalKeys       int
	invalidKeys     int
	unsupportedKeys int
	lookupErrors    int
	totalBalance    btcutil.Amount
	found           []FoundKey
	apiStats        map[string]int
	apiCalls        map[string]int
	log             []LogEntry
	startedAt       time.Time
	endedAt         time.Time
	errMsg          string
	failure         FailureKind

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a queued job. logLimit <= 0 keeps every log entry.
func New(id string, cfg Config, logLimit int) *Job {
	return &Job{
		id:        id,
		cfg:       cfg,
		createdAt: time.Now().UTC(),
		logLimit:  logLimit,
		status:    StatusQueued,
		apiStats:  make(map[string]int),
		apiCalls:  make(map[string]int),
		done:      make(chan struct{}),
	}
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) Config() Config {
	return j.cfg
}

func (j *Job) CreatedAt() time.Time {
	return j.createdAt
}

func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// BindCancel attaches the function that cancels the job's context.
func (j *Job) BindCancel(cancel context.CancelFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancel = cancel
}

// RequestCancel asks the engine to stop at its next checkpoint. The status
// only changes once the engine observes the request.
func (j *Job) RequestCancel() error {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return ErrNotActive
	}
	cancel := j.cancel
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// FoundKeys returns a copy of the found keys in discovery order.
func (j *Job) FoundKeys() []FoundKey {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return slices.Clone(j.found)
}

// Snapshot returns a detached copy of the job's state.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	snap := Snapshot{
		ID:              j.id,
		Status:          j.status,
		Filename:        j.cfg.displayName(),
		Input:           j.cfg.Input,
		API:             j.cfg.API,
		Delay:           j.cfg.Delay.String(),
		StartLine:       j.cfg.StartLine,
		Progress:        j.progressLocked(),
		KeysProcessed:   j.keysProcessed,
		TotalKeys:       j.totalKeys,
		FoundKeys:       len(j.found),
		InvalidKeys:     j.invalidKeys,
		UnsupportedKeys: j.unsupportedKeys,
		LookupErrors:    j.lookupErrors,
		TotalBalance:    j.totalBalance,
		TotalBalanceBTC: balance.FormatBTC(j.totalBalance),
		APIStats:        maps.Clone(j.apiStats),
		APICalls:        maps.Clone(j.apiCalls),
		APIStatsPercent: APIStatPercentages(j.apiStats, len(j.found)),
		Log:             slices.Clone(j.log),
		FoundKeyDetails: slices.Clone(j.found),
		CreatedAt:       j.createdAt,
		Error:           j.errMsg,
		Failure:         j.failure,
		OutputPath:      j.cfg.OutputPath,
	}
	if snap.Log == nil {
		snap.Log = []LogEntry{}
	}
	if snap.FoundKeyDetails == nil {
		snap.FoundKeyDetails = []FoundKey{}
	}
	if j.cfg.EndLine != nil {
		end := *j.cfg.EndLine
		snap.EndLine = &end
	}
	if !j.startedAt.IsZero() {
		started := j.startedAt
		snap.StartedAt = &started
		until := time.Now().UTC()
		if !j.endedAt.IsZero() {
			ended := j.endedAt
			snap.EndedAt = &ended
			until = ended
		}
		snap.Duration = until.Sub(started).Seconds()
	}
	return snap
}

func (j *Job) progressLocked() float64 {
	if j.status == StatusCompleted {
		return 100
	}
	if j.totalKeys <= 0 {
		return 0
	}
	p := float64(j.keysProcessed) / float64(j.totalKeys) * 100
	return min(max(p, 0), 100)
}

// appendLog records a log entry, dropping the oldest beyond the limit.
func (j *Job) appendLog(entry LogEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.log = append(j.log, entry)
	if j.logLimit > 0 && len(j.log) > j.logLimit {
		j.log = slices.Delete(j.log, 0, len(j.log)-j.logLimit)
	}
}

// begin moves the job to running with the resolved key count.
func (j *Job) begin(totalKeys int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusQueued {
		return false
	}
	j.status = StatusRunning
	j.totalKeys = totalKeys
	if j.startedAt.IsZero() {
		j.startedAt = time.Now().UTC()
	}
	return true
}

// recordSkipped counts a line that produced no lookup.
func (j *Job) recordSkipped(status keys.Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch status {
	case keys.StatusInvalid:
		j.invalidKeys++
	case keys.StatusUnsupported:
		j.unsupportedKeys++
	}
	j.keysProcessed++
}

// recordBlank counts a blank line toward progress.
func (j *Job) recordBlank() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.keysProcessed++
}

// recordLookup folds one selector result into the counters. found is
// non-nil when the address holds a positive balance.
func (j *Job) recordLookup(res balance.Result, found *FoundKey) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if res.Succeeded() {
		j.apiCalls[res.Backend]++
	} else {
		j.lookupErrors++
	}
	if found != nil {
		j.found = append(j.found, *found)
		j.totalBalance += found.Balance
		j.apiStats[found.APIUsed]++
	}
	j.keysProcessed++
}

// finish moves the job to a terminal state exactly once. kind is only
// meaningful for StatusFailed.
func (j *Job) finish(status Status, kind FailureKind, errMsg string) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	j.status = status
	j.errMsg = errMsg
	if status == StatusFailed {
		j.failure = kind
	}
	j.endedAt = time.Now().UTC()
	if j.startedAt.IsZero() {
		j.startedAt = j.endedAt
	}
	cancel := j.cancel
	j.mu.Unlock()

	close(j.done)
	if cancel != nil {
		cancel()
	}
}
