package job

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/keyscan/pkg/balance"
	"github.com/3leaps/keyscan/pkg/keys"
)

func TestConfig_Validate(t *testing.T) {
	neg := -1
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "valid", cfg: Config{Input: "keys.txt", API: "auto"}},
		{name: "valid fixed", cfg: Config{Input: "keys.txt", API: "mempool", Delay: time.Second}},
		{name: "missing input", cfg: Config{API: "auto"}, wantErr: "input is required"},
		{name: "negative start", cfg: Config{Input: "k", StartLine: -2}, wantErr: "start line"},
		{name: "negative end", cfg: Config{Input: "k", EndLine: &neg}, wantErr: "end line"},
		{name: "negative delay", cfg: Config{Input: "k", Delay: -time.Second}, wantErr: "delay"},
		{name: "unknown api", cfg: Config{Input: "k", API: "nope"}, wantErr: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStatus(t *testing.T) {
	for _, s := range []Status{StatusQueued, StatusRunning} {
		assert.True(t, s.Active(), s)
		assert.False(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Active(), s)
	}
}

func TestJob_NewIsQueued(t *testing.T) {
	j := New("abc", Config{Input: "keys.txt", Filename: "upload.txt", API: "auto"}, DefaultLogLimit)

	snap := j.Snapshot()
	assert.Equal(t, "abc", snap.ID)
	assert.Equal(t, StatusQueued, snap.Status)
	assert.Equal(t, "upload.txt", snap.Filename)
	assert.Zero(t, snap.Progress)
	assert.Nil(t, snap.StartedAt)
	assert.NotNil(t, snap.Log)
	assert.NotNil(t, snap.FoundKeyDetails)
	assert.Empty(t, snap.APIStats)
	assert.NotNil(t, snap.APIStatsPercent)
	assert.Empty(t, snap.APIStatsPercent)
}

func TestJob_LogIsBounded(t *testing.T) {
	j := New("abc", Config{Input: "k"}, 3)
	for i := range 10 {
		j.appendLog(LogEntry{Level: "INFO", Message: fmt.Sprintf("line %d", i)})
	}

	snap := j.Snapshot()
	require.Len(t, snap.Log, 3)
	assert.Equal(t, "line 7", snap.Log[0].Message)
	assert.Equal(t, "line 9", snap.Log[2].Message)
}

func TestJob_UnboundedLog(t *testing.T) {
	j := New("abc", Config{Input: "k"}, 0)
	for range 250 {
		j.appendLog(LogEntry{Level: "INFO", Message: "x"})
	}
	assert.Len(t, j.Snapshot().Log, 250)
}

func TestJob_Progress(t *testing.T) {
	j := New("abc", Config{Input: "k"}, DefaultLogLimit)
	require.True(t, j.begin(4))
	assert.False(t, j.begin(4), "begin runs once")

	j.recordBlank()
	assert.InDelta(t, 25.0, j.Snapshot().Progress, 0.001)

	j.recordSkipped(keys.StatusInvalid)
	j.recordSkipped(keys.StatusUnsupported)
	snap := j.Snapshot()
	assert.InDelta(t, 75.0, snap.Progress, 0.001)
	assert.Equal(t, 1, snap.InvalidKeys)
	assert.Equal(t, 1, snap.UnsupportedKeys)

	j.finish(StatusCompleted, "", "")
	assert.Equal(t, float64(100), j.Snapshot().Progress)
}

func TestJob_FinishIsIdempotent(t *testing.T) {
	cancelled := 0
	j := New("abc", Config{Input: "k"}, DefaultLogLimit)
	j.BindCancel(func() { cancelled++ })

	require.NoError(t, j.RequestCancel())
	assert.Equal(t, StatusQueued, j.Status(), "status changes only when the engine observes the request")

	j.finish(StatusCancelled, "", "")
	j.finish(StatusFailed, FailureInput, "late")

	snap := j.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Empty(t, snap.Error)
	assert.Equal(t, 2, cancelled)
	assert.ErrorIs(t, j.RequestCancel(), ErrNotActive)
}

func TestJob_SnapshotIsDetached(t *testing.T) {
	j := New("abc", Config{Input: "k"}, DefaultLogLimit)
	j.begin(2)
	found := NewFoundKey("k1", "addr", 10, "fake", time.Now())
	j.recordLookup(balance.Result{Backend: "fake", Outcome: balance.OutcomeBalance, Amount: 10}, &found)

	snap := j.Snapshot()
	snap.APIStats["fake"] = 99
	snap.FoundKeyDetails[0].Address = "mutated"

	again := j.Snapshot()
	assert.Equal(t, 1, again.APIStats["fake"])
	assert.Equal(t, "addr", again.FoundKeyDetails[0].Address)
	assert.Equal(t, "0.00000010", again.TotalBalanceBTC)
}

func TestJob_ConcurrentSnapshots(t *testing.T) {
	j := New("abc", Config{Input: "k"}, 10)
	j.begin(1000)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 1000 {
			res := balance.Result{Backend: "fake", Outcome: balance.OutcomeBalance}
			if i%10 == 0 {
				res.Amount = 1
				f := NewFoundKey("k", "a", 1, "fake", time.Now())
				j.recordLookup(res, &f)
			} else {
				j.recordLookup(res, nil)
			}
			j.appendLog(LogEntry{Level: "DEBUG", Message: "tick"})
		}
		j.finish(StatusCompleted, "", "")
	}()

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				snap := j.Snapshot()
				assert.Equal(t, len(snap.FoundKeyDetails), snap.FoundKeys)
				assert.LessOrEqual(t, snap.Progress, 100.0)
				if snap.Status.Terminal() {
					return
				}
			}
		}()
	}
	wg.Wait()

	snap := j.Snapshot()
	assert.Equal(t, 1000, snap.KeysProcessed)
	assert.Equal(t, 100, snap.FoundKeys)
	assert.Equal(t, 1000, snap.APICalls["fake"])
}

func TestLogCore_LevelsAndFields(t *testing.T) {
	j := New("abc", Config{Input: "k"}, DefaultLogLimit)
	log := loggerFor(zap.NewNop(), j, zapcore.InfoLevel)

	log.Debug("hidden")
	log.Info("hello", zap.Int("line", 3), zap.String("api", "mempool"))
	log.Warn("careful")
	log.Error("broken")

	entries := j.Snapshot().Log
	require.Len(t, entries, 3)
	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "hello api=mempool line=3", entries[0].Message)
	assert.Equal(t, "WARNING", entries[1].Level)
	assert.Equal(t, "careful", entries[1].Message, "job_id is not rendered")
	assert.Equal(t, "ERROR", entries[2].Level)
	assert.False(t, entries[0].Time.IsZero())
}

func TestEngine_RunIsSafeForConcurrentJobs(t *testing.T) {
	input := writeInput(t, keyOneHex, keyTwoHex, keyThreeHex)
	b := &scriptedBackend{name: "fake", fallback: zeroBalance()}
	e := engineWith(balance.ModeAuto, b)

	jobs := make([]*Job, 4)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = New(fmt.Sprintf("job-%d", i), Config{Input: input, API: "auto"}, DefaultLogLimit)
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			e.Run(context.Background(), j)
		}(jobs[i])
	}
	wg.Wait()

	for _, j := range jobs {
		snap := j.Snapshot()
		assert.Equal(t, StatusCompleted, snap.Status)
		assert.Equal(t, 3, snap.KeysProcessed)
	}
	assert.Equal(t, 12, b.callCount())
}

func TestAPIStatPercentages(t *testing.T) {
	tests := []struct {
		name  string
		stats map[string]int
		found int
		want  map[string]float64
	}{
		{name: "no found keys", stats: map[string]int{"a": 0}, found: 0, want: map[string]float64{}},
		{name: "nil stats", stats: nil, found: 3, want: map[string]float64{}},
		{name: "single backend", stats: map[string]int{"a": 4}, found: 4, want: map[string]float64{"a": 100}},
		{name: "thirds round to one decimal", stats: map[string]int{"a": 1, "b": 2}, found: 3, want: map[string]float64{"a": 33.3, "b": 66.7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := APIStatPercentages(tt.stats, tt.found)
			assert.Equal(t, tt.want, got)

			sum := 0.0
			for _, v := range got {
				sum += v
			}
			assert.LessOrEqual(t, sum, 100.0+0.05*float64(len(got)))
		})
	}
}
