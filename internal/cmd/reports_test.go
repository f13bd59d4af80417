package cmd

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/keyscan/pkg/job"
	"github.com/3leaps/keyscan/pkg/jobregistry"
)

func writeReports(t *testing.T) (string, *jobregistry.Store) {
	t.Helper()
	dir := t.TempDir()
	store := jobregistry.NewStore(dir)

	now := time.Now().UTC()
	old := now.Add(-30 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	reports := []job.Snapshot{
		{
			ID: "aaaa1111-old", Status: job.StatusCompleted, Filename: "old.txt",
			CreatedAt: old, StartedAt: &old, EndedAt: &old,
			KeysProcessed: 5, TotalKeys: 5, TotalBalanceBTC: "0.00000000",
			Log: []job.LogEntry{{Time: old, Level: "info", Message: "Job completed"}},
		},
		{
			ID: "bbbb2222-recent", Status: job.StatusFailed, Filename: "recent.txt",
			CreatedAt: recent, StartedAt: &recent, EndedAt: &recent,
			FoundKeys: 1, TotalBalanceBTC: "0.00005000", Error: "input not found",
			FoundKeyDetails: []job.FoundKey{
				job.NewFoundKey("KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn", "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH", 5000, "mempool", recent),
			},
			Log: []job.LogEntry{
				{Time: recent, Level: "info", Message: "Job started"},
				{Time: recent, Level: "warning", Message: "Lookup failed"},
				{Time: recent, Level: "error", Message: "Job failed"},
			},
		},
		{
			ID: "bbbb3333-running", Status: job.StatusRunning, Filename: "running.txt",
			CreatedAt: old, StartedAt: &old,
		},
	}
	for _, snap := range reports {
		require.NoError(t, store.Write(snap))
	}
	return dir, store
}

func TestReportsList(t *testing.T) {
	dir, _ := writeReports(t)

	out, err := runSubcommand(t, reportsListCmd, "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, "bbbb2222-rec")
	assert.Contains(t, out, "0.00005000")
	assert.Less(t, strings.Index(out, "bbbb2222"), strings.Index(out, "aaaa1111"), "newest first")

	out, err = runSubcommand(t, reportsListCmd, "--dir", dir, "--json")
	require.NoError(t, err)
	var snaps []job.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snaps))
	require.Len(t, snaps, 3)
	for _, s := range snaps {
		assert.Empty(t, s.Log)
		assert.Empty(t, s.FoundKeyDetails)
	}
}

func TestReportsList_Empty(t *testing.T) {
	out, err := runSubcommand(t, reportsListCmd, "--dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No reports found")
}

func TestReportsShow_Prefix(t *testing.T) {
	dir, _ := writeReports(t)

	out, err := runSubcommand(t, reportsShowCmd, "--dir", dir, "bbbb2222")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:         failed")
	assert.Contains(t, out, "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH")
	assert.Contains(t, out, "(mempool)")
	assert.Contains(t, out, "Error:          input not found")
}

func TestReportsShow_Errors(t *testing.T) {
	dir, _ := writeReports(t)

	_, err := runSubcommand(t, reportsShowCmd, "--dir", dir, "bbbb")
	require.Error(t, err)
	assert.Equal(t, ExitUsage, ExitCode(err))
	assert.Contains(t, err.Error(), "ambiguous")

	_, err = runSubcommand(t, reportsShowCmd, "--dir", dir, "zzzz")
	require.Error(t, err)
	assert.Equal(t, ExitNoInput, ExitCode(err))
}

func TestReportsLogs_Tail(t *testing.T) {
	dir, _ := writeReports(t)

	out, err := runSubcommand(t, reportsLogsCmd, "--dir", dir, "--tail", "2", "bbbb2222-recent")
	require.NoError(t, err)
	assert.NotContains(t, out, "Job started")
	assert.Contains(t, out, "[WARNING] Lookup failed")
	assert.Contains(t, out, "[ERROR] Job failed")
}

func TestReportsGC(t *testing.T) {
	dir, store := writeReports(t)

	out, err := runSubcommand(t, reportsGCCmd, "--dir", dir, "--max-age", "168h", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would_delete=1")
	assert.FileExists(t, store.JobPath("aaaa1111-old"))

	out, err = runSubcommand(t, reportsGCCmd, "--dir", dir, "--max-age", "168h")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted=1")
	_, statErr := os.Stat(store.JobDir("aaaa1111-old"))
	assert.True(t, os.IsNotExist(statErr))
	assert.FileExists(t, store.JobPath("bbbb2222-recent"))
	assert.FileExists(t, store.JobPath("bbbb3333-running"), "running jobs are kept")

	_, err = runSubcommand(t, reportsGCCmd, "--dir", dir, "--max-age=-1h")
	require.Error(t, err)
	assert.Equal(t, ExitUsage, ExitCode(err))
}
