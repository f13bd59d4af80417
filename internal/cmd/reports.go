package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/keyscan/pkg/job"
	"github.com/3leaps/keyscan/pkg/jobregistry"
	"github.com/3leaps/keyscan/pkg/results"
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Inspect finished job reports",
	Long: `Inspect the JSON reports written when a job finishes.

Reports are written by 'keyscan serve' when jobs.reports_dir is set and by
'keyscan check --summary <dir>'. Each job has <dir>/<job_id>/job.json.

Job ids may be shortened to any unique prefix.`,
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job reports, newest first",
	RunE:  runReportsList,
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show a job report",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportsShow,
}

var reportsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show the log recorded with a job report",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportsLogs,
}

var reportsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old job reports",
	RunE:  runReportsGC,
}

func init() {
	rootCmd.AddCommand(reportsCmd)
	reportsCmd.AddCommand(reportsListCmd)
	reportsCmd.AddCommand(reportsShowCmd)
	reportsCmd.AddCommand(reportsLogsCmd)
	reportsCmd.AddCommand(reportsGCCmd)

	reportsCmd.PersistentFlags().String("dir", "", "Report directory (default: jobs.reports_dir)")
	reportsListCmd.Flags().Bool("json", false, "Output as JSON")
	reportsShowCmd.Flags().Bool("json", false, "Output as JSON")
	reportsLogsCmd.Flags().Int("tail", 0, "Show last N entries (0 = all)")
	reportsGCCmd.Flags().String("max-age", "168h", "Delete reports of jobs that ended longer ago than this")
	reportsGCCmd.Flags().Bool("dry-run", false, "Show how many reports would be deleted")
	reportsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func reportsStore(cmd *cobra.Command) (*jobregistry.Store, error) {
	dir, _ := cmd.Flags().GetString("dir")
	dir = strings.TrimSpace(dir)
	if dir == "" {
		cfg, err := appConfig(cmd.Context())
		if err != nil {
			return nil, exitError(ExitConfig, "Failed to load configuration", err)
		}
		dir = cfg.Jobs.ReportsDir
	}
	if dir == "" {
		return nil, usageError("no report directory: pass --dir or set jobs.reports_dir")
	}
	return jobregistry.NewStore(dir), nil
}

func runReportsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	store, err := reportsStore(cmd)
	if err != nil {
		return err
	}
	jobs, err := store.List()
	if err != nil {
		return err
	}

	if jsonOutput {
		for i := range jobs {
			jobs[i].Log = nil
			jobs[i].FoundKeyDetails = nil
		}
		return writeIndentedJSON(out, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No reports found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATUS\tINPUT\tKEYS\tFOUND\tBALANCE\tSTARTED\tENDED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\t%s\n",
			shortJobID(j.ID),
			j.Status,
			j.Filename,
			j.KeysProcessed,
			j.TotalKeys,
			j.FoundKeys,
			j.TotalBalanceBTC,
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
		)
	}
	return nil
}

func runReportsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	store, err := reportsStore(cmd)
	if err != nil {
		return err
	}
	snap, err := loadReport(store, args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeIndentedJSON(out, snap)
	}
	printCheckSummary(out, *snap)
	for _, f := range snap.FoundKeyDetails {
		_, _ = fmt.Fprintf(out, "  %s  %s BTC  %s  (%s)\n", f.Address, f.BalanceBTC, f.PrivateKey, f.APIUsed)
	}
	return nil
}

func runReportsLogs(cmd *cobra.Command, args []string) error {
	tail, _ := cmd.Flags().GetInt("tail")
	if tail < 0 {
		return usageError("--tail must be >= 0")
	}

	store, err := reportsStore(cmd)
	if err != nil {
		return err
	}
	snap, err := loadReport(store, args[0])
	if err != nil {
		return err
	}

	entries := snap.Log
	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	out := cmd.OutOrStdout()
	for _, e := range entries {
		_, _ = fmt.Fprintf(out, "%s [%s] %s\n", e.Time.Format(results.TimestampLayout), strings.ToUpper(e.Level), e.Message)
	}
	return nil
}

type reportsGCResult struct {
	Deleted     int    `json:"deleted"`
	WouldDelete int    `json:"would_delete"`
	DryRun      bool   `json:"dry_run"`
	MaxAge      string `json:"max_age"`
}

func runReportsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAge, err := time.ParseDuration(strings.TrimSpace(maxAgeStr))
	if err != nil {
		return usageError("invalid --max-age: %v", err)
	}
	if maxAge <= 0 {
		return usageError("--max-age must be > 0")
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := reportsStore(cmd)
	if err != nil {
		return err
	}
	jobs, err := store.List()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	deleted := 0
	for _, j := range jobs {
		if !j.Status.Terminal() || j.EndedAt == nil {
			continue
		}
		if now.Sub(j.EndedAt.UTC()) <= maxAge {
			continue
		}
		if !dryRun {
			if err := os.RemoveAll(store.JobDir(j.ID)); err != nil {
				return fmt.Errorf("remove report dir: %w", err)
			}
		}
		deleted++
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		res := reportsGCResult{DryRun: dryRun, MaxAge: maxAge.String()}
		if dryRun {
			res.WouldDelete = deleted
		} else {
			res.Deleted = deleted
		}
		return writeIndentedJSON(out, res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", deleted)
		return nil
	}
	_, _ = fmt.Fprintf(out, "deleted=%d\n", deleted)
	return nil
}

// loadReport reads the report for an id or a unique id prefix.
func loadReport(store *jobregistry.Store, input string) (*job.Snapshot, error) {
	id, err := resolveJobID(store, input)
	if err != nil {
		return nil, err
	}
	return store.Get(id)
}

func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", usageError("job_id is required")
	}

	// Exact match first.
	if _, err := store.Get(input); err == nil {
		return input, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := store.List()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, j := range jobs {
		if strings.HasPrefix(j.ID, input) {
			matches = append(matches, j.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", exitError(ExitNoInput, "Report not found", fmt.Errorf("job not found: %s", input))
	case 1:
		return matches[0], nil
	default:
		return "", usageError("job id prefix %q is ambiguous (%d matches)", input, len(matches))
	}
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
