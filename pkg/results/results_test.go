package results

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/3leaps/keyscan/pkg/job"
)

var foundAt = time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

func sampleFound() []job.FoundKey {
	return []job.FoundKey{
		job.NewFoundKey("5HpHagT65TZzG1PH3CSu63k8DbpvD8s5ip4nEB3kEsreAnchuDf", "1EHNa6Q4Jz2uvNExL497mE43ikXhwF6kZm", 150000, "mempool", foundAt),
		job.NewFoundKey("KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn", "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH", 2100000000, "blockchain", foundAt.Add(time.Minute)),
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleFound()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, Header, records[0])
	assert.Equal(t, []string{
		"5HpHagT65TZzG1PH3CSu63k8DbpvD8s5ip4nEB3kEsreAnchuDf",
		"1EHNa6Q4Jz2uvNExL497mE43ikXhwF6kZm",
		"0.00150000",
		"2024-03-09 14:05:07",
		"mempool",
	}, records[1])
	assert.Equal(t, "21.00000000", records[2][2])
}

func TestWriteCSV_HeaderOnlyWhenNothingFound(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	assert.Equal(t, "Private Key,Address,Balance (BTC),Timestamp,API Used\n", buf.String())
}

func TestFileSink_WritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "found.csv")
	sink, err := OpenFileSink(path, SinkOptions{})
	require.NoError(t, err)

	for _, f := range sampleFound() {
		require.NoError(t, sink.WriteFound(f))
	}
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.WriteFound(sampleFound()[0]), ErrSinkClosed)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Private Key,Address,Balance (BTC),Timestamp,API Used", lines[0])
	assert.Equal(t, []string{path}, sink.Paths())
}

func TestFileSink_AppendsWithoutSecondHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "found.csv")
	for range 2 {
		sink, err := OpenFileSink(path, SinkOptions{})
		require.NoError(t, err)
		require.NoError(t, sink.WriteFound(sampleFound()[0]))
		require.NoError(t, sink.Close())
	}

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(b), "Private Key"))
	assert.Equal(t, 3, strings.Count(string(b), "\n"))
}

func TestFileSink_Rotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "found.csv")
	sink, err := OpenFileSink(path, SinkOptions{MaxBytes: 64})
	require.NoError(t, err)

	for _, f := range append(sampleFound(), sampleFound()...) {
		require.NoError(t, sink.WriteFound(f))
	}
	require.NoError(t, sink.Close())

	paths := sink.Paths()
	require.Greater(t, len(paths), 1)
	assert.Equal(t, filepath.Join(dir, "found_01.csv"), paths[1])

	rows := 0
	for _, p := range paths {
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		content := string(b)
		assert.True(t, strings.HasPrefix(content, "Private Key,"), "%s starts with header", p)
		rows += strings.Count(content, "\n") - 1
	}
	assert.Equal(t, 4, rows)
}

func TestRotatedPath(t *testing.T) {
	assert.Equal(t, "out/found_01.csv", RotatedPath("out/found.csv", 1))
	assert.Equal(t, "found_12", RotatedPath("found", 12))
}

func sampleSnapshot() job.Snapshot {
	found := sampleFound()
	return job.Snapshot{
		ID:              "job-1",
		Status:          job.StatusCompleted,
		Filename:        "keys.txt",
		KeysProcessed:   10,
		TotalKeys:       10,
		FoundKeys:       len(found),
		TotalBalanceBTC: "21.00150000",
		APIStats:        map[string]int{"mempool": 1, "blockchain": 1},
		FoundKeyDetails: found,
	}
}

func TestWriteJSONL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, sampleSnapshot()))

	var types []string
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var rec struct {
			Type  string          `json:"type"`
			JobID string          `json:"job_id"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		assert.Equal(t, "job-1", rec.JobID)
		types = append(types, rec.Type)
	}
	assert.Equal(t, []string{recordFound, recordFound, recordSummary}, types)
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, sampleSnapshot()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(foundSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, "1EHNa6Q4Jz2uvNExL497mE43ikXhwF6kZm", rows[1][1])

	summary, err := f.GetRows(summarySheet)
	require.NoError(t, err)
	assert.Contains(t, summary, []string{"API mempool", "1 (50.0%)"})
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatCSV, "csv": FormatCSV, "xlsx": FormatXLSX, "jsonl": FormatJSONL} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("pdf")
	assert.Error(t, err)

	assert.Equal(t, "btc_balance_results_20240309_140507.csv", DownloadName(FormatCSV, foundAt))
}
