package results

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/3leaps/keyscan/pkg/job"
)

// Format is a download format.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
	FormatJSONL Format = "jsonl"
)

// ParseFormat resolves a format name; empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX, FormatJSONL:
		return Format(s), nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatJSONL:
		return "application/x-ndjson"
	default:
		return "text/csv"
	}
}

// Write renders the job's found keys in the format.
func (f Format) Write(w io.Writer, snap job.Snapshot) error {
	switch f {
	case FormatXLSX:
		return WriteXLSX(w, snap)
	case FormatJSONL:
		return WriteJSONL(w, snap)
	default:
		return WriteCSV(w, snap.FoundKeyDetails)
	}
}

// DownloadName is the attachment file name for an export.
func DownloadName(f Format, at time.Time) string {
	return fmt.Sprintf("btc_balance_results_%s.%s", at.Format("20060102_150405"), f)
}

const (
	foundSheet   = "Found Keys"
	summarySheet = "Summary"
)

// WriteXLSX writes a workbook with the found keys and a job summary sheet.
func WriteXLSX(w io.Writer, snap job.Snapshot) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	idx, err := f.NewSheet(foundSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	_ = f.DeleteSheet("Sheet1")

	if err := writeSheetRow(f, foundSheet, 1, Header); err != nil {
		return err
	}
	for i, row := range Rows(snap.FoundKeyDetails) {
		if err := writeSheetRow(f, foundSheet, i+2, row); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	summary := [][]string{
		{"Job ID", snap.ID},
		{"Input", snap.Filename},
		{"Status", string(snap.Status)},
		{"Keys Processed", fmt.Sprint(snap.KeysProcessed)},
		{"Total Keys", fmt.Sprint(snap.TotalKeys)},
		{"Found Keys", fmt.Sprint(snap.FoundKeys)},
		{"Total Balance (BTC)", snap.TotalBalanceBTC},
	}
	pct := job.APIStatPercentages(snap.APIStats, snap.FoundKeys)
	names := make([]string, 0, len(snap.APIStats))
	for name := range snap.APIStats {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		summary = append(summary, []string{
			"API " + name,
			fmt.Sprintf("%d (%.1f%%)", snap.APIStats[name], pct[name]),
		})
	}
	for i, row := range summary {
		if err := writeSheetRow(f, summarySheet, i+1, row); err != nil {
			return err
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSheetRow(f *excelize.File, sheet string, rowNum int, values []string) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, rowNum)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("set %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}

// jsonlRecord is the envelope for one JSONL line.
type jsonlRecord struct {
	Type  string          `json:"type"`
	JobID string          `json:"job_id"`
	Data  json.RawMessage `json:"data"`
}

const (
	recordFound   = "keyscan.found.v1"
	recordSummary = "keyscan.summary.v1"
)

type summaryData struct {
	Status          job.Status         `json:"status"`
	KeysProcessed   int                `json:"keys_processed"`
	TotalKeys       int                `json:"total_keys"`
	FoundKeys       int                `json:"found_keys"`
	TotalBalanceBTC string             `json:"total_balance"`
	APIStats        map[string]int     `json:"api_stats"`
	APIPercentages  map[string]float64 `json:"api_percentages"`
}

// WriteJSONL writes one found record per key followed by a summary record.
func WriteJSONL(w io.Writer, snap job.Snapshot) error {
	for _, fk := range snap.FoundKeyDetails {
		if err := writeRecord(w, recordFound, snap.ID, fk); err != nil {
			return err
		}
	}
	return writeRecord(w, recordSummary, snap.ID, summaryData{
		Status:          snap.Status,
		KeysProcessed:   snap.KeysProcessed,
		TotalKeys:       snap.TotalKeys,
		FoundKeys:       snap.FoundKeys,
		TotalBalanceBTC: snap.TotalBalanceBTC,
		APIStats:        snap.APIStats,
		APIPercentages:  job.APIStatPercentages(snap.APIStats, snap.FoundKeys),
	})
}

func writeRecord(w io.Writer, recordType, jobID string, data any) error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", recordType, err)
	}
	line, err := json.Marshal(jsonlRecord{Type: recordType, JobID: jobID, Data: dataBytes})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return writeAll(w, append(line, '\n'))
}

// writeAll writes all of p, treating a zero-length write as an error.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
