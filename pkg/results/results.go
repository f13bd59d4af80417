// Package results renders found keys for download and persists them as
// they are discovered.
//
// The CSV layout is fixed: one header row followed by one row per found
// key with the balance in BTC to eight decimals.
package results

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/3leaps/keyscan/pkg/job"
)

// TimestampLayout formats the Timestamp column.
const TimestampLayout = "2006-01-02 15:04:05"

// Header is the CSV header row.
var Header = []string{"Private Key", "Address", "Balance (BTC)", "Timestamp", "API Used"}

// Row renders one found key in Header order.
func Row(f job.FoundKey) []string {
	return []string{
		f.PrivateKey,
		f.Address,
		f.BalanceBTC,
		f.FoundAt.Format(TimestampLayout),
		f.APIUsed,
	}
}

// Rows renders found keys in discovery order.
func Rows(found []job.FoundKey) [][]string {
	rows := make([][]string, 0, len(found))
	for _, f := range found {
		rows = append(rows, Row(f))
	}
	return rows
}

// WriteCSV writes the header and one row per found key. With no found keys
// only the header is written.
func WriteCSV(w io.Writer, found []job.FoundKey) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	if err := cw.WriteAll(Rows(found)); err != nil {
		return fmt.Errorf("write csv rows: %w", err)
	}
	return nil
}
